// Package orchestrator runs the engine's cadenced pipelines: tickers,
// signals, signal rules, trading rules and order execution.
package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Stats is a pipeline's run accounting, reported on shutdown and in the
// backtest summary.
type Stats struct {
	Name        string
	Runs        uint64
	Faults      uint64
	TotalWait   time.Duration // slept waiting for ticks
	TotalDelay  time.Duration // accumulated overrun of deferred ticks
	AverageWait time.Duration
}

// FaultHook observes tick outcomes. It is called with the consecutive
// fault count after every failed tick, and once with cause nil and
// streak 0 when a successful tick ends a fault streak.
type FaultHook func(name string, cause any, streak uint64)

// Pipeline is one cadenced worker. Ticks never run reentrantly: when a
// tick's work outlives the interval the next tick is deferred and the
// overrun accumulated.
type Pipeline struct {
	name     string
	interval time.Duration
	work     func(ctx context.Context) error

	runs   atomic.Uint64
	faults atomic.Uint64
	streak atomic.Uint64
	waitNs atomic.Int64
	lateNs atomic.Int64

	beat    func(name string)
	onFault FaultHook
}

func newPipeline(name string, interval time.Duration, work func(ctx context.Context) error, beat func(string), onFault FaultHook) *Pipeline {
	return &Pipeline{name: name, interval: interval, work: work, beat: beat, onFault: onFault}
}

// Stats returns a consistent-enough snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	runs := p.runs.Load()
	s := Stats{
		Name:       p.name,
		Runs:       runs,
		Faults:     p.faults.Load(),
		TotalWait:  time.Duration(p.waitNs.Load()),
		TotalDelay: time.Duration(p.lateNs.Load()),
	}
	if runs > 0 {
		s.AverageWait = s.TotalWait / time.Duration(runs)
	}
	return s
}

// run drives the monotonic tick loop: next = start + n*interval. A slow
// tick shifts nothing; the loop catches up tick by tick, accounting the
// slippage instead of dropping work.
func (p *Pipeline) run(ctx context.Context) {
	start := time.Now()
	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for n := int64(1); ; n++ {
		next := start.Add(time.Duration(n) * p.interval)
		wait := time.Until(next)
		if wait < 0 {
			p.lateNs.Add(int64(-wait))
			wait = 0
		} else {
			p.waitNs.Add(int64(wait))
		}

		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.tick(ctx)
		if p.beat != nil {
			p.beat(p.name)
		}
	}
}

// tick runs the work once, isolating faults so one bad tick never kills
// the pipeline.
func (p *Pipeline) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("pipeline", p.name).
				Str("panic", fmt.Sprint(r)).
				Bytes("stack", debug.Stack()).
				Msg("Pipeline tick panicked, continuing")
			p.fault(r)
		}
	}()

	p.runs.Add(1)
	if err := p.work(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Error().Err(err).Str("pipeline", p.name).Msg("Pipeline tick failed, continuing")
		p.fault(err)
		return
	}
	p.recovered()
}

// fault accounts one failed tick and reports the running streak.
func (p *Pipeline) fault(cause any) {
	p.faults.Add(1)
	streak := p.streak.Add(1)
	if p.onFault != nil {
		p.onFault(p.name, cause, streak)
	}
}

// recovered resets the streak, reporting once when faults preceded it.
func (p *Pipeline) recovered() {
	if p.streak.Swap(0) > 0 && p.onFault != nil {
		p.onFault(p.name, nil, 0)
	}
}
