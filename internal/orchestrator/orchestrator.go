package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Base intervals of the five engine pipelines. Replay divides them by the
// speed multiplier.
const (
	TickersInterval      = 1 * time.Second
	SignalsInterval      = 7 * time.Second
	SignalRulesInterval  = 3 * time.Second
	TradingRulesInterval = 3 * time.Second
	OrderExecInterval    = 1 * time.Second
)

// startStagger spaces pipeline startup so the first ticks do not land in
// one synchronized burst.
const startStagger = 200 * time.Millisecond

// drainTimeout bounds how long Stop waits for pipelines to finish.
const drainTimeout = 20 * time.Second

// Heartbeat receives a liveness beat after every completed tick.
type Heartbeat interface {
	Beat(pipeline string)
}

// Orchestrator owns the pipeline workers. Add pipelines, then Start once;
// Stop is cooperative with a bounded drain.
type Orchestrator struct {
	mu        sync.Mutex
	pipelines []*Pipeline
	speed     float64
	heartbeat Heartbeat
	onFault   FaultHook

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	wg      sync.WaitGroup
}

// New creates an orchestrator. speed > 1 compresses every interval for
// replay; live mode passes 1.
func New(speed float64, heartbeat Heartbeat) *Orchestrator {
	if speed <= 0 {
		speed = 1.0
	}
	return &Orchestrator{speed: speed, heartbeat: heartbeat}
}

// OnFault installs the fault hook on every pipeline registered after the
// call. Set it before Add.
func (o *Orchestrator) OnFault(hook FaultHook) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onFault = hook
}

// Add registers a pipeline before Start. The interval is divided by the
// replay speed.
func (o *Orchestrator) Add(name string, interval time.Duration, work func(ctx context.Context) error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	scaled := time.Duration(float64(interval) / o.speed)
	if scaled < time.Millisecond {
		scaled = time.Millisecond
	}
	var beat func(string)
	if o.heartbeat != nil {
		beat = o.heartbeat.Beat
	}
	o.pipelines = append(o.pipelines, newPipeline(name, scaled, work, beat, o.onFault))
}

// Start launches every registered pipeline with a staggered startup.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	o.started = true

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})

	for i, p := range o.pipelines {
		o.wg.Add(1)
		go func(p *Pipeline, delay time.Duration) {
			defer o.wg.Done()
			select {
			case <-runCtx.Done():
				return
			case <-time.After(delay):
			}
			log.Info().Str("pipeline", p.name).Dur("interval", p.interval).Msg("Pipeline started")
			p.run(runCtx)
		}(p, time.Duration(i)*startStagger)
	}

	go func() {
		o.wg.Wait()
		close(o.done)
	}()
}

// Stop cancels the pipelines and waits up to the drain timeout for them to
// exit. Returns false when the drain timed out.
func (o *Orchestrator) Stop() bool {
	o.mu.Lock()
	if !o.started || o.cancel == nil {
		o.mu.Unlock()
		return true
	}
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
		for _, s := range o.AllStats() {
			log.Info().Str("pipeline", s.Name).Uint64("runs", s.Runs).Uint64("faults", s.Faults).
				Dur("avg_wait", s.AverageWait).Dur("total_delay", s.TotalDelay).
				Msg("Pipeline stopped")
		}
		return true
	case <-time.After(drainTimeout):
		log.Error().Msg("Pipeline drain timed out, forcing shutdown")
		return false
	}
}

// Done is closed once every pipeline has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// AllStats snapshots every pipeline's accounting.
func (o *Orchestrator) AllStats() []Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Stats, len(o.pipelines))
	for i, p := range o.pipelines {
		out[i] = p.Stats()
	}
	return out
}
