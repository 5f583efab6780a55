package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineTicksAtInterval(t *testing.T) {
	var runs atomic.Int64
	p := newPipeline("t", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go p.run(ctx)
	time.Sleep(120 * time.Millisecond)
	cancel()

	got := runs.Load()
	assert.GreaterOrEqual(t, got, int64(8), "expected ~11 ticks, got %d", got)
}

func TestSlowTickDefersAndAccountsOverrun(t *testing.T) {
	var runs atomic.Int64
	p := newPipeline("slow", 10*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		time.Sleep(35 * time.Millisecond)
		return nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go p.run(ctx)
	time.Sleep(150 * time.Millisecond)
	cancel()

	s := p.Stats()
	assert.Less(t, s.Runs, uint64(8), "ticks must be deferred, not stacked: %d runs", s.Runs)
	assert.Positive(t, s.TotalDelay, "overrun must be accounted")
}

func TestFaultsAreIsolated(t *testing.T) {
	var runs atomic.Int64
	p := newPipeline("faulty", 5*time.Millisecond, func(context.Context) error {
		n := runs.Add(1)
		if n == 1 {
			return errors.New("boom")
		}
		if n == 2 {
			panic("worse boom")
		}
		return nil
	}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go p.run(ctx)
	time.Sleep(60 * time.Millisecond)
	cancel()

	s := p.Stats()
	assert.GreaterOrEqual(t, s.Runs, uint64(3), "pipeline must survive error and panic")
	assert.Equal(t, uint64(2), s.Faults)
}

func TestFaultHookReportsStreakAndRecovery(t *testing.T) {
	var mu sync.Mutex
	var streaks []uint64
	hook := func(name string, cause any, streak uint64) {
		mu.Lock()
		streaks = append(streaks, streak)
		mu.Unlock()
	}

	var runs atomic.Int64
	p := newPipeline("flaky", 5*time.Millisecond, func(context.Context) error {
		if runs.Add(1) <= 3 {
			return errors.New("boom")
		}
		return nil
	}, nil, hook)

	ctx, cancel := context.WithCancel(context.Background())
	go p.run(ctx)
	time.Sleep(80 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(streaks), 4)
	assert.Equal(t, []uint64{1, 2, 3, 0}, streaks[:4],
		"streak counts up per fault and reports zero once on recovery")
}

func TestStopDrainsAllPipelines(t *testing.T) {
	o := New(1, nil)
	var runs atomic.Int64
	for _, name := range []string{"a", "b", "c"} {
		o.Add(name, 5*time.Millisecond, func(context.Context) error {
			runs.Add(1)
			return nil
		})
	}

	o.Start(context.Background())
	time.Sleep(80 * time.Millisecond)
	require.True(t, o.Stop(), "drain must complete inside the timeout")

	settled := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, runs.Load(), "no ticks after Stop")
}

func TestReplaySpeedCompressesIntervals(t *testing.T) {
	o := New(10, nil)
	var runs atomic.Int64
	o.Add("fast", 100*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	})

	o.Start(context.Background())
	time.Sleep(120 * time.Millisecond)
	o.Stop()

	// 100ms at 10x replay ticks every 10ms.
	assert.GreaterOrEqual(t, runs.Load(), int64(5))
}

type beatRecorder struct {
	beats atomic.Int64
}

func (b *beatRecorder) Beat(string) { b.beats.Add(1) }

func TestHeartbeatFiresPerTick(t *testing.T) {
	hb := &beatRecorder{}
	o := New(1, hb)
	o.Add("hb", 5*time.Millisecond, func(context.Context) error { return nil })

	o.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	o.Stop()

	assert.Positive(t, hb.beats.Load())
}
