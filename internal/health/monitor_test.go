package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFreshBeatsAreHealthy(t *testing.T) {
	m := NewMonitor(30 * time.Second)
	m.Beat("tickers")
	m.Beat("signals")

	r := m.Check()
	assert.True(t, r.Healthy)
	assert.Empty(t, r.StalePipelines)
}

func TestStalePipelineFailsCheck(t *testing.T) {
	m := NewMonitor(30 * time.Second)
	base := time.Now()
	m.now = func() time.Time { return base }
	m.Beat("tickers")
	m.Beat("signals")

	m.now = func() time.Time { return base.Add(time.Minute) }
	m.Beat("signals")

	r := m.Check()
	assert.False(t, r.Healthy)
	assert.Equal(t, []string{"tickers"}, r.StalePipelines)
}

func TestDegradationMarkersAreIdempotent(t *testing.T) {
	m := NewMonitor(0)
	m.MarkDegraded("persistence degraded")
	m.MarkDegraded("persistence degraded")
	assert.True(t, m.Degraded())

	r := m.Check()
	assert.False(t, r.Healthy)
	assert.Equal(t, []string{"persistence degraded"}, r.Degradations)

	m.ClearDegraded("persistence degraded")
	m.ClearDegraded("persistence degraded")
	assert.True(t, m.Check().Healthy)
}

func TestNeverBeatenPipelineIsNotStale(t *testing.T) {
	m := NewMonitor(time.Millisecond)
	assert.True(t, m.Check().Healthy, "pipelines that have not started yet are not stale")
}
