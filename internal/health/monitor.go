// Package health tracks pipeline liveness and named degradation markers.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStaleAfter is how long a pipeline may go without a beat before
// it is reported stale.
const DefaultStaleAfter = 30 * time.Second

// Report is one health-check snapshot.
type Report struct {
	Healthy        bool
	StalePipelines []string
	Degradations   []string
	CheckedAt      time.Time
}

// Monitor collects heartbeats from the pipelines and degradation markers
// from the executor and storage layers.
type Monitor struct {
	mu         sync.Mutex
	beats      map[string]time.Time
	degraded   map[string]time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// NewMonitor creates a monitor. staleAfter <= 0 uses the default.
func NewMonitor(staleAfter time.Duration) *Monitor {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Monitor{
		beats:      make(map[string]time.Time),
		degraded:   make(map[string]time.Time),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Beat records a completed tick for a pipeline.
func (m *Monitor) Beat(pipeline string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beats[pipeline] = m.now()
}

// MarkDegraded raises a named marker. Idempotent.
func (m *Monitor) MarkDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.degraded[reason]; !ok {
		m.degraded[reason] = m.now()
		log.Warn().Str("reason", reason).Msg("Health degradation raised")
	}
}

// ClearDegraded removes a named marker. Idempotent.
func (m *Monitor) ClearDegraded(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.degraded[reason]; ok {
		delete(m.degraded, reason)
		log.Info().Str("reason", reason).Msg("Health degradation cleared")
	}
}

// Degraded reports whether any marker is raised.
func (m *Monitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.degraded) > 0
}

// Check builds the current report. Pipelines that have never beaten are
// not reported stale; they may not have started yet.
func (m *Monitor) Check() Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	r := Report{CheckedAt: now}
	for name, last := range m.beats {
		if now.Sub(last) > m.staleAfter {
			r.StalePipelines = append(r.StalePipelines, name)
		}
	}
	for reason := range m.degraded {
		r.Degradations = append(r.Degradations, reason)
	}
	sort.Strings(r.StalePipelines)
	sort.Strings(r.Degradations)
	r.Healthy = len(r.StalePipelines) == 0 && len(r.Degradations) == 0
	return r
}

// LogCheck runs Check and logs the outcome; wired as the health pipeline.
func (m *Monitor) LogCheck() Report {
	r := m.Check()
	if r.Healthy {
		log.Debug().Msg("Health check passed")
		return r
	}
	log.Warn().
		Strs("stale_pipelines", r.StalePipelines).
		Strs("degradations", r.Degradations).
		Msg("Health check failed")
	return r
}
