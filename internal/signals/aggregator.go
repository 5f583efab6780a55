package signals

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// Aggregator merges snapshots from every configured provider and exposes
// them keyed by pair. Refresh is driven by the orchestrator's signals
// pipeline; push-stream providers write through Publish between polls.
type Aggregator struct {
	mu        sync.RWMutex
	providers []Provider

	// symbol -> signal name -> latest snapshot
	snapshots map[string]map[string]rules.SignalSnapshot

	globalRating    *decimal.Decimal
	lastRefreshedAt time.Time
}

// NewAggregator creates an aggregator over the given providers.
func NewAggregator(providers ...Provider) *Aggregator {
	return &Aggregator{
		providers: providers,
		snapshots: make(map[string]map[string]rules.SignalSnapshot),
	}
}

// Refresh polls every provider for the pair universe. A provider failure
// is logged and skipped; stale snapshots stay in place so one flaky feed
// never blanks the whole view.
func (a *Aggregator) Refresh(ctx context.Context, pairs []domain.TradingPair) {
	for _, p := range a.providers {
		snaps, err := p.GetSignalsForPairs(ctx, pairs)
		if err != nil {
			log.Warn().Err(err).Str("provider", p.Name()).Msg("Signal poll failed, keeping stale snapshots")
			continue
		}
		for _, s := range snaps {
			a.Publish(s)
		}
	}
	a.recomputeGlobalRating()

	a.mu.Lock()
	a.lastRefreshedAt = time.Now()
	a.mu.Unlock()
}

// Publish stores one snapshot, replacing the provider's previous view of
// the pair. Used by both the poll path and push streams.
func (a *Aggregator) Publish(s rules.SignalSnapshot) {
	if s.Pair.IsZero() || s.Signal == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	byName, ok := a.snapshots[s.Pair.Symbol()]
	if !ok {
		byName = make(map[string]rules.SignalSnapshot)
		a.snapshots[s.Pair.Symbol()] = byName
	}
	byName[s.Signal] = s
}

// SnapshotsFor returns a copy of the current snapshots for a pair, keyed
// by signal name.
func (a *Aggregator) SnapshotsFor(pair domain.TradingPair) map[string]rules.SignalSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	byName := a.snapshots[pair.Symbol()]
	out := make(map[string]rules.SignalSnapshot, len(byName))
	for k, v := range byName {
		out[k] = v
	}
	return out
}

// GlobalRating returns the weighted aggregate rating across all providers
// and pairs, or nil when no provider has reported a rating yet.
func (a *Aggregator) GlobalRating() *decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.globalRating == nil {
		return nil
	}
	v := *a.globalRating
	return &v
}

// LastRefreshedAt returns the completion time of the latest Refresh.
func (a *Aggregator) LastRefreshedAt() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastRefreshedAt
}

// recomputeGlobalRating folds every stored rating into a weight-averaged
// market sentiment value.
func (a *Aggregator) recomputeGlobalRating() {
	weights := make(map[string]decimal.Decimal, len(a.providers))
	for _, p := range a.providers {
		weights[p.Name()] = p.Weight()
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	sum := decimal.Zero
	totalWeight := decimal.Zero
	for _, byName := range a.snapshots {
		for name, snap := range byName {
			if snap.Rating == nil {
				continue
			}
			w, ok := weights[name]
			if !ok || w.IsZero() {
				w = decimal.NewFromInt(1)
			}
			sum = sum.Add(snap.Rating.Mul(w))
			totalWeight = totalWeight.Add(w)
		}
	}

	if totalWeight.IsZero() {
		a.globalRating = nil
		return
	}
	rating := sum.Div(totalWeight)
	a.globalRating = &rating
}
