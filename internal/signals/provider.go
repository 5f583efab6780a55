// Package signals aggregates third-party signal feeds into per-pair
// snapshots and a market-wide global rating.
package signals

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// AggregatedSignal is a provider's buy/sell/neutral vote summary for a pair.
type AggregatedSignal struct {
	Pair          domain.TradingPair
	OverallRating decimal.Decimal // in [-1, 1]
	BuyCount      int
	SellCount     int
	NeutralCount  int
}

// Provider is the signal-provider port. All calls may return transient
// errors; the aggregator retries on the next poll instead of failing hard.
type Provider interface {
	// Name identifies the provider in snapshots and rule conditions.
	Name() string
	// Weight scales this provider's contribution to the global rating.
	Weight() decimal.Decimal
	// GetAllSignals returns the provider's current view of one pair.
	GetAllSignals(ctx context.Context, pair domain.TradingPair) (rules.SignalSnapshot, error)
	// GetSignalsForPairs returns snapshots for many pairs in one call.
	GetSignalsForPairs(ctx context.Context, pairs []domain.TradingPair) ([]rules.SignalSnapshot, error)
	// GetAggregated returns the provider's vote summary for a pair.
	GetAggregated(ctx context.Context, pair domain.TradingPair) (AggregatedSignal, error)
	// Subscribe opens a push stream of signal updates for a pair. The
	// channel closes when ctx is canceled or the stream drops.
	Subscribe(ctx context.Context, pair domain.TradingPair) (<-chan rules.SignalSnapshot, error)
}
