package signals

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

var (
	btcusdt = domain.MustPair("BTC", "USDT")
	ethusdt = domain.MustPair("ETH", "USDT")
)

// fakeProvider serves canned snapshots, or an error.
type fakeProvider struct {
	name   string
	weight decimal.Decimal
	snaps  []rules.SignalSnapshot
	err    error
}

func (f *fakeProvider) Name() string            { return f.name }
func (f *fakeProvider) Weight() decimal.Decimal { return f.weight }

func (f *fakeProvider) GetAllSignals(_ context.Context, pair domain.TradingPair) (rules.SignalSnapshot, error) {
	for _, s := range f.snaps {
		if s.Pair.Equal(pair) {
			return s, f.err
		}
	}
	return rules.SignalSnapshot{}, f.err
}

func (f *fakeProvider) GetSignalsForPairs(context.Context, []domain.TradingPair) ([]rules.SignalSnapshot, error) {
	return f.snaps, f.err
}

func (f *fakeProvider) GetAggregated(_ context.Context, pair domain.TradingPair) (AggregatedSignal, error) {
	return AggregatedSignal{Pair: pair}, f.err
}

func (f *fakeProvider) Subscribe(context.Context, domain.TradingPair) (<-chan rules.SignalSnapshot, error) {
	ch := make(chan rules.SignalSnapshot)
	close(ch)
	return ch, f.err
}

func snap(pair domain.TradingPair, signal string, rating float64) rules.SignalSnapshot {
	r := decimal.NewFromFloat(rating)
	return rules.SignalSnapshot{Pair: pair, Signal: signal, Rating: &r}
}

func TestRefreshMergesProviders(t *testing.T) {
	a := NewAggregator(
		&fakeProvider{name: "TV-15m", weight: decimal.NewFromInt(1), snaps: []rules.SignalSnapshot{snap(btcusdt, "TV-15m", 0.4)}},
		&fakeProvider{name: "TV-60m", weight: decimal.NewFromInt(1), snaps: []rules.SignalSnapshot{snap(btcusdt, "TV-60m", 0.8)}},
	)

	a.Refresh(context.Background(), []domain.TradingPair{btcusdt})

	got := a.SnapshotsFor(btcusdt)
	require.Len(t, got, 2)
	assert.Contains(t, got, "TV-15m")
	assert.Contains(t, got, "TV-60m")
}

func TestGlobalRatingIsWeighted(t *testing.T) {
	a := NewAggregator(
		&fakeProvider{name: "fast", weight: decimal.NewFromInt(3), snaps: []rules.SignalSnapshot{snap(btcusdt, "fast", 1)}},
		&fakeProvider{name: "slow", weight: decimal.NewFromInt(1), snaps: []rules.SignalSnapshot{snap(btcusdt, "slow", -1)}},
	)

	a.Refresh(context.Background(), []domain.TradingPair{btcusdt})

	rating := a.GlobalRating()
	require.NotNil(t, rating)
	// (3*1 + 1*-1) / 4 = 0.5
	assert.True(t, rating.Equal(decimal.NewFromFloat(0.5)), "rating = %s", rating)
}

func TestGlobalRatingNilWithoutRatings(t *testing.T) {
	a := NewAggregator(&fakeProvider{name: "mute", weight: decimal.NewFromInt(1),
		snaps: []rules.SignalSnapshot{{Pair: btcusdt, Signal: "mute"}}})

	a.Refresh(context.Background(), []domain.TradingPair{btcusdt})
	assert.Nil(t, a.GlobalRating())
}

func TestProviderFailureKeepsStaleSnapshots(t *testing.T) {
	good := &fakeProvider{name: "p", weight: decimal.NewFromInt(1), snaps: []rules.SignalSnapshot{snap(btcusdt, "p", 0.4)}}
	a := NewAggregator(good)

	a.Refresh(context.Background(), []domain.TradingPair{btcusdt})
	require.Len(t, a.SnapshotsFor(btcusdt), 1)

	good.err = assert.AnError
	a.Refresh(context.Background(), []domain.TradingPair{btcusdt})
	assert.Len(t, a.SnapshotsFor(btcusdt), 1, "stale snapshot must survive a failed poll")
}

func TestPublishReplacesProviderView(t *testing.T) {
	a := NewAggregator()

	a.Publish(snap(ethusdt, "p", 0.1))
	a.Publish(snap(ethusdt, "p", 0.9))

	got := a.SnapshotsFor(ethusdt)
	require.Len(t, got, 1)
	assert.True(t, got["p"].Rating.Equal(decimal.NewFromFloat(0.9)))
}
