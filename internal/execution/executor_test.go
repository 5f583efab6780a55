package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/portfolio"
)

var (
	btcusdt = domain.MustPair("BTC", "USDT")
	ethusdt = domain.MustPair("ETH", "USDT")
)

func usdt(v float64) domain.Money {
	return domain.MustMoney(decimal.NewFromFloat(v), "USDT")
}

func price(v float64) domain.Price {
	return domain.MustPrice(decimal.NewFromFloat(v))
}

type harness struct {
	exec    *Executor
	virtual *exchange.Virtual
	tickers *exchange.Tickers
	pf      *portfolio.Portfolio
	clock   time.Time
}

func newHarness(t *testing.T, balance float64) *harness {
	t.Helper()
	pf, err := portfolio.New("test", "USDT", decimal.NewFromFloat(balance), 5, decimal.NewFromInt(100))
	require.NoError(t, err)

	tickers := exchange.NewTickers()
	virtual := exchange.NewVirtual(tickers, "USDT", decimal.NewFromFloat(balance), decimal.NewFromFloat(0.1))

	h := &harness{
		virtual: virtual,
		tickers: tickers,
		pf:      pf,
		clock:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	h.exec = New(Config{
		Portfolio: pf,
		Exchange:  virtual,
		Tickers:   tickers,
		Validator: NewValidator(Limits{
			Market: "USDT",
			DCA: DCALimits{
				Enabled:         true,
				MaxLevels:       3,
				MinPriceDropPct: decimal.NewFromInt(5),
				MinTimeBetween:  time.Minute,
			},
			SpeedMultiplier: 1,
		}),
	})
	h.exec.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func TestOpenReservesFundsAndRegistersPosition(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(50_000))

	pos, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "strong-buy", "strong-buy")
	require.NoError(t, err)

	bal := h.exec.Balance()
	// cost 1000 + 0.1% fee
	assert.True(t, bal.Reserved.Amount().Equal(decimal.NewFromInt(1_001)), "reserved = %s", bal.Reserved)
	assert.True(t, bal.Available.Amount().Equal(decimal.NewFromInt(8_999)))

	got, ok := h.exec.PositionByPair(btcusdt)
	require.True(t, ok)
	assert.Equal(t, pos.ID(), got.ID())
	assert.Equal(t, "strong-buy", got.SignalRule())
	assert.Equal(t, 1, h.exec.History().Len())
}

func TestOpenRejectsSecondPositionOnPair(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(50_000))

	_, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.NoError(t, err)

	h.advance(time.Hour)
	_, err = h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}

func TestBuySellIntervalGatesSell(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(50_000))

	pos, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.NoError(t, err)

	h.advance(5 * time.Second) // under the 10s buy-sell interval
	_, err = h.exec.ExecuteClose(context.Background(), pos.ID(), "take_profit", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "interval")

	h.advance(6 * time.Second)
	_, err = h.exec.ExecuteClose(context.Background(), pos.ID(), "take_profit", true)
	assert.NoError(t, err)
}

func TestDCARequiresPriceDropAndCooldown(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(100))

	pos, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.NoError(t, err)

	// Price drop below threshold.
	h.advance(2 * time.Minute)
	h.tickers.Set(btcusdt, price(98))
	err = h.exec.ExecuteDCA(context.Background(), pos.ID(), usdt(500), "dca")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "threshold")

	// Deep enough drop but inside the cooldown.
	h.tickers.Set(btcusdt, price(90))
	h.clock = pos.LastBuyAt().Add(30 * time.Second)
	err = h.exec.ExecuteDCA(context.Background(), pos.ID(), usdt(500), "dca")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cooldown")

	// Both satisfied.
	h.clock = pos.LastBuyAt().Add(2 * time.Minute)
	err = h.exec.ExecuteDCA(context.Background(), pos.ID(), usdt(500), "dca")
	require.NoError(t, err)
	assert.Equal(t, 1, pos.DCALevel())
}

func TestCloseRealizesPnL(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(100))

	pos, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.NoError(t, err)

	h.advance(time.Hour)
	h.tickers.Set(btcusdt, price(110))
	pnl, err := h.exec.ExecuteClose(context.Background(), pos.ID(), "take_profit", true)
	require.NoError(t, err)

	assert.True(t, pnl.Amount().IsPositive(), "pnl = %s", pnl)
	assert.Equal(t, 0, h.exec.OpenPositionCount())
	_, ok := h.exec.PositionByPair(btcusdt)
	assert.False(t, ok)

	bal := h.exec.Balance()
	assert.True(t, bal.Reserved.IsZero())
	assert.True(t, bal.Total.Amount().GreaterThan(decimal.NewFromInt(10_000)))
}

// ambiguousExchange wraps the virtual exchange and fails the first
// placement after the order reached the book, simulating a timeout
// mid-request.
type ambiguousExchange struct {
	*exchange.Virtual
	failNext bool
}

func (a *ambiguousExchange) Place(ctx context.Context, req exchange.OrderRequest) (exchange.ExecutionResult, error) {
	res, err := a.Virtual.Place(ctx, req)
	if a.failNext {
		a.failNext = false
		return exchange.ExecutionResult{}, &domain.AmbiguousPlacementError{
			Pair:           req.Pair.Symbol(),
			IdempotencyKey: req.IdempotencyKey,
			Err:            errors.New("timeout mid-request"),
		}
	}
	return res, err
}

func TestAmbiguousPlacementBlocksPairUntilResolved(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(50_000))
	amb := &ambiguousExchange{Virtual: h.virtual, failNext: true}
	h.exec.ex = amb

	_, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.Error(t, err)
	assert.True(t, domain.IsAmbiguous(err))

	// Pair is blocked for writes while pending.
	_, err = h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile-pending")

	// The reconciler finds the fill by idempotency key and applies it.
	h.exec.ResolvePending(context.Background())

	pos, ok := h.exec.PositionByPair(btcusdt)
	require.True(t, ok, "resolved fill must register the position")
	assert.Equal(t, 0, pos.DCALevel())
	assert.True(t, h.exec.Balance().Reserved.Amount().IsPositive())
}

func TestRejectedPlacementLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t, 10_000)
	h.tickers.Set(btcusdt, price(50_000))
	h.virtual.DisablePair(btcusdt)

	_, err := h.exec.ExecuteOpen(context.Background(), btcusdt, usdt(1_000), "r", "r")
	require.Error(t, err)
	assert.True(t, domain.IsRejected(err))

	bal := h.exec.Balance()
	assert.True(t, bal.Available.Amount().Equal(decimal.NewFromInt(10_000)))
	assert.Equal(t, 0, h.exec.OpenPositionCount())
}

func TestValidateOpenRespectsUniverseAndBlocklist(t *testing.T) {
	v := NewValidator(Limits{
		Market:          "USDT",
		BlockedPairs:    map[string]bool{"ETHUSDT": true},
		SpeedMultiplier: 1,
	})
	pf, err := portfolio.New("t", "USDT", decimal.NewFromInt(10_000), 5, decimal.NewFromInt(100))
	require.NoError(t, err)
	now := time.Now()

	err = v.ValidateOpen(pf, ethusdt, usdt(500), nil, time.Time{}, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")

	err = v.ValidateOpen(pf, btcusdt, usdt(500), map[string]bool{"ETHUSDT": true}, time.Time{}, now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not tradable")

	err = v.ValidateOpen(pf, btcusdt, usdt(500), map[string]bool{"BTCUSDT": true}, time.Time{}, now)
	assert.NoError(t, err)
}

func TestReplaySpeedCompressesInterval(t *testing.T) {
	v := NewValidator(Limits{Market: "USDT", SpeedMultiplier: 10})
	pf, err := portfolio.New("t", "USDT", decimal.NewFromInt(10_000), 5, decimal.NewFromInt(100))
	require.NoError(t, err)

	now := time.Now()
	// 2s elapsed is enough when 10s shrinks to 1s at 10x speed.
	err = v.ValidateOpen(pf, btcusdt, usdt(500), nil, now.Add(-2*time.Second), now)
	assert.NoError(t, err)
}

func TestHistoryEvictsOldest(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		h.Push(OrderRecord{OrderID: domain.OrderID(string(rune('a' + i)))})
	}
	assert.Equal(t, 3, h.Len())

	recent := h.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, domain.OrderID("e"), recent[0].OrderID)
	assert.Equal(t, domain.OrderID("c"), recent[2].OrderID)
}
