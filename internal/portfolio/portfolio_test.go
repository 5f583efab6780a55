package portfolio

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
)

var (
	btcusdt = domain.MustPair("BTC", "USDT")
	ethusdt = domain.MustPair("ETH", "USDT")
)

func usdt(v float64) domain.Money {
	return domain.MustMoney(decimal.NewFromFloat(v), "USDT")
}

func newTestPortfolio(t *testing.T) *Portfolio {
	t.Helper()
	p, err := New("main", "USDT", decimal.NewFromInt(10000), 5, decimal.NewFromInt(100))
	require.NoError(t, err)
	return p
}

func assertBalance(t *testing.T, p *Portfolio, total, available, reserved float64) {
	t.Helper()
	b := p.Balance()
	assert.True(t, b.Total.Amount().Equal(decimal.NewFromFloat(total)), "total = %s", b.Total)
	assert.True(t, b.Available.Amount().Equal(decimal.NewFromFloat(available)), "available = %s", b.Available)
	assert.True(t, b.Reserved.Amount().Equal(decimal.NewFromFloat(reserved)), "reserved = %s", b.Reserved)
}

func TestOpenReservesFunds(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()

	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))
	assertBalance(t, p, 10000, 9000, 1000)
	assert.True(t, p.HasPair(btcusdt))
}

func TestPairUniqueness(t *testing.T) {
	p := newTestPortfolio(t)
	require.NoError(t, p.RecordPositionOpened(domain.NewPositionID(), btcusdt, usdt(1000)))

	err := p.RecordPositionOpened(domain.NewPositionID(), btcusdt, usdt(500))
	assert.True(t, domain.IsValidation(err))
}

func TestMaxPositions(t *testing.T) {
	p, err := New("small", "USDT", decimal.NewFromInt(10000), 1, decimal.Zero)
	require.NoError(t, err)
	require.NoError(t, p.RecordPositionOpened(domain.NewPositionID(), btcusdt, usdt(100)))

	err = p.RecordPositionOpened(domain.NewPositionID(), ethusdt, usdt(100))
	assert.True(t, domain.IsValidation(err))
}

func TestInsufficientFunds(t *testing.T) {
	p := newTestPortfolio(t)
	err := p.RecordPositionOpened(domain.NewPositionID(), btcusdt, usdt(20000))
	assert.True(t, domain.IsValidation(err))
}

func TestCurrencyMismatch(t *testing.T) {
	p := newTestPortfolio(t)
	err := p.RecordPositionOpened(domain.NewPositionID(), btcusdt, domain.MustMoney(decimal.NewFromInt(1), "BTC"))
	assert.True(t, domain.IsValidation(err))
}

func TestDCAIncreasesReserved(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	// S2: DCA 500 -> reserved 1500, available 8500
	require.NoError(t, p.RecordPositionCostIncreased(id, btcusdt, usdt(500)))
	assertBalance(t, p, 10000, 8500, 1500)

	cost, ok := p.ReservedCost(id)
	require.True(t, ok)
	assert.True(t, cost.Amount().Equal(decimal.NewFromInt(1500)))
}

func TestDCAUnknownPositionFails(t *testing.T) {
	p := newTestPortfolio(t)
	err := p.RecordPositionCostIncreased(domain.NewPositionID(), btcusdt, usdt(500))
	assert.True(t, domain.IsValidation(err))
}

func TestCloseReleasesAndRecordsPnL(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	// S1: proceeds 1048 after fees -> pnl +48
	pnl, err := p.RecordPositionClosed(id, btcusdt, usdt(1048))
	require.NoError(t, err)
	assert.True(t, pnl.Amount().Equal(decimal.NewFromInt(48)))
	assertBalance(t, p, 10048, 10048, 0)
	assert.False(t, p.HasPair(btcusdt))
}

func TestCloseWithLoss(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	pnl, err := p.RecordPositionClosed(id, btcusdt, usdt(800))
	require.NoError(t, err)
	assert.True(t, pnl.Amount().Equal(decimal.NewFromInt(-200)))
	assertBalance(t, p, 9800, 9800, 0)
}

func TestCloseClampsAvailableAtZero(t *testing.T) {
	// Everything invested, catastrophic loss: available clamps at 0 and the
	// delta lands on total.
	p, err := New("tight", "USDT", decimal.NewFromInt(1000), 5, decimal.Zero)
	require.NoError(t, err)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	pnl, err := p.RecordPositionClosed(id, btcusdt, usdt(0))
	require.NoError(t, err)
	assert.True(t, pnl.Amount().Equal(decimal.NewFromInt(-1000)))
	assertBalance(t, p, 0, 0, 0)
}

func TestSyncBalance(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	ev, err := p.SyncBalance(usdt(12000), time.Now())
	require.NoError(t, err)
	assert.False(t, ev.Clamped)
	assertBalance(t, p, 12000, 11000, 1000)
}

func TestSyncBalanceClampsReserved(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	ev, err := p.SyncBalance(usdt(400), time.Now())
	require.NoError(t, err)
	assert.True(t, ev.Clamped)
	assertBalance(t, p, 400, 0, 400)
}

func TestCanAfford(t *testing.T) {
	p := newTestPortfolio(t)
	assert.True(t, p.CanAfford(usdt(10000)))
	assert.False(t, p.CanAfford(usdt(10001)))
	assert.False(t, p.CanAfford(domain.MustMoney(decimal.NewFromInt(1), "BTC")))
}

func TestRestoreRoundTrip(t *testing.T) {
	p := newTestPortfolio(t)
	id := domain.NewPositionID()
	require.NoError(t, p.RecordPositionOpened(id, btcusdt, usdt(1000)))

	restored, err := Restore(p.ID(), p.Name(), p.Market(), p.Balance(), p.MaxPositions(),
		decimal.NewFromInt(100), p.ActivePositions(), map[domain.PositionID]decimal.Decimal{id: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	assert.True(t, restored.HasPair(btcusdt))
	assertBalance(t, restored, 10000, 9000, 1000)
}
