package trailing

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
)

var btcusdt = domain.MustPair("BTC", "USDT")

func sellCfg(pct, stop float64) domain.TrailingConfig {
	return domain.TrailingConfig{
		TrailingPct: decimal.NewFromFloat(pct),
		StopMargin:  domain.MarginFromFloat(stop),
		StopAction:  domain.StopActionExecute,
	}
}

func startSell(m *Manager, target float64, cfg domain.TrailingConfig, initialMargin float64) domain.PositionID {
	pos := domain.NewPositionID()
	m.InitiateSellTrailing(pos, btcusdt, cfg, domain.MarginFromFloat(target),
		domain.MustPrice(decimal.NewFromInt(100)), domain.MarginFromFloat(initialMargin), time.Now())
	return pos
}

func TestSellTrailingScenarioS3(t *testing.T) {
	m := NewManager()
	startSell(m, 4, sellCfg(1, 2), 5)

	// margins 5 -> 6 -> 7 ride; 5.5 reverses 1.5 from best 7.
	for _, margin := range []float64{5, 6, 7} {
		u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(margin), false)
		require.True(t, ok)
		assert.Equal(t, Continue, u.Outcome)
	}

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(5.5), false)
	require.True(t, ok)
	assert.Equal(t, Triggered, u.Outcome)
	assert.True(t, u.BestMargin.Equal(domain.MarginFromFloat(7)))
	assert.True(t, u.CurrentMargin.Equal(domain.MarginFromFloat(5.5)))
	assert.Contains(t, u.Reason, "7")
	assert.Contains(t, u.Reason, "5.5")

	_, ok = m.UpdateSell(btcusdt, domain.MarginFromFloat(5), false)
	assert.False(t, ok, "state removed after trigger")
}

func TestSellTrailingBestMarginMonotonic(t *testing.T) {
	m := NewManager()
	startSell(m, 4, sellCfg(5, -50), 1)

	prevBest := domain.MarginFromFloat(1)
	for _, margin := range []float64{1, 3, 2, 4, 3.5, 6} {
		u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(margin), false)
		require.True(t, ok)
		require.Equal(t, Continue, u.Outcome)
		assert.True(t, u.BestMargin.GreaterThanOrEqual(prevBest), "best margin decreased")
		prevBest = u.BestMargin
	}
}

func TestSellTrailingStopMarginExecutes(t *testing.T) {
	m := NewManager()
	startSell(m, 4, sellCfg(1, 2), 5)

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(1.5), false)
	require.True(t, ok)
	assert.Equal(t, Triggered, u.Outcome)
}

func TestSellTrailingStopMarginCancels(t *testing.T) {
	m := NewManager()
	cfg := sellCfg(1, 2)
	cfg.StopAction = domain.StopActionCancel
	startSell(m, 4, cfg, 5)

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(1.5), false)
	require.True(t, ok)
	assert.Equal(t, Canceled, u.Outcome)
}

func TestSellTrailingRefusesNegativeExit(t *testing.T) {
	m := NewManager()
	// Target is positive, stop margin far below; reversal lands negative.
	startSell(m, 4, sellCfg(1, -50), -1)

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(-3), false)
	require.True(t, ok)
	assert.Equal(t, Canceled, u.Outcome)
}

func TestSellTrailingNegativeTargetAllowsNegativeExit(t *testing.T) {
	m := NewManager()
	startSell(m, -5, sellCfg(1, -50), -1)

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(-3), false)
	require.True(t, ok)
	assert.Equal(t, Triggered, u.Outcome)
}

func TestPairDisabledRemovesState(t *testing.T) {
	m := NewManager()
	startSell(m, 4, sellCfg(1, 2), 5)

	u, ok := m.UpdateSell(btcusdt, domain.MarginFromFloat(5), true)
	require.True(t, ok)
	assert.Equal(t, Disabled, u.Outcome)

	_, ok = m.UpdateSell(btcusdt, domain.MarginFromFloat(5), false)
	assert.False(t, ok)
}

func startBuy(m *Manager, cfg domain.TrailingConfig, initialPrice float64) {
	m.InitiateBuyTrailing(btcusdt, cfg, domain.MustMoney(decimal.NewFromInt(1000), "USDT"),
		domain.MustPrice(decimal.NewFromFloat(initialPrice)), "rule-a", "", time.Now())
}

func price(v float64) domain.Price { return domain.MustPrice(decimal.NewFromFloat(v)) }

func TestBuyTrailingChasesDipAndTriggersOnBounce(t *testing.T) {
	m := NewManager()
	startBuy(m, sellCfg(1, 5), 100)

	// Price drops: margins -2, -4 keep the state alive; best follows down.
	u, ok := m.UpdateBuy(btcusdt, price(98), false)
	require.True(t, ok)
	assert.Equal(t, Continue, u.Outcome)

	u, ok = m.UpdateBuy(btcusdt, price(96), false)
	require.True(t, ok)
	assert.Equal(t, Continue, u.Outcome)
	assert.True(t, u.BestMargin.Equal(domain.MarginFromFloat(-4)))

	// Bounce to 97.5: margin -2.5 is more than 1pt above best -4.
	u, ok = m.UpdateBuy(btcusdt, price(97.5), false)
	require.True(t, ok)
	assert.Equal(t, Triggered, u.Outcome)
}

func TestBuyTrailingBestMarginMonotonic(t *testing.T) {
	m := NewManager()
	startBuy(m, sellCfg(5, 50), 100)

	prevBest := domain.ZeroMargin
	for _, p := range []float64{99, 98, 98.5, 97, 97.5} {
		u, ok := m.UpdateBuy(btcusdt, price(p), false)
		require.True(t, ok)
		require.Equal(t, Continue, u.Outcome)
		assert.True(t, u.BestMargin.LessThanOrEqual(prevBest), "best margin increased")
		prevBest = u.BestMargin
	}
}

func TestBuyTrailingStopMargin(t *testing.T) {
	m := NewManager()
	startBuy(m, sellCfg(1, 5), 100)

	// Price runs up 6%: stop margin reached, execute.
	u, ok := m.UpdateBuy(btcusdt, price(106), false)
	require.True(t, ok)
	assert.Equal(t, Triggered, u.Outcome)
}

func TestOppositeDirectionIsExclusive(t *testing.T) {
	m := NewManager()
	startSell(m, 4, sellCfg(1, 2), 5)
	startBuy(m, sellCfg(1, 5), 100)

	_, hasSell := m.SellStateFor(btcusdt)
	_, hasBuy := m.BuyStateFor(btcusdt)
	assert.False(t, hasSell, "buy initiation must cancel sell trailing")
	assert.True(t, hasBuy)

	startSell(m, 4, sellCfg(1, 2), 5)
	_, hasSell = m.SellStateFor(btcusdt)
	_, hasBuy = m.BuyStateFor(btcusdt)
	assert.True(t, hasSell)
	assert.False(t, hasBuy, "sell initiation must cancel buy trailing")
}
