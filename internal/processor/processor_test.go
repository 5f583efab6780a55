package processor

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

var (
	btcusdt = domain.MustPair("BTC", "USDT")
	ethusdt = domain.MustPair("ETH", "USDT")
	solusdt = domain.MustPair("SOL", "USDT")
)

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func snapsFor(rating float64) func(domain.TradingPair) map[string]rules.SignalSnapshot {
	return func(pair domain.TradingPair) map[string]rules.SignalSnapshot {
		return map[string]rules.SignalSnapshot{
			"TV-15m": {Pair: pair, Signal: "TV-15m", Rating: dec(rating)},
		}
	}
}

func buyRule(name string) *rules.Rule {
	return &rules.Rule{
		Name:    name,
		Enabled: true,
		Action:  rules.ActionBuy,
		Conditions: []rules.Condition{
			{Signal: "TV-15m", MinRating: dec(0.5)},
		},
	}
}

func TestSignalProcessorEmitsCandidatesForMatchingPairs(t *testing.T) {
	p := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{buyRule("strong-buy")}})

	prices := map[string]domain.Price{
		"BTCUSDT": domain.MustPrice(decimal.NewFromInt(50_000)),
		"ETHUSDT": domain.MustPrice(decimal.NewFromInt(3_000)),
	}
	out := p.Process(
		[]domain.TradingPair{btcusdt, ethusdt},
		snapsFor(0.8), nil, prices, nil, time.Now(),
	)

	require.Len(t, out, 2)
	assert.True(t, out[0].Pair.Equal(btcusdt), "universe order preserved")
	assert.Equal(t, "strong-buy", out[0].Rule.Name)
}

func TestSignalProcessorSkipsHeldPairs(t *testing.T) {
	p := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{buyRule("strong-buy")}})

	held := []rules.PositionSnapshot{{Pair: btcusdt, SignalRule: "strong-buy"}}
	prices := map[string]domain.Price{"BTCUSDT": domain.MustPrice(decimal.NewFromInt(50_000))}

	out := p.Process([]domain.TradingPair{btcusdt}, snapsFor(0.8), nil, prices, held, time.Now())
	assert.Empty(t, out)
}

func TestSignalProcessorSkipsPairsWithoutTicker(t *testing.T) {
	p := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{buyRule("strong-buy")}})

	out := p.Process([]domain.TradingPair{btcusdt}, snapsFor(0.8), nil, map[string]domain.Price{}, nil, time.Now())
	assert.Empty(t, out)
}

func TestSwapDesignatesWorstMarginEligiblePosition(t *testing.T) {
	swap := &rules.Rule{
		Name:    "rotate",
		Enabled: true,
		Action:  rules.ActionSwap,
		Conditions: []rules.Condition{
			{Signal: "TV-15m", MinRating: dec(0.5), SignalRules: []string{"strong-buy"}},
		},
	}
	p := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{swap}, SwapTimeout: time.Hour})

	held := []rules.PositionSnapshot{
		{Pair: btcusdt, SignalRule: "strong-buy", CurrentAge: 2 * time.Hour, CurrentMargin: domain.MarginFromFloat(-3)},
		{Pair: ethusdt, SignalRule: "strong-buy", CurrentAge: 2 * time.Hour, CurrentMargin: domain.MarginFromFloat(-8)},
		// Too young for a swap despite the worst margin.
		{Pair: solusdt, SignalRule: "strong-buy", CurrentAge: 10 * time.Minute, CurrentMargin: domain.MarginFromFloat(-20)},
	}
	ada := domain.MustPair("ADA", "USDT")
	prices := map[string]domain.Price{"ADAUSDT": domain.MustPrice(decimal.NewFromInt(1))}

	// SignalRules is a position-scoped bound: it must gate victim
	// selection without blocking the candidate-side match, so the swap
	// rule is evaluated against a context with no position.
	out := p.Process([]domain.TradingPair{ada}, snapsFor(0.8), nil, prices, held, time.Now())
	require.Len(t, out, 1)
	require.NotNil(t, out[0].SwapVictim)
	assert.True(t, out[0].SwapVictim.Equal(ethusdt), "worst eligible margin wins")
}

func TestSwapWithoutEligibleVictimIsDropped(t *testing.T) {
	swap := &rules.Rule{
		Name:       "rotate",
		Enabled:    true,
		Action:     rules.ActionSwap,
		Conditions: []rules.Condition{{Signal: "TV-15m", MinRating: dec(0.5)}},
	}
	p := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{swap}})

	prices := map[string]domain.Price{"BTCUSDT": domain.MustPrice(decimal.NewFromInt(50_000))}
	out := p.Process([]domain.TradingPair{btcusdt}, snapsFor(0.8), nil, prices, nil, time.Now())
	assert.Empty(t, out, "swap with no held positions has nothing to replace")
}

func noSignals(domain.TradingPair) map[string]rules.SignalSnapshot { return nil }

func TestStopLossRespectsMinAge(t *testing.T) {
	p := NewTradingProcessor(TradingConfig{
		StopLoss: StopLossConfig{
			Enabled: true,
			Margin:  decimal.NewFromInt(-10),
			MinAge:  300 * time.Second,
		},
	})

	pos := rules.PositionSnapshot{
		Pair:          btcusdt,
		CurrentAge:    60 * time.Second,
		CurrentMargin: domain.MarginFromFloat(-12),
	}
	out := p.Process([]rules.PositionSnapshot{pos}, noSignals, nil)
	assert.Empty(t, out, "age below minimum must not trigger stop-loss")

	pos.CurrentAge = 301 * time.Second
	out = p.Process([]rules.PositionSnapshot{pos}, noSignals, nil)
	require.Len(t, out, 1)
	assert.Equal(t, DecideStopLoss, out[0].Kind)
}

func TestTakeProfitFiresBeforeRules(t *testing.T) {
	sellAll := &rules.Rule{Name: "sell-everything", Enabled: true, Action: rules.ActionSell}
	tp := dec(4)
	p := NewTradingProcessor(TradingConfig{
		Rules:            []*rules.Rule{sellAll},
		TakeProfitMargin: tp,
	})

	pos := rules.PositionSnapshot{Pair: btcusdt, CurrentMargin: domain.MarginFromFloat(4.895)}
	out := p.Process([]rules.PositionSnapshot{pos}, noSignals, nil)
	require.Len(t, out, 1)
	assert.Equal(t, DecideTakeProfit, out[0].Kind)
	assert.Nil(t, out[0].Rule)
}

func TestDCASuppressedAtMaxLevel(t *testing.T) {
	dca := &rules.Rule{
		Name:       "buy-the-dip",
		Enabled:    true,
		Action:     rules.ActionDCA,
		Conditions: []rules.Condition{{MaxMargin: dec(-5)}},
	}
	p := NewTradingProcessor(TradingConfig{
		Rules: []*rules.Rule{dca},
		DCA:   DCAGate{Enabled: true, MaxLevels: 2},
	})

	pos := rules.PositionSnapshot{Pair: btcusdt, CurrentMargin: domain.MarginFromFloat(-7), DCALevel: 2}
	out := p.Process([]rules.PositionSnapshot{pos}, noSignals, nil)
	assert.Empty(t, out, "at max DCA level the match is suppressed")

	pos.DCALevel = 1
	out = p.Process([]rules.PositionSnapshot{pos}, noSignals, nil)
	require.Len(t, out, 1)
	assert.Equal(t, DecideDCA, out[0].Kind)
}

func TestConfigReloadDuringEvaluation(t *testing.T) {
	sellCfg := func() TradingConfig {
		return TradingConfig{Rules: []*rules.Rule{{
			Name:       "weak-signal-exit",
			Enabled:    true,
			Action:     rules.ActionSell,
			Conditions: []rules.Condition{{Signal: "TV-15m", MaxRating: dec(-0.5)}},
		}}}
	}
	sig := NewSignalProcessor(SignalConfig{Rules: []*rules.Rule{buyRule("strong-buy")}})
	trd := NewTradingProcessor(sellCfg())

	prices := map[string]domain.Price{"BTCUSDT": domain.MustPrice(decimal.NewFromInt(50_000))}
	pos := rules.PositionSnapshot{Pair: btcusdt, CurrentMargin: domain.MarginFromFloat(1)}

	// Reloads race the evaluating ticks; every Process call must see one
	// consistent rule set.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			sig.SetConfig(SignalConfig{Rules: []*rules.Rule{buyRule("strong-buy")}})
			trd.SetConfig(sellCfg())
		}
	}()
	for i := 0; i < 1000; i++ {
		sig.Process([]domain.TradingPair{btcusdt}, snapsFor(0.8), nil, prices, nil, time.Now())
		trd.Process([]rules.PositionSnapshot{pos}, snapsFor(-0.9), nil)
	}
	<-done

	out := sig.Process([]domain.TradingPair{btcusdt}, snapsFor(0.8), nil, prices, nil, time.Now())
	require.Len(t, out, 1, "processor keeps evaluating after the reload churn")
	decisions := trd.Process([]rules.PositionSnapshot{pos}, snapsFor(-0.9), nil)
	require.Len(t, decisions, 1)
	assert.Equal(t, DecideSell, decisions[0].Kind)
}

func TestSellRuleDecision(t *testing.T) {
	weak := &rules.Rule{
		Name:       "weak-signal-exit",
		Enabled:    true,
		Action:     rules.ActionSell,
		Conditions: []rules.Condition{{Signal: "TV-15m", MaxRating: dec(-0.5)}},
	}
	p := NewTradingProcessor(TradingConfig{Rules: []*rules.Rule{weak}})

	pos := rules.PositionSnapshot{Pair: btcusdt, CurrentMargin: domain.MarginFromFloat(1)}
	out := p.Process([]rules.PositionSnapshot{pos}, snapsFor(-0.9), nil)
	require.Len(t, out, 1)
	assert.Equal(t, DecideSell, out[0].Kind)
	assert.Equal(t, "weak-signal-exit", out[0].Rule.Name)
}
