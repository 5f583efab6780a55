package processor

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// DecisionKind is the per-position outcome of one trading-rule pass.
type DecisionKind string

const (
	DecideStopLoss   DecisionKind = "stop_loss"
	DecideTakeProfit DecisionKind = "take_profit"
	DecideSell       DecisionKind = "sell"
	DecideDCA        DecisionKind = "dca"
	DecideAlert      DecisionKind = "alert"
)

// Decision is one action produced for an open position. Rule is nil for
// stop-loss and take-profit, which fire before any rule evaluation.
type Decision struct {
	Pair   domain.TradingPair
	Kind   DecisionKind
	Rule   *rules.Rule
	Margin domain.Margin
	Reason string
}

// StopLossConfig gates the hard stop.
type StopLossConfig struct {
	Enabled bool
	Margin  decimal.Decimal // trigger at or below, typically negative
	MinAge  time.Duration
}

// DCAGate mirrors the validator's DCA switches for early suppression.
type DCAGate struct {
	Enabled   bool
	MaxLevels int
}

// TradingConfig drives the trading-side processor.
type TradingConfig struct {
	Rules            []*rules.Rule
	Mode             rules.ProcessingMode
	StopLoss         StopLossConfig
	TakeProfitMargin *decimal.Decimal // nil disables the default take-profit
	DCA              DCAGate
	SpeedMultiplier  float64
}

// TradingProcessor produces per-position decisions each tick.
type TradingProcessor struct {
	cfg atomic.Pointer[TradingConfig]
}

// NewTradingProcessor creates a processor over the given config.
func NewTradingProcessor(cfg TradingConfig) *TradingProcessor {
	p := &TradingProcessor{}
	p.SetConfig(cfg)
	return p
}

// SetConfig swaps the rule set on config reload. Ticks already running
// finish against the config they loaded.
func (p *TradingProcessor) SetConfig(cfg TradingConfig) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.Mode == "" {
		cfg.Mode = rules.FirstMatch
	}
	for _, r := range cfg.Rules {
		r.Compile()
	}
	p.cfg.Store(&cfg)
}

// Process checks stop-loss, then take-profit, then the configured trading
// rules for every open position. One decision at most per position.
func (p *TradingProcessor) Process(
	positions []rules.PositionSnapshot,
	signalsFor func(domain.TradingPair) map[string]rules.SignalSnapshot,
	globalRating *decimal.Decimal,
) []Decision {
	cfg := p.cfg.Load()

	var out []Decision
	for i := range positions {
		pos := positions[i]
		if d, ok := decide(cfg, pos, signalsFor, globalRating); ok {
			out = append(out, d)
		}
	}
	return out
}

func decide(
	cfg *TradingConfig,
	pos rules.PositionSnapshot,
	signalsFor func(domain.TradingPair) map[string]rules.SignalSnapshot,
	globalRating *decimal.Decimal,
) (Decision, bool) {
	margin := pos.CurrentMargin
	scaledAge := time.Duration(float64(pos.CurrentAge) / cfg.SpeedMultiplier)

	if cfg.StopLoss.Enabled &&
		margin.Pct().LessThanOrEqual(cfg.StopLoss.Margin) &&
		scaledAge >= cfg.StopLoss.MinAge {
		return Decision{
			Pair:   pos.Pair,
			Kind:   DecideStopLoss,
			Margin: margin,
			Reason: "margin " + margin.String() + " at or below stop-loss",
		}, true
	}

	if cfg.TakeProfitMargin != nil && margin.Pct().GreaterThanOrEqual(*cfg.TakeProfitMargin) {
		return Decision{
			Pair:   pos.Pair,
			Kind:   DecideTakeProfit,
			Margin: margin,
			Reason: "margin " + margin.String() + " reached take-profit",
		}, true
	}

	ctx := &rules.Context{
		Pair:            pos.Pair,
		Signals:         signalsFor(pos.Pair),
		GlobalRating:    globalRating,
		Position:        &pos,
		SpeedMultiplier: cfg.SpeedMultiplier,
	}
	matched := rules.Evaluate(cfg.Rules, ctx, cfg.Mode)
	if matched == nil {
		return Decision{}, false
	}

	switch matched.Action {
	case rules.ActionSell, rules.ActionStopLoss, rules.ActionTakeProfit:
		return Decision{Pair: pos.Pair, Kind: DecideSell, Rule: matched, Margin: margin, Reason: matched.Name}, true
	case rules.ActionDCA:
		if !cfg.DCA.Enabled || pos.DCALevel >= cfg.DCA.MaxLevels {
			log.Debug().Str("pair", pos.Pair.Symbol()).Str("rule", matched.Name).
				Int("dca_level", pos.DCALevel).Msg("DCA-not-allowed, suppressing matched rule")
			return Decision{}, false
		}
		return Decision{Pair: pos.Pair, Kind: DecideDCA, Rule: matched, Margin: margin, Reason: matched.Name}, true
	case rules.ActionAlert:
		return Decision{Pair: pos.Pair, Kind: DecideAlert, Rule: matched, Margin: margin, Reason: matched.Name}, true
	default:
		log.Warn().Str("rule", matched.Name).Str("action", string(matched.Action)).
			Msg("Unsupported action on a trading rule, ignoring")
		return Decision{}, false
	}
}
