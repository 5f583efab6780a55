// Package processor turns signal and position snapshots into trade
// decisions by running the rule engine over them. Both processors are
// pure: they read snapshots and produce intents, never touching I/O.
package processor

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// BuyCandidate is one pair whose signal rules matched this tick.
type BuyCandidate struct {
	Pair    domain.TradingPair
	Rule    *rules.Rule
	Signals map[string]rules.SignalSnapshot
	Price   domain.Price

	// SwapVictim is set when Rule.Action is Swap: the held pair designated
	// to be sold so this candidate can be bought.
	SwapVictim *domain.TradingPair
}

// SignalConfig drives the signal-side processor.
type SignalConfig struct {
	Rules           []*rules.Rule
	Mode            rules.ProcessingMode
	SpeedMultiplier float64

	// SwapTimeout is the minimum age a held position must reach before a
	// swap rule may designate it for replacement.
	SwapTimeout time.Duration
}

// signalRuleSet is one immutable compiled rule set. SetConfig builds a
// fresh one and swaps the pointer, so Process always reads a consistent
// set even while a reload is in flight.
type signalRuleSet struct {
	cfg SignalConfig

	// Candidate-side variants of the rules (SignalRules bounds dropped),
	// mapped back to their originals for swap designation.
	evalRules []*rules.Rule
	origOf    map[*rules.Rule]*rules.Rule
}

// SignalProcessor produces buy candidates from the market universe.
type SignalProcessor struct {
	rs atomic.Pointer[signalRuleSet]
}

// NewSignalProcessor creates a processor over the given config.
func NewSignalProcessor(cfg SignalConfig) *SignalProcessor {
	p := &SignalProcessor{}
	p.SetConfig(cfg)
	return p
}

// SetConfig swaps the rule set on config reload. Ticks already running
// finish against the set they loaded.
func (p *SignalProcessor) SetConfig(cfg SignalConfig) {
	if cfg.SpeedMultiplier <= 0 {
		cfg.SpeedMultiplier = 1.0
	}
	if cfg.Mode == "" {
		cfg.Mode = rules.FirstMatch
	}

	rs := &signalRuleSet{
		cfg:       cfg,
		evalRules: make([]*rules.Rule, len(cfg.Rules)),
		origOf:    make(map[*rules.Rule]*rules.Rule, len(cfg.Rules)),
	}
	for i, r := range cfg.Rules {
		r.Compile()
		ev := r.ForCandidates()
		rs.evalRules[i] = ev
		rs.origOf[ev] = r
	}
	p.rs.Store(rs)
}

// Process evaluates the enabled signal rules against every pair in the
// universe that the portfolio does not already hold. signalsFor supplies
// the current snapshots per pair; prices the latest tickers; held the open
// position projections (used for exclusion and swap designation). The
// result preserves universe order.
func (p *SignalProcessor) Process(
	universe []domain.TradingPair,
	signalsFor func(domain.TradingPair) map[string]rules.SignalSnapshot,
	globalRating *decimal.Decimal,
	prices map[string]domain.Price,
	held []rules.PositionSnapshot,
	now time.Time,
) []BuyCandidate {
	rs := p.rs.Load()

	heldByPair := make(map[string]rules.PositionSnapshot, len(held))
	for _, h := range held {
		heldByPair[h.Pair.Symbol()] = h
	}

	var out []BuyCandidate
	for _, pair := range universe {
		if _, owned := heldByPair[pair.Symbol()]; owned {
			continue
		}
		price, ok := prices[pair.Symbol()]
		if !ok {
			continue
		}

		snaps := signalsFor(pair)
		ctx := &rules.Context{
			Pair:            pair,
			Signals:         snaps,
			GlobalRating:    globalRating,
			SpeedMultiplier: rs.cfg.SpeedMultiplier,
		}
		matched := rules.Evaluate(rs.evalRules, ctx, rs.cfg.Mode)
		if matched == nil {
			continue
		}
		matched = rs.origOf[matched]

		cand := BuyCandidate{Pair: pair, Rule: matched, Signals: snaps, Price: price}
		if matched.Action == rules.ActionSwap {
			victim, ok := designateSwapVictim(rs.cfg, matched, held, now)
			if !ok {
				log.Debug().Str("pair", pair.Symbol()).Str("rule", matched.Name).
					Msg("Swap rule matched but no position is eligible for replacement")
				continue
			}
			cand.SwapVictim = &victim
		}
		out = append(out, cand)
	}
	return out
}

// designateSwapVictim picks the worst-margin held position whose opening
// signal rule is named by the swap rule's SignalRules bounds and whose age
// has passed the swap timeout.
func designateSwapVictim(cfg SignalConfig, swapRule *rules.Rule, held []rules.PositionSnapshot, _ time.Time) (domain.TradingPair, bool) {
	swappable := make(map[string]bool)
	for _, c := range swapRule.Conditions {
		for _, name := range c.SignalRules {
			swappable[name] = true
		}
	}

	eligible := make([]rules.PositionSnapshot, 0, len(held))
	for _, h := range held {
		if len(swappable) > 0 && !swappable[h.SignalRule] {
			continue
		}
		if cfg.SwapTimeout > 0 {
			scaled := time.Duration(float64(h.CurrentAge) / cfg.SpeedMultiplier)
			if scaled < cfg.SwapTimeout {
				continue
			}
		}
		eligible = append(eligible, h)
	}
	if len(eligible) == 0 {
		return domain.TradingPair{}, false
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CurrentMargin.LessThan(eligible[j].CurrentMargin)
	})
	return eligible[0].Pair, true
}
