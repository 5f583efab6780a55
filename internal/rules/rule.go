package rules

import (
	"sort"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Action is what a matched rule asks the engine to do.
type Action string

const (
	ActionBuy        Action = "buy"
	ActionSell       Action = "sell"
	ActionDCA        Action = "dca"
	ActionSwap       Action = "swap"
	ActionStopLoss   Action = "stop_loss"
	ActionTakeProfit Action = "take_profit"
	ActionAlert      Action = "alert"
)

// ProcessingMode selects the winner among multiple matching rules.
type ProcessingMode string

const (
	// FirstMatch takes the first matching rule in list order. Default.
	FirstMatch ProcessingMode = "first_match"
	// HighestPriority takes the matcher with the lowest numeric priority.
	HighestPriority ProcessingMode = "highest_priority"
	// AllMatches lets the last matching rule overwrite earlier ones.
	AllMatches ProcessingMode = "all_matches"
)

// Rule is an ordered list of conditions, all of which must hold for the
// rule to match. Compile caches the predicate list; an uncompiled rule
// builds it on every evaluation.
type Rule struct {
	Name       string
	Enabled    bool
	Priority   int
	Action     Action
	Trailing   *domain.TrailingConfig
	Conditions []Condition

	compiled []predicate
}

// Compile builds and caches the predicate list. Rules are compiled once
// when the config is loaded; after that Matches never writes, so a rule
// may be evaluated from any number of goroutines.
func (r *Rule) Compile() {
	r.compiled = compileConditions(r.Conditions)
}

func compileConditions(conditions []Condition) []predicate {
	preds := []predicate{}
	for _, c := range conditions {
		preds = append(preds, c.compile()...)
	}
	return preds
}

// Matches reports whether every atomic predicate across every condition
// holds for the context. Evaluation is a pure read: the same context
// against the same rule always yields the same answer and nothing is
// mutated.
func (r *Rule) Matches(ctx *Context) bool {
	preds := r.compiled
	if preds == nil {
		preds = compileConditions(r.Conditions)
	}
	for _, p := range preds {
		if !p.eval(ctx) {
			return false
		}
	}
	return true
}

// ForCandidates returns a copy of the rule with its SignalRules bounds
// dropped. Swap rules use SignalRules to designate which held positions
// they may replace, not to gate the candidate pair, which has no position
// yet. Rules without such bounds are returned unchanged.
func (r *Rule) ForCandidates() *Rule {
	needs := false
	for _, c := range r.Conditions {
		if len(c.SignalRules) > 0 {
			needs = true
			break
		}
	}
	if !needs {
		return r
	}

	clone := &Rule{
		Name:     r.Name,
		Enabled:  r.Enabled,
		Priority: r.Priority,
		Action:   r.Action,
		Trailing: r.Trailing,
	}
	clone.Conditions = make([]Condition, len(r.Conditions))
	copy(clone.Conditions, r.Conditions)
	for i := range clone.Conditions {
		clone.Conditions[i].SignalRules = nil
	}
	clone.Compile()
	return clone
}

// Evaluate applies the ordered rule list to the context under the given
// processing mode and returns the winning rule, or nil when nothing
// matches. Disabled rules are filtered before anything else.
func Evaluate(ruleList []*Rule, ctx *Context, mode ProcessingMode) *Rule {
	enabled := make([]*Rule, 0, len(ruleList))
	for _, r := range ruleList {
		if r.Enabled {
			enabled = append(enabled, r)
		}
	}

	switch mode {
	case HighestPriority:
		sorted := make([]*Rule, len(enabled))
		copy(sorted, enabled)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
		for _, r := range sorted {
			if r.Matches(ctx) {
				return r
			}
		}
		return nil

	case AllMatches:
		var last *Rule
		for _, r := range enabled {
			if r.Matches(ctx) {
				last = r
			}
		}
		return last

	default: // FirstMatch
		for _, r := range enabled {
			if r.Matches(ctx) {
				return r
			}
		}
		return nil
	}
}
