package rules

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Condition is a set of optional bounds over the evaluation context. A nil
// bound is absent; a condition with no bounds at all is trivially true.
// Signal-scoped bounds apply to the snapshot named by Signal.
type Condition struct {
	// Signal-scoped bounds.
	Signal          string
	MinVolume       *decimal.Decimal
	MaxVolume       *decimal.Decimal
	MinVolumeChange *decimal.Decimal
	MaxVolumeChange *decimal.Decimal
	MinPrice        *decimal.Decimal
	MaxPrice        *decimal.Decimal
	MinPriceChange  *decimal.Decimal
	MaxPriceChange  *decimal.Decimal
	MinRating       *decimal.Decimal
	MaxRating       *decimal.Decimal
	MinRatingChange *decimal.Decimal
	MaxRatingChange *decimal.Decimal
	MinVolatility   *decimal.Decimal
	MaxVolatility   *decimal.Decimal

	// Context-global bounds.
	MinGlobalRating *decimal.Decimal
	MaxGlobalRating *decimal.Decimal
	AllowedPairs    []string // case-insensitive symbol list

	// Position-scoped bounds.
	MinAge          *time.Duration
	MaxAge          *time.Duration
	MinLastBuyAge   *time.Duration
	MaxLastBuyAge   *time.Duration
	MinMargin       *decimal.Decimal // percent
	MaxMargin       *decimal.Decimal
	MinMarginChange *decimal.Decimal // currentMargin - lastBuyMargin
	MaxMarginChange *decimal.Decimal
	MinAmount       *decimal.Decimal
	MaxAmount       *decimal.Decimal
	MinCost         *decimal.Decimal
	MaxCost         *decimal.Decimal
	MinDCALevel     *int
	MaxDCALevel     *int
	SignalRules     []string // position.signalRule must be one of these
}

// predicate is one atomic check. Name feeds match diagnostics in debug logs.
type predicate struct {
	name string
	eval func(*Context) bool
}

// signalField looks up an optional field of the named signal. Missing signal
// or missing field both report !ok, which makes the predicate false.
func signalField(ctx *Context, signal string, get func(SignalSnapshot) *decimal.Decimal) (decimal.Decimal, bool) {
	snap, ok := ctx.Signals[signal]
	if !ok {
		return decimal.Decimal{}, false
	}
	v := get(snap)
	if v == nil {
		return decimal.Decimal{}, false
	}
	return *v, true
}

func minSignalPred(name, signal string, bound decimal.Decimal, get func(SignalSnapshot) *decimal.Decimal) predicate {
	return predicate{name: name, eval: func(ctx *Context) bool {
		v, ok := signalField(ctx, signal, get)
		return ok && v.GreaterThanOrEqual(bound)
	}}
}

func maxSignalPred(name, signal string, bound decimal.Decimal, get func(SignalSnapshot) *decimal.Decimal) predicate {
	return predicate{name: name, eval: func(ctx *Context) bool {
		v, ok := signalField(ctx, signal, get)
		return ok && v.LessThanOrEqual(bound)
	}}
}

// positionPred guards on the position snapshot being present.
func positionPred(name string, check func(*Context, *PositionSnapshot) bool) predicate {
	return predicate{name: name, eval: func(ctx *Context) bool {
		if ctx.Position == nil {
			return false
		}
		return check(ctx, ctx.Position)
	}}
}

// compile expands the condition into its conjunction of atomic predicates.
func (c Condition) compile() []predicate {
	var preds []predicate

	type signalBound struct {
		name     string
		min, max *decimal.Decimal
		get      func(SignalSnapshot) *decimal.Decimal
	}
	for _, b := range []signalBound{
		{"Volume", c.MinVolume, c.MaxVolume, func(s SignalSnapshot) *decimal.Decimal { return s.Volume }},
		{"VolumeChange", c.MinVolumeChange, c.MaxVolumeChange, func(s SignalSnapshot) *decimal.Decimal { return s.VolumeChange }},
		{"Price", c.MinPrice, c.MaxPrice, func(s SignalSnapshot) *decimal.Decimal { return s.Price }},
		{"PriceChange", c.MinPriceChange, c.MaxPriceChange, func(s SignalSnapshot) *decimal.Decimal { return s.PriceChange }},
		{"Rating", c.MinRating, c.MaxRating, func(s SignalSnapshot) *decimal.Decimal { return s.Rating }},
		{"RatingChange", c.MinRatingChange, c.MaxRatingChange, func(s SignalSnapshot) *decimal.Decimal { return s.RatingChange }},
		{"Volatility", c.MinVolatility, c.MaxVolatility, func(s SignalSnapshot) *decimal.Decimal { return s.Volatility }},
	} {
		if b.min != nil {
			preds = append(preds, minSignalPred("Min"+b.name, c.Signal, *b.min, b.get))
		}
		if b.max != nil {
			preds = append(preds, maxSignalPred("Max"+b.name, c.Signal, *b.max, b.get))
		}
	}

	if c.MinGlobalRating != nil {
		bound := *c.MinGlobalRating
		preds = append(preds, predicate{name: "MinGlobalRating", eval: func(ctx *Context) bool {
			return ctx.GlobalRating != nil && ctx.GlobalRating.GreaterThanOrEqual(bound)
		}})
	}
	if c.MaxGlobalRating != nil {
		bound := *c.MaxGlobalRating
		preds = append(preds, predicate{name: "MaxGlobalRating", eval: func(ctx *Context) bool {
			return ctx.GlobalRating != nil && ctx.GlobalRating.LessThanOrEqual(bound)
		}})
	}
	if len(c.AllowedPairs) > 0 {
		allowed := make(map[string]bool, len(c.AllowedPairs))
		for _, s := range c.AllowedPairs {
			allowed[strings.ToUpper(strings.TrimSpace(s))] = true
		}
		preds = append(preds, predicate{name: "AllowedPairs", eval: func(ctx *Context) bool {
			return allowed[ctx.Pair.Symbol()]
		}})
	}

	if c.MinAge != nil {
		bound := *c.MinAge
		preds = append(preds, positionPred("MinAge", func(ctx *Context, p *PositionSnapshot) bool {
			return ctx.scaledAge(p.CurrentAge) >= bound
		}))
	}
	if c.MaxAge != nil {
		bound := *c.MaxAge
		preds = append(preds, positionPred("MaxAge", func(ctx *Context, p *PositionSnapshot) bool {
			return ctx.scaledAge(p.CurrentAge) <= bound
		}))
	}
	if c.MinLastBuyAge != nil {
		bound := *c.MinLastBuyAge
		preds = append(preds, positionPred("MinLastBuyAge", func(ctx *Context, p *PositionSnapshot) bool {
			return ctx.scaledAge(p.LastBuyAge) >= bound
		}))
	}
	if c.MaxLastBuyAge != nil {
		bound := *c.MaxLastBuyAge
		preds = append(preds, positionPred("MaxLastBuyAge", func(ctx *Context, p *PositionSnapshot) bool {
			return ctx.scaledAge(p.LastBuyAge) <= bound
		}))
	}
	if c.MinMargin != nil {
		bound := *c.MinMargin
		preds = append(preds, positionPred("MinMargin", func(_ *Context, p *PositionSnapshot) bool {
			return p.CurrentMargin.Pct().GreaterThanOrEqual(bound)
		}))
	}
	if c.MaxMargin != nil {
		bound := *c.MaxMargin
		preds = append(preds, positionPred("MaxMargin", func(_ *Context, p *PositionSnapshot) bool {
			return p.CurrentMargin.Pct().LessThanOrEqual(bound)
		}))
	}
	if c.MinMarginChange != nil {
		bound := *c.MinMarginChange
		preds = append(preds, positionPred("MinMarginChange", func(_ *Context, p *PositionSnapshot) bool {
			if p.LastBuyMargin == nil {
				return false
			}
			return p.CurrentMargin.Pct().Sub(p.LastBuyMargin.Pct()).GreaterThanOrEqual(bound)
		}))
	}
	if c.MaxMarginChange != nil {
		bound := *c.MaxMarginChange
		preds = append(preds, positionPred("MaxMarginChange", func(_ *Context, p *PositionSnapshot) bool {
			if p.LastBuyMargin == nil {
				return false
			}
			return p.CurrentMargin.Pct().Sub(p.LastBuyMargin.Pct()).LessThanOrEqual(bound)
		}))
	}
	if c.MinAmount != nil {
		bound := *c.MinAmount
		preds = append(preds, positionPred("MinAmount", func(_ *Context, p *PositionSnapshot) bool {
			return p.TotalAmount.Value().GreaterThanOrEqual(bound)
		}))
	}
	if c.MaxAmount != nil {
		bound := *c.MaxAmount
		preds = append(preds, positionPred("MaxAmount", func(_ *Context, p *PositionSnapshot) bool {
			return p.TotalAmount.Value().LessThanOrEqual(bound)
		}))
	}
	if c.MinCost != nil {
		bound := *c.MinCost
		preds = append(preds, positionPred("MinCost", func(_ *Context, p *PositionSnapshot) bool {
			return p.CurrentCost.Amount().GreaterThanOrEqual(bound)
		}))
	}
	if c.MaxCost != nil {
		bound := *c.MaxCost
		preds = append(preds, positionPred("MaxCost", func(_ *Context, p *PositionSnapshot) bool {
			return p.CurrentCost.Amount().LessThanOrEqual(bound)
		}))
	}
	if c.MinDCALevel != nil {
		bound := *c.MinDCALevel
		preds = append(preds, positionPred("MinDCALevel", func(_ *Context, p *PositionSnapshot) bool {
			return p.DCALevel >= bound
		}))
	}
	if c.MaxDCALevel != nil {
		bound := *c.MaxDCALevel
		preds = append(preds, positionPred("MaxDCALevel", func(_ *Context, p *PositionSnapshot) bool {
			return p.DCALevel <= bound
		}))
	}
	if len(c.SignalRules) > 0 {
		set := make(map[string]bool, len(c.SignalRules))
		for _, s := range c.SignalRules {
			set[s] = true
		}
		preds = append(preds, positionPred("SignalRules", func(_ *Context, p *PositionSnapshot) bool {
			return set[p.SignalRule]
		}))
	}

	return preds
}
