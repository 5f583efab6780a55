// Package rules implements the composable predicate engine that decides
// when configured rules match a market or position snapshot.
package rules

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

// SignalSnapshot is one provider's view of one pair. Every field is
// optional: a rule bound on an absent field evaluates false, never true.
type SignalSnapshot struct {
	Pair         domain.TradingPair
	Signal       string // provider name, e.g. "TV-15m"
	Volume       *decimal.Decimal
	VolumeChange *decimal.Decimal
	Price        *decimal.Decimal
	PriceChange  *decimal.Decimal
	Rating       *decimal.Decimal // in [-1, 1]
	RatingChange *decimal.Decimal
	Volatility   *decimal.Decimal
	ObservedAt   time.Time
}

// PositionSnapshot is the projection of an open position used for rule
// evaluation. Built by the trading rule processor; never mutated.
type PositionSnapshot struct {
	Pair          domain.TradingPair
	CurrentAge    time.Duration
	LastBuyAge    time.Duration
	CurrentMargin domain.Margin
	LastBuyMargin *domain.Margin
	TotalAmount   domain.Quantity
	CurrentCost   domain.Money
	DCALevel      int
	SignalRule    string
}

// Context carries everything a rule may inspect. SpeedMultiplier scales
// age-based predicates during replay; live mode always passes 1.0.
type Context struct {
	Pair            domain.TradingPair
	Signals         map[string]SignalSnapshot // keyed by signal name
	GlobalRating    *decimal.Decimal
	Position        *PositionSnapshot
	SpeedMultiplier float64
}

// NewContext builds a context with the default speed multiplier of 1.0.
func NewContext(pair domain.TradingPair, signals map[string]SignalSnapshot) *Context {
	return &Context{
		Pair:            pair,
		Signals:         signals,
		SpeedMultiplier: 1.0,
	}
}

// effectiveSpeed guards against zero/negative multipliers from bad config.
func (c *Context) effectiveSpeed() float64 {
	if c.SpeedMultiplier <= 0 {
		return 1.0
	}
	return c.SpeedMultiplier
}

// scaledAge divides an observed age by the speed multiplier so MinAge-style
// bounds keep their live-mode meaning during accelerated replay.
func (c *Context) scaledAge(age time.Duration) time.Duration {
	return time.Duration(float64(age) / c.effectiveSpeed())
}
