package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/portfolio"
	"github.com/signalgrid/tradebot/internal/position"
)

// MinBuySellInterval is the wall-clock spacing enforced between a buy fill
// and the next order on the same pair. Scaled down during replay.
const MinBuySellInterval = 10 * time.Second

// DCALimits gates averaging-down buys.
type DCALimits struct {
	Enabled         bool
	MaxLevels       int
	MinPriceDropPct decimal.Decimal
	MinTimeBetween  time.Duration
	MaxTotalCost    decimal.Decimal // zero = uncapped
}

// Limits is the configuration slice the validator needs.
type Limits struct {
	Market           string
	AllowedPairs     map[string]bool // empty set allows every pair
	BlockedPairs     map[string]bool
	DCA              DCALimits
	MinProfitMargin  *decimal.Decimal // close gate; nil disables
	MinHoldingPeriod time.Duration    // close gate; zero disables
	SpeedMultiplier  float64
}

// Validator applies the pre-trade constraint checks for open, DCA and
// close intents. Pure: all inputs are passed in, nothing is mutated.
type Validator struct {
	limits Limits
}

// NewValidator creates a validator over the given limits.
func NewValidator(limits Limits) *Validator {
	if limits.SpeedMultiplier <= 0 {
		limits.SpeedMultiplier = 1.0
	}
	return &Validator{limits: limits}
}

// SetLimits swaps the limits on config reload. The executor calls this
// under its own lock.
func (v *Validator) SetLimits(limits Limits) {
	if limits.SpeedMultiplier <= 0 {
		limits.SpeedMultiplier = 1.0
	}
	v.limits = limits
}

// scaled compresses a wall-clock window by the replay speed multiplier.
func (v *Validator) scaled(d time.Duration) time.Duration {
	return time.Duration(float64(d) / v.limits.SpeedMultiplier)
}

// ValidateOpen checks every precondition for opening a new position.
// universe is the exchange's tradable symbol set; lastBuyFill is the time
// of the latest buy fill on this pair (zero when none).
func (v *Validator) ValidateOpen(pf *portfolio.Portfolio, pair domain.TradingPair, cost domain.Money, universe map[string]bool, lastBuyFill time.Time, now time.Time) error {
	if pf.HasPair(pair) {
		return domain.NewValidationError("pair %s already holds a position", pair)
	}
	if pf.OpenPositionCount() >= pf.MaxPositions() {
		return domain.NewValidationError("max positions reached (%d)", pf.MaxPositions())
	}
	if cost.Currency() != pf.Market() {
		return domain.NewValidationError("cost currency %s does not match market %s", cost.Currency(), pf.Market())
	}
	if cost.LessThan(pf.MinPositionCost()) {
		return domain.NewValidationError("cost %s below minimum %s", cost, pf.MinPositionCost())
	}
	if !pf.CanAfford(cost) {
		return domain.NewValidationError("insufficient funds: need %s, available %s", cost, pf.Balance().Available)
	}
	if err := v.checkPairTradable(pair, universe); err != nil {
		return err
	}
	if !lastBuyFill.IsZero() {
		if elapsed := now.Sub(lastBuyFill); elapsed < v.scaled(MinBuySellInterval) {
			return domain.NewValidationError("buy interval on %s not elapsed (%s since last fill)", pair, elapsed)
		}
	}
	return nil
}

func (v *Validator) checkPairTradable(pair domain.TradingPair, universe map[string]bool) error {
	sym := pair.Symbol()
	if v.limits.BlockedPairs[sym] {
		return domain.NewValidationError("pair %s is blocked", pair)
	}
	if len(v.limits.AllowedPairs) > 0 && !v.limits.AllowedPairs[sym] {
		return domain.NewValidationError("pair %s is not in the allowed set", pair)
	}
	if universe != nil && !universe[sym] {
		return domain.NewValidationError("pair %s is not tradable on the exchange", pair)
	}
	return nil
}

// ValidateDCA checks every precondition for averaging down an open position.
func (v *Validator) ValidateDCA(pf *portfolio.Portfolio, pos *position.Position, cost domain.Money, currentPrice domain.Price, now time.Time) error {
	if pos == nil || pos.IsClosed() {
		return domain.NewValidationError("no open position to DCA")
	}
	if !v.limits.DCA.Enabled {
		return domain.NewValidationError("DCA is disabled")
	}
	if pos.DCALevel() >= v.limits.DCA.MaxLevels {
		return domain.NewValidationError("position %s at max DCA level %d", pos.ID(), pos.DCALevel())
	}
	if !pos.CanDCAByPriceDrop(currentPrice, v.limits.DCA.MinPriceDropPct) {
		return domain.NewValidationError("price drop below %s%% threshold not met on %s", v.limits.DCA.MinPriceDropPct, pos.Pair())
	}
	if elapsed := now.Sub(pos.LastBuyAt()); elapsed < v.scaled(v.limits.DCA.MinTimeBetween) {
		return domain.NewValidationError("DCA cooldown on %s not elapsed (%s since last buy)", pos.Pair(), elapsed)
	}
	if !pf.CanAfford(cost) {
		return domain.NewValidationError("insufficient funds for DCA: need %s", cost)
	}
	if !v.limits.DCA.MaxTotalCost.IsZero() {
		projected := pos.TotalCost().Amount().Add(cost.Amount())
		if projected.GreaterThan(v.limits.DCA.MaxTotalCost) {
			return domain.NewValidationError("DCA would push cost to %s, above cap %s", projected, v.limits.DCA.MaxTotalCost)
		}
	}
	return nil
}

// ValidateClose checks the sell gates. The buy-sell interval always
// applies; forced=true skips only the optional profit and holding-period
// gates (stop-loss and take-profit closes pass forced=true).
func (v *Validator) ValidateClose(pos *position.Position, currentPrice domain.Price, lastBuyFill, now time.Time, forced bool) error {
	if pos == nil || pos.IsClosed() {
		return domain.NewValidationError("no open position to close")
	}
	if !lastBuyFill.IsZero() {
		if elapsed := now.Sub(lastBuyFill); elapsed < v.scaled(MinBuySellInterval) {
			return domain.NewValidationError("sell interval on %s not elapsed (%s since last buy fill)", pos.Pair(), elapsed)
		}
	}
	if forced {
		return nil
	}
	if v.limits.MinHoldingPeriod > 0 {
		if held := now.Sub(pos.OpenedAt()); held < v.scaled(v.limits.MinHoldingPeriod) {
			return domain.NewValidationError("position %s held only %s, below minimum holding period", pos.ID(), held)
		}
	}
	if v.limits.MinProfitMargin != nil {
		margin := pos.MarginAtPrice(currentPrice)
		if margin.Pct().LessThan(*v.limits.MinProfitMargin) {
			return domain.NewValidationError("margin %s below minimum profit %s%%", margin, v.limits.MinProfitMargin)
		}
	}
	return nil
}
