package position

import (
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

// MarginCalculator answers fee-aware price questions about a position:
// where is break-even, and what sell price realizes a target margin. The
// sell fee is modeled as a percentage of the sale value, matching how spot
// exchanges charge taker fees.
type MarginCalculator struct{}

// feeMultiplier returns 1 - feePct/100, the fraction of sale value kept
// after fees.
func feeMultiplier(feePct decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(feePct.Div(hundred))
}

// fullCost is the invested amount including buy fees.
func fullCost(p *Position) decimal.Decimal {
	return p.TotalCost().Amount().Add(p.TotalFees().Amount())
}

// BreakEvenPrice returns the sell price at which the position realizes zero
// margin given an estimated sell-fee percentage:
//
//	breakEven = (totalCost + buyFees) / (qty * (1 - feePct/100))
func (MarginCalculator) BreakEvenPrice(p *Position, sellFeePct decimal.Decimal) (domain.Price, error) {
	qty := p.TotalQuantity().Value()
	mult := feeMultiplier(sellFeePct)
	if qty.IsZero() || mult.LessThanOrEqual(decimal.Zero) {
		return domain.ZeroPrice, domain.NewValidationError("break-even undefined for qty=%s feePct=%s", qty, sellFeePct)
	}
	return domain.NewPrice(fullCost(p).Div(qty.Mul(mult)))
}

// TargetPriceForMargin returns the sell price that realizes margin m%:
//
//	targetValue = fullCost * (1 + m/100)
//	targetPrice = targetValue / (qty * (1 - feePct/100))
func (MarginCalculator) TargetPriceForMargin(p *Position, m domain.Margin, sellFeePct decimal.Decimal) (domain.Price, error) {
	qty := p.TotalQuantity().Value()
	mult := feeMultiplier(sellFeePct)
	if qty.IsZero() || mult.LessThanOrEqual(decimal.Zero) {
		return domain.ZeroPrice, domain.NewValidationError("target price undefined for qty=%s feePct=%s", qty, sellFeePct)
	}
	targetValue := fullCost(p).Mul(decimal.NewFromInt(1).Add(m.Pct().Div(hundred)))
	return domain.NewPrice(targetValue.Div(qty.Mul(mult)))
}

// MarginAtPrice returns the realized margin selling the whole position at
// the given price with a percentage sell fee. Inverse of TargetPriceForMargin.
func (MarginCalculator) MarginAtPrice(p *Position, price domain.Price, sellFeePct decimal.Decimal) domain.Margin {
	cost := fullCost(p)
	if cost.IsZero() {
		return domain.ZeroMargin
	}
	netValue := price.Value().Mul(p.TotalQuantity().Value()).Mul(feeMultiplier(sellFeePct))
	return domain.NewMargin(netValue.Sub(cost).Div(cost).Mul(hundred))
}
