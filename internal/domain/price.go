package domain

import "github.com/shopspring/decimal"

// Price is a non-negative unit price. Prices are currency-agnostic; the
// quote currency lives on the pair and on Money values derived from a price.
type Price struct {
	value decimal.Decimal
}

var ZeroPrice = Price{value: decimal.Zero}

// NewPrice validates value >= 0.
func NewPrice(value decimal.Decimal) (Price, error) {
	if value.IsNegative() {
		return Price{}, NewValidationError("price cannot be negative: %s", value)
	}
	return Price{value: value}, nil
}

// MustPrice panics on invalid input. For constants and tests.
func MustPrice(value decimal.Decimal) Price {
	p, err := NewPrice(value)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromFloat is a convenience constructor for config and tests.
func PriceFromFloat(v float64) (Price, error) {
	return NewPrice(decimal.NewFromFloat(v))
}

func (p Price) Value() decimal.Decimal { return p.value }
func (p Price) IsZero() bool           { return p.value.IsZero() }

func (p Price) GreaterThan(other Price) bool { return p.value.GreaterThan(other.value) }
func (p Price) LessThan(other Price) bool    { return p.value.LessThan(other.value) }
func (p Price) Equal(other Price) bool       { return p.value.Equal(other.value) }

// Cost returns price * qty denominated in the given currency.
func (p Price) Cost(qty Quantity, currency string) Money {
	return Money{amount: p.value.Mul(qty.value), currency: currency}
}

func (p Price) String() string { return p.value.String() }

// Quantity is a non-negative asset amount.
type Quantity struct {
	value decimal.Decimal
}

var ZeroQuantity = Quantity{value: decimal.Zero}

// NewQuantity validates value >= 0.
func NewQuantity(value decimal.Decimal) (Quantity, error) {
	if value.IsNegative() {
		return Quantity{}, NewValidationError("quantity cannot be negative: %s", value)
	}
	return Quantity{value: value}, nil
}

// MustQuantity panics on invalid input. For constants and tests.
func MustQuantity(value decimal.Decimal) Quantity {
	q, err := NewQuantity(value)
	if err != nil {
		panic(err)
	}
	return q
}

func (q Quantity) Value() decimal.Decimal { return q.value }
func (q Quantity) IsZero() bool           { return q.value.IsZero() }

func (q Quantity) Add(other Quantity) Quantity {
	return Quantity{value: q.value.Add(other.value)}
}

func (q Quantity) GreaterThan(other Quantity) bool { return q.value.GreaterThan(other.value) }
func (q Quantity) Equal(other Quantity) bool       { return q.value.Equal(other.value) }

func (q Quantity) String() string { return q.value.String() }

// Margin is an unrealized profit-or-loss expressed in percent.
// Negative values mean the position is under water.
type Margin struct {
	pct decimal.Decimal
}

var ZeroMargin = Margin{pct: decimal.Zero}

// NewMargin wraps a percentage value (5 means +5%).
func NewMargin(pct decimal.Decimal) Margin { return Margin{pct: pct} }

// MarginFromFloat is a convenience constructor for config and tests.
func MarginFromFloat(pct float64) Margin { return Margin{pct: decimal.NewFromFloat(pct)} }

func (m Margin) Pct() decimal.Decimal { return m.pct }
func (m Margin) IsNegative() bool     { return m.pct.IsNegative() }
func (m Margin) IsPositive() bool     { return m.pct.IsPositive() }

func (m Margin) Add(other Margin) Margin { return Margin{pct: m.pct.Add(other.pct)} }
func (m Margin) Sub(other Margin) Margin { return Margin{pct: m.pct.Sub(other.pct)} }

func (m Margin) GreaterThan(other Margin) bool        { return m.pct.GreaterThan(other.pct) }
func (m Margin) GreaterThanOrEqual(other Margin) bool { return m.pct.GreaterThanOrEqual(other.pct) }
func (m Margin) LessThan(other Margin) bool           { return m.pct.LessThan(other.pct) }
func (m Margin) LessThanOrEqual(other Margin) bool    { return m.pct.LessThanOrEqual(other.pct) }
func (m Margin) Equal(other Margin) bool              { return m.pct.Equal(other.pct) }

func (m Margin) Max(other Margin) Margin {
	if other.GreaterThan(m) {
		return other
	}
	return m
}

func (m Margin) Min(other Margin) Margin {
	if other.LessThan(m) {
		return other
	}
	return m
}

func (m Margin) String() string { return m.pct.StringFixed(4) + "%" }
