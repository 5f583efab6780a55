// Package position implements the position aggregate: one open trade
// against a pair, extended by DCA entries and closed by a single sell.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Entry is a single buy fill inside a position. Immutable once appended.
type Entry struct {
	OrderID    domain.OrderID
	Price      domain.Price
	Quantity   domain.Quantity
	Fees       domain.Money // quote currency
	Timestamp  time.Time
	IsMigrated bool
}

// Cost returns price * quantity in the position's quote currency.
func (e Entry) Cost() domain.Money {
	return e.Price.Cost(e.Quantity, e.Fees.Currency())
}

// Position is the aggregate root. A closed position is frozen: any further
// mutation fails.
type Position struct {
	id         domain.PositionID
	pair       domain.TradingPair
	quote      string
	signalRule string

	entries   []Entry
	openedAt  time.Time
	lastBuyAt time.Time

	// Margin observed at the moment of the most recent buy, used by the
	// MarginChange rule predicate. Nil until the first DCA entry.
	lastBuyMargin *domain.Margin

	closed      bool
	closedAt    time.Time
	closeOrder  domain.OrderID
	closePrice  domain.Price
	closeFees   domain.Money
	finalMargin domain.Margin
}

// Open creates a position from its first fill. Fails when price or quantity
// is zero, or when the fee currency does not match the pair's quote.
func Open(pair domain.TradingPair, orderID domain.OrderID, price domain.Price, qty domain.Quantity, fees domain.Money, signalRule string, at time.Time) (*Position, domain.PositionOpened, error) {
	if price.IsZero() {
		return nil, domain.PositionOpened{}, domain.NewValidationError("cannot open %s with zero price", pair)
	}
	if qty.IsZero() {
		return nil, domain.PositionOpened{}, domain.NewValidationError("cannot open %s with zero quantity", pair)
	}
	if fees.Currency() != pair.Quote() {
		return nil, domain.PositionOpened{}, domain.NewValidationError("fee currency %s does not match quote %s", fees.Currency(), pair.Quote())
	}

	p := &Position{
		id:         domain.NewPositionID(),
		pair:       pair,
		quote:      pair.Quote(),
		signalRule: signalRule,
		entries: []Entry{{
			OrderID:   orderID,
			Price:     price,
			Quantity:  qty,
			Fees:      fees,
			Timestamp: at,
		}},
		openedAt:  at,
		lastBuyAt: at,
	}

	ev := domain.NewPositionOpened(at, p.id, pair, orderID, price, qty, p.TotalCost(), signalRule)
	return p, ev, nil
}

// AddDCAEntry appends a buy fill to an open position and advances lastBuyAt.
// currentMargin is the margin observed at fill time and feeds the
// MarginChange predicate on later evaluations.
func (p *Position) AddDCAEntry(orderID domain.OrderID, price domain.Price, qty domain.Quantity, fees domain.Money, currentMargin domain.Margin, at time.Time) (domain.DCAExecuted, error) {
	if p.closed {
		return domain.DCAExecuted{}, domain.NewValidationError("position %s is closed", p.id)
	}
	if price.IsZero() || qty.IsZero() {
		return domain.DCAExecuted{}, domain.NewValidationError("DCA entry requires price and quantity > 0")
	}
	if fees.Currency() != p.quote {
		return domain.DCAExecuted{}, domain.NewValidationError("fee currency %s does not match quote %s", fees.Currency(), p.quote)
	}
	if at.Before(p.lastBuyAt) {
		at = p.lastBuyAt
	}

	p.entries = append(p.entries, Entry{
		OrderID:   orderID,
		Price:     price,
		Quantity:  qty,
		Fees:      fees,
		Timestamp: at,
	})
	p.lastBuyAt = at
	m := currentMargin
	p.lastBuyMargin = &m

	return domain.DCAExecuted{
		At:           at,
		PositionID:   p.id,
		Pair:         p.pair,
		OrderID:      orderID,
		Price:        price,
		Quantity:     qty,
		DCALevel:     p.DCALevel(),
		AveragePrice: p.AveragePrice(),
		TotalCost:    p.TotalCost(),
		TotalQty:     p.TotalQuantity(),
	}, nil
}

// Close sells the full position. Fails when already closed or sellPrice is zero.
func (p *Position) Close(sellOrderID domain.OrderID, sellPrice domain.Price, sellFees domain.Money, at time.Time) (domain.PositionClosed, error) {
	if p.closed {
		return domain.PositionClosed{}, domain.NewValidationError("position %s is already closed", p.id)
	}
	if sellPrice.IsZero() {
		return domain.PositionClosed{}, domain.NewValidationError("cannot close %s with zero sell price", p.id)
	}
	if sellFees.Currency() != p.quote {
		return domain.PositionClosed{}, domain.NewValidationError("sell fee currency %s does not match quote %s", sellFees.Currency(), p.quote)
	}
	if at.Before(p.lastBuyAt) {
		at = p.lastBuyAt
	}

	finalMargin, err := p.MarginAtPriceWithSellFees(sellPrice, sellFees)
	if err != nil {
		return domain.PositionClosed{}, err
	}

	p.closed = true
	p.closedAt = at
	p.closeOrder = sellOrderID
	p.closePrice = sellPrice
	p.closeFees = sellFees
	p.finalMargin = finalMargin

	totalFees, _ := p.TotalFees().Add(sellFees)

	return domain.PositionClosed{
		At:          at,
		PositionID:  p.id,
		Pair:        p.pair,
		SellOrderID: sellOrderID,
		SellPrice:   sellPrice,
		Proceeds:    sellPrice.Cost(p.TotalQuantity(), p.quote),
		TotalFees:   totalFees,
		FinalMargin: finalMargin,
		Duration:    at.Sub(p.openedAt),
	}, nil
}

func (p *Position) ID() domain.PositionID     { return p.id }
func (p *Position) Pair() domain.TradingPair  { return p.pair }
func (p *Position) Quote() string             { return p.quote }
func (p *Position) SignalRule() string        { return p.signalRule }
func (p *Position) OpenedAt() time.Time       { return p.openedAt }
func (p *Position) LastBuyAt() time.Time      { return p.lastBuyAt }
func (p *Position) IsClosed() bool            { return p.closed }
func (p *Position) ClosedAt() time.Time       { return p.closedAt }
func (p *Position) FinalMargin() domain.Margin { return p.finalMargin }

// LastBuyMargin returns the margin observed at the most recent buy, or nil
// when the position has a single entry.
func (p *Position) LastBuyMargin() *domain.Margin {
	if p.lastBuyMargin == nil {
		return nil
	}
	m := *p.lastBuyMargin
	return &m
}

// Entries returns a copy of the fill list.
func (p *Position) Entries() []Entry {
	out := make([]Entry, len(p.entries))
	copy(out, p.entries)
	return out
}

// DCALevel is the number of averaging buys after the opening one.
func (p *Position) DCALevel() int {
	if len(p.entries) == 0 {
		return 0
	}
	return len(p.entries) - 1
}

// TotalQuantity sums every entry's quantity.
func (p *Position) TotalQuantity() domain.Quantity {
	total := decimal.Zero
	for _, e := range p.entries {
		total = total.Add(e.Quantity.Value())
	}
	return domain.MustQuantity(total)
}

// TotalCost sums price*quantity over every entry, excluding fees.
func (p *Position) TotalCost() domain.Money {
	total := decimal.Zero
	for _, e := range p.entries {
		total = total.Add(e.Price.Value().Mul(e.Quantity.Value()))
	}
	return domain.MustMoney(total, p.quote)
}

// TotalFees sums the buy fees of every entry.
func (p *Position) TotalFees() domain.Money {
	total := decimal.Zero
	for _, e := range p.entries {
		total = total.Add(e.Fees.Amount())
	}
	return domain.MustMoney(total, p.quote)
}

// AveragePrice is totalCost / totalQuantity, or zero for an empty position.
func (p *Position) AveragePrice() domain.Price {
	qty := p.TotalQuantity()
	if qty.IsZero() {
		return domain.ZeroPrice
	}
	return domain.MustPrice(p.TotalCost().Amount().Div(qty.Value()))
}

// MarginAtPrice returns the buy-fee-aware unrealized margin at a price.
func (p *Position) MarginAtPrice(currentPrice domain.Price) domain.Margin {
	m, _ := p.MarginAtPriceWithSellFees(currentPrice, domain.ZeroMoney(p.quote))
	return m
}

// MarginAtPriceWithSellFees returns ((currentValue - fullCost) / fullCost) * 100
// where fullCost includes buy fees and the estimated sell fees.
func (p *Position) MarginAtPriceWithSellFees(currentPrice domain.Price, sellFees domain.Money) (domain.Margin, error) {
	if sellFees.Currency() != p.quote {
		return domain.ZeroMargin, domain.NewValidationError("sell fee currency %s does not match quote %s", sellFees.Currency(), p.quote)
	}
	fullCost := p.TotalCost().Amount().Add(p.TotalFees().Amount()).Add(sellFees.Amount())
	if fullCost.IsZero() {
		return domain.ZeroMargin, nil
	}
	currentValue := currentPrice.Value().Mul(p.TotalQuantity().Value())
	return domain.NewMargin(currentValue.Sub(fullCost).Div(fullCost).Mul(hundred)), nil
}

// CanDCAByPriceDrop reports whether the price dropped at least minDropPct
// percent below the average entry price. Always false once closed.
func (p *Position) CanDCAByPriceDrop(currentPrice domain.Price, minDropPct decimal.Decimal) bool {
	if p.closed {
		return false
	}
	avg := p.AveragePrice()
	if avg.IsZero() {
		return false
	}
	drop := avg.Value().Sub(currentPrice.Value()).Div(avg.Value()).Mul(hundred)
	return drop.GreaterThanOrEqual(minDropPct)
}

// Restore rebuilds a position from persisted state. Used by the account
// store and the legacy migrator; it bypasses Open's single-entry shape but
// still validates the aggregate invariants.
func Restore(id domain.PositionID, pair domain.TradingPair, signalRule string, entries []Entry, openedAt, lastBuyAt time.Time, lastBuyMargin *domain.Margin) (*Position, error) {
	if len(entries) == 0 {
		return nil, domain.NewValidationError("restored position %s has no entries", id)
	}
	for _, e := range entries {
		if e.Price.IsZero() || e.Quantity.IsZero() {
			return nil, domain.NewInvariantViolation("I3", "restored entry on %s has zero price or quantity", pair)
		}
		if e.Fees.Currency() != pair.Quote() {
			return nil, domain.NewInvariantViolation("I2", "restored entry fee currency %s != quote %s", e.Fees.Currency(), pair.Quote())
		}
	}
	if lastBuyAt.Before(openedAt) {
		lastBuyAt = openedAt
	}
	p := &Position{
		id:         id,
		pair:       pair,
		quote:      pair.Quote(),
		signalRule: signalRule,
		entries:    append([]Entry(nil), entries...),
		openedAt:   openedAt,
		lastBuyAt:  lastBuyAt,
	}
	if lastBuyMargin != nil {
		m := *lastBuyMargin
		p.lastBuyMargin = &m
	}
	return p, nil
}
