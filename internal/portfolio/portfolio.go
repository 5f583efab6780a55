// Package portfolio tracks the quote-currency balance of one market split
// into available and reserved funds, and which pairs currently hold an open
// position. All mutating operations are serialized by the order executor's
// lock; the aggregate itself carries no locking.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Balance is the three-way split of portfolio funds.
// Invariant P1: Total = Available + Reserved.
type Balance struct {
	Total     domain.Money
	Available domain.Money
	Reserved  domain.Money
}

// Portfolio is the aggregate root for one market (quote currency).
type Portfolio struct {
	id              domain.PortfolioID
	name            string
	market          string // quote currency, e.g. USDT
	total           decimal.Decimal
	available       decimal.Decimal
	reserved        decimal.Decimal
	maxPositions    int
	minPositionCost decimal.Decimal

	activePositions map[string]domain.PositionID      // symbol -> position
	positionCosts   map[domain.PositionID]decimal.Decimal // reserved cost per position
}

// New creates a portfolio with the full balance available.
func New(name, market string, initialBalance decimal.Decimal, maxPositions int, minPositionCost decimal.Decimal) (*Portfolio, error) {
	if market == "" {
		return nil, domain.NewValidationError("portfolio requires a market currency")
	}
	if initialBalance.IsNegative() {
		return nil, domain.NewValidationError("initial balance cannot be negative")
	}
	if maxPositions <= 0 {
		return nil, domain.NewValidationError("maxPositions must be positive")
	}
	return &Portfolio{
		id:              domain.NewPortfolioID(),
		name:            name,
		market:          market,
		total:           initialBalance,
		available:       initialBalance,
		reserved:        decimal.Zero,
		maxPositions:    maxPositions,
		minPositionCost: minPositionCost,
		activePositions: make(map[string]domain.PositionID),
		positionCosts:   make(map[domain.PositionID]decimal.Decimal),
	}, nil
}

func (p *Portfolio) ID() domain.PortfolioID { return p.id }
func (p *Portfolio) Name() string           { return p.name }
func (p *Portfolio) Market() string         { return p.market }
func (p *Portfolio) MaxPositions() int      { return p.maxPositions }

// MinPositionCost is the smallest allowed position cost in market currency.
func (p *Portfolio) MinPositionCost() domain.Money {
	return domain.MustMoney(p.minPositionCost, p.market)
}

// Balance returns the current balance split.
func (p *Portfolio) Balance() Balance {
	return Balance{
		Total:     domain.MustMoney(p.total, p.market),
		Available: domain.MustMoney(p.available, p.market),
		Reserved:  domain.MustMoney(p.reserved, p.market),
	}
}

// OpenPositionCount returns the number of active positions.
func (p *Portfolio) OpenPositionCount() int { return len(p.activePositions) }

// HasPair reports whether the pair already holds a position (P2).
func (p *Portfolio) HasPair(pair domain.TradingPair) bool {
	_, ok := p.activePositions[pair.Symbol()]
	return ok
}

// PositionFor returns the position id held against a pair.
func (p *Portfolio) PositionFor(pair domain.TradingPair) (domain.PositionID, bool) {
	id, ok := p.activePositions[pair.Symbol()]
	return id, ok
}

// ActivePositions returns a copy of the symbol -> position map.
func (p *Portfolio) ActivePositions() map[string]domain.PositionID {
	out := make(map[string]domain.PositionID, len(p.activePositions))
	for k, v := range p.activePositions {
		out[k] = v
	}
	return out
}

// ReservedCost returns the cost reserved for a position.
func (p *Portfolio) ReservedCost(id domain.PositionID) (domain.Money, bool) {
	c, ok := p.positionCosts[id]
	if !ok {
		return domain.ZeroMoney(p.market), false
	}
	return domain.MustMoney(c, p.market), true
}

// CanAfford reports whether cost fits in the available balance.
func (p *Portfolio) CanAfford(cost domain.Money) bool {
	return cost.Currency() == p.market && p.available.GreaterThanOrEqual(cost.Amount())
}

func (p *Portfolio) checkCurrency(m domain.Money) error {
	if m.Currency() != p.market {
		return domain.NewValidationError("currency %s does not match market %s", m.Currency(), p.market)
	}
	return nil
}

// RecordPositionOpened moves cost from available to reserved and registers
// the pair. Enforces P2 (pair unique), P3 (max positions) and P5.
func (p *Portfolio) RecordPositionOpened(id domain.PositionID, pair domain.TradingPair, cost domain.Money) error {
	if err := p.checkCurrency(cost); err != nil {
		return err
	}
	if p.HasPair(pair) {
		return domain.NewValidationError("pair %s already holds a position", pair)
	}
	if len(p.activePositions) >= p.maxPositions {
		return domain.NewValidationError("max positions reached (%d)", p.maxPositions)
	}
	if cost.Amount().GreaterThan(p.available) {
		return domain.NewValidationError("insufficient funds: need %s, available %s %s", cost, p.available, p.market)
	}

	p.available = p.available.Sub(cost.Amount())
	p.reserved = p.reserved.Add(cost.Amount())
	p.activePositions[pair.Symbol()] = id
	p.positionCosts[id] = cost.Amount()
	return p.checkInvariants()
}

// RecordPositionCostIncreased moves a DCA buy's cost from available to
// reserved for an already-registered position.
func (p *Portfolio) RecordPositionCostIncreased(id domain.PositionID, pair domain.TradingPair, deltaCost domain.Money) error {
	if err := p.checkCurrency(deltaCost); err != nil {
		return err
	}
	if existing, ok := p.activePositions[pair.Symbol()]; !ok || existing != id {
		return domain.NewValidationError("position %s is not active on %s", id, pair)
	}
	if deltaCost.Amount().GreaterThan(p.available) {
		return domain.NewValidationError("insufficient funds for DCA: need %s", deltaCost)
	}

	p.available = p.available.Sub(deltaCost.Amount())
	p.reserved = p.reserved.Add(deltaCost.Amount())
	p.positionCosts[id] = p.positionCosts[id].Add(deltaCost.Amount())
	return p.checkInvariants()
}

// RecordPositionClosed releases the reserved cost back to available, then
// applies PnL = proceeds - reservedCost. When the PnL adjustment would push
// available below zero it clamps to zero and the delta lands on total (P5).
func (p *Portfolio) RecordPositionClosed(id domain.PositionID, pair domain.TradingPair, proceeds domain.Money) (domain.Money, error) {
	if err := p.checkCurrency(proceeds); err != nil {
		return domain.ZeroMoney(p.market), err
	}
	if existing, ok := p.activePositions[pair.Symbol()]; !ok || existing != id {
		return domain.ZeroMoney(p.market), domain.NewValidationError("position %s is not active on %s", id, pair)
	}

	reservedCost := p.positionCosts[id]
	pnl := proceeds.Amount().Sub(reservedCost)

	p.reserved = p.reserved.Sub(reservedCost)
	p.available = p.available.Add(reservedCost).Add(pnl)
	if p.available.IsNegative() {
		p.available = decimal.Zero
	}
	p.total = p.available.Add(p.reserved)

	delete(p.activePositions, pair.Symbol())
	delete(p.positionCosts, id)

	if err := p.checkInvariants(); err != nil {
		return domain.ZeroMoney(p.market), err
	}
	return domain.MustMoney(pnl, p.market), nil
}

// SyncBalance reconciles total with the exchange-reported balance. When the
// new total undercuts reserved funds, reserved is clamped to the new total
// and available to zero; the returned event carries Clamped=true so the
// caller can emit a warning.
func (p *Portfolio) SyncBalance(exchangeTotal domain.Money, at time.Time) (domain.BalanceSynced, error) {
	if err := p.checkCurrency(exchangeTotal); err != nil {
		return domain.BalanceSynced{}, err
	}
	old := p.total
	clamped := false

	p.total = exchangeTotal.Amount()
	if p.total.LessThan(p.reserved) {
		p.reserved = p.total
		p.available = decimal.Zero
		clamped = true
	} else {
		p.available = p.total.Sub(p.reserved)
	}

	if err := p.checkInvariants(); err != nil {
		return domain.BalanceSynced{}, err
	}
	return domain.BalanceSynced{
		At:          at,
		PortfolioID: p.id,
		OldTotal:    domain.MustMoney(old, p.market),
		NewTotal:    exchangeTotal,
		Clamped:     clamped,
	}, nil
}

// checkInvariants verifies P1-P5 after every mutation. A failure here is a
// bug, not bad input.
func (p *Portfolio) checkInvariants() error {
	if !p.total.Equal(p.available.Add(p.reserved)) {
		return domain.NewInvariantViolation("P1", "total %s != available %s + reserved %s", p.total, p.available, p.reserved)
	}
	if len(p.activePositions) > p.maxPositions {
		return domain.NewInvariantViolation("P3", "%d active positions exceed max %d", len(p.activePositions), p.maxPositions)
	}
	if p.available.IsNegative() {
		return domain.NewInvariantViolation("P5", "available %s is negative", p.available)
	}
	return nil
}

// Restore rebuilds a portfolio from persisted state.
func Restore(id domain.PortfolioID, name, market string, balance Balance, maxPositions int, minPositionCost decimal.Decimal, active map[string]domain.PositionID, costs map[domain.PositionID]decimal.Decimal) (*Portfolio, error) {
	p := &Portfolio{
		id:              id,
		name:            name,
		market:          market,
		total:           balance.Total.Amount(),
		available:       balance.Available.Amount(),
		reserved:        balance.Reserved.Amount(),
		maxPositions:    maxPositions,
		minPositionCost: minPositionCost,
		activePositions: make(map[string]domain.PositionID, len(active)),
		positionCosts:   make(map[domain.PositionID]decimal.Decimal, len(costs)),
	}
	for k, v := range active {
		p.activePositions[k] = v
	}
	for k, v := range costs {
		p.positionCosts[k] = v
	}
	if err := p.checkInvariants(); err != nil {
		return nil, err
	}
	return p, nil
}
