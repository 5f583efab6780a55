// Package exchange defines the spot-exchange port plus its two
// implementations: an in-process virtual simulator and a REST adapter.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Side of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// OrderType selects market or limit placement.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderStatus is the exchange-reported lifecycle state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCanceled        OrderStatus = "canceled"
	StatusRejected        OrderStatus = "rejected"
	StatusExpired         OrderStatus = "expired"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest is a placement instruction. Price is ignored for market
// orders. IdempotencyKey deduplicates retried placements.
type OrderRequest struct {
	Pair           domain.TradingPair
	Side           Side
	Type           OrderType
	Quantity       domain.Quantity
	Price          domain.Price
	IdempotencyKey string
}

// ExecutionResult is the reconciled outcome of a placement or status query.
type ExecutionResult struct {
	OrderID      domain.OrderID
	RequestedQty domain.Quantity
	FilledQty    domain.Quantity
	AveragePrice domain.Price
	Cost         domain.Money // filledQty * averagePrice in quote currency
	Fees         domain.Money
	Status       OrderStatus
}

// PairRules are the exchange's trading constraints for one pair.
type PairRules struct {
	MinOrderValue  decimal.Decimal
	MinQty         decimal.Decimal
	MaxQty         decimal.Decimal
	StepSize       decimal.Decimal
	PricePrecision int32
	QtyPrecision   int32
}

// Balance is one asset's free/locked split on the exchange.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Exchange is the trading port. Write calls may return
// AmbiguousPlacementError; read calls may return TransientIOError, which
// callers retry with backoff. Every call honors ctx cancellation.
type Exchange interface {
	Place(ctx context.Context, req OrderRequest) (ExecutionResult, error)
	GetPrice(ctx context.Context, pair domain.TradingPair) (domain.Price, error)
	GetPrices(ctx context.Context, pairs []domain.TradingPair) (map[string]domain.Price, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetOrder(ctx context.Context, pair domain.TradingPair, id domain.OrderID) (ExecutionResult, error)
	// GetOrderByKey resolves an ambiguous placement by idempotency key.
	// ok=false means the exchange never saw the order.
	GetOrderByKey(ctx context.Context, pair domain.TradingPair, key string) (ExecutionResult, bool, error)
	CancelOrder(ctx context.Context, pair domain.TradingPair, id domain.OrderID) error
	GetPairRules(ctx context.Context, pair domain.TradingPair) (PairRules, error)
	// Symbols returns the tradable pair universe for a quote currency.
	Symbols(ctx context.Context, market string) ([]domain.TradingPair, error)
	// IsPairEnabled answers from cached exchange info and never blocks.
	IsPairEnabled(pair domain.TradingPair) bool
	TestConnectivity(ctx context.Context) error
}
