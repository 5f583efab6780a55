package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event is a domain event raised by an aggregate mutation. Events are
// queued by the executor and consumed by a dedicated worker; aggregate
// mutations never run handlers synchronously.
type Event interface {
	EventName() string
	OccurredAt() time.Time
}

// PositionOpened is raised when a position's first entry fills.
type PositionOpened struct {
	At         time.Time
	PositionID PositionID
	Pair       TradingPair
	OrderID    OrderID
	Price      Price
	Quantity   Quantity
	Cost       Money
	SignalRule string
}

func (PositionOpened) EventName() string       { return "PositionOpened" }
func (e PositionOpened) OccurredAt() time.Time { return e.At }

// DCAExecuted is raised when a DCA entry is appended to an open position.
type DCAExecuted struct {
	At           time.Time
	PositionID   PositionID
	Pair         TradingPair
	OrderID      OrderID
	Price        Price
	Quantity     Quantity
	DCALevel     int
	AveragePrice Price
	TotalCost    Money
	TotalQty     Quantity
}

func (DCAExecuted) EventName() string       { return "DCAExecuted" }
func (e DCAExecuted) OccurredAt() time.Time { return e.At }

// PositionClosed is raised when a position is sold in full.
type PositionClosed struct {
	At          time.Time
	PositionID  PositionID
	Pair        TradingPair
	SellOrderID OrderID
	SellPrice   Price
	Proceeds    Money
	TotalFees   Money
	FinalMargin Margin
	Duration    time.Duration
}

func (PositionClosed) EventName() string       { return "PositionClosed" }
func (e PositionClosed) OccurredAt() time.Time { return e.At }

// BalanceSynced is raised when the portfolio total is reconciled against
// the exchange. Clamped is true when the new total undercut reserved funds.
type BalanceSynced struct {
	At          time.Time
	PortfolioID PortfolioID
	OldTotal    Money
	NewTotal    Money
	Clamped     bool
}

func (BalanceSynced) EventName() string       { return "BalanceSynced" }
func (e BalanceSynced) OccurredAt() time.Time { return e.At }

// TrailingTriggered is raised when a trailing state machine fires a trade.
type TrailingTriggered struct {
	At         time.Time
	Pair       TradingPair
	PositionID PositionID
	Direction  string // "buy" or "sell"
	BestMargin Margin
	LastMargin Margin
	Reason     string
}

func (TrailingTriggered) EventName() string       { return "TrailingTriggered" }
func (e TrailingTriggered) OccurredAt() time.Time { return e.At }

// RuleMatched is raised when a configured rule matches and produces an action.
type RuleMatched struct {
	At       time.Time
	Pair     TradingPair
	RuleName string
	Action   string
}

func (RuleMatched) EventName() string       { return "RuleMatched" }
func (e RuleMatched) OccurredAt() time.Time { return e.At }

// BacktestingCompleted summarizes a finished replay run.
type BacktestingCompleted struct {
	At         time.Time
	Runs       map[string]int64
	AverageLag map[string]time.Duration
	FinalPnL   decimal.Decimal
}

func (BacktestingCompleted) EventName() string       { return "BacktestingCompleted" }
func (e BacktestingCompleted) OccurredAt() time.Time { return e.At }

// NewPositionOpened builds the event with its timestamp.
func NewPositionOpened(at time.Time, id PositionID, pair TradingPair, orderID OrderID, price Price, qty Quantity, cost Money, signalRule string) PositionOpened {
	return PositionOpened{
		At:         at,
		PositionID: id,
		Pair:       pair,
		OrderID:    orderID,
		Price:      price,
		Quantity:   qty,
		Cost:       cost,
		SignalRule: signalRule,
	}
}
