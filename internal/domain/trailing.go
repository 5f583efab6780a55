package domain

import "github.com/shopspring/decimal"

// StopAction selects what a trailing state machine does when its stop
// margin is breached.
type StopAction string

const (
	StopActionExecute StopAction = "execute" // trade at the stop
	StopActionCancel  StopAction = "cancel"  // drop the trailing, no trade
)

// TrailingConfig parameterizes a buy- or sell-side trailing stop attached
// to a rule.
type TrailingConfig struct {
	TrailingPct decimal.Decimal // reversal distance in percentage points
	StopMargin  Margin          // hard floor (sell) / ceiling (buy)
	StopAction  StopAction
}
