package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// Virtual is an in-process exchange simulator. Market orders fill
// immediately and in full at the latest cached ticker price; fees are a
// flat percentage of the traded value, charged in the quote currency.
// It backs both virtual trading mode and backtesting.
type Virtual struct {
	mu      sync.Mutex
	tickers *Tickers
	market  string
	feePct  decimal.Decimal

	balance  decimal.Decimal // free quote-currency balance
	universe []domain.TradingPair
	disabled map[string]bool
	rules    PairRules

	orders byOrderIndex
	seq    uint64
}

type byOrderIndex struct {
	byID  map[domain.OrderID]ExecutionResult
	byKey map[string]ExecutionResult
}

// NewVirtual creates a simulator trading against the given ticker cache.
// market is the quote currency, initialBalance the starting free balance.
func NewVirtual(tickers *Tickers, market string, initialBalance, feePct decimal.Decimal) *Virtual {
	return &Virtual{
		tickers:  tickers,
		market:   market,
		feePct:   feePct,
		balance:  initialBalance,
		disabled: make(map[string]bool),
		rules: PairRules{
			MinOrderValue:  decimal.NewFromInt(10),
			StepSize:       decimal.New(1, -8),
			PricePrecision: 8,
			QtyPrecision:   8,
		},
		orders: byOrderIndex{
			byID:  make(map[domain.OrderID]ExecutionResult),
			byKey: make(map[string]ExecutionResult),
		},
	}
}

// SetUniverse defines the tradable pair set returned by Symbols.
func (v *Virtual) SetUniverse(pairs []domain.TradingPair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.universe = append([]domain.TradingPair(nil), pairs...)
}

// DisablePair marks a pair untradable, mirroring an exchange delisting.
func (v *Virtual) DisablePair(pair domain.TradingPair) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.disabled[pair.Symbol()] = true
}

// Place fills the order synchronously. A repeated idempotency key returns
// the original result instead of trading twice.
func (v *Virtual) Place(_ context.Context, req OrderRequest) (ExecutionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if req.IdempotencyKey != "" {
		if prev, ok := v.orders.byKey[req.IdempotencyKey]; ok {
			return prev, nil
		}
	}
	if v.disabled[req.Pair.Symbol()] {
		return ExecutionResult{}, &domain.ExchangeRejectedError{Status: "pair disabled: " + req.Pair.Symbol()}
	}
	if req.Quantity.IsZero() {
		return ExecutionResult{}, domain.NewValidationError("order quantity is zero")
	}

	fillPrice := req.Price
	if req.Type == Market {
		p, ok := v.tickers.Get(req.Pair)
		if !ok {
			return ExecutionResult{}, domain.NewTransientError("virtual place", fmt.Errorf("no ticker for %s", req.Pair))
		}
		fillPrice = p
	}

	value := fillPrice.Value().Mul(req.Quantity.Value())
	fee := value.Mul(v.feePct).Div(hundred)

	switch req.Side {
	case Buy:
		needed := value.Add(fee)
		if v.balance.LessThan(needed) {
			return ExecutionResult{}, &domain.ExchangeRejectedError{
				Status: fmt.Sprintf("insufficient balance: have %s, need %s", v.balance, needed),
			}
		}
		v.balance = v.balance.Sub(needed)
	case Sell:
		v.balance = v.balance.Add(value.Sub(fee))
	default:
		return ExecutionResult{}, domain.NewValidationError("unknown order side %q", req.Side)
	}

	v.seq++
	res := ExecutionResult{
		OrderID:      domain.OrderID(fmt.Sprintf("V-%06d", v.seq)),
		RequestedQty: req.Quantity,
		FilledQty:    req.Quantity,
		AveragePrice: fillPrice,
		Cost:         domain.MustMoney(value, v.market),
		Fees:         domain.MustMoney(fee, v.market),
		Status:       StatusFilled,
	}
	v.orders.byID[res.OrderID] = res
	if req.IdempotencyKey != "" {
		v.orders.byKey[req.IdempotencyKey] = res
	}

	log.Debug().
		Str("pair", req.Pair.Symbol()).
		Str("side", string(req.Side)).
		Str("qty", req.Quantity.String()).
		Str("price", fillPrice.String()).
		Str("order_id", res.OrderID.String()).
		Msg("Virtual fill")
	return res, nil
}

func (v *Virtual) GetPrice(_ context.Context, pair domain.TradingPair) (domain.Price, error) {
	p, ok := v.tickers.Get(pair)
	if !ok {
		return domain.ZeroPrice, domain.NewTransientError("virtual ticker", fmt.Errorf("no ticker for %s", pair))
	}
	return p, nil
}

func (v *Virtual) GetPrices(_ context.Context, pairs []domain.TradingPair) (map[string]domain.Price, error) {
	out := make(map[string]domain.Price, len(pairs))
	for _, pair := range pairs {
		if p, ok := v.tickers.Get(pair); ok {
			out[pair.Symbol()] = p
		}
	}
	return out, nil
}

func (v *Virtual) GetBalances(context.Context) ([]Balance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return []Balance{{Asset: v.market, Free: v.balance}}, nil
}

func (v *Virtual) GetOrder(_ context.Context, _ domain.TradingPair, id domain.OrderID) (ExecutionResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, ok := v.orders.byID[id]
	if !ok {
		return ExecutionResult{}, domain.NewValidationError("unknown order %s", id)
	}
	return res, nil
}

func (v *Virtual) GetOrderByKey(_ context.Context, _ domain.TradingPair, key string) (ExecutionResult, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, ok := v.orders.byKey[key]
	return res, ok, nil
}

func (v *Virtual) CancelOrder(_ context.Context, _ domain.TradingPair, id domain.OrderID) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	res, ok := v.orders.byID[id]
	if !ok {
		return domain.NewValidationError("unknown order %s", id)
	}
	if res.Status.IsTerminal() {
		return domain.NewValidationError("order %s already %s", id, res.Status)
	}
	res.Status = StatusCanceled
	v.orders.byID[id] = res
	return nil
}

func (v *Virtual) GetPairRules(_ context.Context, _ domain.TradingPair) (PairRules, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rules, nil
}

func (v *Virtual) Symbols(_ context.Context, market string) ([]domain.TradingPair, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.TradingPair, 0, len(v.universe))
	for _, p := range v.universe {
		if p.Quote() == market && !v.disabled[p.Symbol()] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (v *Virtual) IsPairEnabled(pair domain.TradingPair) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.disabled[pair.Symbol()]
}

func (v *Virtual) TestConnectivity(context.Context) error { return nil }

// FreeBalance exposes the simulator's current quote balance for balance
// sync and tests.
func (v *Virtual) FreeBalance() decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balance
}

// SetFreeBalance overwrites the simulated balance, used when restoring a
// virtual account from disk.
func (v *Virtual) SetFreeBalance(b decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balance = b
}
