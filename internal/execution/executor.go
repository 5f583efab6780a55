// Package execution turns trade intents into exchange orders: constraint
// validation, placement, reconciliation against the portfolio and position
// aggregates, and recording.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/portfolio"
	"github.com/signalgrid/tradebot/internal/position"
	"github.com/signalgrid/tradebot/internal/rules"
)

// pendingWindow bounds how long an ambiguous placement may stay
// unresolved before it is dropped with a notification.
const pendingWindow = 5 * time.Minute

// TradeRecorder persists executed trades. A failure here degrades health
// but never rolls back domain state; memory plus the order log is the
// source of truth.
type TradeRecorder interface {
	RecordTrade(rec OrderRecord) error
}

// Notifier is the best-effort outbound message sink.
type Notifier interface {
	Notify(level, text string)
}

// HealthMarker raises and clears named degradation markers.
type HealthMarker interface {
	MarkDegraded(reason string)
	ClearDegraded(reason string)
}

// pendingPlacement is an exchange write whose outcome is unknown. The pair
// is blocked for further writes until the reconciler resolves it.
type pendingPlacement struct {
	Key        string
	Pair       domain.TradingPair
	Action     string // open, dca, close
	PositionID domain.PositionID
	SignalRule string
	Reason     string
	CreatedAt  time.Time
}

// Executor owns the portfolio lock. The lock covers validation and
// reconciliation; the exchange call itself runs with the lock released,
// with the pair marked in-flight so no second write races it.
type Executor struct {
	mu sync.Mutex

	pf        *portfolio.Portfolio
	positions map[domain.PositionID]*position.Position

	lastBuyFill map[string]time.Time // symbol -> latest buy fill
	inFlight    map[string]bool      // symbol -> order out with lock released
	pending     map[string]pendingPlacement

	universe map[string]bool // tradable symbols, refreshed by orchestrator

	ex        exchange.Exchange
	tickers   *exchange.Tickers
	validator *Validator
	history   *History
	recorder  TradeRecorder
	notifier  Notifier
	health    HealthMarker

	buyType  exchange.OrderType
	sellType exchange.OrderType

	events chan domain.Event
	now    func() time.Time
}

// Config wires an executor.
type Config struct {
	Portfolio *portfolio.Portfolio
	Exchange  exchange.Exchange
	Tickers   *exchange.Tickers
	Validator *Validator
	History   *History
	Recorder  TradeRecorder
	Notifier  Notifier
	Health    HealthMarker
	BuyType   exchange.OrderType
	SellType  exchange.OrderType
}

// New creates an executor. History, recorder, notifier and health are
// optional; nil means the concern is skipped.
func New(cfg Config) *Executor {
	if cfg.History == nil {
		cfg.History = NewHistory(DefaultHistoryCapacity)
	}
	if cfg.BuyType == "" {
		cfg.BuyType = exchange.Market
	}
	if cfg.SellType == "" {
		cfg.SellType = exchange.Market
	}
	return &Executor{
		pf:          cfg.Portfolio,
		positions:   make(map[domain.PositionID]*position.Position),
		lastBuyFill: make(map[string]time.Time),
		inFlight:    make(map[string]bool),
		pending:     make(map[string]pendingPlacement),
		ex:          cfg.Exchange,
		tickers:     cfg.Tickers,
		validator:   cfg.Validator,
		history:     cfg.History,
		recorder:    cfg.Recorder,
		notifier:    cfg.Notifier,
		health:      cfg.Health,
		buyType:     cfg.BuyType,
		sellType:    cfg.SellType,
		events:      make(chan domain.Event, 256),
		now:         time.Now,
	}
}

// Events exposes the domain event stream. Consumed by a single worker;
// events are dropped with a warning when the consumer falls behind.
func (e *Executor) Events() <-chan domain.Event { return e.events }

func (e *Executor) emit(ev domain.Event) {
	select {
	case e.events <- ev:
	default:
		log.Warn().Str("event", ev.EventName()).Msg("Event buffer full, dropping")
	}
}

// SetUniverse replaces the tradable symbol set.
func (e *Executor) SetUniverse(symbols map[string]bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.universe = symbols
}

// SetLimits swaps validator limits on config reload.
func (e *Executor) SetLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.validator.SetLimits(limits)
}

// RestorePosition re-registers a position loaded from disk at startup.
func (e *Executor) RestorePosition(pos *position.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[pos.ID()]; ok {
		return domain.NewValidationError("position %s already registered", pos.ID())
	}
	e.positions[pos.ID()] = pos
	e.lastBuyFill[pos.Pair().Symbol()] = pos.LastBuyAt()
	return nil
}

// History returns the bounded order history.
func (e *Executor) History() *History { return e.history }

// Balance returns a consistent snapshot of the portfolio balance.
func (e *Executor) Balance() portfolio.Balance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pf.Balance()
}

// PositionByPair returns the open position on a pair, if any.
func (e *Executor) PositionByPair(pair domain.TradingPair) (*position.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.pf.PositionFor(pair)
	if !ok {
		return nil, false
	}
	pos, ok := e.positions[id]
	return pos, ok
}

// OpenPositionCount returns the number of open positions.
func (e *Executor) OpenPositionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pf.OpenPositionCount()
}

// HeldPairs returns the pairs currently holding a position.
func (e *Executor) HeldPairs() []domain.TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.TradingPair, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, pos.Pair())
	}
	return out
}

// PositionSnapshots projects every open position for rule evaluation,
// using the latest cached ticker for current margin. Positions without a
// ticker are skipped.
func (e *Executor) PositionSnapshots(now time.Time) []rules.PositionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]rules.PositionSnapshot, 0, len(e.positions))
	for _, pos := range e.positions {
		price, ok := e.tickers.Get(pos.Pair())
		if !ok {
			continue
		}
		out = append(out, rules.PositionSnapshot{
			Pair:          pos.Pair(),
			CurrentAge:    now.Sub(pos.OpenedAt()),
			LastBuyAge:    now.Sub(pos.LastBuyAt()),
			CurrentMargin: pos.MarginAtPrice(price),
			LastBuyMargin: pos.LastBuyMargin(),
			TotalAmount:   pos.TotalQuantity(),
			CurrentCost:   pos.TotalCost(),
			DCALevel:      pos.DCALevel(),
			SignalRule:    pos.SignalRule(),
		})
	}
	return out
}

// writeBlocked reports whether a pair must not receive new writes.
func (e *Executor) writeBlocked(pair domain.TradingPair) error {
	sym := pair.Symbol()
	if e.inFlight[sym] {
		return domain.NewValidationError("order already in flight on %s", pair)
	}
	if p, ok := e.pending[sym]; ok {
		return domain.NewValidationError("pair %s is reconcile-pending since %s", pair, p.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ExecuteOpen validates, places and reconciles an opening buy worth cost.
func (e *Executor) ExecuteOpen(ctx context.Context, pair domain.TradingPair, cost domain.Money, signalRule, reason string) (*position.Position, error) {
	e.mu.Lock()
	if err := e.writeBlocked(pair); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if err := e.validator.ValidateOpen(e.pf, pair, cost, e.universe, e.lastBuyFill[pair.Symbol()], e.now()); err != nil {
		e.mu.Unlock()
		return nil, err
	}
	price, ok := e.tickers.Get(pair)
	if !ok {
		e.mu.Unlock()
		return nil, domain.NewTransientError("open", fmt.Errorf("no ticker for %s", pair))
	}
	qty, err := quantityFor(cost, price)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	key := domain.NewClientOrderID()
	e.inFlight[pair.Symbol()] = true
	e.mu.Unlock()

	res, placeErr := e.ex.Place(ctx, exchange.OrderRequest{
		Pair:           pair,
		Side:           exchange.Buy,
		Type:           e.buyType,
		Quantity:       qty,
		Price:          price,
		IdempotencyKey: key,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, pair.Symbol())

	if placeErr != nil {
		return nil, e.handlePlaceError(placeErr, pendingPlacement{
			Key: key, Pair: pair, Action: "open",
			SignalRule: signalRule, Reason: reason, CreatedAt: e.now(),
		})
	}
	return e.reconcileOpen(pair, res, signalRule, reason)
}

// reconcileOpen applies a terminal buy result to the aggregates. Caller
// holds the lock.
func (e *Executor) reconcileOpen(pair domain.TradingPair, res exchange.ExecutionResult, signalRule, reason string) (*position.Position, error) {
	if err := checkTerminal(res); err != nil {
		return nil, err
	}

	now := e.now()
	pos, ev, err := position.Open(pair, res.OrderID, res.AveragePrice, res.FilledQty, res.Fees, signalRule, now)
	if err != nil {
		return nil, err
	}
	spent, err := res.Cost.Add(res.Fees)
	if err != nil {
		return nil, err
	}
	if err := e.pf.RecordPositionOpened(pos.ID(), pair, spent); err != nil {
		return nil, e.escalate(err)
	}

	e.positions[pos.ID()] = pos
	e.lastBuyFill[pair.Symbol()] = now
	e.emit(ev)
	e.record(OrderRecord{
		OrderID: res.OrderID, PositionID: pos.ID(), Pair: pair,
		Side: exchange.Buy, Action: "open",
		Price: res.AveragePrice, Quantity: res.FilledQty,
		Cost: res.Cost, Fees: res.Fees, Status: res.Status,
		Reason: reason, ExecutedAt: now,
	})
	e.say("info", fmt.Sprintf("Opened %s: %s @ %s (cost %s)", pair, res.FilledQty, res.AveragePrice, spent))
	return pos, nil
}

// ExecuteDCA validates, places and reconciles an averaging-down buy.
func (e *Executor) ExecuteDCA(ctx context.Context, id domain.PositionID, cost domain.Money, reason string) error {
	e.mu.Lock()
	pos, ok := e.positions[id]
	if !ok {
		e.mu.Unlock()
		return domain.NewValidationError("unknown position %s", id)
	}
	pair := pos.Pair()
	if err := e.writeBlocked(pair); err != nil {
		e.mu.Unlock()
		return err
	}
	price, ok := e.tickers.Get(pair)
	if !ok {
		e.mu.Unlock()
		return domain.NewTransientError("dca", fmt.Errorf("no ticker for %s", pair))
	}
	if err := e.validator.ValidateDCA(e.pf, pos, cost, price, e.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	qty, err := quantityFor(cost, price)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	key := domain.NewIdempotencyKey(id, "dca")
	e.inFlight[pair.Symbol()] = true
	e.mu.Unlock()

	res, placeErr := e.ex.Place(ctx, exchange.OrderRequest{
		Pair:           pair,
		Side:           exchange.Buy,
		Type:           e.buyType,
		Quantity:       qty,
		Price:          price,
		IdempotencyKey: key,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, pair.Symbol())

	if placeErr != nil {
		return e.handlePlaceError(placeErr, pendingPlacement{
			Key: key, Pair: pair, Action: "dca",
			PositionID: id, Reason: reason, CreatedAt: e.now(),
		})
	}
	return e.reconcileDCA(pos, res, reason)
}

func (e *Executor) reconcileDCA(pos *position.Position, res exchange.ExecutionResult, reason string) error {
	if err := checkTerminal(res); err != nil {
		return err
	}

	now := e.now()
	marginAtFill := pos.MarginAtPrice(res.AveragePrice)
	ev, err := pos.AddDCAEntry(res.OrderID, res.AveragePrice, res.FilledQty, res.Fees, marginAtFill, now)
	if err != nil {
		return err
	}
	spent, err := res.Cost.Add(res.Fees)
	if err != nil {
		return err
	}
	if err := e.pf.RecordPositionCostIncreased(pos.ID(), pos.Pair(), spent); err != nil {
		return e.escalate(err)
	}

	e.lastBuyFill[pos.Pair().Symbol()] = now
	e.emit(ev)
	e.record(OrderRecord{
		OrderID: res.OrderID, PositionID: pos.ID(), Pair: pos.Pair(),
		Side: exchange.Buy, Action: "dca",
		Price: res.AveragePrice, Quantity: res.FilledQty,
		Cost: res.Cost, Fees: res.Fees, Status: res.Status,
		Reason: reason, ExecutedAt: now,
	})
	e.say("info", fmt.Sprintf("DCA %s level %d: %s @ %s", pos.Pair(), pos.DCALevel(), res.FilledQty, res.AveragePrice))
	return nil
}

// ExecuteClose validates, places and reconciles a full-quantity sell.
// forced bypasses the optional profit and holding-period gates; stop-loss
// and take-profit closes pass forced=true.
func (e *Executor) ExecuteClose(ctx context.Context, id domain.PositionID, reason string, forced bool) (domain.Money, error) {
	zero := domain.ZeroMoney(e.pf.Market())

	e.mu.Lock()
	pos, ok := e.positions[id]
	if !ok {
		e.mu.Unlock()
		return zero, domain.NewValidationError("unknown position %s", id)
	}
	pair := pos.Pair()
	if err := e.writeBlocked(pair); err != nil {
		e.mu.Unlock()
		return zero, err
	}
	price, ok := e.tickers.Get(pair)
	if !ok {
		e.mu.Unlock()
		return zero, domain.NewTransientError("close", fmt.Errorf("no ticker for %s", pair))
	}
	if err := e.validator.ValidateClose(pos, price, e.lastBuyFill[pair.Symbol()], e.now(), forced); err != nil {
		e.mu.Unlock()
		return zero, err
	}
	qty := pos.TotalQuantity()
	key := domain.NewIdempotencyKey(id, "sell")
	e.inFlight[pair.Symbol()] = true
	e.mu.Unlock()

	res, placeErr := e.ex.Place(ctx, exchange.OrderRequest{
		Pair:           pair,
		Side:           exchange.Sell,
		Type:           e.sellType,
		Quantity:       qty,
		Price:          price,
		IdempotencyKey: key,
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, pair.Symbol())

	if placeErr != nil {
		return zero, e.handlePlaceError(placeErr, pendingPlacement{
			Key: key, Pair: pair, Action: "close",
			PositionID: id, Reason: reason, CreatedAt: e.now(),
		})
	}
	return e.reconcileClose(pos, res, reason)
}

func (e *Executor) reconcileClose(pos *position.Position, res exchange.ExecutionResult, reason string) (domain.Money, error) {
	zero := domain.ZeroMoney(e.pf.Market())
	if err := checkTerminal(res); err != nil {
		return zero, err
	}

	now := e.now()
	ev, err := pos.Close(res.OrderID, res.AveragePrice, res.Fees, now)
	if err != nil {
		return zero, err
	}
	proceeds, err := res.Cost.Sub(res.Fees)
	if err != nil {
		return zero, err
	}
	pnl, err := e.pf.RecordPositionClosed(pos.ID(), pos.Pair(), proceeds)
	if err != nil {
		return zero, e.escalate(err)
	}

	delete(e.positions, pos.ID())
	e.emit(ev)
	e.record(OrderRecord{
		OrderID: res.OrderID, PositionID: pos.ID(), Pair: pos.Pair(),
		Side: exchange.Sell, Action: "close",
		Price: res.AveragePrice, Quantity: res.FilledQty,
		Cost: res.Cost, Fees: res.Fees, Status: res.Status,
		Reason: reason, ExecutedAt: now,
	})
	e.say("info", fmt.Sprintf("Closed %s (%s): PnL %s, margin %s", pos.Pair(), reason, pnl, pos.FinalMargin()))
	return pnl, nil
}

// handlePlaceError maps placement failures. An ambiguous outcome blocks
// the pair for writes until ResolvePending settles it; everything else
// leaves state unchanged. Caller holds the lock.
func (e *Executor) handlePlaceError(err error, p pendingPlacement) error {
	switch {
	case domain.IsAmbiguous(err):
		e.pending[p.Pair.Symbol()] = p
		e.say("warn", fmt.Sprintf("Ambiguous %s on %s, pair blocked pending reconciliation", p.Action, p.Pair))
		if e.health != nil {
			e.health.MarkDegraded("reconcile-pending: " + p.Pair.Symbol())
		}
		return err
	case domain.IsRejected(err):
		e.say("warn", fmt.Sprintf("Exchange rejected %s on %s: %v", p.Action, p.Pair, err))
		return err
	default:
		return err
	}
}

// ResolvePending queries every ambiguous placement by idempotency key and
// reconciles orders that reached a terminal state. Pairs whose order was
// never seen, or whose window expired, are unblocked.
func (e *Executor) ResolvePending(ctx context.Context) {
	e.mu.Lock()
	snapshot := make([]pendingPlacement, 0, len(e.pending))
	for _, p := range e.pending {
		snapshot = append(snapshot, p)
	}
	e.mu.Unlock()

	for _, p := range snapshot {
		res, found, err := e.ex.GetOrderByKey(ctx, p.Pair, p.Key)
		if err != nil {
			log.Warn().Err(err).Str("pair", p.Pair.Symbol()).Msg("Pending order query failed")
			continue
		}

		e.mu.Lock()
		switch {
		case !found:
			// The exchange never saw the order; safe to unblock.
			e.resolve(p, "order never reached the exchange")
		case res.Status.IsTerminal():
			e.applyResolved(p, res)
			e.resolve(p, "order reconciled as "+string(res.Status))
		case e.now().Sub(p.CreatedAt) > pendingWindow:
			e.resolve(p, "reconciliation window expired, order still "+string(res.Status))
			e.say("error", fmt.Sprintf("Order on %s stuck non-terminal past the reconcile window, manual review needed", p.Pair))
		}
		e.mu.Unlock()
	}
}

// applyResolved replays a terminal result through the normal reconcile
// path. Caller holds the lock.
func (e *Executor) applyResolved(p pendingPlacement, res exchange.ExecutionResult) {
	if res.Status != exchange.StatusFilled {
		return
	}
	var err error
	switch p.Action {
	case "open":
		_, err = e.reconcileOpen(p.Pair, res, p.SignalRule, p.Reason)
	case "dca":
		if pos, ok := e.positions[p.PositionID]; ok {
			err = e.reconcileDCA(pos, res, p.Reason)
		}
	case "close":
		if pos, ok := e.positions[p.PositionID]; ok {
			_, err = e.reconcileClose(pos, res, p.Reason)
		}
	}
	if err != nil {
		log.Error().Err(err).Str("pair", p.Pair.Symbol()).Str("action", p.Action).
			Msg("Reconciling resolved order failed")
	}
}

func (e *Executor) resolve(p pendingPlacement, why string) {
	delete(e.pending, p.Pair.Symbol())
	if e.health != nil {
		e.health.ClearDegraded("reconcile-pending: " + p.Pair.Symbol())
	}
	log.Info().Str("pair", p.Pair.Symbol()).Str("action", p.Action).Msg("Pending placement resolved: " + why)
}

// WithState runs fn under the executor lock with the portfolio and every
// open position. The persistence layer uses it to snapshot a consistent
// view; fn must not call back into the executor.
func (e *Executor) WithState(fn func(pf *portfolio.Portfolio, positions []*position.Position)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	positions := make([]*position.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		positions = append(positions, pos)
	}
	fn(e.pf, positions)
}

// SyncBalance reconciles the portfolio with the exchange-reported balance.
func (e *Executor) SyncBalance(ctx context.Context) error {
	balances, err := e.ex.GetBalances(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	free := decimal.Zero
	for _, b := range balances {
		if b.Asset == e.pf.Market() {
			free = b.Free.Add(b.Locked)
			break
		}
	}
	// The exchange reports free quote funds; positions' reserved cost is
	// held in base assets, so total = free + reserved.
	total := free.Add(e.pf.Balance().Reserved.Amount())

	ev, err := e.pf.SyncBalance(domain.MustMoney(total, e.pf.Market()), e.now())
	if err != nil {
		return e.escalate(err)
	}
	if ev.Clamped {
		e.say("warn", fmt.Sprintf("Balance sync clamped reserved funds: exchange reports %s", ev.NewTotal))
	}
	e.emit(ev)
	return nil
}

// record pushes to history and the trade log. Persistence failure keeps
// domain state and raises a degradation marker.
func (e *Executor) record(rec OrderRecord) {
	e.history.Push(rec)
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordTrade(rec); err != nil {
		log.Error().Err(err).Str("order_id", rec.OrderID.String()).Msg("Trade persistence failed, keeping in-memory state")
		if e.health != nil {
			e.health.MarkDegraded("persistence degraded")
		}
		return
	}
	if e.health != nil {
		e.health.ClearDegraded("persistence degraded")
	}
}

// escalate routes invariant violations to the health sink before
// returning them. These suspend trading at the orchestrator level.
func (e *Executor) escalate(err error) error {
	if domain.IsInvariantViolation(err) {
		log.Error().Err(err).Msg("Invariant violation, trading must be suspended")
		if e.health != nil {
			e.health.MarkDegraded("critical invariant violation")
		}
		e.say("error", "Invariant violation: "+err.Error())
	}
	return err
}

func (e *Executor) say(level, text string) {
	if e.notifier != nil {
		e.notifier.Notify(level, text)
	}
}

// checkTerminal maps non-fill terminal statuses to the error taxonomy.
func checkTerminal(res exchange.ExecutionResult) error {
	switch res.Status {
	case exchange.StatusFilled:
		return nil
	case exchange.StatusRejected, exchange.StatusExpired, exchange.StatusCanceled:
		return &domain.ExchangeRejectedError{OrderID: res.OrderID, Status: string(res.Status)}
	default:
		return domain.NewTransientError("reconcile", fmt.Errorf("order %s still %s", res.OrderID, res.Status))
	}
}

// quantityFor converts a cost budget into a base quantity at the given
// price, truncated to 8 decimals.
func quantityFor(cost domain.Money, price domain.Price) (domain.Quantity, error) {
	if price.IsZero() {
		return domain.ZeroQuantity, domain.NewValidationError("price is zero")
	}
	q := cost.Amount().Div(price.Value()).Truncate(8)
	if q.IsZero() {
		return domain.ZeroQuantity, domain.NewValidationError("cost %s too small at price %s", cost, price)
	}
	return domain.NewQuantity(q)
}
