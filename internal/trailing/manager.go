// Package trailing runs the per-pair trailing-stop state machines. A sell
// trailing rides a rally and fires when the margin reverses by the
// configured distance; a buy trailing chases a dip the same way in the
// opposite direction. A pair holds at most one trailing, in one direction.
package trailing

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Outcome of one trailing update tick.
type Outcome int

const (
	// Continue keeps the state alive; best/last margins were refreshed.
	Continue Outcome = iota
	// Triggered fires the trade; the state was removed.
	Triggered
	// Canceled drops the trailing without trading; the state was removed.
	Canceled
	// Disabled drops the trailing because the exchange disabled the pair.
	Disabled
)

// Update is the result of one tick against one trailing state.
type Update struct {
	Outcome       Outcome
	Pair          domain.TradingPair
	PositionID    domain.PositionID
	CurrentMargin domain.Margin
	BestMargin    domain.Margin
	Reason        string
}

// SellState trails a position's margin upward and exits on reversal.
type SellState struct {
	Pair          domain.TradingPair
	PositionID    domain.PositionID
	Config        domain.TrailingConfig
	TargetMargin  domain.Margin
	InitialPrice  domain.Price
	InitialMargin domain.Margin
	BestMargin    domain.Margin
	LastMargin    domain.Margin
	StartedAt     time.Time
}

// BuyState trails the price downward and buys on reversal. Margin here is
// relative to the price at trailing start; negative means the price
// dropped, which is favorable.
type BuyState struct {
	Pair          domain.TradingPair
	PositionID    domain.PositionID // set for DCA trailing, empty for a fresh buy
	Config        domain.TrailingConfig
	Cost          domain.Money
	InitialPrice  domain.Price
	InitialMargin domain.Margin // always zero at start
	BestMargin    domain.Margin
	LastMargin    domain.Margin
	SignalRule    string
	StartedAt     time.Time
}

// Manager owns all trailing states, keyed by pair symbol. Updates take a
// read snapshot, compute lock-free per entry and remove triggered entries
// with a compare-and-remove so a concurrent re-initiation is never lost.
type Manager struct {
	mu    sync.RWMutex
	sells map[string]*SellState
	buys  map[string]*BuyState
}

// NewManager creates an empty trailing manager.
func NewManager() *Manager {
	return &Manager{
		sells: make(map[string]*SellState),
		buys:  make(map[string]*BuyState),
	}
}

// InitiateSellTrailing starts (or restarts) sell trailing for a pair,
// removing any buy trailing for the same pair first.
func (m *Manager) InitiateSellTrailing(pos domain.PositionID, pair domain.TradingPair, cfg domain.TrailingConfig, targetMargin domain.Margin, initialPrice domain.Price, currentMargin domain.Margin, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.buys, pair.Symbol())
	m.sells[pair.Symbol()] = &SellState{
		Pair:          pair,
		PositionID:    pos,
		Config:        cfg,
		TargetMargin:  targetMargin,
		InitialPrice:  initialPrice,
		InitialMargin: currentMargin,
		BestMargin:    currentMargin,
		LastMargin:    currentMargin,
		StartedAt:     now,
	}

	log.Debug().
		Str("pair", pair.Symbol()).
		Str("margin", currentMargin.String()).
		Str("trailing_pct", cfg.TrailingPct.String()).
		Msg("Sell trailing initiated")
}

// InitiateBuyTrailing starts (or restarts) buy trailing for a pair,
// removing any sell trailing for the same pair first. Best and last margin
// start at zero: buy margin is measured against the trailing start price.
func (m *Manager) InitiateBuyTrailing(pair domain.TradingPair, cfg domain.TrailingConfig, cost domain.Money, initialPrice domain.Price, signalRule string, pos domain.PositionID, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sells, pair.Symbol())
	m.buys[pair.Symbol()] = &BuyState{
		Pair:         pair,
		PositionID:   pos,
		Config:       cfg,
		Cost:         cost,
		InitialPrice: initialPrice,
		SignalRule:   signalRule,
		StartedAt:    now,
	}

	log.Debug().
		Str("pair", pair.Symbol()).
		Str("price", initialPrice.String()).
		Str("trailing_pct", cfg.TrailingPct.String()).
		Msg("Buy trailing initiated")
}

// Cancel removes any trailing for the pair.
func (m *Manager) Cancel(pair domain.TradingPair) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sells, pair.Symbol())
	delete(m.buys, pair.Symbol())
}

// SellStateFor returns a copy of the sell trailing state for a pair.
func (m *Manager) SellStateFor(pair domain.TradingPair) (SellState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sells[pair.Symbol()]
	if !ok {
		return SellState{}, false
	}
	return *s, true
}

// BuyStateFor returns a copy of the buy trailing state for a pair.
func (m *Manager) BuyStateFor(pair domain.TradingPair) (BuyState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.buys[pair.Symbol()]
	if !ok {
		return BuyState{}, false
	}
	return *s, true
}

// SellPairs returns the symbols with an active sell trailing.
func (m *Manager) SellPairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sells))
	for k := range m.sells {
		out = append(out, k)
	}
	return out
}

// BuyPairs returns the symbols with an active buy trailing.
func (m *Manager) BuyPairs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.buys))
	for k := range m.buys {
		out = append(out, k)
	}
	return out
}

// compareAndRemoveSell removes the state only if it is still the same
// instance observed by the update.
func (m *Manager) compareAndRemoveSell(symbol string, s *SellState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sells[symbol]; ok && cur == s {
		delete(m.sells, symbol)
	}
}

func (m *Manager) compareAndRemoveBuy(symbol string, s *BuyState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.buys[symbol]; ok && cur == s {
		delete(m.buys, symbol)
	}
}

// UpdateSell advances the sell trailing for a pair with a fresh margin.
// pairDisabled removes the state without trading.
func (m *Manager) UpdateSell(pair domain.TradingPair, currentMargin domain.Margin, pairDisabled bool) (Update, bool) {
	m.mu.RLock()
	s, ok := m.sells[pair.Symbol()]
	m.mu.RUnlock()
	if !ok {
		return Update{}, false
	}

	if pairDisabled {
		m.compareAndRemoveSell(pair.Symbol(), s)
		return Update{Outcome: Disabled, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: "pair disabled by exchange"}, true
	}

	// 1. Stop margin breached: execute or cancel per config.
	if currentMargin.LessThanOrEqual(s.Config.StopMargin) {
		m.compareAndRemoveSell(pair.Symbol(), s)
		out := Canceled
		if s.Config.StopAction == domain.StopActionExecute {
			out = Triggered
		}
		return Update{Outcome: out, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: fmt.Sprintf("stop margin %s breached at %s", s.Config.StopMargin, currentMargin)}, true
	}

	// 2. Reversal beyond the trailing distance.
	threshold := s.BestMargin.Sub(domain.NewMargin(s.Config.TrailingPct))
	if currentMargin.LessThan(threshold) {
		m.compareAndRemoveSell(pair.Symbol(), s)
		// Refuse to lock in a negative exit when a positive one was the goal.
		if currentMargin.Pct().GreaterThan(decimal.Zero) || s.TargetMargin.IsNegative() {
			return Update{Outcome: Triggered, Pair: pair, PositionID: s.PositionID,
				CurrentMargin: currentMargin, BestMargin: s.BestMargin,
				Reason: fmt.Sprintf("margin reversed from best %s to %s (trail %s)", s.BestMargin, currentMargin, s.Config.TrailingPct)}, true
		}
		return Update{Outcome: Canceled, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: fmt.Sprintf("refused negative exit at %s (best %s)", currentMargin, s.BestMargin)}, true
	}

	// 3. Keep riding.
	m.mu.Lock()
	if cur, alive := m.sells[pair.Symbol()]; alive && cur == s {
		s.LastMargin = currentMargin
		s.BestMargin = s.BestMargin.Max(currentMargin)
	}
	m.mu.Unlock()
	return Update{Outcome: Continue, Pair: pair, PositionID: s.PositionID,
		CurrentMargin: currentMargin, BestMargin: s.BestMargin}, true
}

// UpdateBuy advances the buy trailing for a pair with a fresh price.
// Margin is (currentPrice - initialPrice) / initialPrice * 100; negative
// means the price fell since trailing started.
func (m *Manager) UpdateBuy(pair domain.TradingPair, currentPrice domain.Price, pairDisabled bool) (Update, bool) {
	m.mu.RLock()
	s, ok := m.buys[pair.Symbol()]
	m.mu.RUnlock()
	if !ok {
		return Update{}, false
	}

	currentMargin := buyMargin(s.InitialPrice, currentPrice)

	if pairDisabled {
		m.compareAndRemoveBuy(pair.Symbol(), s)
		return Update{Outcome: Disabled, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: "pair disabled by exchange"}, true
	}

	// 1. Stop margin reached: the price ran away upward.
	if currentMargin.GreaterThanOrEqual(s.Config.StopMargin) {
		m.compareAndRemoveBuy(pair.Symbol(), s)
		out := Canceled
		if s.Config.StopAction == domain.StopActionExecute {
			out = Triggered
		}
		return Update{Outcome: out, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: fmt.Sprintf("stop margin %s reached at %s", s.Config.StopMargin, currentMargin)}, true
	}

	// 2. Price bounced off the bottom by the trailing distance.
	threshold := s.BestMargin.Add(domain.NewMargin(s.Config.TrailingPct))
	if currentMargin.GreaterThan(threshold) {
		m.compareAndRemoveBuy(pair.Symbol(), s)
		return Update{Outcome: Triggered, Pair: pair, PositionID: s.PositionID,
			CurrentMargin: currentMargin, BestMargin: s.BestMargin,
			Reason: fmt.Sprintf("price bounced from best %s to %s (trail %s)", s.BestMargin, currentMargin, s.Config.TrailingPct)}, true
	}

	// 3. Keep chasing the dip.
	m.mu.Lock()
	if cur, alive := m.buys[pair.Symbol()]; alive && cur == s {
		s.LastMargin = currentMargin
		s.BestMargin = s.BestMargin.Min(currentMargin)
	}
	m.mu.Unlock()
	return Update{Outcome: Continue, Pair: pair, PositionID: s.PositionID,
		CurrentMargin: currentMargin, BestMargin: s.BestMargin}, true
}

// buyMargin is the price move since trailing start, in percent.
func buyMargin(initial, current domain.Price) domain.Margin {
	if initial.IsZero() {
		return domain.ZeroMargin
	}
	return domain.NewMargin(current.Value().Sub(initial.Value()).Div(initial.Value()).Mul(decimal.NewFromInt(100)))
}
