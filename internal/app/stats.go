package app

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/execution"
	"github.com/signalgrid/tradebot/internal/notify"
)

// Stats keeps the running trade figures behind the bot commands and the
// backtest summary. Closes are recorded by the engine with the realized
// PnL returned by the executor.
type Stats struct {
	mu     sync.Mutex
	trades int
	wins   int
	losses int
	pnl    decimal.Decimal

	exec    *execution.Executor
	tickers *exchange.Tickers
}

// NewStats creates the stats view over the executor's live state.
func NewStats(exec *execution.Executor, tickers *exchange.Tickers) *Stats {
	return &Stats{exec: exec, tickers: tickers}
}

// RecordClose folds one closed trade into the running totals. A zero PnL
// counts as neither win nor loss.
func (s *Stats) RecordClose(pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades++
	switch {
	case pnl.IsPositive():
		s.wins++
	case pnl.IsNegative():
		s.losses++
	}
	s.pnl = s.pnl.Add(pnl)
}

// PnL returns the accumulated realized profit and loss.
func (s *Stats) PnL() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pnl
}

// GetStats implements notify.StatsProvider.
func (s *Stats) GetStats() (trades, wins, losses int, pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trades, s.wins, s.losses, s.pnl
}

// GetBalance implements notify.StatsProvider.
func (s *Stats) GetBalance() (total, available, reserved decimal.Decimal) {
	b := s.exec.Balance()
	return b.Total.Amount(), b.Available.Amount(), b.Reserved.Amount()
}

// GetOpenPositions implements notify.StatsProvider.
func (s *Stats) GetOpenPositions() []notify.PositionInfo {
	var out []notify.PositionInfo
	for _, pair := range s.exec.HeldPairs() {
		pos, ok := s.exec.PositionByPair(pair)
		if !ok {
			continue
		}
		info := notify.PositionInfo{
			Pair:     pair.Symbol(),
			AvgPrice: pos.AveragePrice().Value(),
			Quantity: pos.TotalQuantity().Value(),
			Cost:     pos.TotalCost().Amount(),
			DCALevel: pos.DCALevel(),
			OpenedAt: pos.OpenedAt(),
		}
		if price, ok := s.tickers.Get(pair); ok {
			m := pos.MarginAtPrice(price).Pct()
			info.Margin = &m
		}
		out = append(out, info)
	}
	return out
}
