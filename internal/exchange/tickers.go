package exchange

import (
	"sync"
	"time"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Tickers is the shared last-price cache fed by the ticker pipeline and
// read by processors, trailing updates and the virtual exchange.
type Tickers struct {
	mu     sync.RWMutex
	prices map[string]domain.Price
	seenAt map[string]time.Time
}

// NewTickers creates an empty price cache.
func NewTickers() *Tickers {
	return &Tickers{
		prices: make(map[string]domain.Price),
		seenAt: make(map[string]time.Time),
	}
}

// Set records the latest price for a pair.
func (t *Tickers) Set(pair domain.TradingPair, price domain.Price) {
	t.SetAt(pair, price, time.Now())
}

// SetAt records a price with an explicit observation time, used by replay.
func (t *Tickers) SetAt(pair domain.TradingPair, price domain.Price, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[pair.Symbol()] = price
	t.seenAt[pair.Symbol()] = at
}

// SetAll records a batch of prices in one lock acquisition.
func (t *Tickers) SetAll(prices map[string]domain.Price) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for sym, p := range prices {
		t.prices[sym] = p
		t.seenAt[sym] = now
	}
}

// Get returns the latest price for a pair, ok=false when none is cached.
func (t *Tickers) Get(pair domain.TradingPair) (domain.Price, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.prices[pair.Symbol()]
	return p, ok
}

// ObservedAt returns when the cached price for a pair was last updated.
func (t *Tickers) ObservedAt(pair domain.TradingPair) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	at, ok := t.seenAt[pair.Symbol()]
	return at, ok
}

// All returns a copy of the cache keyed by symbol.
func (t *Tickers) All() map[string]domain.Price {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]domain.Price, len(t.prices))
	for k, v := range t.prices {
		out[k] = v
	}
	return out
}
