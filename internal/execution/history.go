package execution

import (
	"sync"
	"time"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
)

// DefaultHistoryCapacity bounds the in-memory order history.
const DefaultHistoryCapacity = 10_000

// OrderRecord is one executed (or attempted) order as kept in history.
type OrderRecord struct {
	OrderID    domain.OrderID
	PositionID domain.PositionID
	Pair       domain.TradingPair
	Side       exchange.Side
	Action     string // open, dca, close, stop_loss, take_profit
	Price      domain.Price
	Quantity   domain.Quantity
	Cost       domain.Money
	Fees       domain.Money
	Status     exchange.OrderStatus
	Reason     string
	ExecutedAt time.Time
}

// History is a bounded concurrent stack of order records. When full, the
// oldest record is dropped on push. Recent returns newest-first snapshots.
type History struct {
	mu    sync.RWMutex
	buf   []OrderRecord
	head  int // next write slot
	count int
}

// NewHistory creates a history with the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &History{buf: make([]OrderRecord, capacity)}
}

// Push appends a record, evicting the oldest when at capacity.
func (h *History) Push(rec OrderRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf[h.head] = rec
	h.head = (h.head + 1) % len(h.buf)
	if h.count < len(h.buf) {
		h.count++
	}
}

// Len returns the number of records currently held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Recent returns up to n records, newest first.
func (h *History) Recent(n int) []OrderRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n > h.count {
		n = h.count
	}
	out := make([]OrderRecord, 0, n)
	for i := 1; i <= n; i++ {
		idx := (h.head - i + len(h.buf)) % len(h.buf)
		out = append(out, h.buf[idx])
	}
	return out
}
