package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/execution"
)

// tradeResult is the wire shape of one trade-log line.
type tradeResult struct {
	OrderID    string          `json:"OrderId"`
	PositionID string          `json:"PositionId"`
	Pair       string          `json:"Pair"`
	Side       string          `json:"Side"`
	Action     string          `json:"Action"`
	Price      decimal.Decimal `json:"Price"`
	Quantity   decimal.Decimal `json:"Quantity"`
	Cost       decimal.Decimal `json:"Cost"`
	Fees       decimal.Decimal `json:"Fees"`
	Status     string          `json:"Status"`
	Reason     string          `json:"Reason,omitempty"`
	ExecutedAt time.Time       `json:"ExecutedAt"`
}

// TradeLog appends one line per executed trade to a daily file under dir,
// named YYYY-MM-DD-trades.txt. Lines follow the pattern
// "TradeResult {json}" so the files grep cleanly and parse line by line.
type TradeLog struct {
	mu  sync.Mutex
	dir string
	now func() time.Time
}

// NewTradeLog creates a trade log rooted at dir.
func NewTradeLog(dir string) *TradeLog {
	return &TradeLog{dir: dir, now: time.Now}
}

// RecordTrade implements execution.TradeRecorder.
func (l *TradeLog) RecordTrade(rec execution.OrderRecord) error {
	line, err := json.Marshal(tradeResult{
		OrderID:    rec.OrderID.String(),
		PositionID: rec.PositionID.String(),
		Pair:       rec.Pair.Symbol(),
		Side:       string(rec.Side),
		Action:     rec.Action,
		Price:      rec.Price.Value(),
		Quantity:   rec.Quantity.Value(),
		Cost:       rec.Cost.Amount(),
		Fees:       rec.Fees.Amount(),
		Status:     string(rec.Status),
		Reason:     rec.Reason,
		ExecutedAt: rec.ExecutedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("trade log dir: %w", err)
	}
	path := filepath.Join(l.dir, l.now().UTC().Format("2006-01-02")+"-trades.txt")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open trade log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "TradeResult %s\n", line); err != nil {
		return fmt.Errorf("append trade log: %w", err)
	}
	return nil
}
