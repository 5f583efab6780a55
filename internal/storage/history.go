package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/signalgrid/tradebot/internal/execution"
)

// TradeRow is the order-history table. Decimals are stored as strings so
// sqlite never rounds them.
type TradeRow struct {
	ID         uint   `gorm:"primaryKey"`
	OrderID    string `gorm:"index"`
	PositionID string `gorm:"index"`
	Symbol     string `gorm:"index"`
	Side       string
	Action     string
	Price      string
	Quantity   string
	Cost       string
	Fees       string
	Status     string
	Reason     string
	ExecutedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}

// HistoryDB is the durable order history behind the bounded in-memory one.
type HistoryDB struct {
	db *gorm.DB
}

// OpenHistoryDB opens (and migrates) the sqlite history database at path.
func OpenHistoryDB(path string) (*HistoryDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("history db dir: %w", err)
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	if err := db.AutoMigrate(&TradeRow{}); err != nil {
		return nil, fmt.Errorf("migrate history db: %w", err)
	}
	log.Info().Str("path", path).Msg("Order history database ready")
	return &HistoryDB{db: db}, nil
}

// RecordTrade implements execution.TradeRecorder.
func (h *HistoryDB) RecordTrade(rec execution.OrderRecord) error {
	row := TradeRow{
		OrderID:    rec.OrderID.String(),
		PositionID: rec.PositionID.String(),
		Symbol:     rec.Pair.Symbol(),
		Side:       string(rec.Side),
		Action:     rec.Action,
		Price:      rec.Price.Value().String(),
		Quantity:   rec.Quantity.Value().String(),
		Cost:       rec.Cost.Amount().String(),
		Fees:       rec.Fees.Amount().String(),
		Status:     string(rec.Status),
		Reason:     rec.Reason,
		ExecutedAt: rec.ExecutedAt,
	}
	if err := h.db.Create(&row).Error; err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// Recent returns up to n rows, newest first.
func (h *HistoryDB) Recent(n int) ([]TradeRow, error) {
	var rows []TradeRow
	err := h.db.Order("executed_at desc").Limit(n).Find(&rows).Error
	return rows, err
}

// CountSince returns the number of trades executed at or after t.
func (h *HistoryDB) CountSince(t time.Time) (int64, error) {
	var n int64
	err := h.db.Model(&TradeRow{}).Where("executed_at >= ?", t).Count(&n).Error
	return n, err
}

// Close releases the underlying connection.
func (h *HistoryDB) Close() error {
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// MultiRecorder fans one trade out to several recorders. Every recorder is
// attempted; the first error is returned.
type MultiRecorder []execution.TradeRecorder

// RecordTrade implements execution.TradeRecorder.
func (m MultiRecorder) RecordTrade(rec execution.OrderRecord) error {
	var first error
	for _, r := range m {
		if err := r.RecordTrade(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
