package backtest

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// Writer records live snapshots, one frame per file, under
// baseDir/{entity}/YYYY-MM-DD/HH/mm-ss-fff.bin.
type Writer struct {
	baseDir string
}

// NewWriter creates a snapshot writer rooted at baseDir.
func NewWriter(baseDir string) *Writer {
	return &Writer{baseDir: baseDir}
}

func (w *Writer) framePath(entity string, at time.Time) string {
	at = at.UTC()
	return filepath.Join(
		w.baseDir,
		entity,
		at.Format("2006-01-02"),
		at.Format("15"),
		fmt.Sprintf("%02d-%02d-%03d.bin", at.Minute(), at.Second(), at.Nanosecond()/1e6),
	)
}

// write persists one frame. A failure is logged and returned; recording
// must never take the live engine down.
func (w *Writer) write(f Frame) error {
	path := w.framePath(f.Entity, f.At)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	if err := os.WriteFile(path, Encode(f), 0o644); err != nil {
		return fmt.Errorf("snapshot write: %w", err)
	}
	return nil
}

// RecordTickers writes the current price map as one tickers frame.
func (w *Writer) RecordTickers(prices map[string]domain.Price, at time.Time) error {
	fields := make([]Field, 0, len(prices))
	for sym, p := range prices {
		fields = append(fields, Field{Key: sym, Value: p.String()})
	}
	if err := w.write(Frame{Entity: "tickers", At: at, Fields: fields}); err != nil {
		log.Warn().Err(err).Msg("Ticker snapshot not recorded")
		return err
	}
	return nil
}

// RecordSignal writes one signal snapshot as its own frame. Absent fields
// are omitted so replay restores them as absent.
func (w *Writer) RecordSignal(s rules.SignalSnapshot, at time.Time) error {
	fields := []Field{
		{Key: "symbol", Value: s.Pair.Symbol()},
		{Key: "quote", Value: s.Pair.Quote()},
		{Key: "signal", Value: s.Signal},
	}
	add := func(key string, v interface{ String() string }) {
		fields = append(fields, Field{Key: key, Value: v.String()})
	}
	if s.Volume != nil {
		add("volume", s.Volume)
	}
	if s.VolumeChange != nil {
		add("volume_change", s.VolumeChange)
	}
	if s.Price != nil {
		add("price", s.Price)
	}
	if s.PriceChange != nil {
		add("price_change", s.PriceChange)
	}
	if s.Rating != nil {
		add("rating", s.Rating)
	}
	if s.RatingChange != nil {
		add("rating_change", s.RatingChange)
	}
	if s.Volatility != nil {
		add("volatility", s.Volatility)
	}

	if err := w.write(Frame{Entity: "signals", At: at, Fields: fields}); err != nil {
		log.Warn().Err(err).Str("signal", s.Signal).Msg("Signal snapshot not recorded")
		return err
	}
	return nil
}
