package backtest

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/rules"
	"github.com/signalgrid/tradebot/internal/signals"
)

// ErrExhausted marks the end of a snapshot stream. The engine suspends
// trading and emits the backtest summary when every stream has ended.
var ErrExhausted = errors.New("snapshot stream exhausted")

// reader enumerates one entity's snapshot files in timestamp order. The
// zero-padded path layout makes lexical order equal timestamp order.
type reader struct {
	files []string
	next  int
}

func newReader(baseDir, entity string) (*reader, error) {
	root := filepath.Join(baseDir, entity)
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".bin") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.NewConfigError("replay", "no snapshots for %q under %s", entity, baseDir)
		}
		return nil, err
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, domain.NewConfigError("replay", "no snapshots for %q under %s", entity, baseDir)
	}
	return &reader{files: files}, nil
}

// Next returns the next frame or ErrExhausted. Corrupt files are skipped
// with a warning.
func (r *reader) Next() (Frame, error) {
	for r.next < len(r.files) {
		path := r.files[r.next]
		r.next++

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping unreadable snapshot")
			continue
		}
		f, err := Decode(data)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("Skipping corrupt snapshot")
			continue
		}
		return f, nil
	}
	return Frame{}, ErrExhausted
}

// Remaining reports how many files are left.
func (r *reader) Remaining() int { return len(r.files) - r.next }

// TickerReplay substitutes the live price poll: each Step loads the next
// recorded ticker frame into the shared price cache.
type TickerReplay struct {
	reader  *reader
	tickers *exchange.Tickers
	market  string
}

// NewTickerReplay opens the recorded ticker stream under baseDir.
func NewTickerReplay(baseDir, market string, tickers *exchange.Tickers) (*TickerReplay, error) {
	r, err := newReader(baseDir, "tickers")
	if err != nil {
		return nil, err
	}
	return &TickerReplay{reader: r, tickers: tickers, market: market}, nil
}

// Step applies the next frame. Returns ErrExhausted at end of stream.
func (t *TickerReplay) Step() error {
	f, err := t.reader.Next()
	if err != nil {
		return err
	}
	for _, fld := range f.Fields {
		v, err := decimal.NewFromString(fld.Value)
		if err != nil {
			log.Warn().Str("symbol", fld.Key).Str("value", fld.Value).Msg("Skipping unparsable replay price")
			continue
		}
		pair, err := domain.PairFromSymbol(fld.Key, t.market)
		if err != nil {
			continue
		}
		price, err := domain.NewPrice(v)
		if err != nil {
			continue
		}
		t.tickers.SetAt(pair, price, f.At)
	}
	return nil
}

// Remaining reports how many ticker frames are left.
func (t *TickerReplay) Remaining() int { return t.reader.Remaining() }

// SignalReplay substitutes the live signal poll: each Step publishes
// recorded snapshots into the aggregator up to the given replay time.
type SignalReplay struct {
	reader *reader
	agg    *signals.Aggregator

	// lookahead buffers one frame read past the current replay time.
	pending *Frame
}

// NewSignalReplay opens the recorded signal stream under baseDir.
func NewSignalReplay(baseDir string, agg *signals.Aggregator) (*SignalReplay, error) {
	r, err := newReader(baseDir, "signals")
	if err != nil {
		return nil, err
	}
	return &SignalReplay{reader: r, agg: agg}, nil
}

// StepUntil publishes every snapshot recorded at or before cutoff.
// Returns ErrExhausted once the stream has ended and the buffer is empty.
func (s *SignalReplay) StepUntil(cutoff time.Time) error {
	for {
		f, err := s.take()
		if err != nil {
			return err
		}
		if f.At.After(cutoff) {
			s.pending = &f
			return nil
		}
		s.publish(f)
	}
}

func (s *SignalReplay) take() (Frame, error) {
	if s.pending != nil {
		f := *s.pending
		s.pending = nil
		return f, nil
	}
	return s.reader.Next()
}

func (s *SignalReplay) publish(f Frame) {
	symbol, _ := f.Get("symbol")
	quote, _ := f.Get("quote")
	name, _ := f.Get("signal")
	pair, err := domain.PairFromSymbol(symbol, quote)
	if err != nil {
		log.Warn().Str("symbol", symbol).Msg("Skipping replay signal with bad pair")
		return
	}

	snap := rules.SignalSnapshot{Pair: pair, Signal: name, ObservedAt: f.At}
	get := func(key string) *decimal.Decimal {
		raw, ok := f.Get(key)
		if !ok {
			return nil
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil
		}
		return &v
	}
	snap.Volume = get("volume")
	snap.VolumeChange = get("volume_change")
	snap.Price = get("price")
	snap.PriceChange = get("price_change")
	snap.Rating = get("rating")
	snap.RatingChange = get("rating_change")
	snap.Volatility = get("volatility")

	s.agg.Publish(snap)
}

// Remaining reports how many signal frames are left, counting the buffer.
func (s *SignalReplay) Remaining() int {
	n := s.reader.Remaining()
	if s.pending != nil {
		n++
	}
	return n
}
