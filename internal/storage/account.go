// Package storage holds the durable form of the engine's state: the
// account file (portfolio + open positions, in the legacy JSON schema),
// the append-only trade log, and the order-history database.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/position"
	"github.com/signalgrid/tradebot/internal/portfolio"
)

// Account file names, one per trading mode.
const (
	ExchangeAccountFile = "exchange-account.json"
	VirtualAccountFile  = "virtual-account.json"
)

// accountFile is the on-disk schema. Field names and shapes are fixed:
// files written by earlier versions of the engine load unchanged, and
// AdditionalDCALevels/AdditionalCosts carry what their flat shape cannot.
type accountFile struct {
	Balance      decimal.Decimal        `json:"Balance"`
	TradingPairs map[string]accountPair `json:"TradingPairs"`
}

type accountPair struct {
	Pair               string          `json:"Pair"`
	OrderIds           []string        `json:"OrderIds"`
	OrderDates         []string        `json:"OrderDates"` // ISO 8601
	TotalAmount        decimal.Decimal `json:"TotalAmount"`
	AveragePricePaid   decimal.Decimal `json:"AveragePricePaid"`
	FeesPairCurrency   decimal.Decimal `json:"FeesPairCurrency"`
	FeesMarketCurrency decimal.Decimal `json:"FeesMarketCurrency"`
	CurrentPrice       decimal.Decimal `json:"CurrentPrice"`
	Metadata           *accountMeta    `json:"Metadata,omitempty"`
}

type accountMeta struct {
	SignalRule          string           `json:"SignalRule,omitempty"`
	AdditionalDCALevels *int             `json:"AdditionalDCALevels,omitempty"`
	AdditionalCosts     *decimal.Decimal `json:"AdditionalCosts,omitempty"`
	SwapPair            string           `json:"SwapPair,omitempty"`
	LastBuyMargin       *decimal.Decimal `json:"LastBuyMargin,omitempty"`
}

// AccountStore persists one account file with atomic writes.
type AccountStore struct {
	path   string
	market string
}

// NewAccountStore creates a store under dir, picking the virtual or
// exchange file name by trading mode.
func NewAccountStore(dir, market string, virtual bool) *AccountStore {
	name := ExchangeAccountFile
	if virtual {
		name = VirtualAccountFile
	}
	return &AccountStore{path: filepath.Join(dir, name), market: market}
}

// Path returns the account file location.
func (s *AccountStore) Path() string { return s.path }

// Exists reports whether an account file is present on disk.
func (s *AccountStore) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save writes the portfolio and open positions. The write goes to a temp
// file first and is renamed into place, so a crash never leaves a torn file.
func (s *AccountStore) Save(pf *portfolio.Portfolio, positions []*position.Position, prices map[string]domain.Price) error {
	file := accountFile{
		Balance:      pf.Balance().Available.Amount(),
		TradingPairs: make(map[string]accountPair, len(positions)),
	}

	for _, pos := range positions {
		sym := pos.Pair().Symbol()
		ap := accountPair{
			Pair:               sym,
			TotalAmount:        pos.TotalQuantity().Value(),
			AveragePricePaid:   pos.AveragePrice().Value(),
			FeesMarketCurrency: pos.TotalFees().Amount(),
		}
		for _, e := range pos.Entries() {
			ap.OrderIds = append(ap.OrderIds, e.OrderID.String())
			ap.OrderDates = append(ap.OrderDates, e.Timestamp.UTC().Format(time.RFC3339Nano))
		}
		if p, ok := prices[sym]; ok {
			ap.CurrentPrice = p.Value()
		}
		if pos.SignalRule() != "" || pos.LastBuyMargin() != nil {
			meta := &accountMeta{SignalRule: pos.SignalRule()}
			if m := pos.LastBuyMargin(); m != nil {
				pct := m.Pct()
				meta.LastBuyMargin = &pct
			}
			ap.Metadata = meta
		}
		file.TradingPairs[sym] = ap
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("account dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write account: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace account: %w", err)
	}
	return nil
}

// RestoredAccount is the in-memory state rebuilt from an account file.
type RestoredAccount struct {
	Available decimal.Decimal
	Positions []*position.Position
	// Costs is the reserved cost per restored position, fees included.
	Costs map[domain.PositionID]decimal.Decimal
}

// Load reads the account file and rebuilds positions. Files written by the
// legacy engine load through the same path: a flat pair entry is expanded
// into one synthetic fill per order date (plus one per AdditionalDCALevels)
// at the recorded average price, which preserves every derived total and
// the DCA level. Fees paid in the pair currency are converted at
// CurrentPrice; a missing conversion price fails the load rather than
// guessing.
func (s *AccountStore) Load() (*RestoredAccount, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	var file accountFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse account %s: %w", s.path, err)
	}

	out := &RestoredAccount{
		Available: file.Balance,
		Costs:     make(map[domain.PositionID]decimal.Decimal),
	}
	for sym, ap := range file.TradingPairs {
		pos, cost, err := s.restorePair(sym, ap)
		if err != nil {
			return nil, err
		}
		out.Positions = append(out.Positions, pos)
		out.Costs[pos.ID()] = cost
	}
	return out, nil
}

func (s *AccountStore) restorePair(sym string, ap accountPair) (*position.Position, decimal.Decimal, error) {
	pair, err := domain.PairFromSymbol(sym, s.market)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("account pair %s: %w", sym, err)
	}
	if len(ap.OrderDates) == 0 {
		return nil, decimal.Zero, domain.NewValidationError("account pair %s has no order dates", sym)
	}

	dates := make([]time.Time, len(ap.OrderDates))
	for i, raw := range ap.OrderDates {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			if t, err = time.Parse(time.RFC3339, raw); err != nil {
				return nil, decimal.Zero, fmt.Errorf("account pair %s date %q: %w", sym, raw, err)
			}
		}
		dates[i] = t
	}

	fees := ap.FeesMarketCurrency
	if !ap.FeesPairCurrency.IsZero() {
		// Base-currency fees (swap leftovers) are valued at the recorded
		// ticker. Without one the conversion cannot be done honestly.
		if ap.CurrentPrice.IsZero() {
			return nil, decimal.Zero, domain.NewTransientError("restore",
				fmt.Errorf("pair %s has base-currency fees but no conversion price", sym))
		}
		fees = fees.Add(ap.FeesPairCurrency.Mul(ap.CurrentPrice))
	}

	// One synthetic fill per order; extras keep the pre-migration DCA level.
	entryCount := len(dates)
	if ap.Metadata != nil && ap.Metadata.AdditionalDCALevels != nil {
		entryCount += *ap.Metadata.AdditionalDCALevels
	}
	if entryCount < 1 {
		entryCount = 1
	}
	n := decimal.NewFromInt(int64(entryCount))
	qtyEach := ap.TotalAmount.Div(n)
	feeEach := fees.Div(n)

	price, err := domain.NewPrice(ap.AveragePricePaid)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("account pair %s: %w", sym, err)
	}

	entries := make([]position.Entry, entryCount)
	for i := range entries {
		orderID := fmt.Sprintf("migrated-%s-%d", sym, i+1)
		if i < len(ap.OrderIds) {
			orderID = ap.OrderIds[i]
		}
		ts := dates[len(dates)-1]
		if i < len(dates) {
			ts = dates[i]
		}
		qty, err := domain.NewQuantity(qtyEach)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("account pair %s: %w", sym, err)
		}
		entries[i] = position.Entry{
			OrderID:    domain.OrderID(orderID),
			Price:      price,
			Quantity:   qty,
			Fees:       domain.MustMoney(feeEach, s.market),
			Timestamp:  ts,
			IsMigrated: i >= len(ap.OrderIds),
		}
	}

	var signalRule string
	var lastBuyMargin *domain.Margin
	cost := ap.TotalAmount.Mul(ap.AveragePricePaid).Add(fees)
	if ap.Metadata != nil {
		signalRule = ap.Metadata.SignalRule
		if ap.Metadata.LastBuyMargin != nil {
			m := domain.NewMargin(*ap.Metadata.LastBuyMargin)
			lastBuyMargin = &m
		}
		if ap.Metadata.AdditionalCosts != nil {
			cost = cost.Add(*ap.Metadata.AdditionalCosts)
		}
	}

	pos, err := position.Restore(domain.NewPositionID(), pair, signalRule, entries, dates[0], dates[len(dates)-1], lastBuyMargin)
	if err != nil {
		return nil, decimal.Zero, err
	}
	log.Info().Str("pair", sym).Int("entries", entryCount).Str("avg_price", ap.AveragePricePaid.String()).
		Msg("Position restored from account file")
	return pos, cost, nil
}
