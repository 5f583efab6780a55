package storage

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/execution"
	"github.com/signalgrid/tradebot/internal/portfolio"
	"github.com/signalgrid/tradebot/internal/position"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func openTestPosition(t *testing.T) *position.Position {
	t.Helper()
	pos, _, err := position.Open(
		domain.MustPair("BTC", "USDT"), "B-1",
		domain.MustPrice(d("100")), domain.MustQuantity(d("10")),
		domain.MustMoney(d("1"), "USDT"), "strong-buy",
		time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC),
	)
	require.NoError(t, err)
	_, err = pos.AddDCAEntry("B-2", domain.MustPrice(d("90")), domain.MustQuantity(d("5")),
		domain.MustMoney(d("0.5"), "USDT"), domain.MarginFromFloat(-10),
		time.Date(2026, 8, 21, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return pos
}

func TestAccountSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewAccountStore(dir, "USDT", true)
	pos := openTestPosition(t)

	pf, err := portfolio.New("main", "USDT", d("10000"), 5, d("100"))
	require.NoError(t, err)
	cost, err := pos.TotalCost().Add(pos.TotalFees())
	require.NoError(t, err)
	require.NoError(t, pf.RecordPositionOpened(pos.ID(), pos.Pair(), cost))

	prices := map[string]domain.Price{"BTCUSDT": domain.MustPrice(d("95"))}
	require.NoError(t, store.Save(pf, []*position.Position{pos}, prices))
	assert.True(t, store.Exists())

	restored, err := store.Load()
	require.NoError(t, err)
	assert.True(t, restored.Available.Equal(pf.Balance().Available.Amount()))
	require.Len(t, restored.Positions, 1)

	got := restored.Positions[0]
	assert.Equal(t, "BTCUSDT", got.Pair().Symbol())
	assert.Equal(t, "strong-buy", got.SignalRule())
	assert.Equal(t, 1, got.DCALevel())
	assert.True(t, got.TotalQuantity().Equal(pos.TotalQuantity()))
	assert.True(t, got.AveragePrice().Equal(pos.AveragePrice()))
	assert.True(t, got.TotalFees().Equal(pos.TotalFees()))
	require.NotNil(t, got.LastBuyMargin())
	assert.True(t, got.LastBuyMargin().Equal(domain.MarginFromFloat(-10)))

	reserved, ok := restored.Costs[got.ID()]
	require.True(t, ok)
	assert.True(t, reserved.Equal(cost.Amount()), "reserved %s != %s", reserved, cost.Amount())
}

// Files written by the legacy engine carry aggregate amounts plus
// AdditionalDCALevels; loading must fold those into the DCA level.
func TestAccountLoadLegacyFile(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
  "Balance": 8500,
  "TradingPairs": {
    "ETHUSDT": {
      "Pair": "ETHUSDT",
      "OrderIds": ["1001", "1002"],
      "OrderDates": ["2026-08-01T09:00:00Z", "2026-08-02T09:00:00Z"],
      "TotalAmount": 3,
      "AveragePricePaid": 500,
      "FeesPairCurrency": 0,
      "FeesMarketCurrency": 1.5,
      "CurrentPrice": 510,
      "Metadata": { "SignalRule": "eth-dip", "AdditionalDCALevels": 2, "AdditionalCosts": 100 }
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, VirtualAccountFile), []byte(legacy), 0o644))

	store := NewAccountStore(dir, "USDT", true)
	restored, err := store.Load()
	require.NoError(t, err)
	require.Len(t, restored.Positions, 1)

	pos := restored.Positions[0]
	// 2 orders + 2 additional levels = 4 entries, dcaLevel 3.
	assert.Equal(t, 3, pos.DCALevel())
	assert.True(t, pos.TotalQuantity().Value().Equal(d("3")))
	assert.True(t, pos.AveragePrice().Value().Equal(d("500")))
	assert.Equal(t, "eth-dip", pos.SignalRule())
	assert.Equal(t, time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC), pos.OpenedAt())

	// cost = 3*500 + 1.5 fees + 100 additional costs
	reserved := restored.Costs[pos.ID()]
	assert.True(t, reserved.Equal(d("1601.5")), "reserved = %s", reserved)
}

func TestAccountLoadFailsWithoutFeeConversionPrice(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
  "Balance": 100,
  "TradingPairs": {
    "BTCUSDT": {
      "Pair": "BTCUSDT",
      "OrderIds": ["1"],
      "OrderDates": ["2026-08-01T09:00:00Z"],
      "TotalAmount": 1,
      "AveragePricePaid": 100,
      "FeesPairCurrency": 0.001,
      "FeesMarketCurrency": 0,
      "CurrentPrice": 0
    }
  }
}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ExchangeAccountFile), []byte(legacy), 0o644))

	_, err := NewAccountStore(dir, "USDT", false).Load()
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func sampleRecord() execution.OrderRecord {
	return execution.OrderRecord{
		OrderID:    "B-1",
		PositionID: "pos-1",
		Pair:       domain.MustPair("BTC", "USDT"),
		Side:       exchange.Buy,
		Action:     "open",
		Price:      domain.MustPrice(d("100")),
		Quantity:   domain.MustQuantity(d("10")),
		Cost:       domain.MustMoney(d("1000"), "USDT"),
		Fees:       domain.MustMoney(d("1"), "USDT"),
		Status:     exchange.StatusFilled,
		Reason:     "signal rule strong-buy",
		ExecutedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func TestTradeLogLineFormat(t *testing.T) {
	dir := t.TempDir()
	tl := NewTradeLog(dir)
	tl.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }

	require.NoError(t, tl.RecordTrade(sampleRecord()))
	require.NoError(t, tl.RecordTrade(sampleRecord()))

	data, err := os.ReadFile(filepath.Join(dir, "2026-08-25-trades.txt"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.True(t, strings.HasPrefix(line, "TradeResult {"), "line = %q", line)
		assert.Contains(t, line, `"Pair":"BTCUSDT"`)
		assert.Contains(t, line, `"Status":"filled"`)
	}
}

func TestHistoryDBRoundTrip(t *testing.T) {
	db, err := OpenHistoryDB(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	defer db.Close()

	rec := sampleRecord()
	require.NoError(t, db.RecordTrade(rec))
	rec.OrderID = "S-2"
	rec.Action = "close"
	rec.ExecutedAt = rec.ExecutedAt.Add(time.Hour)
	require.NoError(t, db.RecordTrade(rec))

	rows, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "S-2", rows[0].OrderID)
	assert.Equal(t, "1000", rows[0].Cost)

	n, err := db.CountSince(time.Date(2026, 8, 25, 12, 30, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}
