package domain

import "strings"

// TradingPair is a tradable symbol of the form base+quote, e.g. BTC/USDT
// with symbol BTCUSDT. Both legs are normalized to upper case.
type TradingPair struct {
	base   string
	quote  string
	symbol string
}

// NewTradingPair validates both legs and derives the symbol.
func NewTradingPair(base, quote string) (TradingPair, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if base == "" || quote == "" {
		return TradingPair{}, NewValidationError("trading pair requires base and quote")
	}
	return TradingPair{base: base, quote: quote, symbol: base + quote}, nil
}

// MustPair panics on invalid input. For constants and tests.
func MustPair(base, quote string) TradingPair {
	p, err := NewTradingPair(base, quote)
	if err != nil {
		panic(err)
	}
	return p
}

// PairFromSymbol splits a symbol using a known quote currency suffix,
// e.g. ("BTCUSDT", "USDT") -> BTC/USDT.
func PairFromSymbol(symbol, quote string) (TradingPair, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	if !strings.HasSuffix(symbol, quote) || len(symbol) == len(quote) {
		return TradingPair{}, NewValidationError("symbol %s does not end in quote %s", symbol, quote)
	}
	return NewTradingPair(strings.TrimSuffix(symbol, quote), quote)
}

func (p TradingPair) Base() string   { return p.base }
func (p TradingPair) Quote() string  { return p.quote }
func (p TradingPair) Symbol() string { return p.symbol }
func (p TradingPair) IsZero() bool   { return p.symbol == "" }

func (p TradingPair) Equal(other TradingPair) bool { return p.symbol == other.symbol }

func (p TradingPair) String() string { return p.symbol }
