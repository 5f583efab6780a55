package signals

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

const (
	pollTimeout    = 10 * time.Second
	pollRetryCount = 2
)

// RESTProvider polls a JSON signal API. Payloads use the same frame shape
// as the push stream, so a provider can be consumed either way.
type RESTProvider struct {
	name   string
	weight decimal.Decimal
	market string
	http   *resty.Client
}

// NewRESTProvider creates a poll provider against baseURL. market is the
// quote currency used to split incoming symbols into pairs.
func NewRESTProvider(name, baseURL, market string, weight decimal.Decimal) *RESTProvider {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(pollTimeout).
		SetRetryCount(pollRetryCount)
	return &RESTProvider{
		name:   name,
		weight: weight,
		market: strings.ToUpper(market),
		http:   client,
	}
}

// Name implements Provider.
func (p *RESTProvider) Name() string { return p.name }

// Weight implements Provider.
func (p *RESTProvider) Weight() decimal.Decimal { return p.weight }

func (p *RESTProvider) toSnapshot(frame streamFrame) (rules.SignalSnapshot, error) {
	pair, err := domain.PairFromSymbol(frame.Symbol, p.market)
	if err != nil {
		return rules.SignalSnapshot{}, err
	}
	at := time.Now()
	if frame.Timestamp > 0 {
		at = time.UnixMilli(frame.Timestamp)
	}
	signal := frame.Signal
	if signal == "" {
		signal = p.name
	}
	return rules.SignalSnapshot{
		Pair:         pair,
		Signal:       signal,
		Volume:       toDec(frame.Volume),
		VolumeChange: toDec(frame.VolumeChange),
		Price:        toDec(frame.Price),
		PriceChange:  toDec(frame.PriceChange),
		Rating:       toDec(frame.Rating),
		RatingChange: toDec(frame.RatingChange),
		Volatility:   toDec(frame.Volatility),
		ObservedAt:   at,
	}, nil
}

// GetAllSignals implements Provider.
func (p *RESTProvider) GetAllSignals(ctx context.Context, pair domain.TradingPair) (rules.SignalSnapshot, error) {
	var frame streamFrame
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&frame).
		Get("/signals/" + pair.Symbol())
	if err != nil {
		return rules.SignalSnapshot{}, domain.NewTransientError("signal poll", err)
	}
	if resp.IsError() {
		return rules.SignalSnapshot{}, domain.NewTransientError("signal poll",
			fmt.Errorf("%s returned %d for %s", p.name, resp.StatusCode(), pair))
	}
	return p.toSnapshot(frame)
}

// GetSignalsForPairs implements Provider. One request covers every pair.
func (p *RESTProvider) GetSignalsForPairs(ctx context.Context, pairs []domain.TradingPair) ([]rules.SignalSnapshot, error) {
	symbols := make([]string, len(pairs))
	for i, pair := range pairs {
		symbols[i] = pair.Symbol()
	}

	var frames []streamFrame
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbols", strings.Join(symbols, ",")).
		SetResult(&frames).
		Get("/signals")
	if err != nil {
		return nil, domain.NewTransientError("signal poll", err)
	}
	if resp.IsError() {
		return nil, domain.NewTransientError("signal poll",
			fmt.Errorf("%s returned %d", p.name, resp.StatusCode()))
	}

	out := make([]rules.SignalSnapshot, 0, len(frames))
	for _, f := range frames {
		snap, err := p.toSnapshot(f)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	return out, nil
}

// GetAggregated implements Provider.
func (p *RESTProvider) GetAggregated(ctx context.Context, pair domain.TradingPair) (AggregatedSignal, error) {
	var body struct {
		Rating  float64 `json:"rating"`
		Buy     int     `json:"buy"`
		Sell    int     `json:"sell"`
		Neutral int     `json:"neutral"`
	}
	resp, err := p.http.R().
		SetContext(ctx).
		SetResult(&body).
		Get("/signals/" + pair.Symbol() + "/aggregate")
	if err != nil {
		return AggregatedSignal{}, domain.NewTransientError("signal poll", err)
	}
	if resp.IsError() {
		return AggregatedSignal{}, domain.NewTransientError("signal poll",
			fmt.Errorf("%s returned %d for %s", p.name, resp.StatusCode(), pair))
	}
	return AggregatedSignal{
		Pair:          pair,
		OverallRating: decimal.NewFromFloat(body.Rating),
		BuyCount:      body.Buy,
		SellCount:     body.Sell,
		NeutralCount:  body.Neutral,
	}, nil
}

// Subscribe implements Provider. Poll providers do not push; the stream
// feed covers push-capable endpoints.
func (p *RESTProvider) Subscribe(context.Context, domain.TradingPair) (<-chan rules.SignalSnapshot, error) {
	return nil, fmt.Errorf("provider %s is poll-only", p.name)
}
