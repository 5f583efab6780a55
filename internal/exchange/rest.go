package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
)

const (
	restTimeout    = 10 * time.Second
	restRetryWait  = 500 * time.Millisecond
	restRetryMax   = 5 * time.Second
	restRetryCount = 3
)

// RESTClient talks to a Binance-style spot REST API. Reads are retried on
// 5xx and network faults by the underlying client; writes are never
// auto-retried, because a timed-out placement has an unknown outcome and
// must surface as an AmbiguousPlacementError for the reconciler.
type RESTClient struct {
	http      *resty.Client
	writeHTTP *resty.Client
	apiKey    string
	secret    []byte
	market    string

	mu      sync.RWMutex
	enabled map[string]bool // symbol -> trading enabled, from exchangeInfo
	rules   map[string]PairRules
}

// NewRESTClient creates a live exchange adapter. market is the quote
// currency whose balance the engine tracks.
func NewRESTClient(baseURL, apiKey, secret, market string) *RESTClient {
	readClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout).
		SetRetryCount(restRetryCount).
		SetRetryWaitTime(restRetryWait).
		SetRetryMaxWaitTime(restRetryMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		})

	writeClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(restTimeout)

	return &RESTClient{
		http:      readClient,
		writeHTTP: writeClient,
		apiKey:    apiKey,
		secret:    []byte(secret),
		market:    strings.ToUpper(market),
		enabled:   make(map[string]bool),
		rules:     make(map[string]PairRules),
	}
}

// sign appends an HMAC-SHA256 signature plus timestamp, as spot APIs
// require for account and order endpoints.
func (c *RESTClient) sign(params url.Values) url.Values {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(params.Encode()))
	params.Set("signature", hex.EncodeToString(mac.Sum(nil)))
	return params
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

// classifyRead folds a response into the error taxonomy for read calls.
func classifyRead(op string, resp *resty.Response, err error) error {
	if err != nil {
		return domain.NewTransientError(op, err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return nil
	case resp.StatusCode() >= 500, resp.StatusCode() == http.StatusTooManyRequests:
		return domain.NewTransientError(op, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	default:
		return domain.NewValidationError("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
}

type tickerPayload struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

func (c *RESTClient) GetPrice(ctx context.Context, pair domain.TradingPair) (domain.Price, error) {
	var out tickerPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", pair.Symbol()).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err := classifyRead("get price", resp, err); err != nil {
		return domain.ZeroPrice, err
	}
	v, err := decimal.NewFromString(out.Price)
	if err != nil {
		return domain.ZeroPrice, domain.NewTransientError("get price", fmt.Errorf("bad price %q: %w", out.Price, err))
	}
	return domain.NewPrice(v)
}

func (c *RESTClient) GetPrices(ctx context.Context, pairs []domain.TradingPair) (map[string]domain.Price, error) {
	var out []tickerPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v3/ticker/price")
	if err := classifyRead("get prices", resp, err); err != nil {
		return nil, err
	}

	wanted := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		wanted[p.Symbol()] = true
	}

	prices := make(map[string]domain.Price, len(pairs))
	for _, t := range out {
		if !wanted[t.Symbol] {
			continue
		}
		v, err := decimal.NewFromString(t.Price)
		if err != nil {
			log.Warn().Str("symbol", t.Symbol).Str("price", t.Price).Msg("Skipping unparsable ticker")
			continue
		}
		p, err := domain.NewPrice(v)
		if err != nil {
			continue
		}
		prices[t.Symbol] = p
	}
	return prices, nil
}

type accountPayload struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (c *RESTClient) GetBalances(ctx context.Context) ([]Balance, error) {
	var out accountPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.sign(url.Values{})).
		SetResult(&out).
		Get("/api/v3/account")
	if err := classifyRead("get balances", resp, err); err != nil {
		return nil, err
	}

	balances := make([]Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		free, err1 := decimal.NewFromString(b.Free)
		locked, err2 := decimal.NewFromString(b.Locked)
		if err1 != nil || err2 != nil {
			continue
		}
		if free.IsZero() && locked.IsZero() {
			continue
		}
		balances = append(balances, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

type orderPayload struct {
	Symbol              string `json:"symbol"`
	OrderID             int64  `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Status              string `json:"status"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Fills               []struct {
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func mapStatus(s string) OrderStatus {
	switch s {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	}
	return StatusNew
}

func (c *RESTClient) toResult(o orderPayload) (ExecutionResult, error) {
	origQty, err := decimal.NewFromString(o.OrigQty)
	if err != nil {
		return ExecutionResult{}, domain.NewTransientError("parse order", err)
	}
	execQty, err := decimal.NewFromString(o.ExecutedQty)
	if err != nil {
		return ExecutionResult{}, domain.NewTransientError("parse order", err)
	}
	quoteQty := decimal.Zero
	if o.CummulativeQuoteQty != "" {
		quoteQty, err = decimal.NewFromString(o.CummulativeQuoteQty)
		if err != nil {
			return ExecutionResult{}, domain.NewTransientError("parse order", err)
		}
	}

	avg := decimal.Zero
	if !execQty.IsZero() {
		avg = quoteQty.Div(execQty)
	}

	// Only quote-denominated commission is attributable to the position's
	// cost basis; base-asset commission is already reflected in quantity.
	fees := decimal.Zero
	for _, f := range o.Fills {
		if f.CommissionAsset != c.market {
			continue
		}
		fee, err := decimal.NewFromString(f.Commission)
		if err != nil {
			continue
		}
		fees = fees.Add(fee)
	}

	return ExecutionResult{
		OrderID:      domain.OrderID(fmt.Sprintf("%d", o.OrderID)),
		RequestedQty: domain.MustQuantity(origQty),
		FilledQty:    domain.MustQuantity(execQty),
		AveragePrice: domain.MustPrice(avg),
		Cost:         domain.MustMoney(quoteQty, c.market),
		Fees:         domain.MustMoney(fees, c.market),
		Status:       mapStatus(o.Status),
	}, nil
}

// Place submits the order once, with no automatic retry. The idempotency
// key rides on newClientOrderId so an ambiguous outcome can be resolved
// later by GetOrderByKey.
func (c *RESTClient) Place(ctx context.Context, req OrderRequest) (ExecutionResult, error) {
	params := url.Values{}
	params.Set("symbol", req.Pair.Symbol())
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", req.Quantity.String())
	params.Set("newOrderRespType", "FULL")
	if req.IdempotencyKey != "" {
		params.Set("newClientOrderId", req.IdempotencyKey)
	}
	if req.Type == Limit {
		params.Set("timeInForce", "GTC")
		params.Set("price", req.Price.String())
	}

	var out orderPayload
	var apiErr apiError
	resp, err := c.writeHTTP.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.sign(params)).
		SetResult(&out).
		SetError(&apiErr).
		Post("/api/v3/order")
	if err != nil {
		// A transport fault on a write leaves the order in an unknown
		// state on the exchange side.
		return ExecutionResult{}, &domain.AmbiguousPlacementError{
			Pair:           req.Pair.Symbol(),
			IdempotencyKey: req.IdempotencyKey,
			Err:            err,
		}
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		return c.toResult(out)
	case resp.StatusCode() >= 500:
		return ExecutionResult{}, &domain.AmbiguousPlacementError{
			Pair:           req.Pair.Symbol(),
			IdempotencyKey: req.IdempotencyKey,
			Err:            fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()),
		}
	case resp.StatusCode() == http.StatusTooManyRequests:
		return ExecutionResult{}, domain.NewTransientError("place order", errors.New(resp.String()))
	default:
		return ExecutionResult{}, &domain.ExchangeRejectedError{
			Status: fmt.Sprintf("code %d: %s", apiErr.Code, apiErr.Message),
		}
	}
}

func (c *RESTClient) getOrder(ctx context.Context, params url.Values) (ExecutionResult, bool, error) {
	var out orderPayload
	var apiErr apiError
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.sign(params)).
		SetResult(&out).
		SetError(&apiErr).
		Get("/api/v3/order")
	if err != nil {
		return ExecutionResult{}, false, domain.NewTransientError("get order", err)
	}
	switch {
	case resp.StatusCode() == http.StatusOK:
		res, err := c.toResult(out)
		return res, err == nil, err
	case resp.StatusCode() >= 500, resp.StatusCode() == http.StatusTooManyRequests:
		return ExecutionResult{}, false, domain.NewTransientError("get order", fmt.Errorf("status %d", resp.StatusCode()))
	case apiErr.Code == -2013: // Order does not exist.
		return ExecutionResult{}, false, nil
	default:
		return ExecutionResult{}, false, domain.NewValidationError("get order: code %d: %s", apiErr.Code, apiErr.Message)
	}
}

func (c *RESTClient) GetOrder(ctx context.Context, pair domain.TradingPair, id domain.OrderID) (ExecutionResult, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("orderId", id.String())
	res, ok, err := c.getOrder(ctx, params)
	if err != nil {
		return ExecutionResult{}, err
	}
	if !ok {
		return ExecutionResult{}, domain.NewValidationError("unknown order %s on %s", id, pair)
	}
	return res, nil
}

func (c *RESTClient) GetOrderByKey(ctx context.Context, pair domain.TradingPair, key string) (ExecutionResult, bool, error) {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("origClientOrderId", key)
	return c.getOrder(ctx, params)
}

func (c *RESTClient) CancelOrder(ctx context.Context, pair domain.TradingPair, id domain.OrderID) error {
	params := url.Values{}
	params.Set("symbol", pair.Symbol())
	params.Set("orderId", id.String())

	var apiErr apiError
	resp, err := c.writeHTTP.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", c.apiKey).
		SetQueryParamsFromValues(c.sign(params)).
		SetError(&apiErr).
		Delete("/api/v3/order")
	if err != nil {
		return domain.NewTransientError("cancel order", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.NewValidationError("cancel order: code %d: %s", apiErr.Code, apiErr.Message)
	}
	return nil
}

type exchangeInfoPayload struct {
	Symbols []struct {
		Symbol     string `json:"symbol"`
		Status     string `json:"status"`
		BaseAsset  string `json:"baseAsset"`
		QuoteAsset string `json:"quoteAsset"`
		Filters    []struct {
			FilterType  string `json:"filterType"`
			MinNotional string `json:"minNotional"`
			MinQty      string `json:"minQty"`
			MaxQty      string `json:"maxQty"`
			StepSize    string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

// refreshExchangeInfo pulls symbol status and trading filters into the
// local cache serving GetPairRules, Symbols and IsPairEnabled.
func (c *RESTClient) refreshExchangeInfo(ctx context.Context) error {
	var out exchangeInfoPayload
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/api/v3/exchangeInfo")
	if err := classifyRead("exchange info", resp, err); err != nil {
		return err
	}

	enabled := make(map[string]bool, len(out.Symbols))
	rules := make(map[string]PairRules, len(out.Symbols))
	for _, s := range out.Symbols {
		enabled[s.Symbol] = s.Status == "TRADING"
		r := PairRules{PricePrecision: 8, QtyPrecision: 8}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "NOTIONAL", "MIN_NOTIONAL":
				r.MinOrderValue, _ = decimal.NewFromString(f.MinNotional)
			case "LOT_SIZE":
				r.MinQty, _ = decimal.NewFromString(f.MinQty)
				r.MaxQty, _ = decimal.NewFromString(f.MaxQty)
				r.StepSize, _ = decimal.NewFromString(f.StepSize)
			}
		}
		rules[s.Symbol] = r
	}

	c.mu.Lock()
	c.enabled = enabled
	c.rules = rules
	c.mu.Unlock()
	return nil
}

func (c *RESTClient) GetPairRules(ctx context.Context, pair domain.TradingPair) (PairRules, error) {
	c.mu.RLock()
	r, ok := c.rules[pair.Symbol()]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return PairRules{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok = c.rules[pair.Symbol()]
	if !ok {
		return PairRules{}, domain.NewValidationError("unknown pair %s", pair)
	}
	return r, nil
}

func (c *RESTClient) Symbols(ctx context.Context, market string) ([]domain.TradingPair, error) {
	c.mu.RLock()
	empty := len(c.enabled) == 0
	c.mu.RUnlock()
	if empty {
		if err := c.refreshExchangeInfo(ctx); err != nil {
			return nil, err
		}
	}

	market = strings.ToUpper(market)
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.TradingPair, 0, len(c.enabled))
	for sym, ok := range c.enabled {
		if !ok || !strings.HasSuffix(sym, market) {
			continue
		}
		pair, err := domain.PairFromSymbol(sym, market)
		if err != nil {
			continue
		}
		out = append(out, pair)
	}
	return out, nil
}

func (c *RESTClient) IsPairEnabled(pair domain.TradingPair) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	enabled, ok := c.enabled[pair.Symbol()]
	return !ok || enabled // unknown pairs stay tradable until info says otherwise
}

func (c *RESTClient) TestConnectivity(ctx context.Context) error {
	resp, err := c.http.R().SetContext(ctx).Get("/api/v3/ping")
	if err := classifyRead("ping", resp, err); err != nil {
		return err
	}
	if err := c.refreshExchangeInfo(ctx); err != nil {
		return err
	}
	if _, err := c.GetBalances(ctx); err != nil {
		if domain.IsValidation(err) {
			return domain.NewConfigError("api credentials", "exchange rejected credentials: %v", err)
		}
		return err
	}
	log.Info().Str("host", hostOf(c.http.BaseURL)).Msg("Exchange connectivity verified")
	return nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}

// CredentialsFromEnv reads API credentials injected via environment,
// matching the .env workflow used in deployment.
func CredentialsFromEnv() (apiKey, secret string) {
	return os.Getenv("EXCHANGE_API_KEY"), os.Getenv("EXCHANGE_API_SECRET")
}
