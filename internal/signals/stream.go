package signals

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// streamFrame is the wire shape of one push update. All metric fields are
// optional; absent fields stay absent in the snapshot.
type streamFrame struct {
	Symbol       string   `json:"symbol"`
	Signal       string   `json:"signal"`
	Volume       *float64 `json:"volume,omitempty"`
	VolumeChange *float64 `json:"volume_change,omitempty"`
	Price        *float64 `json:"price,omitempty"`
	PriceChange  *float64 `json:"price_change,omitempty"`
	Rating       *float64 `json:"rating,omitempty"`
	RatingChange *float64 `json:"rating_change,omitempty"`
	Volatility   *float64 `json:"volatility,omitempty"`
	Timestamp    int64    `json:"ts"`
}

// StreamFeed maintains a websocket connection to a push-style signal
// provider and publishes updates into the aggregator between polls.
type StreamFeed struct {
	mu      sync.Mutex
	url     string
	market  string // quote currency used to split incoming symbols
	agg     *Aggregator
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}
}

// NewStreamFeed creates a feed that publishes into agg. Symbols on the
// wire are split into pairs using the market quote currency.
func NewStreamFeed(url, market string, agg *Aggregator) *StreamFeed {
	return &StreamFeed{
		url:    url,
		market: strings.ToUpper(market),
		agg:    agg,
		stopCh: make(chan struct{}),
	}
}

// Start begins the connect/read loop in the background.
func (f *StreamFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.connectionLoop()
	log.Info().Str("url", f.url).Msg("Signal stream started")
}

// Stop closes the connection and ends the loop.
func (f *StreamFeed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	if f.conn != nil {
		f.conn.Close()
	}
	log.Info().Msg("Signal stream stopped")
}

func (f *StreamFeed) connectionLoop() {
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
		if err != nil {
			log.Warn().Err(err).Str("url", f.url).Msg("Signal stream dial failed, retrying")
			select {
			case <-f.stopCh:
				return
			case <-time.After(reconnectDelay):
				continue
			}
		}

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		f.readLoop(conn)
		conn.Close()
	}
}

func (f *StreamFeed) readLoop(conn *websocket.Conn) {
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-f.stopCh:
				return
			case <-pinger.C:
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-f.stopCh:
			default:
				log.Warn().Err(err).Msg("Signal stream read failed, reconnecting")
			}
			return
		}

		var frame streamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Debug().Err(err).Msg("Dropping malformed signal frame")
			continue
		}
		f.publish(frame)
	}
}

func (f *StreamFeed) publish(frame streamFrame) {
	pair, err := domain.PairFromSymbol(frame.Symbol, f.market)
	if err != nil {
		log.Debug().Str("symbol", frame.Symbol).Msg("Dropping frame for foreign symbol")
		return
	}

	at := time.Now()
	if frame.Timestamp > 0 {
		at = time.UnixMilli(frame.Timestamp)
	}

	f.agg.Publish(rules.SignalSnapshot{
		Pair:         pair,
		Signal:       frame.Signal,
		Volume:       toDec(frame.Volume),
		VolumeChange: toDec(frame.VolumeChange),
		Price:        toDec(frame.Price),
		PriceChange:  toDec(frame.PriceChange),
		Rating:       toDec(frame.Rating),
		RatingChange: toDec(frame.RatingChange),
		Volatility:   toDec(frame.Volatility),
		ObservedAt:   at,
	})
}

func toDec(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}
