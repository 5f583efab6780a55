package domain

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// PositionID identifies a position aggregate for its whole lifetime.
type PositionID string

// NewPositionID returns a random, globally unique position id.
func NewPositionID() PositionID { return PositionID(uuid.NewString()) }

func (id PositionID) String() string { return string(id) }
func (id PositionID) IsZero() bool   { return id == "" }

// PortfolioID identifies a portfolio aggregate.
type PortfolioID string

// NewPortfolioID returns a random, globally unique portfolio id.
func NewPortfolioID() PortfolioID { return PortfolioID(uuid.NewString()) }

func (id PortfolioID) String() string { return string(id) }

// OrderID is the exchange-assigned identifier of a placed order.
type OrderID string

func (id OrderID) String() string { return string(id) }
func (id OrderID) IsZero() bool   { return id == "" }

var (
	ulidMu   sync.Mutex
	ulidMono io.Reader
	idSeq    atomic.Uint64
)

func init() {
	// ulid.Monotonic keeps ids generated within the same millisecond
	// lexicographically increasing, which makes order logs time-sortable.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	ulidMono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// NewClientOrderID returns a time-sortable client order identifier.
func NewClientOrderID() string {
	ulidMu.Lock()
	defer ulidMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), ulidMono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewIdempotencyKey derives a placement idempotency key from the acting
// position, the intended action and a process-wide monotonic counter.
// The exchange deduplicates retried placements on this key.
func NewIdempotencyKey(pos PositionID, action string) string {
	short := string(pos)
	if len(short) > 8 {
		short = short[:8]
	}
	if short == "" {
		short = "new"
	}
	return fmt.Sprintf("%s-%s-%d-%s", short, action, idSeq.Add(1), NewClientOrderID())
}
