package rules

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/signalgrid/tradebot/internal/domain"
)

var btcusdt = domain.MustPair("BTC", "USDT")

func dec(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

func dur(d time.Duration) *time.Duration { return &d }

func ctxWithRating(signal string, rating float64) *Context {
	return NewContext(btcusdt, map[string]SignalSnapshot{
		signal: {Pair: btcusdt, Signal: signal, Rating: dec(rating)},
	})
}

func TestEmptyConditionIsTriviallyTrue(t *testing.T) {
	r := &Rule{Name: "anything", Enabled: true, Conditions: []Condition{{}}}
	assert.True(t, r.Matches(NewContext(btcusdt, nil)))
}

func TestMinRatingBound(t *testing.T) {
	r := &Rule{Name: "bullish", Enabled: true, Conditions: []Condition{
		{Signal: "TV-15m", MinRating: dec(0.3)},
	}}

	assert.True(t, r.Matches(ctxWithRating("TV-15m", 0.5)))
	assert.True(t, r.Matches(ctxWithRating("TV-15m", 0.3)))
	assert.False(t, r.Matches(ctxWithRating("TV-15m", 0.1)))
}

func TestMissingSignalEvaluatesFalse(t *testing.T) {
	// S5: rule requires TV-15m, context only has TV-60m.
	r := &Rule{Name: "bullish", Enabled: true, Conditions: []Condition{
		{Signal: "TV-15m", MinRating: dec(0.3)},
	}}
	assert.False(t, r.Matches(ctxWithRating("TV-60m", 0.9)))
}

func TestMissingFieldEvaluatesFalse(t *testing.T) {
	r := &Rule{Name: "vol", Enabled: true, Conditions: []Condition{
		{Signal: "TV-15m", MinVolume: dec(1000)},
	}}
	// Snapshot exists but has no volume.
	assert.False(t, r.Matches(ctxWithRating("TV-15m", 0.9)))
}

func TestGlobalRatingBounds(t *testing.T) {
	r := &Rule{Name: "sentiment", Enabled: true, Conditions: []Condition{
		{MinGlobalRating: dec(0.1), MaxGlobalRating: dec(0.8)},
	}}

	ctx := NewContext(btcusdt, nil)
	assert.False(t, r.Matches(ctx), "absent global rating must be false")

	ctx.GlobalRating = dec(0.5)
	assert.True(t, r.Matches(ctx))

	ctx.GlobalRating = dec(0.9)
	assert.False(t, r.Matches(ctx))
}

func TestAllowedPairsCaseInsensitive(t *testing.T) {
	r := &Rule{Name: "pairs", Enabled: true, Conditions: []Condition{
		{AllowedPairs: []string{"btcusdt", "ETHUSDT"}},
	}}

	assert.True(t, r.Matches(NewContext(btcusdt, nil)))
	assert.False(t, r.Matches(NewContext(domain.MustPair("XRP", "USDT"), nil)))
}

func TestPositionBoundsWithoutPositionAreFalse(t *testing.T) {
	r := &Rule{Name: "aged", Enabled: true, Conditions: []Condition{
		{MinAge: dur(time.Minute)},
	}}
	assert.False(t, r.Matches(NewContext(btcusdt, nil)))
}

func TestAgeScaledBySpeedMultiplier(t *testing.T) {
	r := &Rule{Name: "aged", Enabled: true, Conditions: []Condition{
		{MinAge: dur(5 * time.Minute)},
	}}

	ctx := NewContext(btcusdt, nil)
	ctx.Position = &PositionSnapshot{Pair: btcusdt, CurrentAge: 6 * time.Minute}
	assert.True(t, r.Matches(ctx))

	// At 10x replay a 6-minute observed age maps to 36s of live time.
	ctx.SpeedMultiplier = 10
	assert.False(t, r.Matches(ctx))
}

func TestMarginChangeRequiresLastBuyMargin(t *testing.T) {
	r := &Rule{Name: "dip", Enabled: true, Conditions: []Condition{
		{MaxMarginChange: dec(-5)},
	}}

	ctx := NewContext(btcusdt, nil)
	ctx.Position = &PositionSnapshot{Pair: btcusdt, CurrentMargin: domain.MarginFromFloat(-12)}
	assert.False(t, r.Matches(ctx), "missing lastBuyMargin must be false")

	last := domain.MarginFromFloat(-2)
	ctx.Position.LastBuyMargin = &last
	assert.True(t, r.Matches(ctx), "change of -10 satisfies max -5")
}

func TestDCALevelAndSignalRuleBounds(t *testing.T) {
	lvl := 2
	r := &Rule{Name: "dca-cap", Enabled: true, Conditions: []Condition{
		{MaxDCALevel: &lvl, SignalRules: []string{"momentum"}},
	}}

	ctx := NewContext(btcusdt, nil)
	ctx.Position = &PositionSnapshot{Pair: btcusdt, DCALevel: 2, SignalRule: "momentum"}
	assert.True(t, r.Matches(ctx))

	ctx.Position.DCALevel = 3
	assert.False(t, r.Matches(ctx))

	ctx.Position.DCALevel = 1
	ctx.Position.SignalRule = "other"
	assert.False(t, r.Matches(ctx))
}

func TestEvaluateFirstMatch(t *testing.T) {
	a := &Rule{Name: "a", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.9)}}}
	b := &Rule{Name: "b", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}
	c := &Rule{Name: "c", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}

	got := Evaluate([]*Rule{a, b, c}, ctxWithRating("s", 0.5), FirstMatch)
	assert.Equal(t, "b", got.Name)
}

func TestEvaluateHighestPriority(t *testing.T) {
	a := &Rule{Name: "a", Enabled: true, Priority: 5, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}
	b := &Rule{Name: "b", Enabled: true, Priority: 1, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}

	got := Evaluate([]*Rule{a, b}, ctxWithRating("s", 0.5), HighestPriority)
	assert.Equal(t, "b", got.Name)
}

func TestEvaluateAllMatchesTakesLast(t *testing.T) {
	a := &Rule{Name: "a", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}
	b := &Rule{Name: "b", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}

	got := Evaluate([]*Rule{a, b}, ctxWithRating("s", 0.5), AllMatches)
	assert.Equal(t, "b", got.Name)
}

func TestDisabledRulesAreFiltered(t *testing.T) {
	a := &Rule{Name: "a", Enabled: false, Conditions: []Condition{{Signal: "s", MinRating: dec(0.1)}}}

	assert.Nil(t, Evaluate([]*Rule{a}, ctxWithRating("s", 0.5), FirstMatch))
}

func TestCompiledRuleIsSafeForConcurrentEvaluation(t *testing.T) {
	r := &Rule{Name: "shared", Enabled: true, Conditions: []Condition{
		{Signal: "TV-15m", MinRating: dec(0.3)},
	}}
	r.Compile()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				if !r.Matches(ctxWithRating("TV-15m", 0.5)) {
					t.Error("compiled rule stopped matching")
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestEvaluationIsIdempotent(t *testing.T) {
	r := &Rule{Name: "r", Enabled: true, Conditions: []Condition{{Signal: "s", MinRating: dec(0.3)}}}
	ctx := ctxWithRating("s", 0.5)

	first := r.Matches(ctx)
	second := r.Matches(ctx)
	assert.Equal(t, first, second)
	assert.True(t, first)
}
