package config

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

// RuleConfig is the YAML shape of one declarative rule.
type RuleConfig struct {
	Name       string             `mapstructure:"name"`
	Enabled    bool               `mapstructure:"enabled"`
	Priority   int                `mapstructure:"priority"`
	Action     string             `mapstructure:"action"`
	Trailing   *TrailingConfig    `mapstructure:"trailing"`
	Conditions []ConditionConfig  `mapstructure:"conditions"`
}

// TrailingConfig is the YAML shape of a rule's trailing-stop block.
type TrailingConfig struct {
	Pct        float64 `mapstructure:"pct"`
	StopMargin float64 `mapstructure:"stop_margin"`
	StopAction string  `mapstructure:"stop_action"` // execute or cancel
}

// ConditionConfig enumerates the optional bounds of one condition. Absent
// fields stay nil and impose no bound.
type ConditionConfig struct {
	Signal          string   `mapstructure:"signal"`
	MinVolume       *float64 `mapstructure:"min_volume"`
	MaxVolume       *float64 `mapstructure:"max_volume"`
	MinVolumeChange *float64 `mapstructure:"min_volume_change"`
	MaxVolumeChange *float64 `mapstructure:"max_volume_change"`
	MinPrice        *float64 `mapstructure:"min_price"`
	MaxPrice        *float64 `mapstructure:"max_price"`
	MinPriceChange  *float64 `mapstructure:"min_price_change"`
	MaxPriceChange  *float64 `mapstructure:"max_price_change"`
	MinRating       *float64 `mapstructure:"min_rating"`
	MaxRating       *float64 `mapstructure:"max_rating"`
	MinRatingChange *float64 `mapstructure:"min_rating_change"`
	MaxRatingChange *float64 `mapstructure:"max_rating_change"`
	MinVolatility   *float64 `mapstructure:"min_volatility"`
	MaxVolatility   *float64 `mapstructure:"max_volatility"`

	MinGlobalRating *float64 `mapstructure:"min_global_rating"`
	MaxGlobalRating *float64 `mapstructure:"max_global_rating"`
	AllowedPairs    []string `mapstructure:"allowed_pairs"`

	MinAge          *time.Duration `mapstructure:"min_age"`
	MaxAge          *time.Duration `mapstructure:"max_age"`
	MinLastBuyAge   *time.Duration `mapstructure:"min_last_buy_age"`
	MaxLastBuyAge   *time.Duration `mapstructure:"max_last_buy_age"`
	MinMargin       *float64       `mapstructure:"min_margin"`
	MaxMargin       *float64       `mapstructure:"max_margin"`
	MinMarginChange *float64       `mapstructure:"min_margin_change"`
	MaxMarginChange *float64       `mapstructure:"max_margin_change"`
	MinAmount       *float64       `mapstructure:"min_amount"`
	MaxAmount       *float64       `mapstructure:"max_amount"`
	MinCost         *float64       `mapstructure:"min_cost"`
	MaxCost         *float64       `mapstructure:"max_cost"`
	MinDCALevel     *int           `mapstructure:"min_dca_level"`
	MaxDCALevel     *int           `mapstructure:"max_dca_level"`
	SignalRules     []string       `mapstructure:"signal_rules"`
}

var validActions = map[string]rules.Action{
	"buy":         rules.ActionBuy,
	"sell":        rules.ActionSell,
	"dca":         rules.ActionDCA,
	"swap":        rules.ActionSwap,
	"stop_loss":   rules.ActionStopLoss,
	"take_profit": rules.ActionTakeProfit,
	"alert":       rules.ActionAlert,
}

func (r RuleConfig) validate() error {
	if _, ok := validActions[r.Action]; !ok {
		return domain.NewConfigError("rules", "rule %q has unknown action %q", r.Name, r.Action)
	}
	if r.Trailing != nil {
		if r.Trailing.Pct <= 0 {
			return domain.NewConfigError("rules", "rule %q trailing pct must be positive", r.Name)
		}
		switch r.Trailing.StopAction {
		case "execute", "cancel":
		default:
			return domain.NewConfigError("rules", "rule %q trailing stop_action must be execute or cancel", r.Name)
		}
	}
	return nil
}

// Build compiles the YAML rule into an engine rule.
func (r RuleConfig) Build() *rules.Rule {
	out := &rules.Rule{
		Name:     r.Name,
		Enabled:  r.Enabled,
		Priority: r.Priority,
		Action:   validActions[r.Action],
	}
	if r.Trailing != nil {
		out.Trailing = &domain.TrailingConfig{
			TrailingPct: decimal.NewFromFloat(r.Trailing.Pct),
			StopMargin:  domain.MarginFromFloat(r.Trailing.StopMargin),
			StopAction:  domain.StopAction(r.Trailing.StopAction),
		}
	}
	out.Conditions = make([]rules.Condition, len(r.Conditions))
	for i, c := range r.Conditions {
		out.Conditions[i] = c.build()
	}
	out.Compile()
	return out
}

// BuildRules compiles a rule list, preserving order.
func BuildRules(cfgs []RuleConfig) []*rules.Rule {
	out := make([]*rules.Rule, len(cfgs))
	for i, rc := range cfgs {
		out[i] = rc.Build()
	}
	return out
}

// ProcessingMode maps the config string onto the engine mode.
func (c *RulesConfig) Mode() rules.ProcessingMode {
	switch c.ProcessingMode {
	case "highest_priority":
		return rules.HighestPriority
	case "all_matches":
		return rules.AllMatches
	default:
		return rules.FirstMatch
	}
}

func dec(v *float64) *decimal.Decimal {
	if v == nil {
		return nil
	}
	d := decimal.NewFromFloat(*v)
	return &d
}

func (c ConditionConfig) build() rules.Condition {
	return rules.Condition{
		Signal:          c.Signal,
		MinVolume:       dec(c.MinVolume),
		MaxVolume:       dec(c.MaxVolume),
		MinVolumeChange: dec(c.MinVolumeChange),
		MaxVolumeChange: dec(c.MaxVolumeChange),
		MinPrice:        dec(c.MinPrice),
		MaxPrice:        dec(c.MaxPrice),
		MinPriceChange:  dec(c.MinPriceChange),
		MaxPriceChange:  dec(c.MaxPriceChange),
		MinRating:       dec(c.MinRating),
		MaxRating:       dec(c.MaxRating),
		MinRatingChange: dec(c.MinRatingChange),
		MaxRatingChange: dec(c.MaxRatingChange),
		MinVolatility:   dec(c.MinVolatility),
		MaxVolatility:   dec(c.MaxVolatility),
		MinGlobalRating: dec(c.MinGlobalRating),
		MaxGlobalRating: dec(c.MaxGlobalRating),
		AllowedPairs:    c.AllowedPairs,
		MinAge:          c.MinAge,
		MaxAge:          c.MaxAge,
		MinLastBuyAge:   c.MinLastBuyAge,
		MaxLastBuyAge:   c.MaxLastBuyAge,
		MinMargin:       dec(c.MinMargin),
		MaxMargin:       dec(c.MaxMargin),
		MinMarginChange: dec(c.MinMarginChange),
		MaxMarginChange: dec(c.MaxMarginChange),
		MinAmount:       dec(c.MinAmount),
		MaxAmount:       dec(c.MaxAmount),
		MinCost:         dec(c.MinCost),
		MaxCost:         dec(c.MaxCost),
		MinDCALevel:     c.MinDCALevel,
		MaxDCALevel:     c.MaxDCALevel,
		SignalRules:     c.SignalRules,
	}
}
