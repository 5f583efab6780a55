// Package config loads the engine configuration from a YAML file, with
// env-var overrides for secrets, and broadcasts hot-reload events to
// subscribers. Reloads are copy-on-write: subscribers see either the old
// or the new config, never a torn mix.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/signalgrid/tradebot/internal/domain"
)

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Core         CoreConfig         `mapstructure:"core"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Signals      []ProviderConfig   `mapstructure:"signals"`
	Rules        RulesConfig        `mapstructure:"rules"`
	Notification NotificationConfig `mapstructure:"notification"`
	Backtest     BacktestConfig     `mapstructure:"backtest"`
}

// CoreConfig holds instance-wide settings.
type CoreConfig struct {
	InstanceName        string        `mapstructure:"instance_name"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	PasswordProtected   bool          `mapstructure:"password_protected"`
	TimezoneOffsetHours int           `mapstructure:"timezone_offset_hours"`
	Debug               bool          `mapstructure:"debug"`
}

// DCALevelConfig parameterizes one averaging-down step: the buy cost is
// the base cost times Multiplier, gated on the margin dropping to Margin.
type DCALevelConfig struct {
	Multiplier float64 `mapstructure:"multiplier"`
	Margin     float64 `mapstructure:"margin"`
}

// TradingConfig holds the market, exchange and position sizing settings.
type TradingConfig struct {
	Market          string           `mapstructure:"market"`
	Exchange        string           `mapstructure:"exchange"`
	ExchangeBaseURL string           `mapstructure:"exchange_base_url"`
	APIKey          string           `mapstructure:"api_key"`
	APISecret       string           `mapstructure:"api_secret"`
	Virtual         bool             `mapstructure:"virtual"`
	BuyType         string           `mapstructure:"buy_type"`  // market or limit
	SellType        string           `mapstructure:"sell_type"` // market or limit
	BuyMaxCost      float64          `mapstructure:"buy_max_cost"`
	MaxPositions    int              `mapstructure:"max_positions"`
	MinPositionCost float64          `mapstructure:"min_position_cost"`
	InitialBalance  float64          `mapstructure:"initial_balance"` // virtual mode only
	FeePct          float64          `mapstructure:"fee_pct"`
	DCALevels       []DCALevelConfig `mapstructure:"dca_levels"`
	AllowedPairs    []string         `mapstructure:"allowed_pairs"`
	BlockedPairs    []string         `mapstructure:"blocked_pairs"`
	ExcludedPairs   []string         `mapstructure:"excluded_pairs"`
	DataDir         string           `mapstructure:"data_dir"`
	TradeLogDir     string           `mapstructure:"trade_log_dir"`
	HistoryDBPath   string           `mapstructure:"history_db_path"`
	SwapTimeout     time.Duration    `mapstructure:"swap_timeout"`
}

// ProviderConfig defines one signal provider.
type ProviderConfig struct {
	Name            string            `mapstructure:"name"`
	Type            string            `mapstructure:"type"` // poll or stream
	URL             string            `mapstructure:"url"`
	Weight          float64           `mapstructure:"weight"`
	PollingInterval time.Duration     `mapstructure:"polling_interval"`
	SignalPeriod    string            `mapstructure:"signal_period"`
	Params          map[string]string `mapstructure:"params"`
}

// StopLossConfig gates the hard stop on open positions.
type StopLossConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Margin  float64       `mapstructure:"margin"` // typically negative
	MinAge  time.Duration `mapstructure:"min_age"`
}

// DCAConfig gates averaging-down buys.
type DCAConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	MaxLevels       int           `mapstructure:"max_levels"`
	MinPriceDropPct float64       `mapstructure:"min_price_drop_pct"`
	MinTimeBetween  time.Duration `mapstructure:"min_time_between"`
	MaxTotalCost    float64       `mapstructure:"max_total_cost"` // zero = uncapped
}

// RulesConfig holds the declarative rule sets and their shared gates.
type RulesConfig struct {
	SignalRules      []RuleConfig   `mapstructure:"signal_rules"`
	TradingRules     []RuleConfig   `mapstructure:"trading_rules"`
	ProcessingMode   string         `mapstructure:"processing_mode"`
	StopLoss         StopLossConfig `mapstructure:"stop_loss"`
	TakeProfitMargin *float64       `mapstructure:"take_profit_margin"`
	DCA              DCAConfig      `mapstructure:"dca"`
	MinProfitMargin  *float64       `mapstructure:"min_profit_margin"`
	MinHoldingPeriod time.Duration  `mapstructure:"min_holding_period"`
}

// NotificationConfig holds the outbound channel settings.
type NotificationConfig struct {
	Enabled    bool            `mapstructure:"enabled"`
	RatePerSec float64         `mapstructure:"rate_per_sec"`
	Channels   []ChannelConfig `mapstructure:"channels"`
}

// ChannelConfig is one opaque notification destination.
type ChannelConfig struct {
	Type  string `mapstructure:"type"` // telegram
	ID    int64  `mapstructure:"id"`
	Token string `mapstructure:"token"`
}

// BacktestConfig switches the engine between live, record and replay modes.
type BacktestConfig struct {
	Enabled     bool    `mapstructure:"enabled"` // replay mode
	Record      bool    `mapstructure:"record"`  // write snapshots while live
	SnapshotDir string  `mapstructure:"snapshot_dir"`
	ReplaySpeed float64 `mapstructure:"replay_speed"`
}

// SpeedMultiplier is the age-scaling factor for rule evaluation. Live mode
// always runs at 1.0; only replay compresses time.
func (c *Config) SpeedMultiplier() float64 {
	if c.Backtest.Enabled && c.Backtest.ReplaySpeed > 1 {
		return c.Backtest.ReplaySpeed
	}
	return 1.0
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("core.instance_name", "tradebot")
	v.SetDefault("core.health_check_interval", 30*time.Second)
	v.SetDefault("trading.virtual", true)
	v.SetDefault("trading.buy_type", "market")
	v.SetDefault("trading.sell_type", "market")
	v.SetDefault("trading.max_positions", 5)
	v.SetDefault("trading.min_position_cost", 100.0)
	v.SetDefault("trading.initial_balance", 10000.0)
	v.SetDefault("trading.fee_pct", 0.1)
	v.SetDefault("trading.data_dir", "data")
	v.SetDefault("trading.trade_log_dir", "log")
	v.SetDefault("trading.history_db_path", "data/history.db")
	v.SetDefault("trading.swap_timeout", time.Hour)
	v.SetDefault("rules.processing_mode", "first_match")
	v.SetDefault("rules.dca.min_time_between", 5*time.Minute)
	v.SetDefault("notification.rate_per_sec", 1.0)
	v.SetDefault("backtest.snapshot_dir", "snapshots")
	v.SetDefault("backtest.replay_speed", 1.0)
}

// Load reads and validates the config file. Secrets are overridable via
// TRADEBOT_API_KEY, TRADEBOT_API_SECRET and TRADEBOT_TELEGRAM_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, domain.NewConfigError("", "read %s: %v", path, err)
	}
	return parse(v)
}

func parse(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, domain.NewConfigError("", "unmarshal: %v", err)
	}

	if key := os.Getenv("TRADEBOT_API_KEY"); key != "" {
		cfg.Trading.APIKey = key
	}
	if secret := os.Getenv("TRADEBOT_API_SECRET"); secret != "" {
		cfg.Trading.APISecret = secret
	}
	if token := os.Getenv("TRADEBOT_TELEGRAM_TOKEN"); token != "" {
		for i := range cfg.Notification.Channels {
			if cfg.Notification.Channels[i].Type == "telegram" {
				cfg.Notification.Channels[i].Token = token
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges. Returns a
// ConfigurationError naming the first offending field.
func (c *Config) Validate() error {
	if c.Trading.Market == "" {
		return domain.NewConfigError("trading.market", "market (quote currency) is required")
	}
	if c.Trading.MaxPositions <= 0 {
		return domain.NewConfigError("trading.max_positions", "must be positive, got %d", c.Trading.MaxPositions)
	}
	if c.Trading.BuyMaxCost <= 0 {
		return domain.NewConfigError("trading.buy_max_cost", "must be positive, got %v", c.Trading.BuyMaxCost)
	}
	if c.Trading.MinPositionCost <= 0 {
		return domain.NewConfigError("trading.min_position_cost", "must be positive, got %v", c.Trading.MinPositionCost)
	}
	if c.Trading.BuyMaxCost < c.Trading.MinPositionCost {
		return domain.NewConfigError("trading.buy_max_cost", "%v is below min_position_cost %v", c.Trading.BuyMaxCost, c.Trading.MinPositionCost)
	}
	if c.Trading.FeePct < 0 || c.Trading.FeePct >= 100 {
		return domain.NewConfigError("trading.fee_pct", "must be in [0, 100), got %v", c.Trading.FeePct)
	}
	if !c.Trading.Virtual {
		if c.Trading.ExchangeBaseURL == "" {
			return domain.NewConfigError("trading.exchange_base_url", "required in live mode")
		}
		if c.Trading.APIKey == "" || c.Trading.APISecret == "" {
			return domain.NewConfigError("trading.api_key", "credentials required in live mode (set TRADEBOT_API_KEY / TRADEBOT_API_SECRET)")
		}
	}
	switch c.Trading.BuyType {
	case "market", "limit":
	default:
		return domain.NewConfigError("trading.buy_type", "must be market or limit, got %q", c.Trading.BuyType)
	}
	switch c.Trading.SellType {
	case "market", "limit":
	default:
		return domain.NewConfigError("trading.sell_type", "must be market or limit, got %q", c.Trading.SellType)
	}
	for i, lvl := range c.Trading.DCALevels {
		if lvl.Multiplier <= 0 {
			return domain.NewConfigError("trading.dca_levels", "level %d multiplier must be positive", i)
		}
	}
	switch c.Rules.ProcessingMode {
	case "first_match", "highest_priority", "all_matches":
	default:
		return domain.NewConfigError("rules.processing_mode", "unknown mode %q", c.Rules.ProcessingMode)
	}
	if c.Rules.DCA.Enabled && c.Rules.DCA.MaxLevels <= 0 {
		return domain.NewConfigError("rules.dca.max_levels", "must be positive when DCA is enabled")
	}
	names := make(map[string]bool)
	for _, r := range append(append([]RuleConfig(nil), c.Rules.SignalRules...), c.Rules.TradingRules...) {
		if r.Name == "" {
			return domain.NewConfigError("rules", "every rule needs a name")
		}
		if names[r.Name] {
			return domain.NewConfigError("rules", "duplicate rule name %q", r.Name)
		}
		names[r.Name] = true
		if err := r.validate(); err != nil {
			return err
		}
	}
	for _, p := range c.Signals {
		if p.Name == "" {
			return domain.NewConfigError("signals", "every provider needs a name")
		}
		if p.Type == "stream" && p.URL == "" {
			return domain.NewConfigError("signals", "stream provider %q needs a url", p.Name)
		}
	}
	if c.Backtest.Enabled && c.Backtest.ReplaySpeed < 1 {
		return domain.NewConfigError("backtest.replay_speed", "must be >= 1, got %v", c.Backtest.ReplaySpeed)
	}
	return nil
}
