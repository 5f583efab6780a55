package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/rules"
)

const sampleYAML = `
core:
  instance_name: test-bot
  health_check_interval: 10s
trading:
  market: USDT
  virtual: true
  buy_max_cost: 1000
  max_positions: 5
  min_position_cost: 100
  initial_balance: 10000
  fee_pct: 0.1
  dca_levels:
    - multiplier: 0.5
      margin: -5
    - multiplier: 1.0
      margin: -10
  excluded_pairs: [SHIBUSDT]
signals:
  - name: TV-15m
    type: poll
    weight: 2
    polling_interval: 30s
rules:
  processing_mode: highest_priority
  take_profit_margin: 4
  stop_loss:
    enabled: true
    margin: -10
    min_age: 5m
  dca:
    enabled: true
    max_levels: 3
    min_price_drop_pct: 9
    min_time_between: 10m
  signal_rules:
    - name: strong-buy
      enabled: true
      priority: 1
      action: buy
      trailing:
        pct: 1
        stop_margin: 2
        stop_action: execute
      conditions:
        - signal: TV-15m
          min_rating: 0.3
  trading_rules:
    - name: late-dca
      enabled: true
      priority: 2
      action: dca
      conditions:
        - min_age: 1h
          max_margin: -8
notification:
  enabled: false
`

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadSample(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "test-bot", cfg.Core.InstanceName)
	assert.Equal(t, 10*time.Second, cfg.Core.HealthCheckInterval)
	assert.Equal(t, "USDT", cfg.Trading.Market)
	assert.True(t, cfg.Trading.Virtual)
	assert.Len(t, cfg.Trading.DCALevels, 2)
	assert.Equal(t, 0.5, cfg.Trading.DCALevels[0].Multiplier)

	require.Len(t, cfg.Signals, 1)
	assert.Equal(t, "TV-15m", cfg.Signals[0].Name)

	require.NotNil(t, cfg.Rules.TakeProfitMargin)
	assert.Equal(t, 4.0, *cfg.Rules.TakeProfitMargin)
	assert.True(t, cfg.Rules.StopLoss.Enabled)
	assert.Equal(t, 5*time.Minute, cfg.Rules.StopLoss.MinAge)
	assert.Equal(t, rules.HighestPriority, cfg.Rules.Mode())
	assert.Equal(t, 1.0, cfg.SpeedMultiplier())
}

func TestBuildRules(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	built := BuildRules(cfg.Rules.SignalRules)
	require.Len(t, built, 1)
	r := built[0]
	assert.Equal(t, "strong-buy", r.Name)
	assert.Equal(t, rules.ActionBuy, r.Action)
	require.NotNil(t, r.Trailing)
	assert.Equal(t, domain.StopActionExecute, r.Trailing.StopAction)
	require.Len(t, r.Conditions, 1)
	require.NotNil(t, r.Conditions[0].MinRating)
	assert.Equal(t, "0.3", r.Conditions[0].MinRating.String())

	trading := BuildRules(cfg.Rules.TradingRules)
	require.Len(t, trading, 1)
	require.NotNil(t, trading[0].Conditions[0].MinAge)
	assert.Equal(t, time.Hour, *trading[0].Conditions[0].MinAge)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"missing market": `
trading:
  buy_max_cost: 1000
`,
		"bad action": `
trading:
  market: USDT
  buy_max_cost: 1000
rules:
  signal_rules:
    - name: broken
      action: yolo
`,
		"duplicate rule name": `
trading:
  market: USDT
  buy_max_cost: 1000
rules:
  signal_rules:
    - name: dup
      action: buy
  trading_rules:
    - name: dup
      action: sell
`,
		"replay speed below one": `
trading:
  market: USDT
  buy_max_cost: 1000
backtest:
  enabled: true
  replay_speed: 0.5
`,
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, yaml))
			require.Error(t, err)
			assert.True(t, domain.IsConfiguration(err))
		})
	}
}

func TestManagerKeepsOldConfigOnBadReload(t *testing.T) {
	path := writeConfig(t, sampleYAML)
	m, err := NewManager(path)
	require.NoError(t, err)

	var reloaded *Config
	m.Subscribe(func(c *Config) { reloaded = c })

	require.NoError(t, os.WriteFile(path, []byte("trading:\n  market: ''\n"), 0o644))
	m.reload()
	assert.Nil(t, reloaded)
	assert.Equal(t, "USDT", m.Current().Trading.Market)

	updated := sampleYAML + "\nbacktest:\n  record: true\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))
	m.reload()
	require.NotNil(t, reloaded)
	assert.True(t, reloaded.Backtest.Record)
	assert.True(t, m.Current().Backtest.Record)
}
