package config

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Manager owns the live config handle. Current returns the latest valid
// config; a failed reload keeps the previous one in place and the engine
// keeps running on it.
type Manager struct {
	v    *viper.Viper
	path string

	current atomic.Pointer[Config]

	mu       sync.Mutex
	subs     []func(*Config)
	watching bool
}

// NewManager loads the config at path. Fails on a missing or invalid file.
func NewManager(path string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	m := &Manager{v: v, path: path}
	cfg, err := m.read()
	if err != nil {
		return nil, err
	}
	m.current.Store(cfg)
	return m, nil
}

func (m *Manager) read() (*Config, error) {
	if err := m.v.ReadInConfig(); err != nil {
		return nil, err
	}
	return parse(m.v)
}

// Current returns the latest valid config. The returned object is
// immutable by convention; subscribers must not mutate it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Subscribe registers a callback invoked with every successfully reloaded
// config. Callbacks run on the watcher goroutine and must not block.
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// Watch begins watching the config file for changes. An invalid edit is
// logged and ignored; subscribers only ever observe valid configs.
func (m *Manager) Watch() {
	m.mu.Lock()
	if m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = true
	m.mu.Unlock()

	m.v.OnConfigChange(func(_ fsnotify.Event) {
		m.reload()
	})
	m.v.WatchConfig()
	log.Info().Str("path", m.path).Msg("Watching config for changes")
}

func (m *Manager) reload() {
	cfg, err := m.read()
	if err != nil {
		log.Error().Err(err).Str("path", m.path).Msg("Config reload failed, keeping previous config")
		return
	}
	m.current.Store(cfg)

	m.mu.Lock()
	subs := make([]func(*Config), len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	log.Info().Str("path", m.path).Int("subscribers", len(subs)).Msg("Config reloaded")
	for _, fn := range subs {
		fn(cfg)
	}
}
