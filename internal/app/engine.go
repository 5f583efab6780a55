// Package app wires the engine together: exchange, portfolio, executor,
// processors, trailing, pipelines, notifications and persistence, driven
// by one config handle.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/backtest"
	"github.com/signalgrid/tradebot/internal/config"
	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/exchange"
	"github.com/signalgrid/tradebot/internal/execution"
	"github.com/signalgrid/tradebot/internal/health"
	"github.com/signalgrid/tradebot/internal/notify"
	"github.com/signalgrid/tradebot/internal/orchestrator"
	"github.com/signalgrid/tradebot/internal/portfolio"
	"github.com/signalgrid/tradebot/internal/position"
	"github.com/signalgrid/tradebot/internal/processor"
	"github.com/signalgrid/tradebot/internal/rules"
	"github.com/signalgrid/tradebot/internal/signals"
	"github.com/signalgrid/tradebot/internal/storage"
	"github.com/signalgrid/tradebot/internal/trailing"
)

// Engine is the running trading instance. Build with New, then Run once.
type Engine struct {
	mgr    *config.Manager
	market string
	speed  float64
	replay bool
	record bool

	tickers *exchange.Tickers
	ex      exchange.Exchange
	virtual *exchange.Virtual // nil against a live exchange

	exec    *execution.Executor
	agg     *signals.Aggregator
	streams []*signals.StreamFeed
	sigProc *processor.SignalProcessor
	trdProc *processor.TradingProcessor
	trail   *trailing.Manager
	orch    *orchestrator.Orchestrator

	monitor  *health.Monitor
	notifier *notify.Service
	telegram *notify.TelegramChannel
	stats    *Stats

	accounts  *storage.AccountStore
	historyDB *storage.HistoryDB

	writer       *backtest.Writer
	tickerReplay *backtest.TickerReplay
	signalReplay *backtest.SignalReplay

	mu               sync.Mutex
	universe         []domain.TradingPair
	buyMaxCost       decimal.Decimal
	dcaLevels        []config.DCALevelConfig
	excluded         map[string]bool
	replayClock      time.Time
	lastSignalRecord time.Time
	tickersDone      bool
	signalsDone      bool

	paused    atomic.Bool
	suspended atomic.Bool
	finish    sync.Once
	stopRun   context.CancelFunc
}

// New builds the engine from the manager's current config. The manager is
// subscribed for hot reloads; rule sets, limits and sizing pick up edits
// without a restart.
func New(mgr *config.Manager) (*Engine, error) {
	cfg := mgr.Current()

	e := &Engine{
		mgr:     mgr,
		market:  cfg.Trading.Market,
		speed:   cfg.SpeedMultiplier(),
		replay:  cfg.Backtest.Enabled,
		record:  cfg.Backtest.Record && !cfg.Backtest.Enabled,
		tickers: exchange.NewTickers(),
		trail:   trailing.NewManager(),
		monitor: health.NewMonitor(cfg.Core.HealthCheckInterval),
	}

	if cfg.Trading.Virtual || e.replay {
		e.virtual = exchange.NewVirtual(e.tickers, e.market,
			decimal.NewFromFloat(cfg.Trading.InitialBalance),
			decimal.NewFromFloat(cfg.Trading.FeePct))
		e.ex = e.virtual
	} else {
		e.ex = exchange.NewRESTClient(cfg.Trading.ExchangeBaseURL,
			cfg.Trading.APIKey, cfg.Trading.APISecret, e.market)
	}

	e.notifier = notify.NewService(cfg.Notification.RatePerSec)

	var recorder execution.TradeRecorder
	if !e.replay {
		db, err := storage.OpenHistoryDB(cfg.Trading.HistoryDBPath)
		if err != nil {
			return nil, err
		}
		e.historyDB = db
		recorder = storage.MultiRecorder{
			storage.NewTradeLog(cfg.Trading.TradeLogDir),
			db,
		}
		e.accounts = storage.NewAccountStore(cfg.Trading.DataDir, e.market, cfg.Trading.Virtual)
	}

	pf, restored, err := e.buildPortfolio(cfg)
	if err != nil {
		return nil, err
	}

	validator := execution.NewValidator(limitsFrom(cfg, e.speed))
	e.exec = execution.New(execution.Config{
		Portfolio: pf,
		Exchange:  e.ex,
		Tickers:   e.tickers,
		Validator: validator,
		Recorder:  recorder,
		Notifier:  e.notifier,
		Health:    e.monitor,
		BuyType:   exchange.OrderType(cfg.Trading.BuyType),
		SellType:  exchange.OrderType(cfg.Trading.SellType),
	})
	for _, pos := range restored {
		if err := e.exec.RestorePosition(pos); err != nil {
			return nil, err
		}
	}

	e.stats = NewStats(e.exec, e.tickers)
	if cfg.Notification.Enabled {
		e.buildChannels(cfg)
	}

	e.buildSignals(cfg)
	e.sigProc = processor.NewSignalProcessor(signalCfgFrom(cfg, e.speed))
	e.trdProc = processor.NewTradingProcessor(tradingCfgFrom(cfg, e.speed))

	if e.replay {
		tr, err := backtest.NewTickerReplay(cfg.Backtest.SnapshotDir, e.market, e.tickers)
		if err != nil {
			return nil, err
		}
		sr, err := backtest.NewSignalReplay(cfg.Backtest.SnapshotDir, e.agg)
		if err != nil {
			return nil, err
		}
		e.tickerReplay, e.signalReplay = tr, sr
	}
	if e.record {
		e.writer = backtest.NewWriter(cfg.Backtest.SnapshotDir)
	}

	e.applySizing(cfg)
	e.orch = orchestrator.New(e.speed, e.monitor)
	e.registerPipelines(cfg)

	mgr.Subscribe(e.applyConfig)
	return e, nil
}

// buildPortfolio creates a fresh portfolio or restores one from the
// account file. Replay always starts fresh.
func (e *Engine) buildPortfolio(cfg *config.Config) (*portfolio.Portfolio, []*position.Position, error) {
	minCost := decimal.NewFromFloat(cfg.Trading.MinPositionCost)

	if e.accounts == nil || !e.accounts.Exists() {
		pf, err := portfolio.New(cfg.Core.InstanceName, e.market,
			decimal.NewFromFloat(cfg.Trading.InitialBalance),
			cfg.Trading.MaxPositions, minCost)
		return pf, nil, err
	}

	restored, err := e.accounts.Load()
	if err != nil {
		return nil, nil, err
	}

	active := make(map[string]domain.PositionID, len(restored.Positions))
	costs := make(map[domain.PositionID]decimal.Decimal, len(restored.Positions))
	reserved := decimal.Zero
	for _, pos := range restored.Positions {
		active[pos.Pair().Symbol()] = pos.ID()
		c := restored.Costs[pos.ID()]
		costs[pos.ID()] = c
		reserved = reserved.Add(c)
	}

	balance := portfolio.Balance{
		Total:     domain.MustMoney(restored.Available.Add(reserved), e.market),
		Available: domain.MustMoney(restored.Available, e.market),
		Reserved:  domain.MustMoney(reserved, e.market),
	}
	pf, err := portfolio.Restore(domain.NewPortfolioID(), cfg.Core.InstanceName,
		e.market, balance, cfg.Trading.MaxPositions, minCost, active, costs)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Int("positions", len(restored.Positions)).
		Str("available", restored.Available.String()).
		Msg("Account restored from disk")
	return pf, restored.Positions, nil
}

func (e *Engine) buildChannels(cfg *config.Config) {
	for _, ch := range cfg.Notification.Channels {
		if ch.Type != "telegram" {
			log.Warn().Str("type", ch.Type).Msg("Unknown notification channel type, skipping")
			continue
		}
		tg, err := notify.NewTelegramChannel(ch.Token, ch.ID, e.stats)
		if err != nil {
			log.Error().Err(err).Msg("Telegram channel unavailable, continuing without it")
			continue
		}
		tg.SetControlCallbacks(e.Pause, e.Resume)
		e.notifier.AddChannel(tg)
		e.telegram = tg
	}
}

func (e *Engine) buildSignals(cfg *config.Config) {
	var providers []signals.Provider
	for _, p := range cfg.Signals {
		if e.replay {
			break // replay feeds the aggregator from snapshots
		}
		switch p.Type {
		case "stream":
			// streams are started in Run, once the aggregator exists
		case "poll", "":
			providers = append(providers,
				signals.NewRESTProvider(p.Name, p.URL, e.market, decimal.NewFromFloat(p.Weight)))
		default:
			log.Warn().Str("provider", p.Name).Str("type", p.Type).Msg("Unknown provider type, skipping")
		}
	}
	e.agg = signals.NewAggregator(providers...)
	for _, p := range cfg.Signals {
		if !e.replay && p.Type == "stream" {
			e.streams = append(e.streams, signals.NewStreamFeed(p.URL, e.market, e.agg))
		}
	}
}

// applySizing caches the per-tick trade sizing values from config.
func (e *Engine) applySizing(cfg *config.Config) {
	excluded := make(map[string]bool, len(cfg.Trading.ExcludedPairs))
	for _, sym := range cfg.Trading.ExcludedPairs {
		excluded[sym] = true
	}
	e.mu.Lock()
	e.buyMaxCost = decimal.NewFromFloat(cfg.Trading.BuyMaxCost)
	e.dcaLevels = cfg.Trading.DCALevels
	e.excluded = excluded
	e.mu.Unlock()
}

// applyConfig is the hot-reload subscriber. Replay speed and trading mode
// are boot-time decisions and stay fixed.
func (e *Engine) applyConfig(cfg *config.Config) {
	e.exec.SetLimits(limitsFrom(cfg, e.speed))
	e.sigProc.SetConfig(signalCfgFrom(cfg, e.speed))
	e.trdProc.SetConfig(tradingCfgFrom(cfg, e.speed))
	e.applySizing(cfg)
	log.Info().Msg("Engine picked up reloaded config")
}

func limitsFrom(cfg *config.Config, speed float64) execution.Limits {
	toSet := func(syms []string) map[string]bool {
		if len(syms) == 0 {
			return nil
		}
		out := make(map[string]bool, len(syms))
		for _, s := range syms {
			out[s] = true
		}
		return out
	}
	l := execution.Limits{
		Market:       cfg.Trading.Market,
		AllowedPairs: toSet(cfg.Trading.AllowedPairs),
		BlockedPairs: toSet(cfg.Trading.BlockedPairs),
		DCA: execution.DCALimits{
			Enabled:         cfg.Rules.DCA.Enabled,
			MaxLevels:       cfg.Rules.DCA.MaxLevels,
			MinPriceDropPct: decimal.NewFromFloat(cfg.Rules.DCA.MinPriceDropPct),
			MinTimeBetween:  cfg.Rules.DCA.MinTimeBetween,
			MaxTotalCost:    decimal.NewFromFloat(cfg.Rules.DCA.MaxTotalCost),
		},
		MinHoldingPeriod: cfg.Rules.MinHoldingPeriod,
		SpeedMultiplier:  speed,
	}
	if cfg.Rules.MinProfitMargin != nil {
		m := decimal.NewFromFloat(*cfg.Rules.MinProfitMargin)
		l.MinProfitMargin = &m
	}
	return l
}

func signalCfgFrom(cfg *config.Config, speed float64) processor.SignalConfig {
	return processor.SignalConfig{
		Rules:           config.BuildRules(cfg.Rules.SignalRules),
		Mode:            cfg.Rules.Mode(),
		SpeedMultiplier: speed,
		SwapTimeout:     cfg.Trading.SwapTimeout,
	}
}

func tradingCfgFrom(cfg *config.Config, speed float64) processor.TradingConfig {
	tc := processor.TradingConfig{
		Rules: config.BuildRules(cfg.Rules.TradingRules),
		Mode:  cfg.Rules.Mode(),
		StopLoss: processor.StopLossConfig{
			Enabled: cfg.Rules.StopLoss.Enabled,
			Margin:  decimal.NewFromFloat(cfg.Rules.StopLoss.Margin),
			MinAge:  cfg.Rules.StopLoss.MinAge,
		},
		DCA: processor.DCAGate{
			Enabled:   cfg.Rules.DCA.Enabled,
			MaxLevels: cfg.Rules.DCA.MaxLevels,
		},
		SpeedMultiplier: speed,
	}
	if cfg.Rules.TakeProfitMargin != nil {
		m := decimal.NewFromFloat(*cfg.Rules.TakeProfitMargin)
		tc.TakeProfitMargin = &m
	}
	return tc
}

// Run starts the engine and blocks until ctx is canceled or a replay
// finishes. Shutdown drains the pipelines and persists the account.
func (e *Engine) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.stopRun = cancel

	if !e.replay {
		if err := e.ex.TestConnectivity(runCtx); err != nil {
			return err
		}
	}
	if err := e.primeUniverse(runCtx); err != nil {
		return err
	}

	e.notifier.Start()
	if e.telegram != nil {
		e.telegram.Start()
	}
	for _, s := range e.streams {
		s.Start()
	}
	go e.consumeEvents(runCtx)

	e.notifier.Notify("info", "Engine started ("+e.mode()+")")
	e.orch.Start(runCtx)
	<-runCtx.Done()

	clean := e.orch.Stop()
	if !clean {
		log.Error().Msg("Shutdown drain incomplete")
	}
	e.saveAccount()

	for _, s := range e.streams {
		s.Stop()
	}
	if e.telegram != nil {
		e.telegram.Stop()
	}
	e.notifier.Stop()
	if e.historyDB != nil {
		if err := e.historyDB.Close(); err != nil {
			log.Warn().Err(err).Msg("History database close failed")
		}
	}
	log.Info().Msg("Engine stopped")
	return nil
}

func (e *Engine) mode() string {
	switch {
	case e.replay:
		return "backtest replay"
	case e.virtual != nil:
		return "virtual trading"
	default:
		return "live trading"
	}
}

// primeUniverse seeds the tradable pair set. Replay derives it from the
// first frames instead.
func (e *Engine) primeUniverse(ctx context.Context) error {
	if e.replay {
		return nil
	}
	if e.virtual != nil {
		cfg := e.mgr.Current()
		pairs := make([]domain.TradingPair, 0, len(cfg.Trading.AllowedPairs))
		for _, sym := range cfg.Trading.AllowedPairs {
			pair, err := domain.PairFromSymbol(sym, e.market)
			if err != nil {
				return domain.NewConfigError("trading.allowed_pairs", "bad pair %q: %v", sym, err)
			}
			pairs = append(pairs, pair)
		}
		e.virtual.SetUniverse(pairs)
		e.setUniverse(pairs)
		return nil
	}
	return e.refreshUniverse(ctx)
}

// refreshUniverse re-reads the exchange's tradable pairs for the market,
// dropping config-excluded symbols.
func (e *Engine) refreshUniverse(ctx context.Context) error {
	pairs, err := e.ex.Symbols(ctx, e.market)
	if err != nil {
		return err
	}
	e.mu.Lock()
	excluded := e.excluded
	e.mu.Unlock()

	kept := pairs[:0]
	for _, p := range pairs {
		if !excluded[p.Symbol()] {
			kept = append(kept, p)
		}
	}
	e.setUniverse(kept)
	return nil
}

func (e *Engine) setUniverse(pairs []domain.TradingPair) {
	set := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		set[p.Symbol()] = true
	}
	e.exec.SetUniverse(set)

	e.mu.Lock()
	e.universe = append([]domain.TradingPair(nil), pairs...)
	e.mu.Unlock()
}

// Universe returns the current tradable pair list.
func (e *Engine) Universe() []domain.TradingPair {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.TradingPair(nil), e.universe...)
}

// Pause stops new trade intents; open positions and pending
// reconciliation keep running.
func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		log.Info().Msg("Trading paused")
	}
}

// Resume re-enables trade intents.
func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		log.Info().Msg("Trading resumed")
	}
}

// tradingHalted reports whether new intents must be suppressed.
func (e *Engine) tradingHalted() bool {
	return e.paused.Load() || e.suspended.Load()
}

// suspend permanently halts trading for this run. Raised on invariant
// violations and at replay exhaustion.
func (e *Engine) suspend(reason string) {
	if !e.suspended.Swap(true) {
		log.Error().Str("reason", reason).Msg("Trading suspended")
		e.notifier.Notify("error", "Trading suspended: "+reason)
	}
}

// consumeEvents is the single consumer of the executor's event queue. It
// snapshots the account after every state-changing event.
func (e *Engine) consumeEvents(ctx context.Context) {
	events := e.exec.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			log.Debug().Str("event", ev.EventName()).Time("at", ev.OccurredAt()).Msg("Domain event")
			switch ev.(type) {
			case domain.PositionOpened, domain.DCAExecuted, domain.PositionClosed, domain.BalanceSynced:
				e.saveAccount()
			}
		}
	}
}

// saveAccount persists the portfolio and open positions. Failures degrade
// health; the engine keeps trading on its in-memory state.
func (e *Engine) saveAccount() {
	if e.accounts == nil {
		return
	}
	e.exec.WithState(func(pf *portfolio.Portfolio, positions []*position.Position) {
		if err := e.accounts.Save(pf, positions, e.tickers.All()); err != nil {
			log.Error().Err(err).Msg("Account snapshot failed")
			e.monitor.MarkDegraded("persistence degraded")
			return
		}
		e.monitor.ClearDegraded("persistence degraded")
	})
}

// markExhausted records the end of one replay stream; when every stream
// has ended the run finishes with a summary.
func (e *Engine) markExhausted(stream string) {
	e.mu.Lock()
	switch stream {
	case "tickers":
		e.tickersDone = true
	case "signals":
		e.signalsDone = true
	}
	done := e.tickersDone && (e.signalsDone || e.signalReplay == nil)
	e.mu.Unlock()

	if done {
		e.finishReplay()
	}
}

func (e *Engine) finishReplay() {
	e.finish.Do(func() {
		e.suspend("replay exhausted")
		summary := backtest.Summary(time.Now(), e.orch.AllStats(), e.stats.PnL())
		trades, wins, losses, pnl := e.stats.GetStats()
		log.Info().
			Int("trades", trades).Int("wins", wins).Int("losses", losses).
			Str("pnl", pnl.String()).
			Interface("runs", summary.Runs).
			Msg("Backtest complete")
		e.notifier.Notify("info", "Backtest complete: PnL "+summary.FinalPnL.String())
		if e.stopRun != nil {
			e.stopRun()
		}
	})
}

// signalsFor adapts the aggregator for the processors.
func (e *Engine) signalsFor(pair domain.TradingPair) map[string]rules.SignalSnapshot {
	return e.agg.SnapshotsFor(pair)
}
