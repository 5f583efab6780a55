package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/backtest"
	"github.com/signalgrid/tradebot/internal/config"
	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/orchestrator"
	"github.com/signalgrid/tradebot/internal/processor"
	"github.com/signalgrid/tradebot/internal/trailing"
)

// faultStreakLimit is how many consecutive failed ticks a pipeline gets
// before the failure is raised as a health degradation.
const faultStreakLimit = 5

func (e *Engine) registerPipelines(cfg *config.Config) {
	e.orch.OnFault(e.onPipelineFault)
	e.orch.Add("tickers", orchestrator.TickersInterval, e.tickTickers)
	e.orch.Add("signals", orchestrator.SignalsInterval, e.tickSignals)
	e.orch.Add("signalRules", orchestrator.SignalRulesInterval, e.tickSignalRules)
	e.orch.Add("tradingRules", orchestrator.TradingRulesInterval, e.tickTradingRules)
	e.orch.Add("orderExecution", orchestrator.OrderExecInterval, e.tickOrderExec)
	e.orch.Add("health", cfg.Core.HealthCheckInterval, e.tickHealth)
}

// tickTickers refreshes the shared price cache: live it polls the
// exchange, in replay it applies the next recorded frame.
func (e *Engine) tickTickers(ctx context.Context) error {
	if e.replay {
		if err := e.tickerReplay.Step(); err != nil {
			if errors.Is(err, backtest.ErrExhausted) {
				e.markExhausted("tickers")
				return nil
			}
			return err
		}
		e.syncReplayView()
		return nil
	}

	pairs := e.Universe()
	if len(pairs) == 0 {
		return nil
	}
	prices, err := e.ex.GetPrices(ctx, pairs)
	if err != nil {
		return err
	}
	e.tickers.SetAll(prices)
	if e.writer != nil {
		_ = e.writer.RecordTickers(prices, time.Now())
	}
	return nil
}

// syncReplayView rebuilds the universe and replay clock from the pairs
// seen so far in the recorded ticker stream.
func (e *Engine) syncReplayView() {
	var pairs []domain.TradingPair
	clock := time.Time{}
	for sym := range e.tickers.All() {
		pair, err := domain.PairFromSymbol(sym, e.market)
		if err != nil {
			continue
		}
		pairs = append(pairs, pair)
		if at, ok := e.tickers.ObservedAt(pair); ok && at.After(clock) {
			clock = at
		}
	}
	if e.virtual != nil {
		e.virtual.SetUniverse(pairs)
	}
	e.setUniverse(pairs)

	e.mu.Lock()
	e.replayClock = clock
	e.mu.Unlock()
}

// tickSignals refreshes the aggregated signal view and reconciles the
// balance. In replay it publishes recorded snapshots up to the replay clock.
func (e *Engine) tickSignals(ctx context.Context) error {
	if e.replay {
		e.mu.Lock()
		cutoff := e.replayClock
		e.mu.Unlock()
		if cutoff.IsZero() {
			return nil // no ticker frame applied yet
		}
		if err := e.signalReplay.StepUntil(cutoff); err != nil {
			if errors.Is(err, backtest.ErrExhausted) {
				e.markExhausted("signals")
				return nil
			}
			return err
		}
		return nil
	}

	if e.virtual == nil {
		if err := e.refreshUniverse(ctx); err != nil {
			log.Warn().Err(err).Msg("Universe refresh failed, keeping previous set")
		}
	}
	pairs := e.Universe()
	e.agg.Refresh(ctx, pairs)

	if err := e.exec.SyncBalance(ctx); err != nil {
		log.Warn().Err(err).Msg("Balance sync failed")
	}

	if e.writer != nil {
		e.recordSignals(pairs)
	}
	return nil
}

// recordSignals writes every snapshot that arrived since the previous
// recording pass.
func (e *Engine) recordSignals(pairs []domain.TradingPair) {
	e.mu.Lock()
	since := e.lastSignalRecord
	e.lastSignalRecord = time.Now()
	e.mu.Unlock()

	for _, pair := range pairs {
		for _, snap := range e.agg.SnapshotsFor(pair) {
			if snap.ObservedAt.After(since) {
				_ = e.writer.RecordSignal(snap, snap.ObservedAt)
			}
		}
	}
}

// tickSignalRules evaluates the signal rules over the universe and acts on
// the produced buy candidates.
func (e *Engine) tickSignalRules(ctx context.Context) error {
	if e.tradingHalted() {
		return nil
	}
	now := time.Now()
	candidates := e.sigProc.Process(
		e.Universe(),
		e.signalsFor,
		e.agg.GlobalRating(),
		e.tickers.All(),
		e.exec.PositionSnapshots(now),
		now,
	)
	for _, c := range candidates {
		e.handleCandidate(ctx, c, now)
	}
	return nil
}

// tickTradingRules evaluates stop-loss, take-profit and the trading rules
// for every open position.
func (e *Engine) tickTradingRules(ctx context.Context) error {
	if e.tradingHalted() {
		return nil
	}
	now := time.Now()
	decisions := e.trdProc.Process(
		e.exec.PositionSnapshots(now),
		e.signalsFor,
		e.agg.GlobalRating(),
	)
	for _, d := range decisions {
		e.handleDecision(ctx, d, now)
	}
	return nil
}

// tickOrderExec advances the trailing state machines and resolves
// ambiguous placements.
func (e *Engine) tickOrderExec(ctx context.Context) error {
	if !e.tradingHalted() {
		e.updateSellTrailings(ctx)
		e.updateBuyTrailings(ctx)
	}
	e.exec.ResolvePending(ctx)
	return nil
}

// onPipelineFault surfaces tick failures beyond the log: the first fault
// of a streak goes out as an error notification, a persistent streak
// raises a health degradation, and recovery clears it.
func (e *Engine) onPipelineFault(name string, cause any, streak uint64) {
	marker := "pipeline " + name + " failing"
	if streak == 0 {
		e.monitor.ClearDegraded(marker)
		return
	}
	if streak == 1 {
		e.notifier.Notify("error", fmt.Sprintf("Pipeline %s failed: %v", name, cause))
	}
	if streak == faultStreakLimit {
		e.monitor.MarkDegraded(marker)
	}
}

// tickHealth runs the liveness check and suspends trading on a critical
// invariant marker.
func (e *Engine) tickHealth(context.Context) error {
	report := e.monitor.LogCheck()
	for _, reason := range report.Degradations {
		if reason == "critical invariant violation" {
			e.suspend(reason)
		}
	}
	return nil
}

// buyCost returns the configured cost for an opening buy.
func (e *Engine) buyCost() domain.Money {
	e.mu.Lock()
	defer e.mu.Unlock()
	return domain.MustMoney(e.buyMaxCost, e.market)
}

// dcaCost sizes the next averaging-down buy: base cost times the
// configured multiplier for the level being entered.
func (e *Engine) dcaCost(currentLevel int) domain.Money {
	e.mu.Lock()
	defer e.mu.Unlock()
	mult := decimal.NewFromInt(1)
	if currentLevel >= 0 && currentLevel < len(e.dcaLevels) {
		mult = decimal.NewFromFloat(e.dcaLevels[currentLevel].Multiplier)
	}
	return domain.MustMoney(e.buyMaxCost.Mul(mult), e.market)
}

func (e *Engine) handleCandidate(ctx context.Context, c processor.BuyCandidate, now time.Time) {
	if c.SwapVictim != nil {
		victim, ok := e.exec.PositionByPair(*c.SwapVictim)
		if !ok {
			return
		}
		e.trail.Cancel(*c.SwapVictim)
		pnl, err := e.exec.ExecuteClose(ctx, victim.ID(), "swapped for "+c.Pair.Symbol(), true)
		if err != nil {
			logIntentError(err, "swap close", c.Pair.Symbol())
			return
		}
		e.stats.RecordClose(pnl.Amount())
	}

	cost := e.buyCost()
	if c.Rule.Trailing != nil {
		if _, active := e.trail.BuyStateFor(c.Pair); !active {
			e.trail.InitiateBuyTrailing(c.Pair, *c.Rule.Trailing, cost, c.Price, c.Rule.Name, "", now)
		}
		return
	}
	if _, err := e.exec.ExecuteOpen(ctx, c.Pair, cost, c.Rule.Name, "signal rule "+c.Rule.Name); err != nil {
		logIntentError(err, "open", c.Pair.Symbol())
	}
}

func (e *Engine) handleDecision(ctx context.Context, d processor.Decision, now time.Time) {
	pos, ok := e.exec.PositionByPair(d.Pair)
	if !ok {
		return
	}

	switch d.Kind {
	case processor.DecideStopLoss, processor.DecideTakeProfit:
		e.trail.Cancel(d.Pair)
		pnl, err := e.exec.ExecuteClose(ctx, pos.ID(), string(d.Kind)+": "+d.Reason, true)
		if err != nil {
			logIntentError(err, string(d.Kind), d.Pair.Symbol())
			return
		}
		e.stats.RecordClose(pnl.Amount())

	case processor.DecideSell:
		if d.Rule != nil && d.Rule.Trailing != nil {
			if _, active := e.trail.SellStateFor(d.Pair); !active {
				price, ok := e.tickers.Get(d.Pair)
				if !ok {
					return
				}
				e.trail.InitiateSellTrailing(pos.ID(), d.Pair, *d.Rule.Trailing, d.Margin, price, d.Margin, now)
			}
			return
		}
		pnl, err := e.exec.ExecuteClose(ctx, pos.ID(), "trading rule "+d.Reason, false)
		if err != nil {
			logIntentError(err, "close", d.Pair.Symbol())
			return
		}
		e.stats.RecordClose(pnl.Amount())

	case processor.DecideDCA:
		cost := e.dcaCost(pos.DCALevel())
		if d.Rule != nil && d.Rule.Trailing != nil {
			if _, active := e.trail.BuyStateFor(d.Pair); !active {
				price, ok := e.tickers.Get(d.Pair)
				if !ok {
					return
				}
				e.trail.InitiateBuyTrailing(d.Pair, *d.Rule.Trailing, cost, price, pos.SignalRule(), pos.ID(), now)
			}
			return
		}
		if err := e.exec.ExecuteDCA(ctx, pos.ID(), cost, "trading rule "+d.Reason); err != nil {
			logIntentError(err, "dca", d.Pair.Symbol())
		}

	case processor.DecideAlert:
		e.notifier.Notify("info", "Alert on "+d.Pair.Symbol()+": "+d.Reason+" (margin "+d.Margin.String()+")")
	}
}

// updateSellTrailings feeds every active sell trailing the latest margin.
func (e *Engine) updateSellTrailings(ctx context.Context) {
	for _, sym := range e.trail.SellPairs() {
		pair, err := domain.PairFromSymbol(sym, e.market)
		if err != nil {
			continue
		}
		pos, ok := e.exec.PositionByPair(pair)
		if !ok {
			e.trail.Cancel(pair)
			continue
		}
		price, ok := e.tickers.Get(pair)
		if !ok {
			continue
		}

		upd, ok := e.trail.UpdateSell(pair, pos.MarginAtPrice(price), !e.ex.IsPairEnabled(pair))
		if !ok {
			continue
		}
		switch upd.Outcome {
		case trailing.Triggered:
			pnl, err := e.exec.ExecuteClose(ctx, upd.PositionID, "sell trailing: "+upd.Reason, true)
			if err != nil {
				logIntentError(err, "trailing close", sym)
				continue
			}
			e.stats.RecordClose(pnl.Amount())
		case trailing.Canceled, trailing.Disabled:
			log.Info().Str("pair", sym).Str("reason", upd.Reason).Msg("Sell trailing dropped")
		}
	}
}

// updateBuyTrailings feeds every active buy trailing the latest price. The
// state copy is taken before the update so a trigger still has the cost
// and rule attribution at hand.
func (e *Engine) updateBuyTrailings(ctx context.Context) {
	for _, sym := range e.trail.BuyPairs() {
		pair, err := domain.PairFromSymbol(sym, e.market)
		if err != nil {
			continue
		}
		price, ok := e.tickers.Get(pair)
		if !ok {
			continue
		}
		st, ok := e.trail.BuyStateFor(pair)
		if !ok {
			continue
		}

		upd, ok := e.trail.UpdateBuy(pair, price, !e.ex.IsPairEnabled(pair))
		if !ok {
			continue
		}
		switch upd.Outcome {
		case trailing.Triggered:
			if st.PositionID == "" {
				if _, err := e.exec.ExecuteOpen(ctx, pair, st.Cost, st.SignalRule, "buy trailing: "+upd.Reason); err != nil {
					logIntentError(err, "trailing open", sym)
				}
			} else {
				if err := e.exec.ExecuteDCA(ctx, st.PositionID, st.Cost, "dca trailing: "+upd.Reason); err != nil {
					logIntentError(err, "trailing dca", sym)
				}
			}
		case trailing.Canceled, trailing.Disabled:
			log.Info().Str("pair", sym).Str("reason", upd.Reason).Msg("Buy trailing dropped")
		}
	}
}

// logIntentError keeps rejected intents quiet: failed validations are the
// normal outcome of most ticks, everything else deserves a warning.
func logIntentError(err error, action, pair string) {
	if domain.IsValidation(err) {
		log.Debug().Err(err).Str("pair", pair).Str("action", action).Msg("Intent not executed")
		return
	}
	log.Warn().Err(err).Str("pair", pair).Str("action", action).Msg("Intent failed")
}
