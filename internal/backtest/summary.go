package backtest

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/signalgrid/tradebot/internal/domain"
	"github.com/signalgrid/tradebot/internal/orchestrator"
)

// Summary folds the pipeline statistics of a finished replay into the
// BacktestingCompleted event.
func Summary(at time.Time, stats []orchestrator.Stats, finalPnL decimal.Decimal) domain.BacktestingCompleted {
	runs := make(map[string]int64, len(stats))
	lag := make(map[string]time.Duration, len(stats))
	for _, s := range stats {
		runs[s.Name] = int64(s.Runs)
		lag[s.Name] = s.AverageWait
	}
	return domain.BacktestingCompleted{
		At:         at,
		Runs:       runs,
		AverageLag: lag,
		FinalPnL:   finalPnL,
	}
}
