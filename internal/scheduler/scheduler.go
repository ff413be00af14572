// Package scheduler runs the schedule-rule poll job (C8): periodically
// finds due recurring rebalance schedules and starts a RebalanceRun for each.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/workers"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/atlasflow/trading-coordinator/pkg/utils"
	"go.uber.org/zap"
)

// RebalanceStarter begins a RebalanceRun already persisted in the store.
// Satisfied by *rebalance.Coordinator.
type RebalanceStarter interface {
	Start(ctx context.Context, rebalanceID string) error
}

// Config tunes the poll spec and the due-schedule window/grace.
type Config struct {
	CronSpec string
	Window   time.Duration
	Grace    time.Duration
}

// DefaultConfig polls every minute, looking 35 minutes ahead with a 5 minute
// grace period behind, matching §4.8's listDueSchedules(window=35, grace=5).
func DefaultConfig() Config {
	return Config{
		CronSpec: "0 * * * * *",
		Window:   35 * time.Minute,
		Grace:    5 * time.Minute,
	}
}

// Runner drives the periodic due-schedule sweep.
type Runner struct {
	logger    *zap.Logger
	store     *store.Store
	rebalance RebalanceStarter
	cfg       Config
	cron      *cron.Cron
	pool      *workers.Pool
}

// New builds a Runner and starts its fan-out pool, used to dispatch
// multiple due schedules from the same tick concurrently.
func New(logger *zap.Logger, st *store.Store, rebalance RebalanceStarter, cfg Config) *Runner {
	if cfg.CronSpec == "" {
		cfg = DefaultConfig()
	}
	pool := workers.NewPool(logger, workers.DefaultPoolConfig("scheduler"))
	pool.Start()
	return &Runner{
		logger:    logger.Named("scheduler"),
		store:     st,
		rebalance: rebalance,
		cfg:       cfg,
		cron:      cron.New(cron.WithSeconds()),
		pool:      pool,
	}
}

// Start registers the poll job and starts the cron loop.
func (r *Runner) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.CronSpec, func() {
		r.PollOnce(context.Background())
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

// Stop halts the cron loop, waiting for any in-flight run to finish, then
// stops the fan-out pool.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	_ = r.pool.Stop()
}

// PollOnce runs one pass of §4.8's algorithm.
func (r *Runner) PollOnce(ctx context.Context) {
	due, err := r.store.ListDueSchedules(r.cfg.Window, r.cfg.Grace)
	if err != nil {
		r.logger.Warn("list due schedules failed", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	r.logger.Info("schedule poll found due rules", zap.Int("count", len(due)))

	var wg sync.WaitGroup
	for _, rule := range due {
		rule := rule
		wg.Add(1)
		if err := r.pool.SubmitFunc(func() error {
			defer wg.Done()
			r.fire(ctx, rule)
			return nil
		}); err != nil {
			wg.Done()
			r.logger.Warn("dispatch due schedule failed", zap.String("scheduleId", rule.ID), zap.Error(err))
			r.fire(ctx, rule)
		}
	}
	wg.Wait()
}

func (r *Runner) fire(ctx context.Context, rule *types.ScheduleRule) {
	tickers := rule.SelectedTickers
	if rule.IncludeWatchlist {
		// Watchlist membership is resolved by the portfolio surface the
		// schedule runner does not own; SelectedTickers is the complete set
		// this coordinator is given.
	}

	run := &types.RebalanceRun{
		ID:             utils.GenerateRebalanceID(),
		UserID:         rule.UserID,
		Status:         types.RebalancePending,
		SelectedStocks: tickers,
		TotalStocks:    len(tickers),
		Constraints:    rule.Constraints,
	}

	if err := r.store.CreateRebalance(run); err != nil {
		r.logger.Warn("create scheduled rebalance failed", zap.String("scheduleId", rule.ID), zap.Error(err))
		_ = r.store.MarkScheduleExecuted(rule.ID, false, "", err.Error())
		return
	}

	if err := r.rebalance.Start(ctx, run.ID); err != nil {
		r.logger.Warn("start scheduled rebalance failed", zap.String("scheduleId", rule.ID), zap.String("rebalanceId", run.ID), zap.Error(err))
		_ = r.store.MarkScheduleExecuted(rule.ID, false, run.ID, err.Error())
		return
	}

	_ = r.store.MarkScheduleExecuted(rule.ID, true, run.ID, "")
}
