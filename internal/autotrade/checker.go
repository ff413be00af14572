// Package autotrade runs the post-completion auto-trade check (C10): when a
// user has opted in, pending TradeOrders for a finished workflow are
// auto-approved and dispatched through the broker executor.
package autotrade

import (
	"context"
	"fmt"
	"sync"

	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/workers"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"go.uber.org/zap"
)

// QuotaResolver reports whether a user has opted into auto-execution.
type QuotaResolver interface {
	GetUserQuotas(userID string) types.UserQuotas
}

// Approver dispatches one TradeOrder approval; satisfied by *broker.Executor.
type Approver interface {
	Execute(ctx context.Context, tradeOrderID string, action types.TradeOrderStatus, userID string, isServerCall bool) broker.ExecuteResult
}

// Config bounds the checker's fan-out concurrency.
type Config struct {
	MaxParallel int
}

// DefaultConfig caps auto-trade fan-out at 5 concurrent approvals.
func DefaultConfig() Config { return Config{MaxParallel: 5} }

// Checker implements rebalance.AutoTrader and the analogous per-analysis hook.
type Checker struct {
	logger   *zap.Logger
	store    *store.Store
	quotas   QuotaResolver
	approver Approver
	cfg      Config
	pool     *workers.Pool
}

// New builds a Checker and starts its dispatch pool.
func New(logger *zap.Logger, st *store.Store, quotas QuotaResolver, approver Approver, cfg Config) *Checker {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	poolCfg := workers.DefaultPoolConfig("autotrade")
	poolCfg.NumWorkers = maxParallel
	pool := workers.NewPool(logger, poolCfg)
	pool.Start()
	return &Checker{logger: logger.Named("autotrade"), store: st, quotas: quotas, approver: approver, cfg: cfg, pool: pool}
}

// Close stops the dispatch pool. Safe to call during process shutdown.
func (c *Checker) Close() error {
	return c.pool.Stop()
}

// RunForRebalance approves all pending TradeOrders sourced from rebalanceID,
// if the user has auto-trading enabled. Satisfies rebalance.AutoTrader.
func (c *Checker) RunForRebalance(ctx context.Context, rebalanceID, userID string) (int, []string) {
	return c.run(ctx, types.SourceRebalance, rebalanceID, userID)
}

// RunForAnalysis approves the pending TradeOrder (if any) created by an
// individual analysis decision, if the user has auto-trading enabled.
func (c *Checker) RunForAnalysis(ctx context.Context, analysisID, userID string) (int, []string) {
	return c.run(ctx, types.SourceAnalysis, analysisID, userID)
}

func (c *Checker) run(ctx context.Context, source types.SourceType, ownerID, userID string) (int, []string) {
	quotas := c.quotas.GetUserQuotas(userID)
	if !quotas.EnableAutoTrading {
		return 0, nil
	}

	pending, err := c.store.ListPendingTradeOrdersBySource(source, ownerID)
	if err != nil {
		return 0, []string{err.Error()}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	var (
		mu       sync.Mutex
		executed int
		errs     []string
		wg       sync.WaitGroup
	)

	for _, order := range pending {
		order := order
		wg.Add(1)
		if err := c.pool.SubmitFunc(func() error {
			defer wg.Done()
			result := c.approver.Execute(ctx, order.ID, types.TradeOrderApproved, userID, true)

			mu.Lock()
			defer mu.Unlock()
			if result.Success {
				executed++
			} else {
				errs = append(errs, fmt.Sprintf("%s: %s", order.Ticker, result.Error))
			}
			return nil
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Sprintf("%s: %s", order.Ticker, err.Error()))
			mu.Unlock()
		}
	}
	wg.Wait()

	c.logger.Info("auto-trade pass complete",
		zap.String("source", string(source)), zap.String("ownerId", ownerID),
		zap.Int("executed", executed), zap.Int("errors", len(errs)))

	return executed, errs
}
