// Package rebalance drives the Portfolio Rebalance Workflow: threshold
// check, opportunity selection, fan-out of per-ticker Analysis Workflows
// under a parallelism cap, aggregation, the final rebalance portfolio
// manager, and auto-trade dispatch.
package rebalance

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/agentinvoker"
	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"github.com/atlasflow/trading-coordinator/internal/metrics"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/atlasflow/trading-coordinator/pkg/utils"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// QuotaResolver resolves effective per-user limits.
type QuotaResolver interface {
	GetUserQuotas(userID string) types.UserQuotas
}

// Broker supplies the always-refetched portfolio snapshot used by the
// threshold check. Satisfied by the broker client (C9).
type Broker interface {
	GetPortfolioSnapshot(ctx context.Context, userID string) (types.PortfolioSnapshot, error)
}

// AnalysisStarter is the subset of the analysis coordinator the rebalance
// coordinator drives each child through.
type AnalysisStarter interface {
	Start(ctx context.Context, analysisID string) error
	Retry(ctx context.Context, analysisID, userID string) error
	Cancel(analysisID, userID string) error
}

// AutoTrader runs the auto-trade checker (C10) against a completed rebalance.
type AutoTrader interface {
	RunForRebalance(ctx context.Context, rebalanceID, userID string) (executed int, errs []string)
}

// Config tunes invocation endpoints.
type Config struct {
	OpportunityAgentEndpoint string
	PortfolioManagerEndpoint string
}

// DefaultConfig returns the coordinator's default invocation endpoints.
func DefaultConfig() Config {
	return Config{
		OpportunityAgentEndpoint: "/v1/opportunity-agent/invoke",
		PortfolioManagerEndpoint: "/v1/rebalance-portfolio-manager/invoke",
	}
}

// Coordinator drives Rebalance Workflows.
type Coordinator struct {
	logger    *zap.Logger
	store     *store.Store
	invoker   *agentinvoker.Invoker
	quotas    QuotaResolver
	broker    Broker
	analysis  AnalysisStarter
	autoTrade AutoTrader
	cfg       Config
}

// New builds a Coordinator.
func New(logger *zap.Logger, st *store.Store, invoker *agentinvoker.Invoker, quotas QuotaResolver, broker Broker, analysis AnalysisStarter, autoTrade AutoTrader, cfg Config) *Coordinator {
	if cfg.OpportunityAgentEndpoint == "" {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		logger:    logger.Named("rebalance"),
		store:     st,
		invoker:   invoker,
		quotas:    quotas,
		broker:    broker,
		analysis:  analysis,
		autoTrade: autoTrade,
		cfg:       cfg,
	}
}

// Start runs §4.6.1: refetch the portfolio snapshot, run the threshold
// check, and branch into either immediate fan-out, opportunity-agent
// selection, or an early "no action needed" completion.
func (c *Coordinator) Start(ctx context.Context, rebalanceID string) error {
	run, err := c.store.GetRebalance(rebalanceID, "")
	if err != nil {
		return err
	}

	snapshot, err := c.broker.GetPortfolioSnapshot(ctx, run.UserID)
	if err != nil {
		return coordutil.Transient("fetch portfolio snapshot", err)
	}

	if err := c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		r.PortfolioSnapshot = snapshot
	}); err != nil {
		return err
	}

	if run.Constraints.SkipThresholdCheck {
		c.recordStep(rebalanceID, types.RebalanceStepThresholdCheck, types.StepSkipped, "")
		c.recordStep(rebalanceID, types.RebalanceStepOpportunityAgent, types.StepSkipped, "")
		return c.fanOut(ctx, rebalanceID, run.SelectedStocks, "")
	}

	maxDrift := maxAbsUnrealizedPLPct(snapshot.Positions)
	triggered := maxDrift.GreaterThanOrEqual(run.Constraints.RebalanceThreshold)

	if triggered {
		if err := c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
			r.OpportunityEvaluation = types.OpportunityEvaluation{
				TriggeredBy:     "threshold_check",
				MaxDrift:        maxDrift,
				SelectedTickers: run.SelectedStocks,
			}
		}); err != nil {
			return err
		}
		c.recordStep(rebalanceID, types.RebalanceStepThresholdCheck, types.StepCompleted, "")
		c.recordStep(rebalanceID, types.RebalanceStepOpportunityAgent, types.StepSkipped, "")
		return c.fanOut(ctx, rebalanceID, run.SelectedStocks, "threshold_check")
	}

	c.recordStep(rebalanceID, types.RebalanceStepThresholdCheck, types.StepCompleted, "not triggered")

	if run.Constraints.SkipOpportunityAgent {
		return c.completeNoAction(rebalanceID)
	}

	c.recordStep(rebalanceID, types.RebalanceStepOpportunityAgent, types.StepRunning, "")
	c.invoker.Invoke(ctx, c.cfg.OpportunityAgentEndpoint, agentinvoker.Payload{
		UserID: run.UserID,
		Extra: map[string]any{
			"rebalanceId": rebalanceID,
			"watchlist":   run.SelectedStocks,
		},
	})
	return nil
}

func maxAbsUnrealizedPLPct(positions []types.PortfolioPosition) decimal.Decimal {
	max := decimal.Zero
	for _, p := range positions {
		drift := p.UnrealizedPLPct.Abs().Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(max) {
			max = drift
		}
	}
	return max
}

func (c *Coordinator) completeNoAction(rebalanceID string) error {
	now := time.Now()
	err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalancePending, types.RebalanceCompleted, func(r *types.RebalanceRun) {
		r.CompletedAt = &now
		r.Metadata.ErrorMessage = ""
		if r.RebalancePlan == nil {
			r.RebalancePlan = map[string]any{}
		}
		r.RebalancePlan["recommendation"] = "no_action_needed"
	})
	if err == nil {
		metrics.RebalancesFinished.WithLabelValues(string(types.RebalanceCompleted)).Inc()
	}
	return err
}

// OpportunityCompleted is the opportunity agent's callback: continue with
// its selected subset, or terminate as completed if it returned none.
func (c *Coordinator) OpportunityCompleted(ctx context.Context, rebalanceID string, selectedTickers []string) error {
	c.recordStep(rebalanceID, types.RebalanceStepOpportunityAgent, types.StepCompleted, "")

	if err := c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		r.OpportunityEvaluation = types.OpportunityEvaluation{
			TriggeredBy:     "opportunity_agent",
			SelectedTickers: selectedTickers,
		}
	}); err != nil {
		return err
	}

	if len(selectedTickers) == 0 {
		return c.completeNoAction(rebalanceID)
	}
	return c.fanOut(ctx, rebalanceID, selectedTickers, "opportunity_agent")
}

// OpportunityError sets the opportunity step to error and the run to error.
func (c *Coordinator) OpportunityError(rebalanceID, errMsg string) error {
	c.recordStep(rebalanceID, types.RebalanceStepOpportunityAgent, types.StepError, errMsg)
	return c.threeTierErrorWrite(rebalanceID, errMsg)
}

// fanOut implements §4.6.2: cap the ticker list, insert one pending
// AnalysisRun per ticker (sequentially, to guarantee no duplicates), then
// promote the first `quota` of them to running.
func (c *Coordinator) fanOut(ctx context.Context, rebalanceID string, tickers []string, triggeredBy string) error {
	run, err := c.store.GetRebalance(rebalanceID, "")
	if err != nil {
		return err
	}
	quotas := c.quotas.GetUserQuotas(run.UserID)

	capped := tickers
	var excluded []string
	if quotas.MaxRebalanceStocks > 0 && len(tickers) > quotas.MaxRebalanceStocks {
		capped = tickers[:quotas.MaxRebalanceStocks]
		excluded = append([]string{}, tickers[quotas.MaxRebalanceStocks:]...)
	}

	if err := c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		r.SelectedStocks = capped
		r.TotalStocks = len(capped)
		r.StocksAnalyzed = 0
		if triggeredBy != "" {
			r.OpportunityEvaluation.TriggeredBy = triggeredBy
		}
		if len(excluded) > 0 {
			r.Metadata.RoleLimitApplied = true
			r.Metadata.ExcludedTickers = excluded
		}
	}); err != nil {
		return err
	}

	analysisDate := time.Now()
	analysisIDs := make([]string, 0, len(capped))
	for _, ticker := range capped {
		analysisID := utils.GenerateAnalysisID()
		child := &types.AnalysisRun{
			ID:             analysisID,
			UserID:         run.UserID,
			RebalanceRunID: rebalanceID,
			Ticker:         ticker,
			AnalysisDate:   analysisDate,
			Status:         types.AnalysisPending,
			Decision:       types.DecisionPending,
		}
		if err := c.store.CreateAnalysis(child); err != nil {
			return err
		}
		analysisIDs = append(analysisIDs, analysisID)
	}

	if err := c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		r.AnalysisIDs = analysisIDs
	}); err != nil {
		return err
	}

	if err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalancePending, types.RebalanceRunning, nil); err != nil {
		if !coordutil.Is(err, coordutil.KindPreconditionFailed) {
			return err
		}
	} else {
		metrics.RebalancesStarted.Inc()
	}

	c.recordStep(rebalanceID, types.RebalanceStepParallelAnalysis, types.StepRunning, "")

	quota := quotas.MaxParallelAnalysis
	if quota <= 0 {
		quota = 1
	}
	if quota > len(analysisIDs) {
		quota = len(analysisIDs)
	}
	for i := 0; i < quota; i++ {
		if err := c.admitAndStart(ctx, rebalanceID, analysisIDs[i]); err != nil {
			c.logger.Error("start child analysis", zap.String("analysisId", analysisIDs[i]), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) admitAndStart(ctx context.Context, rebalanceID string, analysisID string) error {
	// analysis.Start performs the pending->running conditional transition
	// itself; admission here is just choosing which sibling gets dispatched.
	_ = rebalanceID
	if err := c.analysis.Start(ctx, analysisID); err != nil {
		return err
	}
	metrics.ParallelAnalysisGauge.Inc()
	return nil
}

// AnalysisCompleted implements the analysis.Notifier interface: §4.6.3
// completion accounting.
func (c *Coordinator) AnalysisCompleted(rebalanceID, analysisID, ticker string, success bool, errMsg string) {
	ctx := context.Background()
	if err := c.onAnalysisCompleted(ctx, rebalanceID, analysisID, ticker, success, errMsg); err != nil {
		c.logger.Error("analysis completion accounting failed",
			zap.String("rebalanceId", rebalanceID), zap.String("analysisId", analysisID), zap.Error(err))
	}
}

func (c *Coordinator) onAnalysisCompleted(ctx context.Context, rebalanceID, analysisID, ticker string, success bool, errMsg string) error {
	metrics.ParallelAnalysisGauge.Dec()
	analyzed, total, err := c.store.IncrementStocksAnalyzed(rebalanceID)
	if err != nil {
		return err
	}
	_ = analyzed
	_ = total

	children, err := c.store.ListChildAnalyses(rebalanceID)
	if err != nil {
		return err
	}

	var pending []*types.AnalysisRun
	allFinished := true
	anySucceeded := false
	for _, child := range children {
		if !types.IsAnalysisFinished(child.Status) {
			allFinished = false
		}
		if child.Status == types.AnalysisPending {
			pending = append(pending, child)
		}
		if child.Status == types.AnalysisCompleted {
			anySucceeded = true
		}
	}

	if len(pending) > 0 {
		sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
		next := pending[0]
		if err := c.admitAndStart(ctx, rebalanceID, next.ID); err != nil {
			c.logger.Error("admit next pending analysis", zap.String("analysisId", next.ID), zap.Error(err))
		}
	}

	if !allFinished {
		return nil
	}

	c.recordStep(rebalanceID, types.RebalanceStepParallelAnalysis, types.StepCompleted, "")

	if !anySucceeded {
		return c.threeTierErrorWrite(rebalanceID, "all analyses failed or were cancelled")
	}

	// Guard the portfolio-manager dispatch so exactly one caller (the last
	// analysis to finish) fires it.
	dispatched, err := c.markPortfolioManagerRunningOnce(rebalanceID)
	if err != nil {
		return err
	}
	if !dispatched {
		return nil
	}

	run, err := c.store.GetRebalance(rebalanceID, "")
	if err != nil {
		return err
	}
	c.invoker.Invoke(ctx, c.cfg.PortfolioManagerEndpoint, agentinvoker.Payload{
		UserID: run.UserID,
		Extra: map[string]any{
			"rebalanceId": rebalanceID,
			"analysisIds": run.AnalysisIDs,
		},
	})
	return nil
}

func (c *Coordinator) markPortfolioManagerRunningOnce(rebalanceID string) (bool, error) {
	return c.store.SetRebalanceStep(rebalanceID, types.RebalanceStepPortfolioManager, types.StepRunning, nil)
}

// CompleteRebalance is the final rebalance portfolio manager's callback
// (§4.6.4): set completed_at/status, create TradeOrders from the plan, and
// run the auto-trade checker.
func (c *Coordinator) CompleteRebalance(ctx context.Context, rebalanceID string, plan map[string]any, orders []RebalanceOrder) error {
	now := time.Now()
	err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalanceRunning, types.RebalanceCompleted, func(r *types.RebalanceRun) {
		r.CompletedAt = &now
		r.RebalancePlan = plan
	})
	if err != nil {
		return err
	}
	metrics.RebalancesFinished.WithLabelValues(string(types.RebalanceCompleted)).Inc()
	c.recordStep(rebalanceID, types.RebalanceStepPortfolioManager, types.StepCompleted, "")

	run, err := c.store.GetRebalance(rebalanceID, "")
	if err != nil {
		return err
	}

	for _, o := range orders {
		if o.Action == types.DecisionHold {
			continue
		}
		order := &types.TradeOrder{
			ID:             utils.GenerateTradeOrderID(),
			UserID:         run.UserID,
			Ticker:         o.Ticker,
			Action:         o.Action,
			Shares:         o.Shares,
			DollarAmount:   o.DollarAmount,
			Status:         types.TradeOrderPending,
			RebalanceRunID: rebalanceID,
			SourceType:     types.SourceRebalance,
		}
		if err := c.store.CreateTradeOrder(order); err != nil {
			c.logger.Error("create rebalance trade order", zap.String("ticker", o.Ticker), zap.Error(err))
		}
	}

	if run.Constraints.AutoExecute && c.autoTrade != nil {
		executed, errs := c.autoTrade.RunForRebalance(ctx, rebalanceID, run.UserID)
		_ = c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
			r.Metadata.AutoTradeEnabled = true
			r.Metadata.OrdersAutoExecuted = executed
			r.Metadata.AutoTradeErrors = errs
		})
	}
	return nil
}

// RebalanceOrder is one line of the final portfolio manager's plan.
type RebalanceOrder struct {
	Ticker       string
	Action       types.Decision
	Shares       decimal.Decimal
	DollarAmount decimal.Decimal
}

// RebalanceError sets the portfolio_manager step to error and the run to
// error via the three-tier fallback write. Never loops back.
func (c *Coordinator) RebalanceError(rebalanceID, errMsg string) error {
	c.recordStep(rebalanceID, types.RebalanceStepPortfolioManager, types.StepError, errMsg)
	metrics.RebalancesFinished.WithLabelValues(string(types.RebalanceError)).Inc()
	return c.threeTierErrorWrite(rebalanceID, errMsg)
}

// threeTierErrorWrite is §4.6.5's fallback write: full (message+metadata) ->
// simple (status+message) -> minimal (status only). Never escalates further.
func (c *Coordinator) threeTierErrorWrite(rebalanceID, errMsg string) error {
	err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalanceRunning, types.RebalanceError, func(r *types.RebalanceRun) {
		r.Metadata.ErrorMessage = errMsg
	})
	if err == nil {
		return nil
	}

	err = c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		if r.Status == types.RebalanceCancelled {
			return
		}
		r.Status = types.RebalanceError
		r.Metadata.ErrorMessage = errMsg
	})
	if err == nil {
		return nil
	}

	return c.store.MutateRebalance(rebalanceID, func(r *types.RebalanceRun) {
		if r.Status != types.RebalanceCancelled {
			r.Status = types.RebalanceError
		}
	})
}

// RetryRebalance is only valid in error. Priority order per §4.6.5: reset
// the whole workflow if the opportunity step errored; else retry failed
// child analyses; else re-dispatch the portfolio manager alone.
func (c *Coordinator) RetryRebalance(ctx context.Context, rebalanceID, userID string) error {
	run, err := c.store.GetRebalance(rebalanceID, userID)
	if err != nil {
		return err
	}
	if run.Status != types.RebalanceError {
		return coordutil.PreconditionFailed("retry-rebalance is only valid on an errored rebalance")
	}

	if step, ok := run.WorkflowSteps[types.RebalanceStepOpportunityAgent]; ok && step.Status == types.StepError {
		if err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalanceError, types.RebalanceRunning, func(r *types.RebalanceRun) {
			r.Metadata.ErrorMessage = ""
		}); err != nil {
			return err
		}
		return c.Start(ctx, rebalanceID)
	}

	children, err := c.store.ListChildAnalyses(rebalanceID)
	if err != nil {
		return err
	}
	var erroredChildren []*types.AnalysisRun
	allSucceeded := true
	for _, child := range children {
		if child.Status == types.AnalysisError {
			erroredChildren = append(erroredChildren, child)
		}
		if child.Status != types.AnalysisCompleted {
			allSucceeded = false
		}
	}

	if len(erroredChildren) > 0 {
		if err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalanceError, types.RebalanceRunning, func(r *types.RebalanceRun) {
			r.Metadata.ErrorMessage = ""
		}); err != nil {
			return err
		}
		for _, child := range erroredChildren {
			if err := c.analysis.Retry(ctx, child.ID, run.UserID); err != nil {
				c.logger.Error("retry child analysis", zap.String("analysisId", child.ID), zap.Error(err))
			}
		}
		return nil
	}

	if step, ok := run.WorkflowSteps[types.RebalanceStepPortfolioManager]; ok && step.Status == types.StepError && allSucceeded {
		if err := c.store.ConditionalUpdateRebalanceStatus(rebalanceID, types.RebalanceError, types.RebalanceRunning, func(r *types.RebalanceRun) {
			r.Metadata.ErrorMessage = ""
		}); err != nil {
			return err
		}
		dispatched, err := c.markPortfolioManagerRunningOnce(rebalanceID)
		if err != nil {
			return err
		}
		if dispatched {
			c.invoker.Invoke(ctx, c.cfg.PortfolioManagerEndpoint, agentinvoker.Payload{
				UserID: run.UserID,
				Extra:  map[string]any{"rebalanceId": rebalanceID, "analysisIds": run.AnalysisIDs},
			})
		}
		return nil
	}

	return coordutil.PreconditionFailed(fmt.Sprintf("no retryable error state found for rebalance %s", rebalanceID))
}

// Cancel sets status to cancelled unconditionally and cascades to every
// non-terminal child AnalysisRun.
func (c *Coordinator) Cancel(rebalanceID, userID string) error {
	if _, err := c.store.GetRebalance(rebalanceID, userID); err != nil {
		return err
	}
	if err := c.store.CancelRebalance(rebalanceID); err != nil {
		return err
	}
	children, err := c.store.ListChildAnalyses(rebalanceID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if types.IsAnalysisFinished(child.Status) {
			continue
		}
		if err := c.analysis.Cancel(child.ID, child.UserID); err != nil {
			c.logger.Error("cancel child analysis", zap.String("analysisId", child.ID), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) recordStep(rebalanceID, stepKey string, status types.AgentStepStatus, message string) {
	_, err := c.store.SetRebalanceStep(rebalanceID, stepKey, status, func(s *types.RebalanceStepStatus) {
		if message != "" {
			s.Message = message
		}
	})
	if err != nil {
		c.logger.Error("record rebalance step", zap.String("rebalanceId", rebalanceID), zap.String("step", stepKey), zap.Error(err))
	}
}
