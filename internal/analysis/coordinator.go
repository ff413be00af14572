package analysis

import (
	"context"
	"fmt"
	"strconv"
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

// QuotaResolver resolves effective per-user limits. Satisfied by
// *quotas.Resolver; declared locally to avoid an import cycle.
type QuotaResolver interface {
	GetUserQuotas(userID string) types.UserQuotas
}

// Notifier is the cross-coordinator notification surface the analysis
// coordinator publishes to when an AnalysisRun belonging to a rebalance
// finishes. Satisfied by the rebalance coordinator.
type Notifier interface {
	AnalysisCompleted(rebalanceID, analysisID, ticker string, success bool, errMsg string)
}

// AutoTrader runs the auto-trade checker (C10) against a single finished
// analysis. Satisfied by *autotrade.Checker; declared locally to avoid an
// import cycle (autotrade depends on broker, not on analysis).
type AutoTrader interface {
	RunForAnalysis(ctx context.Context, analysisID, userID string) (executed int, errs []string)
}

// PortfolioRecommendation is the sizing output the Analysis Portfolio
// Manager attaches to its completion, used to derive the generated TradeOrder.
type PortfolioRecommendation struct {
	Action       types.Decision
	Shares       decimal.Decimal
	DollarAmount decimal.Decimal
}

// CompletionPayload is what an agent reports back through OnAgentCompleted.
type CompletionPayload struct {
	Success                  bool
	ErrorMessage             string
	RiskManagerDecision      *types.RiskManagerDecision
	PortfolioRecommendation  *PortfolioRecommendation
}

// Config tunes the coordinator's retry cap, stale threshold, and debate bound.
type Config struct {
	StaleThreshold        time.Duration
	MaxReactivationAttempts int
	MaxDebateRoundsHardCap  int
	AgentEndpoint           string
}

// DefaultConfig is the coordinator's default policy: 3.5 minute stale
// threshold, 3 automatic reactivation attempts, a 5-round debate hard cap.
func DefaultConfig() Config {
	return Config{
		StaleThreshold:          210 * time.Second,
		MaxReactivationAttempts: 3,
		MaxDebateRoundsHardCap:  5,
		AgentEndpoint:           "/v1/agents/invoke",
	}
}

// Coordinator drives Analysis Workflows.
type Coordinator struct {
	logger   *zap.Logger
	store    *store.Store
	invoker  *agentinvoker.Invoker
	quotas    QuotaResolver
	notifier  Notifier
	autoTrade AutoTrader
	cfg       Config
}

// New builds a Coordinator. notifier may be nil until the rebalance
// coordinator is wired in (standalone analyses never call it).
func New(logger *zap.Logger, st *store.Store, invoker *agentinvoker.Invoker, quotas QuotaResolver, notifier Notifier, cfg Config) *Coordinator {
	if cfg.StaleThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Coordinator{
		logger:   logger.Named("analysis"),
		store:    st,
		invoker:  invoker,
		quotas:   quotas,
		notifier: notifier,
		cfg:      cfg,
	}
}

// SetNotifier wires the rebalance coordinator in after both are constructed,
// breaking the natural import cycle between the two coordinators.
func (c *Coordinator) SetNotifier(n Notifier) { c.notifier = n }

// SetAutoTrader wires the auto-trade checker in after construction.
func (c *Coordinator) SetAutoTrader(a AutoTrader) { c.autoTrade = a }

// Start sets status pending->running, initialises the workflow-steps
// document, and dispatches the Macro agent.
func (c *Coordinator) Start(ctx context.Context, analysisID string) error {
	run, err := c.store.GetAnalysis(analysisID, "")
	if err != nil {
		return err
	}
	isRebalanceChild := run.RebalanceRunID != ""

	err = c.store.ConditionalUpdateAnalysisStatus(analysisID, types.AnalysisPending, types.AnalysisRunning, func(r *types.AnalysisRun) {
		r.FullAnalysis.WorkflowSteps = buildWorkflowSteps(isRebalanceChild)
		r.FullAnalysis.AnalysisContext = types.AnalysisContext{
			Ticker:       r.Ticker,
			AnalysisDate: r.AnalysisDate,
		}
		if r.AgentInsights == nil {
			r.AgentInsights = make(map[string]string)
		}
	})
	if err != nil {
		return err
	}

	metrics.AnalysesStarted.WithLabelValues(strconv.FormatBool(isRebalanceChild)).Inc()
	return c.dispatch(ctx, run, types.PhaseAnalysis, analysisPhaseAgents[0])
}

func (c *Coordinator) dispatch(ctx context.Context, run *types.AnalysisRun, phase string, spec AgentSpec) error {
	if _, err := c.store.SetAgentStepStatus(run.ID, phase, spec.DisplayName, types.StepRunning, nil); err != nil {
		return err
	}
	metrics.AgentDispatches.WithLabelValues(phase, spec.DisplayName).Inc()
	c.invoker.Invoke(ctx, c.cfg.AgentEndpoint, agentinvoker.Payload{
		AnalysisID:      run.ID,
		Ticker:          run.Ticker,
		UserID:          run.UserID,
		Phase:           phase,
		Agent:           spec.FunctionName,
		AnalysisContext: run.FullAnalysis.AnalysisContext,
	})
	return nil
}

// OnAgentCompleted writes the agent's step to completed or error, then
// either dispatches the next agent in the same phase, advances to the next
// phase, or finalises the run. Calling this twice for the same (phase,
// agent) is a no-op the second time: SetAgentStepStatus reports changed=false
// and dispatch-next never runs again.
func (c *Coordinator) OnAgentCompleted(ctx context.Context, analysisID, phase, agentName string, payload CompletionPayload) error {
	run, err := c.store.GetAnalysis(analysisID, "")
	if err != nil {
		return err
	}
	if run.Status == types.AnalysisCancelled {
		return nil
	}
	if run.Status != types.AnalysisRunning {
		return coordutil.PreconditionFailed(fmt.Sprintf("analysis not running, status=%s", run.Status))
	}

	newStepStatus := types.StepCompleted
	if !payload.Success {
		newStepStatus = types.StepError
	}

	changed, err := c.store.SetAgentStepStatus(analysisID, phase, agentName, newStepStatus, nil)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if payload.Success {
		if err := c.store.MutateAnalysis(analysisID, func(r *types.AnalysisRun) {
			if r.AgentInsights == nil {
				r.AgentInsights = make(map[string]string)
			}
			r.AgentInsights[agentName] = "ok"
		}); err != nil {
			return err
		}
	}

	isRebalanceChild := run.RebalanceRunID != ""
	critical := isCriticalAgent(agentName, isRebalanceChild)

	if !payload.Success && critical {
		return c.failRun(run, fmt.Sprintf("%s failed: %s", agentName, payload.ErrorMessage))
	}

	switch {
	case phase == types.PhaseRisk && agentName == AgentRiskManager:
		return c.handleRiskManagerCompletion(ctx, run, payload.RiskManagerDecision)
	case phase == types.PhasePortfolio && agentName == AgentPortfolioManager:
		return c.finalize(run, payload.PortfolioRecommendation)
	case phase == types.PhaseResearch:
		return c.advanceResearch(ctx, run, agentName)
	default:
		return c.advanceLinear(ctx, run, phase, agentName)
	}
}

func (c *Coordinator) advanceLinear(ctx context.Context, run *types.AnalysisRun, phase, agentName string) error {
	table := phaseAgentTable(phase)
	idx := -1
	for i, spec := range table {
		if spec.DisplayName == agentName {
			idx = i
			break
		}
	}
	if idx == -1 {
		return coordutil.Fatal("unknown agent in phase table", fmt.Errorf("phase=%s agent=%s", phase, agentName))
	}
	if idx+1 < len(table) {
		return c.dispatch(ctx, run, phase, table[idx+1])
	}

	switch phase {
	case types.PhaseAnalysis:
		return c.dispatch(ctx, run, types.PhaseResearch, researchPhaseAgents[0])
	case types.PhaseTrading:
		return c.dispatch(ctx, run, types.PhaseRisk, riskPhaseAgents[0])
	}
	return nil
}

func (c *Coordinator) advanceResearch(ctx context.Context, run *types.AnalysisRun, agentName string) error {
	switch agentName {
	case AgentBull:
		return c.dispatch(ctx, run, types.PhaseResearch, researchPhaseAgents[1])
	case AgentBear:
		quotas := c.quotas.GetUserQuotas(run.UserID)
		maxRounds := quotas.MaxDebateRounds
		if c.cfg.MaxDebateRoundsHardCap > 0 && c.cfg.MaxDebateRoundsHardCap < maxRounds {
			maxRounds = c.cfg.MaxDebateRoundsHardCap
		}
		if maxRounds <= 0 {
			maxRounds = 2
		}

		var newRound int
		if err := c.store.MutateAnalysis(run.ID, func(r *types.AnalysisRun) {
			r.FullAnalysis.DebateRounds++
			newRound = r.FullAnalysis.DebateRounds
		}); err != nil {
			return err
		}

		if newRound < maxRounds {
			if _, err := c.store.SetAgentStepStatus(run.ID, types.PhaseResearch, AgentBull, types.StepPending, nil); err != nil {
				return err
			}
			if _, err := c.store.SetAgentStepStatus(run.ID, types.PhaseResearch, AgentBear, types.StepPending, nil); err != nil {
				return err
			}
			return c.dispatch(ctx, run, types.PhaseResearch, researchPhaseAgents[0])
		}
		return c.dispatch(ctx, run, types.PhaseResearch, researchPhaseAgents[2])
	case AgentResearchManager:
		return c.dispatch(ctx, run, types.PhaseTrading, tradingPhaseAgents[0])
	}
	return nil
}

// handleRiskManagerCompletion implements 4.5.3: re-dispatch to the portfolio
// phase carrying the risk manager's decision; individual runs execute the
// Analysis Portfolio Manager, rebalance children skip it and notify the
// parent RebalanceRun directly.
func (c *Coordinator) handleRiskManagerCompletion(ctx context.Context, run *types.AnalysisRun, decision *types.RiskManagerDecision) error {
	if err := c.store.MutateAnalysis(run.ID, func(r *types.AnalysisRun) {
		r.FullAnalysis.RiskManagerDecision = decision
	}); err != nil {
		return err
	}

	if run.RebalanceRunID != "" {
		return c.finalize(run, nil)
	}

	return c.dispatch(ctx, run, types.PhasePortfolio, portfolioPhaseAgents[0])
}

// finalize writes the top-level decision/confidence, completes the run, and
// (individual runs only) writes the generated TradeOrder. Rebalance children
// notify the parent RebalanceRun instead; the RebalanceRun's own portfolio
// manager is responsible for any TradeOrders it produces.
func (c *Coordinator) finalize(run *types.AnalysisRun, rec *PortfolioRecommendation) error {
	decision := types.DecisionHold
	confidence := 0
	if run.FullAnalysis.RiskManagerDecision != nil {
		decision = run.FullAnalysis.RiskManagerDecision.Decision
		confidence = run.FullAnalysis.RiskManagerDecision.Confidence
	}

	err := c.store.ConditionalUpdateAnalysisStatus(run.ID, types.AnalysisRunning, types.AnalysisCompleted, func(r *types.AnalysisRun) {
		r.Decision = decision
		r.Confidence = confidence
	})
	if err != nil {
		return err
	}
	metrics.AnalysesFinished.WithLabelValues(string(types.AnalysisCompleted)).Inc()

	isRebalanceChild := run.RebalanceRunID != ""
	if isRebalanceChild {
		if c.notifier != nil {
			c.notifier.AnalysisCompleted(run.RebalanceRunID, run.ID, run.Ticker, true, "")
		}
		return nil
	}

	if rec == nil || rec.Action == types.DecisionHold {
		return nil
	}
	order := &types.TradeOrder{
		ID:           utils.GenerateTradeOrderID(),
		UserID:       run.UserID,
		Ticker:       run.Ticker,
		Action:       rec.Action,
		Shares:       rec.Shares,
		DollarAmount: rec.DollarAmount,
		Status:       types.TradeOrderPending,
		AnalysisID:   run.ID,
		SourceType:   types.SourceAnalysis,
	}
	if err := c.store.CreateTradeOrder(order); err != nil {
		return err
	}

	if c.autoTrade != nil {
		go c.autoTrade.RunForAnalysis(context.Background(), run.ID, run.UserID)
	}
	return nil
}

// failRun marks run error (critical agent failure) with a conditional write,
// falling back to a status-only write, and, for rebalance children, notifies
// the parent.
func (c *Coordinator) failRun(run *types.AnalysisRun, reason string) error {
	err := c.store.ConditionalUpdateAnalysisStatus(run.ID, types.AnalysisRunning, types.AnalysisError, func(r *types.AnalysisRun) {
		r.Metadata.ErrorReason = reason
	})
	if err != nil {
		// Fallback: status-only write via a direct mutation, never escalate further.
		_ = c.store.MutateAnalysis(run.ID, func(r *types.AnalysisRun) {
			if r.Status != types.AnalysisCancelled {
				r.Status = types.AnalysisError
			}
		})
	}
	metrics.AnalysesFinished.WithLabelValues(string(types.AnalysisError)).Inc()
	if run.RebalanceRunID != "" && c.notifier != nil {
		c.notifier.AnalysisCompleted(run.RebalanceRunID, run.ID, run.Ticker, false, reason)
	}
	return nil
}

// Retry is only valid when status is error. It classifies the failed agents
// into critical and optional, resumes from the earliest critical failure (or,
// absent one, the earliest optional failure), resets that step and its
// insight to pending, clears the reactivation counter, and dispatches it.
func (c *Coordinator) Retry(ctx context.Context, analysisID, userID string) error {
	run, err := c.store.GetAnalysis(analysisID, userID)
	if err != nil {
		return err
	}
	if run.Status != types.AnalysisError {
		return coordutil.PreconditionFailed("retry is only valid on an errored analysis")
	}

	var criticalFailure, optionalFailure *resumeTarget
	for _, ps := range run.FullAnalysis.WorkflowSteps.Phases {
		for _, step := range ps.Steps {
			if step.Status != types.StepError {
				continue
			}
			target := &resumeTarget{phase: ps.Phase, agent: step.Name}
			if step.IsCritical {
				if criticalFailure == nil {
					criticalFailure = target
				}
			} else if optionalFailure == nil {
				optionalFailure = target
			}
		}
	}

	resume := criticalFailure
	if resume == nil {
		resume = optionalFailure
	}
	if resume == nil {
		return coordutil.PreconditionFailed("no failed agent step found to resume from")
	}

	if err := c.store.ConditionalUpdateAnalysisStatus(analysisID, types.AnalysisError, types.AnalysisRunning, func(r *types.AnalysisRun) {
		r.Metadata.ReactivationAttempts = 0
		r.Metadata.MaxReactivationsReached = false
		r.Metadata.ErrorReason = ""
		delete(r.AgentInsights, resume.agent)
	}); err != nil {
		return err
	}
	if _, err := c.store.SetAgentStepStatus(analysisID, resume.phase, resume.agent, types.StepPending, nil); err != nil {
		return err
	}

	spec := specFor(resume.phase, resume.agent)
	if spec == nil {
		return coordutil.Fatal("resume target not found in agent table", fmt.Errorf("phase=%s agent=%s", resume.phase, resume.agent))
	}
	return c.dispatch(ctx, run, resume.phase, *spec)
}

type resumeTarget struct {
	phase string
	agent string
}

func specFor(phase, agent string) *AgentSpec {
	for _, spec := range phaseAgentTable(phase) {
		if spec.DisplayName == agent {
			return &spec
		}
	}
	return nil
}

// Reactivate is only valid when status is running and either force is set
// or updated_at predates the stale threshold. It finds the first running
// agent with no insight yet (stuck), else the first pending agent, else the
// agent following the last completed one; resets it to pending and
// dispatches it. If every step is completed or skipped, the run is promoted
// to completed directly.
func (c *Coordinator) Reactivate(ctx context.Context, analysisID, userID string, force bool) error {
	run, err := c.store.GetAnalysis(analysisID, userID)
	if err != nil {
		return err
	}
	if run.Status != types.AnalysisRunning {
		return coordutil.PreconditionFailed("reactivate is only valid on a running analysis")
	}
	if !force && time.Since(run.UpdatedAt) < c.cfg.StaleThreshold {
		return coordutil.PreconditionFailed("analysis is not stale")
	}

	flat := flattenSteps(run.FullAnalysis.WorkflowSteps)

	var target *resumeTarget
	for _, fs := range flat {
		if fs.step.Status == types.StepRunning {
			if _, hasInsight := run.AgentInsights[fs.step.Name]; !hasInsight {
				target = &resumeTarget{phase: fs.phase, agent: fs.step.Name}
				break
			}
		}
	}
	if target == nil {
		for _, fs := range flat {
			if fs.step.Status == types.StepPending {
				target = &resumeTarget{phase: fs.phase, agent: fs.step.Name}
				break
			}
		}
	}
	if target == nil {
		lastCompletedIdx := -1
		for i, fs := range flat {
			if fs.step.Status == types.StepCompleted {
				lastCompletedIdx = i
			}
		}
		if lastCompletedIdx >= 0 && lastCompletedIdx+1 < len(flat) && flat[lastCompletedIdx+1].step.Status != types.StepSkipped {
			next := flat[lastCompletedIdx+1]
			target = &resumeTarget{phase: next.phase, agent: next.step.Name}
		}
	}

	if target == nil {
		allDone := true
		for _, fs := range flat {
			if fs.step.Status != types.StepCompleted && fs.step.Status != types.StepSkipped {
				allDone = false
				break
			}
		}
		if allDone {
			return c.finalize(run, nil)
		}
		return coordutil.Fatal("reactivate found no resumable step", fmt.Errorf("analysis=%s", analysisID))
	}

	if _, err := c.store.SetAgentStepStatus(analysisID, target.phase, target.agent, types.StepPending, nil); err != nil {
		return err
	}
	spec := specFor(target.phase, target.agent)
	if spec == nil {
		return coordutil.Fatal("reactivate target not found in agent table", fmt.Errorf("phase=%s agent=%s", target.phase, target.agent))
	}
	return c.dispatch(ctx, run, target.phase, *spec)
}

type flatStep struct {
	phase string
	step  types.AgentStep
}

func flattenSteps(ws types.WorkflowSteps) []flatStep {
	var flat []flatStep
	for _, ps := range ws.Phases {
		for _, step := range ps.Steps {
			flat = append(flat, flatStep{phase: ps.Phase, step: step})
		}
	}
	return flat
}

// Cancel sets status to cancelled unconditionally: cancellation always wins
// against any concurrent state-advancing write.
func (c *Coordinator) Cancel(analysisID, userID string) error {
	if _, err := c.store.GetAnalysis(analysisID, userID); err != nil {
		return err
	}
	err := c.store.CancelAnalysis(analysisID, func(r *types.AnalysisRun) {
		for pi := range r.FullAnalysis.WorkflowSteps.Phases {
			for si := range r.FullAnalysis.WorkflowSteps.Phases[pi].Steps {
				if r.FullAnalysis.WorkflowSteps.Phases[pi].Steps[si].Status == types.StepRunning {
					r.FullAnalysis.WorkflowSteps.Phases[pi].Steps[si].Status = types.StepCancelled
				}
			}
		}
	})
	if err == nil {
		metrics.AnalysesFinished.WithLabelValues(string(types.AnalysisCancelled)).Inc()
	}
	return err
}
