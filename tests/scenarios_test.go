package tests

import (
	"context"
	"testing"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/sweeper"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Scenario 1: threshold triggers, fans out three tickers under a
// parallelism cap of 2, then drains the pending one on completion.
func TestScenarioThresholdTriggerFanOut(t *testing.T) {
	userID := "user-1"
	snapshot := types.PortfolioSnapshot{
		Positions: []types.PortfolioPosition{
			{Symbol: "AAPL", UnrealizedPLPct: decimal.NewFromFloat(0.15)},
		},
	}
	h := newHarness(t, &fakeBroker{snapshot: snapshot})
	h.quotas.Set(userID, types.UserQuotas{MaxParallelAnalysis: 2, MaxRebalanceStocks: 5, MaxDebateRounds: 1})

	rebalanceID := "reb-1"
	if err := h.store.CreateRebalance(&types.RebalanceRun{
		ID:             rebalanceID,
		UserID:         userID,
		SelectedStocks: []string{"AAPL", "MSFT", "GOOG"},
		Status:         types.RebalancePending,
		Constraints:    types.RebalanceConstraints{RebalanceThreshold: decimal.NewFromInt(10)},
	}); err != nil {
		t.Fatalf("create rebalance: %v", err)
	}

	if err := h.rebalance.Start(context.Background(), rebalanceID); err != nil {
		t.Fatalf("start rebalance: %v", err)
	}

	run, err := h.store.GetRebalance(rebalanceID, "")
	if err != nil {
		t.Fatalf("get rebalance: %v", err)
	}
	if len(run.AnalysisIDs) != 3 {
		t.Fatalf("expected 3 children, got %d", len(run.AnalysisIDs))
	}

	var running, pending int
	for _, id := range run.AnalysisIDs {
		child, err := h.store.GetAnalysis(id, "")
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		switch child.Status {
		case types.AnalysisRunning:
			running++
		case types.AnalysisPending:
			pending++
		}
	}
	if running != 2 || pending != 1 {
		t.Fatalf("expected 2 running/1 pending, got running=%d pending=%d", running, pending)
	}

	firstRunning := run.AnalysisIDs[0]
	decision := &types.RiskManagerDecision{Decision: types.DecisionBuy, Confidence: 80}
	driveChildAnalysisToCompletion(t, h.analysis, firstRunning, 1, decision)
	h.rebalance.AnalysisCompleted(rebalanceID, firstRunning, "", true, "")

	thirdChild, err := h.store.GetAnalysis(run.AnalysisIDs[2], "")
	if err != nil {
		t.Fatalf("get third child: %v", err)
	}
	if thirdChild.Status != types.AnalysisRunning {
		t.Fatalf("expected pending sibling to be admitted, got %s", thirdChild.Status)
	}
}

// Scenario 2: threshold check skipped, quota of 1, opportunity agent also
// skipped — fan-out proceeds directly against the full selection.
func TestScenarioSkipThresholdSequentialAdmission(t *testing.T) {
	userID := "user-2"
	h := newHarness(t, &fakeBroker{})
	h.quotas.Set(userID, types.UserQuotas{MaxParallelAnalysis: 1, MaxRebalanceStocks: 5, MaxDebateRounds: 1})

	rebalanceID := "reb-2"
	if err := h.store.CreateRebalance(&types.RebalanceRun{
		ID:             rebalanceID,
		UserID:         userID,
		SelectedStocks: []string{"AAPL", "MSFT"},
		Status:         types.RebalancePending,
		Constraints: types.RebalanceConstraints{
			SkipThresholdCheck:   true,
			SkipOpportunityAgent: true,
		},
	}); err != nil {
		t.Fatalf("create rebalance: %v", err)
	}

	if err := h.rebalance.Start(context.Background(), rebalanceID); err != nil {
		t.Fatalf("start rebalance: %v", err)
	}

	run, err := h.store.GetRebalance(rebalanceID, "")
	if err != nil {
		t.Fatalf("get rebalance: %v", err)
	}
	if len(run.AnalysisIDs) != 2 {
		t.Fatalf("expected 2 children, got %d", len(run.AnalysisIDs))
	}

	first, err := h.store.GetAnalysis(run.AnalysisIDs[0], "")
	if err != nil {
		t.Fatalf("get first child: %v", err)
	}
	second, err := h.store.GetAnalysis(run.AnalysisIDs[1], "")
	if err != nil {
		t.Fatalf("get second child: %v", err)
	}
	if first.Status != types.AnalysisRunning || second.Status != types.AnalysisPending {
		t.Fatalf("expected one running/one pending, got first=%s second=%s", first.Status, second.Status)
	}

	decision := &types.RiskManagerDecision{Decision: types.DecisionHold, Confidence: 50}
	driveChildAnalysisToCompletion(t, h.analysis, run.AnalysisIDs[0], 1, decision)
	h.rebalance.AnalysisCompleted(rebalanceID, run.AnalysisIDs[0], "", true, "")

	second, err = h.store.GetAnalysis(run.AnalysisIDs[1], "")
	if err != nil {
		t.Fatalf("get second child after admission: %v", err)
	}
	if second.Status != types.AnalysisRunning {
		t.Fatalf("expected second child admitted, got %s", second.Status)
	}
}

// Scenario 3: a sweep finds a stale run whose reactivation cap is already
// exhausted — it transitions straight to error without reactivating.
func TestScenarioStaleSweepCapExhausted(t *testing.T) {
	h := newHarness(t, &fakeBroker{})

	// A near-zero stale threshold stands in for waiting out the real one:
	// creation time is already past the cutoff by the time SweepOnce runs.
	sw := sweeper.New(zap.NewNop(), h.store, h.analysis, sweeper.Config{
		SweepInterval:           time.Minute,
		StaleThreshold:          time.Millisecond,
		MaxReactivationAttempts: 3,
	})

	analysisID := "ana-stale-1"
	if err := h.store.CreateAnalysis(&types.AnalysisRun{
		ID:       analysisID,
		UserID:   "user-3",
		Ticker:   "AAPL",
		Status:   types.AnalysisRunning,
		Decision: types.DecisionPending,
		Metadata: types.AnalysisMetadata{ReactivationAttempts: 3},
	}); err != nil {
		t.Fatalf("create analysis: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	sw.SweepOnce(context.Background())

	run, err := h.store.GetAnalysis(analysisID, "")
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if run.Status != types.AnalysisError {
		t.Fatalf("expected error status after cap exhaustion, got %s", run.Status)
	}
	if !run.Metadata.MaxReactivationsReached {
		t.Fatalf("expected MaxReactivationsReached to be set")
	}
}

// Scenario 4: a sell order within 0.1% of the held position quantity closes
// the position via the close endpoint instead of placing a market order.
func TestScenarioSellToClosePrecision(t *testing.T) {
	state := newFakeAlpacaState()
	state.positions["AAPL"] = broker.Position{Symbol: "AAPL", Qty: decimal.NewFromInt(100)}
	state.assets["AAPL"] = broker.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true, Fractionable: true}
	srv := newFakeAlpaca(t, state)

	logger := zap.NewNop()
	st, err := store.NewStore(logger, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	client := broker.New(logger, broker.Config{BaseURL: srv.URL})
	creds := broker.NewEnvCredentialStore()
	creds.Register("user-4", broker.Credentials{KeyID: "k", SecretKey: "s", Paper: true})
	executor := broker.NewExecutor(logger, st, client, creds)

	order := &types.TradeOrder{
		ID:     "trd-1",
		UserID: "user-4",
		Ticker: "AAPL",
		Action: types.DecisionSell,
		Shares: decimal.NewFromFloat(99.95),
		Status: types.TradeOrderPending,
	}
	if err := st.CreateTradeOrder(order); err != nil {
		t.Fatalf("create trade order: %v", err)
	}

	result := executor.Execute(context.Background(), order.ID, types.TradeOrderApproved, "user-4", true)
	if !result.Success {
		t.Fatalf("expected approve success, got error=%s", result.Error)
	}
	if state.closePositionCount != 1 {
		t.Fatalf("expected close-position called once, got %d", state.closePositionCount)
	}
	if state.placeOrderCount != 0 {
		t.Fatalf("expected no market order placed, got %d", state.placeOrderCount)
	}
	if !result.Order.Metadata.IsFullPositionClosure {
		t.Fatalf("expected metadata to record a full position closure")
	}
}

// Scenario 5: retry resumes from a non-critical News failure, leaving the
// run running again with the News step re-dispatched (running).
func TestScenarioRetryAfterOptionalFailure(t *testing.T) {
	h := newHarness(t, &fakeBroker{})

	steps := types.WorkflowSteps{Phases: []types.PhaseSteps{
		{Phase: types.PhaseAnalysis, Steps: []types.AgentStep{
			{Name: analysis.AgentMacro, IsCritical: false, Status: types.StepCompleted},
			{Name: analysis.AgentMarket, IsCritical: true, Status: types.StepCompleted},
			{Name: analysis.AgentNews, IsCritical: false, Status: types.StepError},
			{Name: analysis.AgentSocial, IsCritical: false, Status: types.StepCompleted},
			{Name: analysis.AgentFundamentals, IsCritical: false, Status: types.StepCompleted},
		}},
		{Phase: types.PhaseResearch, Steps: []types.AgentStep{
			{Name: analysis.AgentBull, Status: types.StepCompleted},
			{Name: analysis.AgentBear, Status: types.StepCompleted},
			{Name: analysis.AgentResearchManager, Status: types.StepCompleted},
		}},
		{Phase: types.PhaseTrading, Steps: []types.AgentStep{
			{Name: analysis.AgentTrader, IsCritical: true, Status: types.StepCompleted},
		}},
		{Phase: types.PhaseRisk, Steps: []types.AgentStep{
			{Name: analysis.AgentRisky, Status: types.StepCompleted},
			{Name: analysis.AgentSafe, Status: types.StepCompleted},
			{Name: analysis.AgentNeutral, Status: types.StepCompleted},
			{Name: analysis.AgentRiskManager, IsCritical: true, Status: types.StepCompleted},
		}},
		{Phase: types.PhasePortfolio, Steps: []types.AgentStep{
			{Name: analysis.AgentPortfolioManager, Status: types.StepCompleted},
		}},
	}}

	analysisID := "ana-retry-1"
	if err := h.store.CreateAnalysis(&types.AnalysisRun{
		ID:       analysisID,
		UserID:   "user-5",
		Ticker:   "AAPL",
		Status:   types.AnalysisError,
		Decision: types.DecisionPending,
		FullAnalysis: types.FullAnalysis{
			WorkflowSteps: steps,
		},
	}); err != nil {
		t.Fatalf("create analysis: %v", err)
	}

	if err := h.analysis.Retry(context.Background(), analysisID, "user-5"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	run, err := h.store.GetAnalysis(analysisID, "")
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if run.Status != types.AnalysisRunning {
		t.Fatalf("expected running after retry, got %s", run.Status)
	}
	newsStep := run.FullAnalysis.WorkflowSteps.PhaseSteps(types.PhaseAnalysis).Steps[2]
	if newsStep.Status != types.StepRunning {
		t.Fatalf("expected News step re-dispatched to running, got %s", newsStep.Status)
	}
}

// Scenario 6: a crypto ticker with no direct listing resolves through the
// BASE/QUOTE candidate split.
func TestScenarioCryptoSymbolResolution(t *testing.T) {
	state := newFakeAlpacaState()
	state.assets["BTC/USD"] = broker.Asset{Symbol: "BTC/USD", Class: "crypto", Tradable: true, Fractionable: true}
	srv := newFakeAlpaca(t, state)

	logger := zap.NewNop()
	client := broker.New(logger, broker.Config{BaseURL: srv.URL})
	creds := broker.Credentials{KeyID: "k", SecretKey: "s", Paper: true}

	resolution, err := client.ResolveSymbol(context.Background(), creds, "BTCUSD")
	if err != nil {
		t.Fatalf("resolve symbol: %v", err)
	}
	if resolution.OrderSymbol != "BTC/USD" {
		t.Fatalf("expected order symbol BTC/USD, got %s", resolution.OrderSymbol)
	}
	if resolution.PositionSymbol != "BTCUSD" {
		t.Fatalf("expected position symbol BTCUSD, got %s", resolution.PositionSymbol)
	}
	if !resolution.IsCrypto {
		t.Fatalf("expected resolution to be flagged crypto")
	}
}
