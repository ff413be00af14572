package tests

import (
	"context"
	"testing"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Cancelled is an absorbing state: once an AnalysisRun is cancelled, a
// completion callback for it is a silent no-op, never an error.
func TestInvariantCancelledIsAbsorbing(t *testing.T) {
	h := newHarness(t, &fakeBroker{})

	analysisID := "ana-cancel-1"
	if err := h.store.CreateAnalysis(&types.AnalysisRun{
		ID:       analysisID,
		UserID:   "user-6",
		Ticker:   "AAPL",
		Status:   types.AnalysisRunning,
		Decision: types.DecisionPending,
	}); err != nil {
		t.Fatalf("create analysis: %v", err)
	}

	if err := h.analysis.Cancel(analysisID, "user-6"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	err := h.analysis.OnAgentCompleted(context.Background(), analysisID, types.PhaseAnalysis, analysis.AgentMacro, analysis.CompletionPayload{Success: true})
	if err != nil {
		t.Fatalf("expected nil error for completion on cancelled run, got %v", err)
	}

	run, err := h.store.GetAnalysis(analysisID, "")
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	if run.Status != types.AnalysisCancelled {
		t.Fatalf("expected run to remain cancelled, got %s", run.Status)
	}
}

// Calling onAgentCompleted twice for the same step leaves exactly one
// completed step and does not dispatch the next agent a second time.
func TestInvariantOnAgentCompletedIdempotent(t *testing.T) {
	h := newHarness(t, &fakeBroker{})

	analysisID := "ana-idem-1"
	if err := h.store.CreateAnalysis(&types.AnalysisRun{
		ID:       analysisID,
		UserID:   "user-7",
		Ticker:   "AAPL",
		Status:   types.AnalysisPending,
		Decision: types.DecisionPending,
	}); err != nil {
		t.Fatalf("create analysis: %v", err)
	}
	if err := h.analysis.Start(context.Background(), analysisID); err != nil {
		t.Fatalf("start: %v", err)
	}

	payload := analysis.CompletionPayload{Success: true}
	if err := h.analysis.OnAgentCompleted(context.Background(), analysisID, types.PhaseAnalysis, analysis.AgentMacro, payload); err != nil {
		t.Fatalf("first completion: %v", err)
	}
	if err := h.analysis.OnAgentCompleted(context.Background(), analysisID, types.PhaseAnalysis, analysis.AgentMacro, payload); err != nil {
		t.Fatalf("second (redundant) completion: %v", err)
	}

	run, err := h.store.GetAnalysis(analysisID, "")
	if err != nil {
		t.Fatalf("get analysis: %v", err)
	}
	macroStep := run.FullAnalysis.WorkflowSteps.PhaseSteps(types.PhaseAnalysis).Steps[0]
	if macroStep.Status != types.StepCompleted {
		t.Fatalf("expected Macro step completed exactly once, got %s", macroStep.Status)
	}
	// The second agent (Market) must still be exactly "running": a
	// non-idempotent second call would have re-dispatched it again.
	marketStep := run.FullAnalysis.WorkflowSteps.PhaseSteps(types.PhaseAnalysis).Steps[1]
	if marketStep.Status != types.StepRunning {
		t.Fatalf("expected Market step running exactly once, got %s", marketStep.Status)
	}
}

// Approving the same TradeOrder twice results in exactly one brokerage
// order: the second execute() call short-circuits on the non-pending status.
func TestInvariantExecuteTwiceIsIdempotent(t *testing.T) {
	state := newFakeAlpacaState()
	state.assets["AAPL"] = broker.Asset{Symbol: "AAPL", Class: "us_equity", Tradable: true, Fractionable: true}
	srv := newFakeAlpaca(t, state)

	logger := zap.NewNop()
	st, err := store.NewStore(logger, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	client := broker.New(logger, broker.Config{BaseURL: srv.URL})
	creds := broker.NewEnvCredentialStore()
	creds.Register("user-8", broker.Credentials{KeyID: "k", SecretKey: "s", Paper: true})
	executor := broker.NewExecutor(logger, st, client, creds)

	order := &types.TradeOrder{
		ID:     "trd-2",
		UserID: "user-8",
		Ticker: "AAPL",
		Action: types.DecisionBuy,
		Shares: decimal.NewFromInt(10),
		Status: types.TradeOrderPending,
	}
	if err := st.CreateTradeOrder(order); err != nil {
		t.Fatalf("create trade order: %v", err)
	}

	first := executor.Execute(context.Background(), order.ID, types.TradeOrderApproved, "user-8", true)
	if !first.Success {
		t.Fatalf("expected first approve to succeed, got %s", first.Error)
	}
	second := executor.Execute(context.Background(), order.ID, types.TradeOrderApproved, "user-8", true)
	if second.Success {
		t.Fatalf("expected second approve to fail (order no longer pending)")
	}

	if state.placeOrderCount != 1 {
		t.Fatalf("expected exactly one brokerage order placed, got %d", state.placeOrderCount)
	}

	updated, err := st.GetTradeOrder(order.ID)
	if err != nil {
		t.Fatalf("get trade order: %v", err)
	}
	if updated.Metadata.AlpacaOrder == nil || updated.Metadata.AlpacaOrder.ID == "" {
		t.Fatalf("expected approved order to carry a non-empty alpaca order id")
	}
}

// Rejecting a TradeOrder then approving it leaves it rejected and never
// reaches the broker: reject is terminal.
func TestInvariantRejectThenApproveStaysRejected(t *testing.T) {
	state := newFakeAlpacaState()
	srv := newFakeAlpaca(t, state)

	logger := zap.NewNop()
	st, err := store.NewStore(logger, "")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	client := broker.New(logger, broker.Config{BaseURL: srv.URL})
	creds := broker.NewEnvCredentialStore()
	creds.Register("user-9", broker.Credentials{KeyID: "k", SecretKey: "s", Paper: true})
	executor := broker.NewExecutor(logger, st, client, creds)

	order := &types.TradeOrder{
		ID:     "trd-3",
		UserID: "user-9",
		Ticker: "AAPL",
		Action: types.DecisionBuy,
		Shares: decimal.NewFromInt(5),
		Status: types.TradeOrderPending,
	}
	if err := st.CreateTradeOrder(order); err != nil {
		t.Fatalf("create trade order: %v", err)
	}

	reject := executor.Execute(context.Background(), order.ID, types.TradeOrderRejected, "user-9", true)
	if !reject.Success {
		t.Fatalf("expected reject to succeed, got %s", reject.Error)
	}

	approve := executor.Execute(context.Background(), order.ID, types.TradeOrderApproved, "user-9", true)
	if approve.Success {
		t.Fatalf("expected approve after reject to fail")
	}
	if state.placeOrderCount != 0 {
		t.Fatalf("expected no brokerage call after reject, got %d orders", state.placeOrderCount)
	}

	updated, err := st.GetTradeOrder(order.ID)
	if err != nil {
		t.Fatalf("get trade order: %v", err)
	}
	if updated.Status != types.TradeOrderRejected {
		t.Fatalf("expected order to remain rejected, got %s", updated.Status)
	}
}

// Fan-out respects the user's stock cap (3 of 5 tickers become children) and
// parallelism cap (at most 2 children running right after Start), and
// draining every admitted child leaves all children finished.
func TestInvariantRebalanceCapsRespected(t *testing.T) {
	userID := "user-10"
	h := newHarness(t, &fakeBroker{})
	h.quotas.Set(userID, types.UserQuotas{MaxParallelAnalysis: 2, MaxRebalanceStocks: 3, MaxDebateRounds: 1})

	rebalanceID := "reb-caps-1"
	if err := h.store.CreateRebalance(&types.RebalanceRun{
		ID:             rebalanceID,
		UserID:         userID,
		SelectedStocks: []string{"AAPL", "MSFT", "GOOG", "AMZN", "META"},
		Status:         types.RebalancePending,
		Constraints:    types.RebalanceConstraints{SkipThresholdCheck: true, SkipOpportunityAgent: true},
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
	if run.TotalStocks != 3 {
		t.Fatalf("expected total stocks capped at 3, got %d", run.TotalStocks)
	}
	if len(run.AnalysisIDs) != 3 {
		t.Fatalf("expected 3 children created (capped), got %d", len(run.AnalysisIDs))
	}

	var runningCount int
	for _, id := range run.AnalysisIDs {
		child, err := h.store.GetAnalysis(id, "")
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		if child.Status == types.AnalysisRunning {
			runningCount++
		}
	}
	if runningCount > 2 {
		t.Fatalf("expected at most 2 running children at once, got %d", runningCount)
	}

	decision := &types.RiskManagerDecision{Decision: types.DecisionHold, Confidence: 60}
	for _, id := range run.AnalysisIDs {
		child, err := h.store.GetAnalysis(id, "")
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		if child.Status != types.AnalysisRunning {
			continue
		}
		driveChildAnalysisToCompletion(t, h.analysis, id, 1, decision)
		h.rebalance.AnalysisCompleted(rebalanceID, id, child.Ticker, true, "")
	}
	// A second drain pass: completions above may have admitted the
	// remaining pending sibling(s).
	for {
		var next string
		for _, id := range run.AnalysisIDs {
			child, err := h.store.GetAnalysis(id, "")
			if err != nil {
				t.Fatalf("get child: %v", err)
			}
			if child.Status == types.AnalysisRunning {
				next = id
				break
			}
		}
		if next == "" {
			break
		}
		child, _ := h.store.GetAnalysis(next, "")
		driveChildAnalysisToCompletion(t, h.analysis, next, 1, decision)
		h.rebalance.AnalysisCompleted(rebalanceID, next, child.Ticker, true, "")
	}

	for _, id := range run.AnalysisIDs {
		child, err := h.store.GetAnalysis(id, "")
		if err != nil {
			t.Fatalf("get child: %v", err)
		}
		if !types.IsAnalysisFinished(child.Status) {
			t.Fatalf("expected all children finished once rebalance portfolio manager is reached, child %s is %s", id, child.Status)
		}
	}
}

// A weekly schedule with interval=2 and day_of_week=[Mon,Wed] anchored on a
// Monday computes its next run on the next eligible weekday two weeks out,
// not one week out.
func TestInvariantWeeklyScheduleNextRun(t *testing.T) {
	anchor := time.Date(2026, time.July, 27, 0, 0, 0, 0, time.UTC) // a Monday
	rule := &types.ScheduleRule{
		IntervalValue:    2,
		IntervalUnit:     types.IntervalWeeks,
		TimeOfDayMinutes: 9*60 + 30,
		Timezone:         "UTC",
		DayOfWeek:        []int{1, 3}, // Monday, Wednesday
		AnchorDate:       anchor,
	}

	next := store.NextRunTime(rule, anchor)
	want := time.Date(2026, time.August, 10, 9, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, next)
	}
}
