package tests

import (
	"context"
	"testing"

	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/pkg/types"
)

// mustComplete drives one OnAgentCompleted call, failing the test on error.
func mustComplete(t *testing.T, coord *analysis.Coordinator, analysisID, phase, agent string, payload analysis.CompletionPayload) {
	t.Helper()
	if err := coord.OnAgentCompleted(context.Background(), analysisID, phase, agent, payload); err != nil {
		t.Fatalf("OnAgentCompleted(%s/%s): %v", phase, agent, err)
	}
}

// driveAnalysisPhase completes the five analysis-phase agents in dispatch
// order, each succeeding.
func driveAnalysisPhase(t *testing.T, coord *analysis.Coordinator, analysisID string) {
	t.Helper()
	for _, agent := range []string{
		analysis.AgentMacro, analysis.AgentMarket, analysis.AgentNews,
		analysis.AgentSocial, analysis.AgentFundamentals,
	} {
		mustComplete(t, coord, analysisID, types.PhaseAnalysis, agent, analysis.CompletionPayload{Success: true})
	}
}

// driveResearchPhase completes `rounds` Bull/Bear debate rounds followed by
// the Research Manager, matching advanceResearch's round-counting logic.
func driveResearchPhase(t *testing.T, coord *analysis.Coordinator, analysisID string, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		mustComplete(t, coord, analysisID, types.PhaseResearch, analysis.AgentBull, analysis.CompletionPayload{Success: true})
		mustComplete(t, coord, analysisID, types.PhaseResearch, analysis.AgentBear, analysis.CompletionPayload{Success: true})
	}
	mustComplete(t, coord, analysisID, types.PhaseResearch, analysis.AgentResearchManager, analysis.CompletionPayload{Success: true})
}

// driveTradingAndRiskPhases completes the Trader and the three non-terminal
// risk agents, then the Risk Manager carrying decision.
func driveTradingAndRiskPhases(t *testing.T, coord *analysis.Coordinator, analysisID string, decision *types.RiskManagerDecision) {
	t.Helper()
	mustComplete(t, coord, analysisID, types.PhaseTrading, analysis.AgentTrader, analysis.CompletionPayload{Success: true})
	mustComplete(t, coord, analysisID, types.PhaseRisk, analysis.AgentRisky, analysis.CompletionPayload{Success: true})
	mustComplete(t, coord, analysisID, types.PhaseRisk, analysis.AgentSafe, analysis.CompletionPayload{Success: true})
	mustComplete(t, coord, analysisID, types.PhaseRisk, analysis.AgentNeutral, analysis.CompletionPayload{Success: true})
	mustComplete(t, coord, analysisID, types.PhaseRisk, analysis.AgentRiskManager, analysis.CompletionPayload{
		Success:             true,
		RiskManagerDecision: decision,
	})
}

// driveChildAnalysisToCompletion walks a rebalance-child AnalysisRun through
// every phase to completion. The portfolio phase is skipped for children
// (buildWorkflowSteps marks it skipped and it is never dispatched), so the run finalises and
// notifies its parent the moment the Risk Manager completes.
func driveChildAnalysisToCompletion(t *testing.T, coord *analysis.Coordinator, analysisID string, debateRounds int, decision *types.RiskManagerDecision) {
	t.Helper()
	driveAnalysisPhase(t, coord, analysisID)
	driveResearchPhase(t, coord, analysisID, debateRounds)
	driveTradingAndRiskPhases(t, coord, analysisID, decision)
}

// driveStandaloneAnalysisToCompletion walks an individual (non-rebalance)
// AnalysisRun all the way through its own Portfolio Manager completion.
func driveStandaloneAnalysisToCompletion(t *testing.T, coord *analysis.Coordinator, analysisID string, debateRounds int, decision *types.RiskManagerDecision, rec *analysis.PortfolioRecommendation) {
	t.Helper()
	driveAnalysisPhase(t, coord, analysisID)
	driveResearchPhase(t, coord, analysisID, debateRounds)
	driveTradingAndRiskPhases(t, coord, analysisID, decision)
	mustComplete(t, coord, analysisID, types.PhasePortfolio, analysis.AgentPortfolioManager, analysis.CompletionPayload{
		Success:                 true,
		PortfolioRecommendation: rec,
	})
}
