// Package analysis drives one Analysis Workflow: start, dispatch the next
// agent, retry a failed run, reactivate a stale one, cancel.
package analysis

import "github.com/atlasflow/trading-coordinator/pkg/types"

// AgentSpec is one row of the phase/agent dispatch table. The agent name is
// data, not code: the coordinator iterates this table rather than branching
// on agent identity in control flow.
type AgentSpec struct {
	Phase        string
	OrderIndex   int
	FunctionName string
	DisplayName  string
}

// Display names of the agents the critical/optional classification and the
// retry-resume logic reason about.
const (
	AgentMacro           = "Macro"
	AgentMarket          = "Market"
	AgentNews            = "News"
	AgentSocial          = "Social"
	AgentFundamentals    = "Fundamentals"
	AgentBull            = "Bull"
	AgentBear            = "Bear"
	AgentResearchManager = "Research Manager"
	AgentTrader          = "Trader"
	AgentRisky           = "Risky"
	AgentSafe            = "Safe"
	AgentNeutral         = "Neutral"
	AgentRiskManager     = "Risk Manager"
	AgentPortfolioManager = "Analysis Portfolio Manager"
)

// analysisPhaseAgents is the fixed dispatch order for the "analysis" phase.
var analysisPhaseAgents = []AgentSpec{
	{types.PhaseAnalysis, 0, "macro_analyst", AgentMacro},
	{types.PhaseAnalysis, 1, "market_analyst", AgentMarket},
	{types.PhaseAnalysis, 2, "news_analyst", AgentNews},
	{types.PhaseAnalysis, 3, "social_analyst", AgentSocial},
	{types.PhaseAnalysis, 4, "fundamentals_analyst", AgentFundamentals},
}

// researchPhaseAgents is the fixed dispatch order for the "research" phase.
// Bull/Bear repeat across debate rounds; Research Manager runs once, after
// the debate loop exits.
var researchPhaseAgents = []AgentSpec{
	{types.PhaseResearch, 0, "bull_researcher", AgentBull},
	{types.PhaseResearch, 1, "bear_researcher", AgentBear},
	{types.PhaseResearch, 2, "research_manager", AgentResearchManager},
}

var tradingPhaseAgents = []AgentSpec{
	{types.PhaseTrading, 0, "trader", AgentTrader},
}

var riskPhaseAgents = []AgentSpec{
	{types.PhaseRisk, 0, "risky_analyst", AgentRisky},
	{types.PhaseRisk, 1, "safe_analyst", AgentSafe},
	{types.PhaseRisk, 2, "neutral_analyst", AgentNeutral},
	{types.PhaseRisk, 3, "risk_manager", AgentRiskManager},
}

var portfolioPhaseAgents = []AgentSpec{
	{types.PhasePortfolio, 0, "portfolio_manager", AgentPortfolioManager},
}

func phaseAgentTable(phase string) []AgentSpec {
	switch phase {
	case types.PhaseAnalysis:
		return analysisPhaseAgents
	case types.PhaseResearch:
		return researchPhaseAgents
	case types.PhaseTrading:
		return tradingPhaseAgents
	case types.PhaseRisk:
		return riskPhaseAgents
	case types.PhasePortfolio:
		return portfolioPhaseAgents
	}
	return nil
}

// isCriticalAgent reports whether a failed agent must fail the whole run.
// Critical set: Market, Trader, Risk Manager, and the Portfolio Manager
// unless the run belongs to a rebalance (where the portfolio phase is
// skipped and never dispatched at all).
func isCriticalAgent(displayName string, isRebalanceChild bool) bool {
	switch displayName {
	case AgentMarket, AgentTrader, AgentRiskManager:
		return true
	case AgentPortfolioManager:
		return !isRebalanceChild
	}
	return false
}

// nextPhase returns the phase following the given one, or "" if it was the last.
func nextPhase(phase string) string {
	for i, p := range types.PhaseOrder {
		if p == phase && i+1 < len(types.PhaseOrder) {
			return types.PhaseOrder[i+1]
		}
	}
	return ""
}

// buildWorkflowSteps initialises the ordered phase/agent document for a new
// AnalysisRun, skipping the portfolio phase entirely when it belongs to a rebalance.
func buildWorkflowSteps(isRebalanceChild bool) types.WorkflowSteps {
	var phases []types.PhaseSteps
	for _, phase := range types.PhaseOrder {
		if phase == types.PhasePortfolio && isRebalanceChild {
			phases = append(phases, types.PhaseSteps{
				Phase: phase,
				Steps: []types.AgentStep{{
					Name:       AgentPortfolioManager,
					IsCritical: false,
					Status:     types.StepSkipped,
				}},
			})
			continue
		}

		table := phaseAgentTable(phase)
		steps := make([]types.AgentStep, 0, len(table))
		for _, spec := range table {
			steps = append(steps, types.AgentStep{
				Name:         spec.DisplayName,
				FunctionName: spec.FunctionName,
				IsCritical:   isCriticalAgent(spec.DisplayName, isRebalanceChild),
				Status:       types.StepPending,
			})
		}
		phases = append(phases, types.PhaseSteps{Phase: phase, Steps: steps})
	}
	return types.WorkflowSteps{Phases: phases}
}
