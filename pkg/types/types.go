// Package types provides the shared domain model for the trading coordinator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// AnalysisStatus is the closed status vocabulary for an AnalysisRun.
type AnalysisStatus string

const (
	AnalysisPending   AnalysisStatus = "pending"
	AnalysisRunning   AnalysisStatus = "running"
	AnalysisCompleted AnalysisStatus = "completed"
	AnalysisError     AnalysisStatus = "error"
	AnalysisCancelled AnalysisStatus = "cancelled"
)

// IsAnalysisFinished reports whether status is a terminal AnalysisRun state.
func IsAnalysisFinished(s AnalysisStatus) bool {
	return s == AnalysisCompleted || s == AnalysisError || s == AnalysisCancelled
}

// RebalanceStatus is the closed status vocabulary for a RebalanceRun.
type RebalanceStatus string

const (
	RebalancePending   RebalanceStatus = "pending"
	RebalanceRunning   RebalanceStatus = "running"
	RebalanceCompleted RebalanceStatus = "completed"
	RebalanceCancelled RebalanceStatus = "cancelled"
	RebalanceError     RebalanceStatus = "error"
)

// IsRebalanceFinished reports whether status is a terminal RebalanceRun state.
func IsRebalanceFinished(s RebalanceStatus) bool {
	return s == RebalanceCompleted || s == RebalanceError || s == RebalanceCancelled
}

// TradeOrderStatus is the closed status vocabulary for a TradeOrder.
type TradeOrderStatus string

const (
	TradeOrderPending  TradeOrderStatus = "pending"
	TradeOrderApproved TradeOrderStatus = "approved"
	TradeOrderRejected TradeOrderStatus = "rejected"
)

// IsTradeOrderFinished reports whether status is a terminal TradeOrder state.
func IsTradeOrderFinished(s TradeOrderStatus) bool {
	return s == TradeOrderApproved || s == TradeOrderRejected
}

// Decision is the final action an Analysis or TradeOrder carries.
type Decision string

const (
	DecisionBuy     Decision = "BUY"
	DecisionSell    Decision = "SELL"
	DecisionHold    Decision = "HOLD"
	DecisionPending Decision = "PENDING"
)

// AgentStepStatus is the closed status vocabulary for a single agent's step.
type AgentStepStatus string

const (
	StepPending   AgentStepStatus = "pending"
	StepRunning   AgentStepStatus = "running"
	StepCompleted AgentStepStatus = "completed"
	StepError     AgentStepStatus = "error"
	StepSkipped   AgentStepStatus = "skipped"
	StepCancelled AgentStepStatus = "cancelled"
)

// BrokerOrderStatus mirrors the brokerage's own order-status vocabulary.
type BrokerOrderStatus string

const (
	BrokerOrderNew             BrokerOrderStatus = "new"
	BrokerOrderAccepted        BrokerOrderStatus = "accepted"
	BrokerOrderPendingNew      BrokerOrderStatus = "pending_new"
	BrokerOrderPartiallyFilled BrokerOrderStatus = "partially_filled"
	BrokerOrderFilled          BrokerOrderStatus = "filled"
	BrokerOrderCanceled        BrokerOrderStatus = "canceled"
	BrokerOrderExpired         BrokerOrderStatus = "expired"
	BrokerOrderRejected        BrokerOrderStatus = "rejected"
	BrokerOrderDoneForDay      BrokerOrderStatus = "done_for_day"
)

// IsBrokerOrderTerminal reports whether the broker considers the order settled.
func IsBrokerOrderTerminal(s BrokerOrderStatus) bool {
	switch s {
	case BrokerOrderFilled, BrokerOrderCanceled, BrokerOrderExpired, BrokerOrderRejected, BrokerOrderDoneForDay:
		return true
	}
	return false
}

// IsBrokerOrderFilled reports whether the broker reports the order as at least partially filled.
func IsBrokerOrderFilled(s BrokerOrderStatus) bool {
	return s == BrokerOrderFilled || s == BrokerOrderPartiallyFilled
}

// Phase names, fixed order, for an AnalysisRun's workflow-steps document.
const (
	PhaseAnalysis  = "analysis"
	PhaseResearch  = "research"
	PhaseTrading   = "trading"
	PhaseRisk      = "risk"
	PhasePortfolio = "portfolio"
)

// PhaseOrder is the fixed traversal order of phases within an AnalysisRun.
var PhaseOrder = []string{PhaseAnalysis, PhaseResearch, PhaseTrading, PhaseRisk, PhasePortfolio}

// AgentStep is one agent's position and state within a phase.
type AgentStep struct {
	Name         string          `json:"name"`
	FunctionName string          `json:"functionName,omitempty"`
	IsCritical   bool            `json:"isCritical"`
	Status       AgentStepStatus `json:"status"`
	Progress     int             `json:"progress"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// PhaseSteps is the ordered list of agent steps belonging to one phase.
type PhaseSteps struct {
	Phase string      `json:"phase"`
	Steps []AgentStep `json:"steps"`
}

// WorkflowSteps is the full per-phase agent-step document for an AnalysisRun.
type WorkflowSteps struct {
	Phases []PhaseSteps `json:"phases"`
}

// PhaseSteps returns the steps for the named phase, or nil.
func (w *WorkflowSteps) PhaseSteps(phase string) *PhaseSteps {
	for i := range w.Phases {
		if w.Phases[i].Phase == phase {
			return &w.Phases[i]
		}
	}
	return nil
}

// AnalysisMetadata carries the bookkeeping fields the sweeper and retry logic depend on.
type AnalysisMetadata struct {
	ReactivationAttempts   int    `json:"reactivation_attempts"`
	MaxReactivationsReached bool  `json:"max_reactivations_reached,omitempty"`
	ErrorReason            string `json:"error_reason,omitempty"`
	FailureReason          string `json:"failure_reason,omitempty"`
}

// AnalysisContext is the read-only snapshot agents receive alongside their invocation payload.
type AnalysisContext struct {
	Ticker         string          `json:"ticker"`
	AnalysisDate   time.Time       `json:"analysisDate"`
	PortfolioValue decimal.Decimal `json:"portfolioValue,omitempty"`
	Extra          map[string]any  `json:"extra,omitempty"`
}

// RiskManagerDecision is the payload the risk phase hands off to the portfolio phase.
type RiskManagerDecision struct {
	Decision   Decision `json:"decision"`
	Confidence int      `json:"confidence"`
	Assessment string   `json:"assessment,omitempty"`
}

// FullAnalysis is the shared-mutable document accumulated across an AnalysisRun's lifetime.
type FullAnalysis struct {
	WorkflowSteps    WorkflowSteps          `json:"workflowSteps"`
	DebateRounds     int                    `json:"debateRounds"`
	Messages         []string               `json:"messages,omitempty"`
	AnalysisContext  AnalysisContext        `json:"analysisContext"`
	RiskManagerDecision *RiskManagerDecision `json:"riskManagerDecision,omitempty"`
}

// AnalysisRun is one row per (user, ticker, attempt).
type AnalysisRun struct {
	ID               string           `json:"id"`
	UserID           string           `json:"userId"`
	RebalanceRunID   string           `json:"rebalanceRunId,omitempty"`
	Ticker           string           `json:"ticker"`
	AnalysisDate     time.Time        `json:"analysisDate"`
	Status           AnalysisStatus   `json:"status"`
	Decision         Decision         `json:"decision"`
	Confidence       int              `json:"confidence"`
	FullAnalysis     FullAnalysis     `json:"fullAnalysis"`
	AgentInsights    map[string]string `json:"agentInsights"`
	Metadata         AnalysisMetadata `json:"metadata"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// RebalanceConstraints are the caller-supplied knobs for a rebalance start.
type RebalanceConstraints struct {
	SkipThresholdCheck  bool            `json:"skipThresholdCheck"`
	SkipOpportunityAgent bool           `json:"skipOpportunityAgent"`
	RebalanceThreshold  decimal.Decimal `json:"rebalanceThreshold"`
	MinPositionPct      decimal.Decimal `json:"minPositionPct"`
	MaxPositionPct      decimal.Decimal `json:"maxPositionPct"`
	AutoExecute         bool            `json:"autoExecute"`
}

// PortfolioPosition is one line of a refetched broker portfolio snapshot.
type PortfolioPosition struct {
	Symbol           string          `json:"symbol"`
	Qty              decimal.Decimal `json:"qty"`
	MarketValue      decimal.Decimal `json:"marketValue"`
	UnrealizedPLPct  decimal.Decimal `json:"unrealizedPlPct"`
	CostBasis        decimal.Decimal `json:"costBasis"`
}

// PortfolioSnapshot is the always-refetched broker state used for the threshold check.
type PortfolioSnapshot struct {
	Cash       decimal.Decimal     `json:"cash"`
	Equity     decimal.Decimal     `json:"equity"`
	Positions  []PortfolioPosition `json:"positions"`
	FetchedAt  time.Time           `json:"fetchedAt"`
}

// RebalanceStepStatus is one entry of a RebalanceRun's workflow_steps map.
type RebalanceStepStatus struct {
	Status    AgentStepStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

const (
	RebalanceStepThresholdCheck    = "threshold_check"
	RebalanceStepOpportunityAgent  = "opportunity_analysis"
	RebalanceStepParallelAnalysis  = "parallel_analysis"
	RebalanceStepPortfolioManager  = "portfolio_manager"
)

// OpportunityEvaluation records why a set of tickers was selected for analysis.
type OpportunityEvaluation struct {
	TriggeredBy  string   `json:"triggeredBy"` // "threshold_check" | "opportunity_agent" | ""
	MaxDrift     decimal.Decimal `json:"maxDrift"`
	SelectedTickers []string `json:"selectedTickers,omitempty"`
}

// RebalanceMetadata carries bookkeeping and the C10 auto-trade outcome.
type RebalanceMetadata struct {
	RoleLimitApplied    bool     `json:"role_limit_applied,omitempty"`
	ExcludedTickers     []string `json:"excluded_tickers,omitempty"`
	AutoTradeEnabled    bool     `json:"autoTradeEnabled,omitempty"`
	OrdersAutoExecuted  int      `json:"ordersAutoExecuted,omitempty"`
	AutoTradeErrors     []string `json:"autoTradeErrors,omitempty"`
	ErrorMessage        string   `json:"errorMessage,omitempty"`
}

// RebalanceRun is one row per rebalance attempt.
type RebalanceRun struct {
	ID                 string                           `json:"id"`
	UserID              string                          `json:"userId"`
	Status              RebalanceStatus                 `json:"status"`
	TargetAllocations   map[string]decimal.Decimal       `json:"targetAllocations,omitempty"`
	PortfolioSnapshot   PortfolioSnapshot                `json:"portfolioSnapshot"`
	Constraints         RebalanceConstraints             `json:"constraints"`
	SelectedStocks      []string                         `json:"selectedStocks"`
	AnalysisIDs         []string                         `json:"analysisIds"`
	TotalStocks         int                               `json:"totalStocks"`
	StocksAnalyzed      int                               `json:"stocksAnalyzed"`
	WorkflowSteps       map[string]RebalanceStepStatus    `json:"workflowSteps"`
	OpportunityEvaluation OpportunityEvaluation           `json:"opportunityEvaluation"`
	RebalancePlan       map[string]any                    `json:"rebalancePlan,omitempty"`
	Metadata            RebalanceMetadata                 `json:"metadata"`
	CreatedAt           time.Time                         `json:"createdAt"`
	UpdatedAt           time.Time                         `json:"updatedAt"`
	CompletedAt         *time.Time                         `json:"completedAt,omitempty"`
}

// AlpacaOrder is the nested broker sub-document held in TradeOrder.Metadata.
type AlpacaOrder struct {
	ID             string            `json:"id"`
	Status         BrokerOrderStatus `json:"status"`
	FilledQty      decimal.Decimal   `json:"filled_qty"`
	FilledAvgPrice decimal.Decimal   `json:"filled_avg_price"`
	Symbol         string            `json:"symbol"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// SymbolResolution caches the broker-side symbol lookup for a ticker.
type SymbolResolution struct {
	OrderSymbol    string `json:"orderSymbol"`
	PositionSymbol string `json:"positionSymbol"`
	IsCrypto       bool   `json:"isCrypto"`
}

// PositionSnapshot is a before/after position recorded for audit purposes.
type PositionSnapshot struct {
	Qty         decimal.Decimal `json:"qty"`
	MarketValue decimal.Decimal `json:"marketValue"`
}

// TradeOrderMetadata is the free-form sub-document attached to a TradeOrder.
type TradeOrderMetadata struct {
	BeforePosition       *PositionSnapshot `json:"beforePosition,omitempty"`
	AfterPosition        *PositionSnapshot `json:"afterPosition,omitempty"`
	Changes              string            `json:"changes,omitempty"`
	AlpacaSymbolResolution *SymbolResolution `json:"alpaca_symbol_resolution,omitempty"`
	AlpacaOrder          *AlpacaOrder      `json:"alpaca_order,omitempty"`
	UseCloseEndpoint     bool              `json:"useCloseEndpoint,omitempty"`
	ShouldClosePosition  bool              `json:"shouldClosePosition,omitempty"`
	IsFullPositionClosure bool             `json:"isFullPositionClosure,omitempty"`
	RejectionReason      string            `json:"rejectionReason,omitempty"`
}

// SourceType identifies what created a TradeOrder, used for the dedup key.
type SourceType string

const (
	SourceAnalysis  SourceType = "analysis"
	SourceRebalance SourceType = "rebalance"
)

// TradeOrder is one row per proposed trade.
type TradeOrder struct {
	ID             string             `json:"id"`
	UserID         string             `json:"userId"`
	Ticker         string             `json:"ticker"`
	Action         Decision           `json:"action"`
	Shares         decimal.Decimal    `json:"shares"`
	DollarAmount   decimal.Decimal    `json:"dollarAmount"`
	Status         TradeOrderStatus   `json:"status"`
	AnalysisID     string             `json:"analysisId,omitempty"`
	RebalanceRunID string             `json:"rebalanceRunId,omitempty"`
	SourceType     SourceType         `json:"sourceType"`
	Metadata       TradeOrderMetadata `json:"metadata"`
	CreatedAt      time.Time          `json:"createdAt"`
	UpdatedAt      time.Time          `json:"updatedAt"`
}

// DedupKey returns the key TradeOrder deduplication is keyed on: one pending
// order per (user, ticker, source type, owning analysis or rebalance).
func (t *TradeOrder) DedupKey() string {
	owner := t.AnalysisID
	if owner == "" {
		owner = t.RebalanceRunID
	}
	return t.UserID + "|" + t.Ticker + "|" + string(t.SourceType) + "|" + owner
}

// UserQuotas are the effective per-user limits resolved from the user's highest-priority role.
type UserQuotas struct {
	MaxParallelAnalysis     int      `json:"maxParallelAnalysis"`
	MaxRebalanceStocks      int      `json:"maxRebalanceStocks"`
	ScheduleResolution      []string `json:"scheduleResolution"` // subset of {Day, Week, Month}
	RebalanceAccess         bool     `json:"rebalanceAccess"`
	OpportunityAgentAccess  bool     `json:"opportunityAgentAccess"`
	EnableLiveTrading       bool     `json:"enableLiveTrading"`
	EnableAutoTrading       bool     `json:"enableAutoTrading"`
	MaxDebateRounds         int      `json:"maxDebateRounds"`
	NearLimitAnalysisAccess bool     `json:"nearLimitAnalysisAccess"`
}

// DefaultUserQuotas are the safe defaults applied when a user has no active role.
func DefaultUserQuotas() UserQuotas {
	return UserQuotas{
		MaxParallelAnalysis:    1,
		MaxRebalanceStocks:     5,
		ScheduleResolution:     []string{"Month"},
		RebalanceAccess:        false,
		OpportunityAgentAccess: false,
		EnableLiveTrading:      false,
		EnableAutoTrading:      false,
		MaxDebateRounds:        2,
		NearLimitAnalysisAccess: false,
	}
}

// IntervalUnit is the closed set of schedule interval units.
type IntervalUnit string

const (
	IntervalDays   IntervalUnit = "days"
	IntervalWeeks  IntervalUnit = "weeks"
	IntervalMonths IntervalUnit = "months"
)

// ScheduleRule is one user's recurring rebalance schedule.
type ScheduleRule struct {
	ID               string       `json:"id"`
	UserID           string       `json:"userId"`
	Enabled          bool         `json:"enabled"`
	IntervalValue    int          `json:"intervalValue"`
	IntervalUnit     IntervalUnit `json:"intervalUnit"`
	TimeOfDayMinutes int          `json:"timeOfDayMinutes"` // minutes since midnight; must be :00 or :30
	Timezone         string       `json:"timezone"`
	SelectedTickers  []string     `json:"selectedTickers"`
	IncludeWatchlist bool         `json:"includeWatchlist"`
	DayOfWeek        []int        `json:"dayOfWeek,omitempty"` // 0=Sunday .. 6=Saturday
	AnchorDate       time.Time    `json:"anchorDate"`
	LastExecutedAt   *time.Time   `json:"lastExecutedAt,omitempty"`
	Constraints      RebalanceConstraints `json:"constraints"`
}
