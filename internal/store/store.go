// Package store is the authoritative workflow-state store (AnalysisRun,
// RebalanceRun, TradeOrder, ScheduleRule) with atomic conditional updates.
//
// The store is in-process: a mutex-guarded map per entity kind, with an
// optional JSON snapshot written to disk on Close and loaded on NewStore,
// following the teacher's own data.Store file-cache idiom rather than
// introducing a database driver the teacher never used.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atlasflow/trading-coordinator/pkg/types"
	"github.com/atlasflow/trading-coordinator/internal/coordutil"
	"go.uber.org/zap"
)

// Store is the in-process workflow-state store.
type Store struct {
	logger *zap.Logger

	mu          sync.Mutex
	analyses    map[string]*types.AnalysisRun
	rebalances  map[string]*types.RebalanceRun
	tradeOrders map[string]*types.TradeOrder
	schedules   map[string]*types.ScheduleRule

	dataDir string
}

type snapshot struct {
	Analyses    map[string]*types.AnalysisRun    `json:"analyses"`
	Rebalances  map[string]*types.RebalanceRun   `json:"rebalances"`
	TradeOrders map[string]*types.TradeOrder     `json:"tradeOrders"`
	Schedules   map[string]*types.ScheduleRule   `json:"schedules"`
}

// NewStore creates a store, loading a prior snapshot from dataDir if present.
// dataDir == "" disables persistence: the store is purely in-memory.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	s := &Store{
		logger:      logger.Named("store"),
		analyses:    make(map[string]*types.AnalysisRun),
		rebalances:  make(map[string]*types.RebalanceRun),
		tradeOrders: make(map[string]*types.TradeOrder),
		schedules:   make(map[string]*types.ScheduleRule),
		dataDir:     dataDir,
	}

	if dataDir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	if err := s.load(); err != nil {
		s.logger.Warn("no prior snapshot loaded", zap.Error(err))
	}

	return s, nil
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dataDir, "coordinator_snapshot.json")
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		return err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Analyses != nil {
		s.analyses = snap.Analyses
	}
	if snap.Rebalances != nil {
		s.rebalances = snap.Rebalances
	}
	if snap.TradeOrders != nil {
		s.tradeOrders = snap.TradeOrders
	}
	if snap.Schedules != nil {
		s.schedules = snap.Schedules
	}
	return nil
}

// Close flushes a final snapshot to disk, if persistence is enabled.
func (s *Store) Close() error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.Lock()
	snap := snapshot{
		Analyses:    s.analyses,
		Rebalances:  s.rebalances,
		TradeOrders: s.tradeOrders,
		Schedules:   s.schedules,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return os.WriteFile(s.snapshotPath(), data, 0o644)
}

// --- AnalysisRun ---

// CreateAnalysis inserts a new AnalysisRun.
func (s *Store) CreateAnalysis(run *types.AnalysisRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.analyses[run.ID] = run
	return nil
}

// GetAnalysis returns the run, scoped to userID.
func (s *Store) GetAnalysis(id, userID string) (*types.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.analyses[id]
	if !ok {
		return nil, coordutil.NotFound("analysis run not found")
	}
	if userID != "" && run.UserID != userID {
		return nil, coordutil.Unauthorized("analysis run does not belong to user")
	}
	return run, nil
}

// getAnalysisUnlocked returns the run without an ownership check (service-internal use).
func (s *Store) getAnalysisUnlocked(id string) (*types.AnalysisRun, error) {
	run, ok := s.analyses[id]
	if !ok {
		return nil, coordutil.NotFound("analysis run not found")
	}
	return run, nil
}

// ConditionalUpdateAnalysisStatus applies patch and advances status from
// expected to next only if the current status equals expected. Never
// overwrites a cancelled run.
func (s *Store) ConditionalUpdateAnalysisStatus(id string, expected, next types.AnalysisStatus, patch func(*types.AnalysisRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getAnalysisUnlocked(id)
	if err != nil {
		return err
	}
	if run.Status == types.AnalysisCancelled {
		return coordutil.PreconditionFailed("analysis is cancelled")
	}
	if run.Status != expected {
		return coordutil.PreconditionFailed(fmt.Sprintf("expected status %s, got %s", expected, run.Status))
	}

	run.Status = next
	if patch != nil {
		patch(run)
	}
	run.UpdatedAt = time.Now()
	return nil
}

// CancelAnalysis sets status to cancelled unconditionally: cancellation always wins.
func (s *Store) CancelAnalysis(id string, patch func(*types.AnalysisRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getAnalysisUnlocked(id)
	if err != nil {
		return err
	}
	run.Status = types.AnalysisCancelled
	if patch != nil {
		patch(run)
	}
	run.UpdatedAt = time.Now()
	return nil
}

// SetAgentStepStatus performs an atomic read-modify-write on one agent step
// within the named phase. Returns changed=false without error if the step is
// already in newStatus, so callers can make racing completions idempotent
// (no-op the dispatch-next logic on the second, redundant call).
func (s *Store) SetAgentStepStatus(analysisID, phase, agentName string, newStatus types.AgentStepStatus, patch func(*types.AgentStep)) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getAnalysisUnlocked(analysisID)
	if err != nil {
		return false, err
	}

	ps := run.FullAnalysis.WorkflowSteps.PhaseSteps(phase)
	if ps == nil {
		return false, coordutil.Fatal("phase not found in workflow steps", fmt.Errorf("phase=%s", phase))
	}

	for i := range ps.Steps {
		if ps.Steps[i].Name != agentName {
			continue
		}
		if ps.Steps[i].Status == newStatus {
			return false, nil
		}
		ps.Steps[i].Status = newStatus
		ps.Steps[i].UpdatedAt = time.Now()
		if patch != nil {
			patch(&ps.Steps[i])
		}
		run.UpdatedAt = time.Now()
		return true, nil
	}

	return false, coordutil.Fatal("agent not found in phase", fmt.Errorf("phase=%s agent=%s", phase, agentName))
}

// MutateAnalysis applies patch under lock without a status precondition, for
// internal bookkeeping writes (debate round counters, risk decision hand-off,
// insight-map edits, reactivation counters) and for the status-only fallback
// write used after a failed conditional update.
func (s *Store) MutateAnalysis(id string, patch func(*types.AnalysisRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getAnalysisUnlocked(id)
	if err != nil {
		return err
	}
	if patch != nil {
		patch(run)
	}
	run.UpdatedAt = time.Now()
	return nil
}

// FindStaleRunning returns running AnalysisRuns whose updated_at predates threshold.
func (s *Store) FindStaleRunning(threshold time.Duration) ([]*types.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-threshold)
	var stale []*types.AnalysisRun
	for _, run := range s.analyses {
		if run.Status == types.AnalysisRunning && run.UpdatedAt.Before(cutoff) {
			stale = append(stale, run)
		}
	}
	return stale, nil
}

// --- RebalanceRun ---

// CreateRebalance inserts a new RebalanceRun.
func (s *Store) CreateRebalance(run *types.RebalanceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.WorkflowSteps == nil {
		run.WorkflowSteps = make(map[string]types.RebalanceStepStatus)
	}
	s.rebalances[run.ID] = run
	return nil
}

// GetRebalance returns the run, scoped to userID.
func (s *Store) GetRebalance(id, userID string) (*types.RebalanceRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.rebalances[id]
	if !ok {
		return nil, coordutil.NotFound("rebalance run not found")
	}
	if userID != "" && run.UserID != userID {
		return nil, coordutil.Unauthorized("rebalance run does not belong to user")
	}
	return run, nil
}

func (s *Store) getRebalanceUnlocked(id string) (*types.RebalanceRun, error) {
	run, ok := s.rebalances[id]
	if !ok {
		return nil, coordutil.NotFound("rebalance run not found")
	}
	return run, nil
}

// ConditionalUpdateRebalanceStatus advances status from expected to next,
// never overwriting cancelled.
func (s *Store) ConditionalUpdateRebalanceStatus(id string, expected, next types.RebalanceStatus, patch func(*types.RebalanceRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRebalanceUnlocked(id)
	if err != nil {
		return err
	}
	if run.Status == types.RebalanceCancelled {
		return coordutil.PreconditionFailed("rebalance is cancelled")
	}
	if run.Status != expected {
		return coordutil.PreconditionFailed(fmt.Sprintf("expected status %s, got %s", expected, run.Status))
	}
	run.Status = next
	if patch != nil {
		patch(run)
	}
	run.UpdatedAt = time.Now()
	return nil
}

// MutateRebalance applies patch under lock without a status precondition,
// for bookkeeping writes (snapshot, selection, analysis ids, auto-trade
// outcome) and the fallback tiers of the three-tier error write (C6 4.6.5).
// Cancellation goes through CancelRebalance instead.
func (s *Store) MutateRebalance(id string, patch func(*types.RebalanceRun)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRebalanceUnlocked(id)
	if err != nil {
		return err
	}
	if patch != nil {
		patch(run)
	}
	run.UpdatedAt = time.Now()
	return nil
}

// CancelRebalance sets status to cancelled unconditionally.
func (s *Store) CancelRebalance(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRebalanceUnlocked(id)
	if err != nil {
		return err
	}
	run.Status = types.RebalanceCancelled
	run.UpdatedAt = time.Now()
	return nil
}

// SetRebalanceStep idempotently upserts one entry of the workflow_steps map.
// Returns changed=false without modifying anything if the step is already
// in status, so callers can guard a one-time dispatch (e.g. the portfolio
// manager must fire exactly once even if several sibling completions race
// to trigger it).
func (s *Store) SetRebalanceStep(rebalanceID, stepKey string, status types.AgentStepStatus, patch func(*types.RebalanceStepStatus)) (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRebalanceUnlocked(rebalanceID)
	if err != nil {
		return false, err
	}
	if run.WorkflowSteps == nil {
		run.WorkflowSteps = make(map[string]types.RebalanceStepStatus)
	}
	step, existed := run.WorkflowSteps[stepKey]
	if existed && step.Status == status {
		return false, nil
	}
	step.Status = status
	step.UpdatedAt = time.Now()
	if patch != nil {
		patch(&step)
	}
	run.WorkflowSteps[stepKey] = step
	run.UpdatedAt = time.Now()
	return true, nil
}

// IncrementStocksAnalyzed atomically increments stocks_analyzed and returns
// the (analyzed, total) pair so the caller can detect completion exactly once.
func (s *Store) IncrementStocksAnalyzed(rebalanceID string) (analyzed, total int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.getRebalanceUnlocked(rebalanceID)
	if err != nil {
		return 0, 0, err
	}
	run.StocksAnalyzed++
	run.UpdatedAt = time.Now()
	return run.StocksAnalyzed, run.TotalStocks, nil
}

// ListChildAnalyses returns all AnalysisRuns belonging to rebalanceID.
func (s *Store) ListChildAnalyses(rebalanceID string) ([]*types.AnalysisRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var children []*types.AnalysisRun
	for _, run := range s.analyses {
		if run.RebalanceRunID == rebalanceID {
			children = append(children, run)
		}
	}
	return children, nil
}

// --- TradeOrder ---

// CreateTradeOrder inserts a new TradeOrder in status pending.
func (s *Store) CreateTradeOrder(order *types.TradeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.tradeOrders[order.ID] = order
	return nil
}

// GetTradeOrder returns a TradeOrder by ID.
func (s *Store) GetTradeOrder(id string) (*types.TradeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.tradeOrders[id]
	if !ok {
		return nil, coordutil.NotFound("trade order not found")
	}
	return order, nil
}

// ConditionalUpdateTradeOrderStatus advances status from expected to next.
func (s *Store) ConditionalUpdateTradeOrderStatus(id string, expected, next types.TradeOrderStatus, patch func(*types.TradeOrder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.tradeOrders[id]
	if !ok {
		return coordutil.NotFound("trade order not found")
	}
	if order.Status != expected {
		return coordutil.PreconditionFailed(fmt.Sprintf("expected status %s, got %s", expected, order.Status))
	}
	order.Status = next
	if patch != nil {
		patch(order)
	}
	order.UpdatedAt = time.Now()
	return nil
}

// FindDecidedSibling returns a non-pending TradeOrder already sharing the
// same dedup key, if one exists — used by execute() to short-circuit duplicate
// approve/reject calls.
func (s *Store) FindDecidedSibling(userID, ticker string, source types.SourceType, ownerID string) (*types.TradeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := (&types.TradeOrder{UserID: userID, Ticker: ticker, SourceType: source, AnalysisID: analysisOwner(source, ownerID), RebalanceRunID: rebalanceOwner(source, ownerID)}).DedupKey()

	for _, order := range s.tradeOrders {
		if order.DedupKey() == key && types.IsTradeOrderFinished(order.Status) {
			return order, nil
		}
	}
	return nil, nil
}

func analysisOwner(source types.SourceType, ownerID string) string {
	if source == types.SourceAnalysis {
		return ownerID
	}
	return ""
}

func rebalanceOwner(source types.SourceType, ownerID string) string {
	if source == types.SourceRebalance {
		return ownerID
	}
	return ""
}

// ListPendingTradeOrdersBySource returns pending TradeOrders for the given source.
func (s *Store) ListPendingTradeOrdersBySource(source types.SourceType, ownerID string) ([]*types.TradeOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []*types.TradeOrder
	for _, order := range s.tradeOrders {
		if order.Status != types.TradeOrderPending || order.SourceType != source {
			continue
		}
		if source == types.SourceAnalysis && order.AnalysisID != ownerID {
			continue
		}
		if source == types.SourceRebalance && order.RebalanceRunID != ownerID {
			continue
		}
		pending = append(pending, order)
	}
	return pending, nil
}

// CleanupDuplicateTradeOrders removes any sibling TradeOrder sharing keep's
// dedup key other than keep itself.
func (s *Store) CleanupDuplicateTradeOrders(keep *types.TradeOrder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := keep.DedupKey()
	for id, order := range s.tradeOrders {
		if id == keep.ID {
			continue
		}
		if order.DedupKey() == key {
			delete(s.tradeOrders, id)
		}
	}
	return nil
}

// MutateTradeOrderMetadata applies patch under lock without touching status,
// used by the background order-status poller.
func (s *Store) MutateTradeOrderMetadata(id string, patch func(*types.TradeOrder)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, ok := s.tradeOrders[id]
	if !ok {
		return coordutil.NotFound("trade order not found")
	}
	patch(order)
	order.UpdatedAt = time.Now()
	return nil
}

// --- ScheduleRule ---

// CreateSchedule inserts a new ScheduleRule.
func (s *Store) CreateSchedule(rule *types.ScheduleRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.schedules[rule.ID] = rule
	return nil
}

// GetSchedule returns a ScheduleRule by ID.
func (s *Store) GetSchedule(id string) (*types.ScheduleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.schedules[id]
	if !ok {
		return nil, coordutil.NotFound("schedule rule not found")
	}
	return rule, nil
}

// DisableSchedule disables a ScheduleRule in place.
func (s *Store) DisableSchedule(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.schedules[id]
	if !ok {
		return coordutil.NotFound("schedule rule not found")
	}
	rule.Enabled = false
	return nil
}

// ListAllSchedules returns every ScheduleRule, for the role-limit sweep (C3).
func (s *Store) ListAllSchedules() ([]*types.ScheduleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rules := make([]*types.ScheduleRule, 0, len(s.schedules))
	for _, r := range s.schedules {
		rules = append(rules, r)
	}
	return rules, nil
}

// ListDueSchedules returns enabled rules whose next run falls within
// [now-grace, now+windowAhead], per the next-run algorithm: last_executed_at
// + interval, snapped to time_of_day in the rule's timezone; weekly rules
// additionally require the day to be in day_of_week and
// (weeks_since_anchor % interval) == 0.
func (s *Store) ListDueSchedules(windowAhead, grace time.Duration) ([]*types.ScheduleRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	windowEnd := now.Add(windowAhead)
	windowStart := now.Add(-grace)

	var due []*types.ScheduleRule
	for _, rule := range s.schedules {
		if !rule.Enabled {
			continue
		}
		next := NextRunTime(rule, now)
		if !next.Before(windowStart) && !next.After(windowEnd) {
			due = append(due, rule)
		}
	}
	return due, nil
}

// MarkScheduleExecuted sets last_executed_at so the next run is derived as
// last_executed_at + interval. success, rebalanceID and errMsg are accepted
// but not stored: the rule keeps no record of the firing's outcome.
func (s *Store) MarkScheduleExecuted(id string, success bool, rebalanceID, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, ok := s.schedules[id]
	if !ok {
		return coordutil.NotFound("schedule rule not found")
	}
	now := time.Now()
	rule.LastExecutedAt = &now
	_ = success
	_ = rebalanceID
	_ = errMsg
	return nil
}

// NextRunTime computes the next scheduled firing time for rule relative to now.
func NextRunTime(rule *types.ScheduleRule, now time.Time) time.Time {
	loc, err := time.LoadLocation(rule.Timezone)
	if err != nil || rule.Timezone == "" {
		loc = time.UTC
	}

	base := rule.AnchorDate
	if rule.LastExecutedAt != nil {
		base = *rule.LastExecutedAt
	}

	interval := intervalDuration(rule.IntervalValue, rule.IntervalUnit)
	candidate := base.Add(interval)
	candidate = snapToTimeOfDay(candidate, rule.TimeOfDayMinutes, loc)

	if len(rule.DayOfWeek) == 0 {
		return candidate
	}

	// Weekly rules with explicit weekdays: walk forward day by day until we
	// find an allowed weekday whose week offset from the anchor satisfies the interval.
	anchorWeekStart := startOfWeek(rule.AnchorDate.In(loc))
	for i := 0; i < 7*rule.IntervalValue+7; i++ {
		day := candidate.AddDate(0, 0, i)
		if !containsWeekday(rule.DayOfWeek, int(day.Weekday())) {
			continue
		}
		weeksSinceAnchor := int(startOfWeek(day).Sub(anchorWeekStart).Hours() / (24 * 7))
		if rule.IntervalValue <= 0 || weeksSinceAnchor%rule.IntervalValue == 0 {
			return snapToTimeOfDay(day, rule.TimeOfDayMinutes, loc)
		}
	}
	return candidate
}

func intervalDuration(value int, unit types.IntervalUnit) time.Duration {
	switch unit {
	case types.IntervalDays:
		return time.Duration(value) * 24 * time.Hour
	case types.IntervalWeeks:
		return time.Duration(value) * 7 * 24 * time.Hour
	case types.IntervalMonths:
		return time.Duration(value) * 30 * 24 * time.Hour
	}
	return time.Duration(value) * 24 * time.Hour
}

func snapToTimeOfDay(t time.Time, minutes int, loc *time.Location) time.Time {
	t = t.In(loc)
	hour := minutes / 60
	minute := minutes % 60
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
}

func startOfWeek(t time.Time) time.Time {
	offset := int(t.Weekday())
	d := t.AddDate(0, 0, -offset)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, d.Location())
}

func containsWeekday(days []int, weekday int) bool {
	for _, d := range days {
		if d == weekday {
			return true
		}
	}
	return false
}
