// Package quotas resolves per-user role-based limits and periodically
// sweeps schedules that have fallen out of the resolution window they were
// created under.
package quotas

import (
	"sync"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"go.uber.org/zap"
)

// Role is a named bundle of quotas a user can be granted.
type Role struct {
	Name   string
	Quotas types.UserQuotas
}

// Resolver resolves the effective UserQuotas for a user from their active
// role grants, and periodically sweeps state that has outlived its grant.
type Resolver struct {
	logger *zap.Logger
	store  *store.Store

	mu        sync.RWMutex
	roles     map[string]Role   // role name -> role
	userRoles map[string]string // userID -> role name

	sweepInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// Config configures the sweep cadence.
type Config struct {
	SweepInterval time.Duration
}

// DefaultConfig returns the coordinator's default sweep cadence.
func DefaultConfig() Config {
	return Config{SweepInterval: 10 * time.Minute}
}

// NewResolver builds a Resolver with the built-in role catalogue.
func NewResolver(logger *zap.Logger, st *store.Store, cfg Config) *Resolver {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Resolver{
		logger:        logger.Named("quotas"),
		store:         st,
		roles:         builtinRoles(),
		userRoles:     make(map[string]string),
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
	}
}

func builtinRoles() map[string]Role {
	roles := map[string]Role{
		"free": {
			Name:   "free",
			Quotas: types.DefaultUserQuotas(),
		},
		"pro": {
			Name: "pro",
			Quotas: types.UserQuotas{
				MaxParallelAnalysis:     3,
				MaxRebalanceStocks:      15,
				ScheduleResolution:      []string{"Week", "Month"},
				RebalanceAccess:         true,
				OpportunityAgentAccess:  true,
				EnableLiveTrading:       true,
				EnableAutoTrading:       false,
				MaxDebateRounds:         3,
				NearLimitAnalysisAccess: true,
			},
		},
		"institutional": {
			Name: "institutional",
			Quotas: types.UserQuotas{
				MaxParallelAnalysis:     10,
				MaxRebalanceStocks:      50,
				ScheduleResolution:      []string{"Day", "Week", "Month"},
				RebalanceAccess:         true,
				OpportunityAgentAccess:  true,
				EnableLiveTrading:       true,
				EnableAutoTrading:       true,
				MaxDebateRounds:         5,
				NearLimitAnalysisAccess: true,
			},
		},
	}
	return roles
}

// SetUserRole grants userID the named role. An unknown role name is a no-op.
func (r *Resolver) SetUserRole(userID, roleName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.roles[roleName]; !ok {
		r.logger.Warn("unknown role", zap.String("role", roleName))
		return
	}
	r.userRoles[userID] = roleName
}

// GetUserQuotas resolves the effective UserQuotas for a user. Users with no
// active grant receive the safe defaults.
func (r *Resolver) GetUserQuotas(userID string) types.UserQuotas {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roleName, ok := r.userRoles[userID]
	if !ok {
		return types.DefaultUserQuotas()
	}
	role, ok := r.roles[roleName]
	if !ok {
		return types.DefaultUserQuotas()
	}
	return role.Quotas
}

// Start launches the periodic sweep loop.
func (r *Resolver) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

// Stop halts the sweep loop and blocks until it exits.
func (r *Resolver) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

func (r *Resolver) sweepLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepOnce()
		case <-r.stopCh:
			return
		}
	}
}

// sweepOnce disables ScheduleRules whose owner no longer holds the
// resolution the rule was created under (e.g. a downgraded role that lost
// "Day" resolution keeps its daily schedule from silently over-firing).
func (r *Resolver) sweepOnce() {
	rules, err := r.store.ListAllSchedules()
	if err != nil {
		r.logger.Error("list schedules for sweep", zap.Error(err))
		return
	}

	disabled := 0
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		quotas := r.GetUserQuotas(rule.UserID)
		if !allowsResolution(quotas.ScheduleResolution, rule.IntervalUnit) {
			if err := r.store.DisableSchedule(rule.ID); err != nil {
				r.logger.Error("disable stale schedule", zap.String("scheduleId", rule.ID), zap.Error(err))
				continue
			}
			disabled++
		}
	}

	if disabled > 0 {
		r.logger.Info("swept stale schedules", zap.Int("disabled", disabled))
	}
}

func allowsResolution(resolutions []string, unit types.IntervalUnit) bool {
	want := map[types.IntervalUnit]string{
		types.IntervalDays:   "Day",
		types.IntervalWeeks:  "Week",
		types.IntervalMonths: "Month",
	}[unit]

	for _, r := range resolutions {
		if r == want {
			return true
		}
	}
	return false
}
