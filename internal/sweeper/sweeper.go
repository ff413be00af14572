// Package sweeper periodically reactivates AnalysisRuns that have stalled
// (C7): no agent step has reported progress within the stale threshold.
package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/metrics"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/pkg/types"
	"go.uber.org/zap"
)

// Reactivator resumes a stuck AnalysisRun. Satisfied by *analysis.Coordinator.
type Reactivator interface {
	Reactivate(ctx context.Context, analysisID, userID string, force bool) error
}

// Config tunes the sweep interval, stale threshold, and reactivation cap.
type Config struct {
	SweepInterval           time.Duration
	StaleThreshold          time.Duration
	MaxReactivationAttempts int
}

// DefaultConfig sweeps every minute for runs stale past 3.5 minutes, capped
// at 3 automatic reactivation attempts.
func DefaultConfig() Config {
	return Config{
		SweepInterval:           time.Minute,
		StaleThreshold:          210 * time.Second,
		MaxReactivationAttempts: 3,
	}
}

// Sweeper drives the periodic stale-analysis sweep.
type Sweeper struct {
	logger   *zap.Logger
	store    *store.Store
	analysis Reactivator
	cfg      Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Sweeper.
func New(logger *zap.Logger, st *store.Store, analysis Reactivator, cfg Config) *Sweeper {
	if cfg.SweepInterval <= 0 {
		cfg = DefaultConfig()
	}
	return &Sweeper{
		logger:   logger.Named("sweeper"),
		store:    st,
		analysis: analysis,
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// Start launches the sweep loop in a background goroutine.
func (sw *Sweeper) Start() {
	sw.wg.Add(1)
	go sw.loop()
}

// Stop halts the sweep loop and waits for the in-flight tick to finish.
func (sw *Sweeper) Stop() {
	close(sw.stopCh)
	sw.wg.Wait()
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stopCh:
			return
		case <-ticker.C:
			sw.SweepOnce(context.Background())
		}
	}
}

// SweepOnce runs one pass of §4.7's algorithm: find stale runs, re-verify,
// cap or reactivate each.
func (sw *Sweeper) SweepOnce(ctx context.Context) {
	stale, err := sw.store.FindStaleRunning(sw.cfg.StaleThreshold)
	if err != nil {
		sw.logger.Warn("find stale running failed", zap.Error(err))
		return
	}
	if len(stale) == 0 {
		return
	}

	sw.logger.Info("sweep found stale runs", zap.Int("count", len(stale)))
	for _, run := range stale {
		sw.handleOne(ctx, run.ID)
	}
}

func (sw *Sweeper) handleOne(ctx context.Context, analysisID string) {
	run, err := sw.store.GetAnalysis(analysisID, "")
	if err != nil {
		sw.logger.Warn("stale run vanished before reactivation", zap.String("analysisId", analysisID), zap.Error(err))
		return
	}
	if run.Status != types.AnalysisRunning {
		return
	}

	if run.Metadata.ReactivationAttempts >= sw.cfg.MaxReactivationAttempts {
		err := sw.store.ConditionalUpdateAnalysisStatus(analysisID, types.AnalysisRunning, types.AnalysisError, func(r *types.AnalysisRun) {
			r.Metadata.MaxReactivationsReached = true
			r.Metadata.ErrorReason = "max automatic reactivation attempts reached"
		})
		if err != nil {
			sw.logger.Warn("failed to cap stale run", zap.String("analysisId", analysisID), zap.Error(err))
		} else {
			metrics.StaleReactivations.WithLabelValues("capped").Inc()
		}
		return
	}

	if err := sw.store.MutateAnalysis(analysisID, func(r *types.AnalysisRun) {
		r.Metadata.ReactivationAttempts++
	}); err != nil {
		sw.logger.Warn("failed to increment reactivation attempts", zap.String("analysisId", analysisID), zap.Error(err))
		return
	}

	if err := sw.analysis.Reactivate(ctx, analysisID, "", true); err != nil {
		sw.logger.Warn("reactivation failed", zap.String("analysisId", analysisID), zap.Error(err))
		_ = sw.store.MutateAnalysis(analysisID, func(r *types.AnalysisRun) {
			r.Metadata.FailureReason = err.Error()
		})
		_ = sw.store.ConditionalUpdateAnalysisStatus(analysisID, types.AnalysisRunning, types.AnalysisError, func(r *types.AnalysisRun) {
			r.Metadata.ErrorReason = "reactivation failed: " + err.Error()
		})
		metrics.StaleReactivations.WithLabelValues("failed").Inc()
		return
	}
	metrics.StaleReactivations.WithLabelValues("reactivated").Inc()
}
