// Package main provides the entry point for the trading coordinator
// server: the analysis and rebalance workflow state machines, the
// stale-analysis sweeper, the schedule runner, brokerage trade execution,
// and the HTTP API tying them together.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atlasflow/trading-coordinator/internal/agentinvoker"
	"github.com/atlasflow/trading-coordinator/internal/analysis"
	"github.com/atlasflow/trading-coordinator/internal/api"
	"github.com/atlasflow/trading-coordinator/internal/autotrade"
	"github.com/atlasflow/trading-coordinator/internal/broker"
	"github.com/atlasflow/trading-coordinator/internal/config"
	"github.com/atlasflow/trading-coordinator/internal/metrics"
	"github.com/atlasflow/trading-coordinator/internal/quotas"
	"github.com/atlasflow/trading-coordinator/internal/rebalance"
	"github.com/atlasflow/trading-coordinator/internal/scheduler"
	"github.com/atlasflow/trading-coordinator/internal/store"
	"github.com/atlasflow/trading-coordinator/internal/sweeper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	logger := setupLogger(getEnvOrDefault("LOG_LEVEL", "info"))
	defer logger.Sync()

	cfg, err := config.Load("./config", "/etc/trading-coordinator")
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("starting trading coordinator",
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.String("metricsAddr", cfg.MetricsAddr),
	)

	st, err := store.NewStore(logger, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize store", zap.Error(err))
	}

	quotaResolver := quotas.NewResolver(logger, st, quotas.DefaultConfig())

	invoker := agentinvoker.New(logger, agentinvoker.DefaultConfig(cfg.AgentBaseURL, cfg.AgentAuthToken))

	brokerClient := broker.New(logger, broker.Config{BaseURL: cfg.BrokerBaseURL})
	credStore := broker.NewEnvCredentialStore()
	executor := broker.NewExecutor(logger, st, brokerClient, credStore)

	analysisCfg := analysis.DefaultConfig()
	analysisCoord := analysis.New(logger, st, invoker, quotaResolver, nil, analysisCfg)

	autoTradeCfg := autotrade.DefaultConfig()
	autoTradeChecker := autotrade.New(logger, st, quotaResolver, executor, autoTradeCfg)
	analysisCoord.SetAutoTrader(autoTradeChecker)

	rebalanceCoord := rebalance.New(logger, st, invoker, quotaResolver, executor, analysisCoord, autoTradeChecker, rebalance.DefaultConfig())

	// Break the natural import cycle: the analysis coordinator notifies the
	// rebalance coordinator once both exist.
	analysisCoord.SetNotifier(rebalanceCoord)

	sweeperCfg := sweeper.Config{
		SweepInterval:           cfg.SweepInterval,
		StaleThreshold:          cfg.StaleThreshold,
		MaxReactivationAttempts: cfg.MaxReactivationAttempts,
	}
	sw := sweeper.New(logger, st, analysisCoord, sweeperCfg)

	cronRunner := scheduler.New(logger, st, rebalanceCoord, scheduler.DefaultConfig())

	apiCfg := api.DefaultConfig()
	apiCfg.Addr = cfg.HTTPAddr
	apiCfg.ServiceToken = os.Getenv("COORD_SERVICE_TOKEN")
	server := api.New(logger, apiCfg, analysisCoord, rebalanceCoord, sw, executor)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metrics.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sw.Start()

	if err := cronRunner.Start(); err != nil {
		logger.Fatal("failed to start schedule runner", zap.Error(err))
	}

	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("api server error", zap.Error(err))
		}
	}()

	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("trading coordinator started successfully",
		zap.String("http", cfg.HTTPAddr),
		zap.String("metrics", cfg.MetricsAddr),
	)

	<-sigChan
	logger.Info("shutdown signal received")

	cronRunner.Stop()
	sw.Stop()
	if err := autoTradeChecker.Close(); err != nil {
		logger.Error("error stopping auto-trade dispatch pool", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("error during server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during metrics server shutdown", zap.Error(err))
	}

	logger.Info("trading coordinator stopped")
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
