// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AnalysesStarted counts Analysis Workflow starts.
	AnalysesStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_analyses_started_total",
		Help: "Total AnalysisRuns started.",
	}, []string{"rebalance_child"})

	// AnalysesFinished counts Analysis Workflow terminations by outcome.
	AnalysesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_analyses_finished_total",
		Help: "Total AnalysisRuns reaching a terminal status.",
	}, []string{"status"})

	// AgentDispatches counts individual agent invocations by phase.
	AgentDispatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_agent_dispatches_total",
		Help: "Total agent invocations dispatched.",
	}, []string{"phase", "agent"})

	// RebalancesStarted counts Rebalance Workflow starts.
	RebalancesStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_rebalances_started_total",
		Help: "Total RebalanceRuns started.",
	})

	// RebalancesFinished counts Rebalance Workflow terminations by outcome.
	RebalancesFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_rebalances_finished_total",
		Help: "Total RebalanceRuns reaching a terminal status.",
	}, []string{"status"})

	// StaleReactivations counts sweeper-driven reactivation attempts.
	StaleReactivations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_stale_reactivations_total",
		Help: "Total stale-sweeper reactivation attempts.",
	}, []string{"outcome"})

	// TradeOrdersExecuted counts approved/rejected trade order decisions.
	TradeOrdersExecuted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_trade_orders_total",
		Help: "Total TradeOrder approve/reject decisions.",
	}, []string{"action", "outcome"})

	// BrokerRequestDuration observes brokerage REST call latency.
	BrokerRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_broker_request_duration_seconds",
		Help:    "Brokerage REST call latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// ParallelAnalysisGauge tracks the number of concurrently running
	// child analyses across all in-flight rebalances.
	ParallelAnalysisGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_parallel_analyses_running",
		Help: "Current count of concurrently running rebalance child analyses.",
	})
)

func init() {
	prometheus.MustRegister(
		AnalysesStarted,
		AnalysesFinished,
		AgentDispatches,
		RebalancesStarted,
		RebalancesFinished,
		StaleReactivations,
		TradeOrdersExecuted,
		BrokerRequestDuration,
		ParallelAnalysisGauge,
	)
}

// Handler returns the HTTP handler serving /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
