package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foresight_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	RunCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foresight_run_cost_usd",
			Help:    "Cost in USD per run",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)

	// Step metrics
	StepsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_steps_executed_total",
			Help: "Total number of plan steps executed",
		},
		[]string{"phase", "action", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foresight_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"phase", "action"},
	)

	// Budget metrics
	BudgetReserved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foresight_budget_reserved_usd_total",
			Help: "Cumulative USD committed against run budgets",
		},
	)

	BudgetRefusals = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foresight_budget_refusals_total",
			Help: "Total number of refused budget reservations",
		},
	)

	// Verification metrics
	Verifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_verifications_total",
			Help: "Total number of verifier judgments",
		},
		[]string{"result"},
	)

	// Escalation metrics
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_escalations_total",
			Help: "Total number of escalated runs",
		},
		[]string{"trigger"},
	)

	CriticPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_critic_passes_total",
			Help: "Total number of supervisor critic passes",
		},
		[]string{"critic", "status"},
	)

	// Provider metrics
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_provider_calls_total",
			Help: "Total number of research provider calls",
		},
		[]string{"op", "status"},
	)

	// Tracker metrics
	OrphansRecovered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foresight_orphans_recovered_total",
			Help: "Total number of orphaned deep tasks reconciled at startup",
		},
		[]string{"outcome"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foresight_cache_hits_total",
			Help: "Total number of provider cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "foresight_cache_misses_total",
			Help: "Total number of provider cache misses",
		},
	)
)

// RecordRunMetrics records metrics for a completed run.
func RecordRunMetrics(mode, status string, durationSeconds, costUSD float64) {
	RunsCompleted.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	if costUSD > 0 {
		RunCostUSD.Observe(costUSD)
	}
}

// RecordStepMetrics records metrics for one executed step.
func RecordStepMetrics(phase, action, status string, durationSeconds float64) {
	StepsExecuted.WithLabelValues(phase, action, status).Inc()
	if durationSeconds > 0 {
		StepDuration.WithLabelValues(phase, action).Observe(durationSeconds)
	}
}
