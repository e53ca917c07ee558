// Package metrics defines harvestd's Prometheus metrics, grounded in
// the pack's metrics package (infraagent_* counters/histograms
// registered against a package-level registry, with a Record* helper
// per concern). Metric naming follows the same convention: harvest_
// prefix, _total for counters, _seconds for duration histograms.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the private collector registry harvestd serves on
// /metrics — kept separate from prometheus.DefaultRegisterer so tests
// can spin up an isolated Registry per case.
var Registry = prometheus.NewRegistry()

var (
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_runs_total",
			Help: "Total runs by terminal status.",
		},
		[]string{"status"},
	)

	RunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harvest_run_duration_seconds",
			Help:    "Duration of a run's attempt cycle in seconds.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	EngineAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_engine_attempts_total",
			Help: "Total engine attempts by tier and classifier decision.",
		},
		[]string{"tier", "decision"},
	)

	EscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_escalations_total",
			Help: "Total tier escalations by source tier.",
		},
		[]string{"from_tier"},
	)

	InterventionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harvest_interventions_created_total",
			Help: "Total intervention tasks created by type.",
		},
		[]string{"type"},
	)

	PendingInterventions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harvest_pending_interventions",
			Help: "Current pending intervention tasks by type.",
		},
		[]string{"type"},
	)

	SessionPoolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_session_pool_size",
			Help: "Number of browser sessions currently held in the pool.",
		},
	)

	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "harvest_active_runs",
			Help: "Number of runs currently executing.",
		},
	)
)

func init() {
	Registry.MustRegister(
		RunsTotal,
		RunDurationSeconds,
		EngineAttemptsTotal,
		EscalationsTotal,
		InterventionsCreatedTotal,
		PendingInterventions,
		SessionPoolSize,
		ActiveRuns,
	)
}

// RecordRunComplete records the terminal outcome and duration of a run.
func RecordRunComplete(status string, duration time.Duration) {
	RunsTotal.WithLabelValues(status).Inc()
	RunDurationSeconds.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordEngineAttempt records one engine attempt and its classifier decision.
func RecordEngineAttempt(tier, decision string) {
	EngineAttemptsTotal.WithLabelValues(tier, decision).Inc()
}

// RecordEscalation records one tier escalation.
func RecordEscalation(fromTier string) {
	EscalationsTotal.WithLabelValues(fromTier).Inc()
}

// RecordInterventionCreated records one new intervention task.
func RecordInterventionCreated(kind string) {
	InterventionsCreatedTotal.WithLabelValues(kind).Inc()
}
