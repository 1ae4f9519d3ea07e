// Package metrics provides Prometheus metrics for the control plane:
// counters and gauges for ingestion, incidents, recovery, probes, scaling,
// and worker lifecycle. Exposed on the ops HTTP surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ingestion ──────────────────────────────────────────────────────────────

// ReadingsAccepted counts readings accepted into device windows.
var ReadingsAccepted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "readings_accepted_total",
	Help:      "Total readings accepted by the feature pipeline.",
})

// ReadingsDropped counts readings dropped by validation, by reason.
var ReadingsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "readings_dropped_total",
	Help:      "Total readings dropped before windowing.",
}, []string{"reason"})

// ─── Incidents ──────────────────────────────────────────────────────────────

// IncidentsTotal counts incidents emitted by fusion and probes.
var IncidentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "incidents_total",
	Help:      "Total incidents by kind and severity.",
}, []string{"kind", "severity"})

// IncidentsResolved counts incident resolutions.
var IncidentsResolved = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "incidents_resolved_total",
	Help:      "Total incidents marked resolved.",
})

// ─── Recovery ───────────────────────────────────────────────────────────────

// RecoveryActions counts dispatched recovery actions by outcome.
var RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "recovery_actions_total",
	Help:      "Total recovery actions by action type and outcome.",
}, []string{"action", "outcome"})

// RecoverySuccessRate tracks the rolling success fraction per action type.
var RecoverySuccessRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "tiresense",
	Name:      "recovery_success_rate",
	Help:      "Success fraction of recovery actions per action type.",
}, []string{"action"})

// CooldownRefusals counts dispatches refused by the cooldown ledger.
var CooldownRefusals = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "cooldown_refusals_total",
	Help:      "Recovery dispatches refused by the cooldown ledger.",
})

// ─── Probes ─────────────────────────────────────────────────────────────────

// ProbeDuration tracks probe check duration in seconds.
var ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tiresense",
	Name:      "probe_duration_seconds",
	Help:      "Health probe check duration.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
}, []string{"probe"})

// ProbeFailures counts probe errors and timeouts.
var ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "probe_failures_total",
	Help:      "Total probe failures by probe and reason.",
}, []string{"probe", "reason"})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthScore is the current system health score in [0,100].
var HealthScore = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tiresense",
	Name:      "health_score",
	Help:      "System health score derived from active incidents.",
})

// ─── Scaling ────────────────────────────────────────────────────────────────

// ScaleEvents counts predictive scaling decisions by direction.
var ScaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "scale_events_total",
	Help:      "Total predictive scale events by direction.",
}, []string{"deployment", "direction"})

// PredictedLoad is the most recent load forecast in [0,1].
var PredictedLoad = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tiresense",
	Name:      "predicted_load",
	Help:      "Latest predictive scaler load forecast.",
})

// ─── Workers ────────────────────────────────────────────────────────────────

// WorkerRestarts counts supervisor task restarts.
var WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "worker_restarts_total",
	Help:      "Total worker restarts by task.",
}, []string{"task"})

// WorkerPanics counts recovered panics in worker run loops.
var WorkerPanics = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "worker_panics_total",
	Help:      "Total recovered panics by task.",
}, []string{"task"})

// ─── Chaos ──────────────────────────────────────────────────────────────────

// ChaosInjections counts chaos faults by type and self-heal outcome.
var ChaosInjections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tiresense",
	Name:      "chaos_injections_total",
	Help:      "Total chaos injections by fault and outcome.",
}, []string{"fault", "outcome"})
