// Package metrics registers the engine's Prometheus collectors. The serve
// command exposes them over /metrics; everything else just increments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TicksTotal counts scheduler ticks, partitioned by outcome.
	TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Scheduler ticks by outcome.",
	}, []string{"outcome"})

	// RunbookErrors counts per-runbook tick failures.
	RunbookErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "scheduler",
		Name:      "runbook_errors_total",
		Help:      "Per-runbook tick failures by runbook name.",
	}, []string{"runbook"})

	// EventsPublished counts scheduler events by message type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "scheduler",
		Name:      "events_published_total",
		Help:      "Events published by message type.",
	}, []string{"type"})

	// EventsHandled counts orchestrator handler invocations.
	EventsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "orchestrator",
		Name:      "events_handled_total",
		Help:      "Handled events by message type and outcome.",
	}, []string{"type", "outcome"})

	// JobsDispatched counts jobs published to worker pools.
	JobsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "orchestrator",
		Name:      "jobs_dispatched_total",
		Help:      "Jobs dispatched by worker pool id.",
	}, []string{"worker"})

	// DispatchFailures counts publishes that exhausted their retry budget.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "orchestrator",
		Name:      "dispatch_failures_total",
		Help:      "Job publishes that failed after retries.",
	})

	// WorkerResults counts results received from workers by status.
	WorkerResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "runbookd",
		Subsystem: "orchestrator",
		Name:      "worker_results_total",
		Help:      "Worker results by reported status.",
	}, []string{"status"})

	// BatchesActive tracks non-terminal batches observed on the last tick.
	BatchesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "runbookd",
		Subsystem: "scheduler",
		Name:      "batches_active",
		Help:      "Non-terminal batches observed on the last tick.",
	})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
