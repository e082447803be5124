// Package metrics exposes Prometheus instrumentation for the analysis poller.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Poll outcomes.
const (
	OutcomeSuccess          = "success"
	OutcomeTransientFailure = "transient_failure"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeDiscarded        = "discarded"
)

var (
	// pollsTotal counts settled status fetches by outcome.
	// Labels: outcome (success, transient_failure, permanent_failure, discarded)
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analysis",
		Subsystem: "poller",
		Name:      "polls_total",
		Help:      "Total status fetches by outcome",
	}, []string{"outcome"})

	// fetchLatencySeconds measures backend status fetch latency.
	fetchLatencySeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "analysis",
		Subsystem: "poller",
		Name:      "fetch_latency_seconds",
		Help:      "Latency of backend status fetches",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	// subtoolsResolvedTotal counts first-time subtool resolutions.
	// Labels: subtool
	subtoolsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analysis",
		Subsystem: "results",
		Name:      "subtools_resolved_total",
		Help:      "Subtools resolved with a payload",
	}, []string{"subtool"})

	// subtoolsFailedTotal counts subtools given up on after their grace period.
	// Labels: subtool
	subtoolsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analysis",
		Subsystem: "results",
		Name:      "subtools_failed_total",
		Help:      "Subtools marked failed after the grace period",
	}, []string{"subtool"})

	// runsFinishedTotal counts runs whose polling stopped, by reason.
	// Labels: reason (complete, run_failed, timeout, unavailable, rejected)
	runsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analysis",
		Subsystem: "poller",
		Name:      "runs_finished_total",
		Help:      "Runs whose polling stopped, by reason",
	}, []string{"reason"})

	// connectionTransitionsTotal counts connection status changes.
	// Labels: from, to (connecting, connected, waking, error)
	connectionTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "analysis",
		Subsystem: "connection",
		Name:      "transitions_total",
		Help:      "Connection status transitions",
	}, []string{"from", "to"})
)

// RecordPoll records a settled fetch and its latency.
func RecordPoll(outcome string, latency time.Duration) {
	pollsTotal.WithLabelValues(outcome).Inc()
	fetchLatencySeconds.Observe(latency.Seconds())
}

// RecordDiscarded records a fetch whose result arrived for a superseded run or attempt.
func RecordDiscarded() {
	pollsTotal.WithLabelValues(OutcomeDiscarded).Inc()
}

// RecordSubtoolResolved records the first payload for a subtool.
func RecordSubtoolResolved(subtool string) {
	subtoolsResolvedTotal.WithLabelValues(subtool).Inc()
}

// RecordSubtoolFailed records a subtool that was given up on.
func RecordSubtoolFailed(subtool string) {
	subtoolsFailedTotal.WithLabelValues(subtool).Inc()
}

// RecordRunFinished records why polling for a run stopped.
func RecordRunFinished(reason string) {
	runsFinishedTotal.WithLabelValues(reason).Inc()
}

// RecordConnectionTransition records a connection status change.
func RecordConnectionTransition(from, to string) {
	connectionTransitionsTotal.WithLabelValues(from, to).Inc()
}

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
