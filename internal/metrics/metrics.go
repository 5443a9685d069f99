// Package metrics provides Prometheus metrics for the work queue, the
// worker pool and the merge gate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "autocoder"

var (
	// ClaimsTotal counts features handed to workers.
	ClaimsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Total number of features claimed by workers",
		},
	)

	// ReleasesTotal counts releases.
	// Labels: outcome (done, retry, blocked, requeue)
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "releases_total",
			Help:      "Total number of feature releases by outcome",
		},
		[]string{"outcome"},
	)

	// QueueFeatures tracks features by status, refreshed on every tick.
	// Labels: status
	QueueFeatures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "features",
			Help:      "Number of features by status",
		},
		[]string{"status"},
	)

	// MergeVerdicts counts merge gate decisions.
	// Labels: verdict (ACCEPT, REJECT)
	MergeVerdicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "verdicts_total",
			Help:      "Total number of merge gate verdicts",
		},
		[]string{"verdict"},
	)

	// MergeDuration tracks how long a verify-and-merge takes.
	MergeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "duration_seconds",
			Help:      "Duration of verify-and-merge in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
	)

	// AgentFailures counts generation attempts that failed.
	// Labels: kind
	AgentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "failures_total",
			Help:      "Total number of failed generation attempts by kind",
		},
		[]string{"kind"},
	)

	// ActiveSlots tracks worker slots currently running a feature.
	ActiveSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_slots",
			Help:      "Number of worker slots working on a feature",
		},
	)

	// OrchestratorState is 1 for the current state and 0 for the others.
	// Labels: state
	OrchestratorState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "state",
			Help:      "Current orchestrator state (1 = current)",
		},
		[]string{"state"},
	)
)

// SetState marks state as current among states.
func SetState(current string, states ...string) {
	for _, s := range states {
		v := 0.0
		if s == current {
			v = 1
		}
		OrchestratorState.WithLabelValues(s).Set(v)
	}
}
