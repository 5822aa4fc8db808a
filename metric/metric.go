// Package metric exposes Prometheus collectors for the orchestration
// core: invocation outcomes and latency, provider health states, run
// durations, and selection misses.
package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// healthStateValues maps health states to gauge values so dashboards
// can threshold on them.
var healthStateValues = map[string]float64{
	"healthy":     0,
	"degraded":    1,
	"unavailable": 2,
}

// Set bundles the core's collectors, registered on one registerer.
type Set struct {
	invocations    *prometheus.CounterVec
	invocationTime *prometheus.HistogramVec
	healthState    *prometheus.GaugeVec
	runDuration    *prometheus.HistogramVec
	selectionMiss  *prometheus.CounterVec
	activeRuns     prometheus.Gauge
}

// NewSet creates and registers the collectors. Pass
// prometheus.DefaultRegisterer for the process-wide registry, or a
// fresh registry in tests.
func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)

	return &Set{
		invocations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmesh",
			Name:      "invocations_total",
			Help:      "Provider invocations by outcome.",
		}, []string{"provider", "outcome"}),

		invocationTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelmesh",
			Name:      "invocation_duration_seconds",
			Help:      "Provider invocation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"provider"}),

		healthState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "modelmesh",
			Name:      "provider_health_state",
			Help:      "Provider health: 0 healthy, 1 degraded, 2 unavailable.",
		}, []string{"provider"}),

		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modelmesh",
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration by terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"status"}),

		selectionMiss: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modelmesh",
			Name:      "selection_misses_total",
			Help:      "Selections that found no dispatchable provider.",
		}, []string{"category"}),

		activeRuns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "modelmesh",
			Name:      "active_runs",
			Help:      "Workflow runs currently executing.",
		}),
	}
}

// ObserveInvocation records one provider invocation attempt.
func (s *Set) ObserveInvocation(providerID, outcome string, d time.Duration) {
	s.invocations.WithLabelValues(providerID, outcome).Inc()
	s.invocationTime.WithLabelValues(providerID).Observe(d.Seconds())
}

// SetHealthState records a provider's health state.
func (s *Set) SetHealthState(providerID, state string) {
	s.healthState.WithLabelValues(providerID).Set(healthStateValues[state])
}

// ObserveRun records a finished run.
func (s *Set) ObserveRun(status string, d time.Duration) {
	s.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// IncSelectionMiss records a NoProviderAvailable outcome.
func (s *Set) IncSelectionMiss(category string) {
	s.selectionMiss.WithLabelValues(category).Inc()
}

// RunStarted increments the active-run gauge.
func (s *Set) RunStarted() { s.activeRuns.Inc() }

// RunFinished decrements the active-run gauge.
func (s *Set) RunFinished() { s.activeRuns.Dec() }
