package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	engineMetricsOnce sync.Once
	engineRegistry    *EngineMetrics

	profileMetricsOnce sync.Once
	profileRegistry    *ProfileAPIMetrics
)

// EngineMetrics captures reconciliation and chain-write activity.
type EngineMetrics struct {
	passes      *prometheus.CounterVec
	submissions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

// Engine returns the lazily-initialised metrics registry for the
// reconciliation engine.
func Engine() *EngineMetrics {
	engineMetricsOnce.Do(func() {
		engineRegistry = &EngineMetrics{
			passes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duopow",
				Subsystem: "engine",
				Name:      "passes_total",
				Help:      "Total reconciliation passes segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duopow",
				Subsystem: "engine",
				Name:      "chain_submissions_total",
				Help:      "Total contract write submissions segmented by method.",
			}, []string{"method"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "duopow",
				Subsystem: "engine",
				Name:      "pass_duration_seconds",
				Help:      "Latency distribution for reconciliation passes.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			engineRegistry.passes,
			engineRegistry.submissions,
			engineRegistry.latency,
		)
	})
	return engineRegistry
}

// ObservePass records one completed reconciliation pass. Outcomes should be
// stable strings such as "registered", "updated", "noop" or "error".
func (m *EngineMetrics) ObservePass(operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.passes.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSubmission counts an accepted contract write submission.
func (m *EngineMetrics) RecordSubmission(method string) {
	if m == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	m.submissions.WithLabelValues(method).Inc()
}

// ProfileAPIMetrics captures outbound Duolingo API activity.
type ProfileAPIMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// ProfileAPI returns the lazily-initialised metrics registry for the
// off-chain profile client.
func ProfileAPI() *ProfileAPIMetrics {
	profileMetricsOnce.Do(func() {
		profileRegistry = &ProfileAPIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "duopow",
				Subsystem: "duolingo",
				Name:      "requests_total",
				Help:      "Total Duolingo API requests segmented by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "duopow",
				Subsystem: "duolingo",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for Duolingo API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
		}
		prometheus.MustRegister(profileRegistry.requests, profileRegistry.latency)
	})
	return profileRegistry
}

// Observe records the outcome of one API call.
func (m *ProfileAPIMetrics) Observe(endpoint, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if endpoint == "" {
		endpoint = "unknown"
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
	m.latency.WithLabelValues(endpoint).Observe(duration.Seconds())
}
