// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "couture"

var (
	// LLMRequests counts completion calls by provider, purpose and outcome.
	LLMRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "Completion requests sent to the AI provider.",
	}, []string{"model", "purpose", "outcome"})

	// LLMLatency observes completion call latency.
	LLMLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "request_duration_seconds",
		Help:      "Latency of completion requests.",
		Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
	}, []string{"model", "purpose"})

	// GradingFallbacks counts questions graded with a default verdict.
	GradingFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grading",
		Name:      "fallbacks_total",
		Help:      "Questions whose grade came from a fallback instead of a model verdict.",
	}, []string{"reason"})

	// Attempts counts graded attempts by quiz type.
	Attempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grading",
		Name:      "attempts_total",
		Help:      "Graded attempts.",
	}, []string{"quiz_type"})

	// RejectedAttempts counts submissions rejected before grading.
	RejectedAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "grading",
		Name:      "rejected_total",
		Help:      "Submissions rejected before grading.",
	}, []string{"reason"})

	// PersistenceFailures counts failed state-writer steps.
	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "step_failures_total",
		Help:      "State writer steps that failed and were skipped.",
	}, []string{"step"})

	// EventsPublished counts domain events by routing key and outcome.
	EventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Domain events handed to the broker.",
	}, []string{"routing_key", "outcome"})
)

// Registry is the registry all collectors are attached to.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		LLMRequests,
		LLMLatency,
		GradingFallbacks,
		Attempts,
		RejectedAttempts,
		PersistenceFailures,
		EventsPublished,
		prometheus.NewGoCollector(),
	)
}

// Handler serves the registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
