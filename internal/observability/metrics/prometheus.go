// Package metrics provides Prometheus metrics for the fulfillment workflow.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rx_status_transitions_total",
		Help: "Committed prescription status transitions",
	}, []string{"from", "to", "action"})

	WorkflowFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rx_workflow_failures_total",
		Help: "Workflow actions rolled back",
	}, []string{"action"})

	ActionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "rx_workflow_action_duration_seconds",
		Help:    "Workflow action duration including the transaction",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"action"})

	ConflictRoutes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rx_conflict_routes_total",
		Help: "Data entry routing decisions",
	}, []string{"route"})

	InteractionsDetected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rx_drug_interactions_detected_total",
		Help: "Drug-drug interactions found during data entry",
	})

	UnitsAllocated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inventory_units_allocated_total",
		Help: "Units drawn from bottles",
	})

	UnitsRestored = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "inventory_units_restored_total",
		Help: "Units returned to bottles",
	})

	PharmGKBCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pharmgkb_requests_total",
		Help: "PharmGKB API calls by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	PharmGKBDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pharmgkb_request_duration_seconds",
		Help:    "PharmGKB API latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 9),
	}, []string{"endpoint"})

	GenomicsJobs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "genomics_jobs_total",
		Help: "VCF processing jobs by outcome",
	}, []string{"outcome"})

	KafkaMessagesProduced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafka_messages_produced_total",
		Help: "Total Kafka messages produced",
	})

	KafkaMessagesConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kafka_messages_consumed_total",
		Help: "Total Kafka messages consumed",
	})

	OutboxPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending_entries",
		Help: "Pending outbox entries",
	})

	OutboxPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_entries_published_total",
		Help: "Outbox entries handled by the relay",
	}, []string{"outcome"})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"name"})

	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "HTTP requests by route and status code",
	}, []string{"method", "route", "code"})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

var registerOnce sync.Once

// Register adds every collector to reg. Later calls are no-ops.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			Transitions,
			WorkflowFailures,
			ActionDuration,
			ConflictRoutes,
			InteractionsDetected,
			UnitsAllocated,
			UnitsRestored,
			PharmGKBCalls,
			PharmGKBDuration,
			GenomicsJobs,
			KafkaMessagesProduced,
			KafkaMessagesConsumed,
			OutboxPending,
			OutboxPublished,
			CircuitBreakerState,
			HTTPRequests,
			HTTPDuration,
		)
	})
}

// RecordTransition counts a committed transition
func RecordTransition(from, to, action string) {
	if from == "" {
		from = "none"
	}
	Transitions.WithLabelValues(from, to, action).Inc()
}

// ObserveAction records the outcome and latency of a workflow action
func ObserveAction(action string, start time.Time, err error) {
	ActionDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if err != nil {
		WorkflowFailures.WithLabelValues(action).Inc()
	}
}

// RecordPharmGKBCall records one PharmGKB request
func RecordPharmGKBCall(endpoint, outcome string, d time.Duration) {
	PharmGKBCalls.WithLabelValues(endpoint, outcome).Inc()
	PharmGKBDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}

// SetBreakerState publishes a breaker state as 0, 1 or 2
func SetBreakerState(name, state string) {
	v := 0.0
	switch state {
	case "open":
		v = 1
	case "half-open":
		v = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(v)
}

// ObserveHTTP records one served request. route is the matched chi pattern.
func ObserveHTTP(method, route string, code int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
