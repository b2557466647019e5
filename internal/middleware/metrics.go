package middleware

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Request metrics
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janiproxy_requests_total",
		Help: "Total number of proxy requests handled",
	}, []string{"route", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "janiproxy_request_duration_seconds",
		Help:    "Duration of proxy request handling",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// Generation metrics
	generationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "janiproxy_generation_duration_seconds",
		Help:    "Duration of upstream generation calls",
		Buckets: []float64{1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120},
	}, []string{"model", "status"})

	generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janiproxy_generations_total",
		Help: "Total number of upstream generation calls",
	}, []string{"model", "status"})

	// Directive metrics
	directivesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janiproxy_directives_total",
		Help: "Total number of chat directives executed",
	}, []string{"directive"})

	// Contention metrics
	lockContention = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janiproxy_lock_contention_total",
		Help: "Total number of requests rejected while another was in flight",
	})

	cooldownRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janiproxy_cooldown_rejections_total",
		Help: "Total number of requests rejected by the cooldown policy",
	})

	rateLimitExceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "janiproxy_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "janiproxy_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordRequest records one handled proxy request
func (m *Metrics) RecordRequest(route, status string, duration time.Duration) {
	requestsTotal.WithLabelValues(route, status).Inc()
	requestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordGeneration records one upstream generation call
func (m *Metrics) RecordGeneration(model, status string, duration time.Duration) {
	generationDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	generationsTotal.WithLabelValues(model, status).Inc()
}

// RecordDirective records an executed chat directive
func (m *Metrics) RecordDirective(directive string) {
	directivesTotal.WithLabelValues(directive).Inc()
}

// RecordLockContention records a request rejected for concurrent use
func (m *Metrics) RecordLockContention() {
	lockContention.Inc()
}

// RecordCooldownRejection records a request rejected by the cooldown policy
func (m *Metrics) RecordCooldownRejection() {
	cooldownRejections.Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded() {
	rateLimitExceeded.Inc()
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string) {
	storageOperations.WithLabelValues(operation, status).Inc()
}
