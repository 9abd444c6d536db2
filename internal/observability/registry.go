package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics
// This replaces direct access to global Prometheus metrics with dependency injection
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Engine metrics
	IncrementEvaluations(outcome string)
	IncrementRejections(reason string)
	ObserveCandidates(count int)
	IncrementConfigErrors()

	// Event tracking metrics
	IncrementEvent(eventType string)
	IncrementReportFailures(eventType string)

	// Session store metrics
	IncrementSessionConflicts()

	// Rate limiting metrics
	IncrementRateLimitRequests(websiteID string)
	IncrementRateLimitHits(websiteID string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

// Engine metrics
func (r *PrometheusRegistry) IncrementEvaluations(outcome string) {
	EvaluationCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) IncrementRejections(reason string) {
	RejectionCount.WithLabelValues(reason).Inc()
}

func (r *PrometheusRegistry) ObserveCandidates(count int) {
	CandidateCount.Observe(float64(count))
}

func (r *PrometheusRegistry) IncrementConfigErrors() {
	ConfigErrors.Inc()
}

// Event tracking metrics
func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRegistry) IncrementReportFailures(eventType string) {
	ReportFailures.WithLabelValues(eventType).Inc()
}

// Session store metrics
func (r *PrometheusRegistry) IncrementSessionConflicts() {
	SessionConflicts.Inc()
}

// Rate limiting metrics
func (r *PrometheusRegistry) IncrementRateLimitRequests(websiteID string) {
	RateLimitRequests.WithLabelValues(websiteID).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(websiteID string) {
	RateLimitHits.WithLabelValues(websiteID).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

// HTTP Request metrics
func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Engine metrics
func (r *NoOpRegistry) IncrementEvaluations(outcome string) {}
func (r *NoOpRegistry) IncrementRejections(reason string)   {}
func (r *NoOpRegistry) ObserveCandidates(count int)         {}
func (r *NoOpRegistry) IncrementConfigErrors()              {}

// Event tracking metrics
func (r *NoOpRegistry) IncrementEvent(eventType string)          {}
func (r *NoOpRegistry) IncrementReportFailures(eventType string) {}

// Session store metrics
func (r *NoOpRegistry) IncrementSessionConflicts() {}

// Rate limiting metrics
func (r *NoOpRegistry) IncrementRateLimitRequests(websiteID string) {}
func (r *NoOpRegistry) IncrementRateLimitHits(websiteID string)     {}
