package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry records counter increments so tests can assert on them.
type MockMetricsRegistry struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewMockMetricsRegistry creates an empty MockMetricsRegistry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{counters: make(map[string]int)}
}

func (m *MockMetricsRegistry) inc(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counters == nil {
		m.counters = make(map[string]int)
	}
	m.counters[key]++
}

// Count returns how often the counter named key was incremented, e.g.
// "rejections:cooldown" or "events:display".
func (m *MockMetricsRegistry) Count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key]
}

// HTTP Request metrics
func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests:" + endpoint + ":" + status)
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}

// Engine metrics
func (m *MockMetricsRegistry) IncrementEvaluations(outcome string) { m.inc("evaluations:" + outcome) }
func (m *MockMetricsRegistry) IncrementRejections(reason string)   { m.inc("rejections:" + reason) }
func (m *MockMetricsRegistry) ObserveCandidates(count int)         {}
func (m *MockMetricsRegistry) IncrementConfigErrors()              { m.inc("config_errors") }

// Event tracking metrics
func (m *MockMetricsRegistry) IncrementEvent(eventType string) { m.inc("events:" + eventType) }
func (m *MockMetricsRegistry) IncrementReportFailures(eventType string) {
	m.inc("report_failures:" + eventType)
}

// Session store metrics
func (m *MockMetricsRegistry) IncrementSessionConflicts() { m.inc("session_conflicts") }

// Rate limiting metrics
func (m *MockMetricsRegistry) IncrementRateLimitRequests(websiteID string) {
	m.inc("ratelimit_requests:" + websiteID)
}
func (m *MockMetricsRegistry) IncrementRateLimitHits(websiteID string) {
	m.inc("ratelimit_hits:" + websiteID)
}
