package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proofserve_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// engine ticks labelled by outcome (plan, idle, pending, displaying, cooldown)
	EvaluationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_evaluations_total",
			Help: "Total engine evaluation ticks",
		},
		[]string{"outcome"},
	)

	// campaigns dropped by the candidate filter, labelled by rule category
	RejectionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_rejections_total",
			Help: "Total campaign rejections by rule category",
		},
		[]string{"reason"},
	)

	// eligible candidates per tick
	CandidateCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proofserve_candidates",
			Help:    "Number of eligible candidates per evaluation",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21},
		},
	)

	// number of events recorded, labelled by type (display, click, discard)
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_events_total",
			Help: "Total events recorded",
		},
		[]string{"type"},
	)

	// campaigns that failed closed because their rules are invalid
	ConfigErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proofserve_config_errors_total",
			Help: "Total evaluations of campaigns with invalid rules",
		},
	)

	// failed reports to the ingestion endpoint
	ReportFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_report_failures_total",
			Help: "Total failed display/click reports",
		},
		[]string{"type"},
	)

	// optimistic session updates that lost the race
	SessionConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "proofserve_session_conflicts_total",
			Help: "Total session store transaction conflicts",
		},
	)

	// rate limit hits per website
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_ratelimit_hits_total",
			Help: "Total rate limit hits per website",
		},
		[]string{"website_id"},
	)

	// rate limit requests per website
	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proofserve_ratelimit_requests_total",
			Help: "Total rate limit requests per website",
		},
		[]string{"website_id"},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		EvaluationCount,
		RejectionCount,
		CandidateCount,
		EventCount,
		ConfigErrors,
		ReportFailures,
		SessionConflicts,
		RateLimitHits,
		RateLimitRequests,
	)
}
