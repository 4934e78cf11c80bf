package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Heartbeat producer metrics
	PingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_ping_attempts_total",
			Help: "Heartbeat send attempts by transport protocol",
		},
		[]string{"protocol"},
	)

	PingSuccesses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_ping_success_total",
			Help: "Successful heartbeat sends by transport protocol",
		},
		[]string{"protocol"},
	)

	PingFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_ping_failure_total",
			Help: "Failed heartbeat sends by transport protocol",
		},
		[]string{"protocol"},
	)

	PingLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_ping_latency_seconds",
			Help:    "Heartbeat send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	// Consumer metrics
	HeartbeatBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorum_heartbeat_batch_size",
			Help:    "Records per consumed heartbeat batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		},
	)

	HeartbeatBatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quorum_heartbeat_batch_latency_seconds",
			Help:    "Time spent processing a heartbeat batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	HeartbeatIngested = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorum_heartbeat_ingest_total",
			Help: "Heartbeat records applied to the fleet projection",
		},
	)

	HeartbeatRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_heartbeat_batch_retries_total",
			Help: "Heartbeat batch processing retries by partition",
		},
		[]string{"partition"},
	)

	HeartbeatDLQRouted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorum_heartbeat_dlq_routed_total",
			Help: "Heartbeat records republished to the dead-letter topic",
		},
	)

	// Fleet projection metrics
	FleetEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "quorum_fleet_entries",
			Help: "Instances currently tracked in the fleet projection",
		},
	)

	FleetRetired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorum_fleet_retired_total",
			Help: "Projection entries deleted after the retirement threshold",
		},
	)

	// Approval metrics
	ApprovalRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_approval_requests_total",
			Help: "Approval requests created by type",
		},
		[]string{"type"},
	)

	ApprovalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_approval_transitions_total",
			Help: "Approval request terminal transitions by status",
		},
		[]string{"status"},
	)

	ApprovalConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "quorum_approval_version_conflicts_total",
			Help: "Optimistic concurrency conflicts on the approval aggregate",
		},
	)

	// Resilience metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quorum_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "to"},
	)

	RetryBudgetRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_retry_budget_rejected_total",
			Help: "Retries denied by the sliding-window retry budget",
		},
		[]string{"name"},
	)

	BulkheadRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_bulkhead_rejected_total",
			Help: "Calls rejected by a saturated bulkhead",
		},
		[]string{"name"},
	)

	// Cache metrics
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_cache_hits_total",
			Help: "Cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_cache_misses_total",
			Help: "Cache misses by tier",
		},
		[]string{"tier"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quorum_api_requests_total",
			Help: "API requests by route and status code",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quorum_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(PingAttempts)
	prometheus.MustRegister(PingSuccesses)
	prometheus.MustRegister(PingFailures)
	prometheus.MustRegister(PingLatency)
	prometheus.MustRegister(HeartbeatBatchSize)
	prometheus.MustRegister(HeartbeatBatchLatency)
	prometheus.MustRegister(HeartbeatIngested)
	prometheus.MustRegister(HeartbeatRetries)
	prometheus.MustRegister(HeartbeatDLQRouted)
	prometheus.MustRegister(FleetEntries)
	prometheus.MustRegister(FleetRetired)
	prometheus.MustRegister(ApprovalRequestsTotal)
	prometheus.MustRegister(ApprovalTransitions)
	prometheus.MustRegister(ApprovalConflicts)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitions)
	prometheus.MustRegister(RetryBudgetRejected)
	prometheus.MustRegister(BulkheadRejected)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
