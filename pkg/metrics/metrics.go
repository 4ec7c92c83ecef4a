package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_gateway_requests_total",
			Help: "Total number of gateway requests by route and status code",
		},
		[]string{"route", "code"},
	)

	GatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardsql_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsql_circuit_breaker_state",
			Help: "Circuit breaker state per shard (0=closed, 1=half_open, 2=open)",
		},
		[]string{"shard"},
	)

	PooledConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsql_gateway_pool_connections",
			Help: "Active connections held in the per-shard pool",
		},
		[]string{"shard"},
	)

	// Router metrics
	RouterResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_router_resolutions_total",
			Help: "Total number of shard resolutions by reason",
		},
		[]string{"reason"},
	)

	RouterDualWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_router_dual_write_failures_total",
			Help: "Total number of dual-write failures by target outcome",
		},
		[]string{"outcome"},
	)

	ShardHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsql_shard_health_status",
			Help: "Shard health status (0=healthy, 1=degraded, 2=unhealthy)",
		},
		[]string{"shard"},
	)

	// Shard storage engine metrics
	ShardMutationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardsql_shard_mutation_duration_seconds",
			Help:    "Time taken to execute a mutation against a shard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	ShardQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardsql_shard_query_duration_seconds",
			Help:    "Time taken to execute a query against a shard",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	ShardCapacityBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsql_shard_capacity_bytes",
			Help: "Current size in bytes of a shard's data file",
		},
		[]string{"shard"},
	)

	ShardCapacityRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_shard_capacity_rejections_total",
			Help: "Total number of mutations rejected for exceeding shard capacity",
		},
		[]string{"shard"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_cache_hits_total",
			Help: "Total number of cache hits by consistency mode",
		},
		[]string{"mode"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_cache_misses_total",
			Help: "Total number of cache misses by consistency mode",
		},
		[]string{"mode"},
	)

	CacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardsql_cache_invalidations_total",
			Help: "Total number of prefix invalidations applied to the cache",
		},
	)

	CacheEntriesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardsql_cache_entries",
			Help: "Current number of entries held in the query cache",
		},
	)

	// Event bus metrics
	EventBusPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardsql_eventbus_published_total",
			Help: "Total number of events published to the bus",
		},
	)

	EventBusConsumedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardsql_eventbus_consumed_total",
			Help: "Total number of events consumed (post-dedup) from the bus",
		},
	)

	EventBusDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardsql_eventbus_duplicates_total",
			Help: "Total number of duplicate deliveries dropped by idempotent dedup",
		},
	)

	EventBusDeadLetterTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardsql_eventbus_dead_letter_total",
			Help: "Total number of events routed to the dead-letter sink",
		},
	)

	// Split orchestrator metrics
	SplitPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardsql_split_phase",
			Help: "Numeric phase of a shard split plan",
		},
		[]string{"plan"},
	)

	SplitRowsCopiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardsql_split_rows_copied_total",
			Help: "Total number of rows copied during backfill, by plan",
		},
		[]string{"plan"},
	)

	SplitCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardsql_split_cycle_duration_seconds",
			Help:    "Time taken for one orchestrator work cycle across all plans",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Policy store metrics
	RoutingPolicyVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardsql_routing_policy_version",
			Help: "Current routing policy version",
		},
	)
)

func init() {
	prometheus.MustRegister(
		GatewayRequestsTotal,
		GatewayRequestDuration,
		CircuitBreakerState,
		PooledConnections,
		RouterResolutionsTotal,
		RouterDualWriteFailuresTotal,
		ShardHealthStatus,
		ShardMutationDuration,
		ShardQueryDuration,
		ShardCapacityBytes,
		ShardCapacityRejectionsTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		CacheInvalidationsTotal,
		CacheEntriesGauge,
		EventBusPublishedTotal,
		EventBusConsumedTotal,
		EventBusDuplicatesTotal,
		EventBusDeadLetterTotal,
		SplitPhase,
		SplitRowsCopiedTotal,
		SplitCycleDuration,
		RoutingPolicyVersion,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
