// Package metrics provides metrics collection capabilities for the application.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the metrics collectors for the application.
type Metrics struct {
	// Registry is the Prometheus registry for all metrics.
	Registry *prometheus.Registry

	// Common metrics
	RequestCount        *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	RequestInFlight     *prometheus.GaugeVec
	ErrorCount          *prometheus.CounterVec
	ServiceUptime       prometheus.Gauge
	ServiceLastStarted  prometheus.Gauge
	DependencyUp        *prometheus.GaugeVec
	DependencyLatency   *prometheus.HistogramVec
	DependencyErrorRate *prometheus.CounterVec

	// RingBuffer metrics (component A)
	RingBufferOccupancy *prometheus.GaugeVec
	RingBufferDropped   *prometheus.CounterVec
	RingBufferStalled   *prometheus.CounterVec

	// WorkerPool metrics (component B)
	WorkerPoolQueueLength *prometheus.GaugeVec
	WorkerPoolUtilization prometheus.Gauge
	WorkerPoolTaskDuration *prometheus.HistogramVec
	WorkerPoolRetries     *prometheus.CounterVec
	WorkerPoolBackpressure *prometheus.CounterVec

	// CircuitBreaker metrics (component C)
	CircuitBreakerState     *prometheus.GaugeVec
	CircuitBreakerTrips     *prometheus.CounterVec
	RetryAttempts           *prometheus.CounterVec

	// MultiLevelCache metrics (component D)
	CacheHits            *prometheus.CounterVec
	CacheMisses           *prometheus.CounterVec
	CachePromotions       *prometheus.CounterVec
	CacheDemotions        *prometheus.CounterVec
	CacheCompressionRatio *prometheus.HistogramVec

	// ShardedStore metrics (component E)
	ShardHealthy          *prometheus.GaugeVec
	ShardPoolInUse        *prometheus.GaugeVec
	ShardQueryDuration     *prometheus.HistogramVec
	ShardFailovers        *prometheus.CounterVec

	// TxSequencer metrics (component F)
	TxAccepted   *prometheus.CounterVec
	TxRejected   *prometheus.CounterVec
	BatchesClosed prometheus.Counter
	BatchSize     prometheus.Histogram
	BatchLatency  prometheus.Histogram

	// ThresholdSigner / HSM metrics (components G, H)
	TSSSessionsOpened   prometheus.Counter
	TSSSessionsFinalized prometheus.Counter
	TSSPartialsReceived *prometheus.CounterVec
	HSMOperations       *prometheus.CounterVec
	HSMOperationLatency *prometheus.HistogramVec

	// Recovery metrics (component I)
	CheckpointsWritten prometheus.Counter
	ReconciliationRuns *prometheus.CounterVec
}

// Config holds the configuration for metrics.
type Config struct {
	// Namespace is the Prometheus namespace for all metrics.
	Namespace string
	// Subsystem is the Prometheus subsystem for all metrics.
	Subsystem string
	// ServiceName is the name of the service that is collecting metrics.
	ServiceName string
}

// DefaultConfig returns a default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Namespace:   "rollupcore",
		Subsystem:   "",
		ServiceName: "rollupcore",
	}
}

// New creates a new metrics collector with the given configuration.
func New(cfg Config) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		Registry: registry,

		RequestCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_total",
				Help:      "Total number of requests received",
			},
			[]string{"service", "method", "path", "status"},
		),

		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		),

		RequestInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_in_flight",
				Help:      "Current number of requests being processed",
			},
			[]string{"service"},
		),

		ErrorCount: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"service", "type", "code"},
		),

		ServiceUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_uptime_seconds",
				Help:      "Service uptime in seconds",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		ServiceLastStarted: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "service_last_started_timestamp",
				Help:      "Timestamp when the service was last started",
				ConstLabels: prometheus.Labels{
					"service": cfg.ServiceName,
				},
			},
		),

		DependencyUp: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_up",
				Help:      "Whether the dependency is up (1) or down (0)",
			},
			[]string{"service", "dependency"},
		),

		DependencyLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_latency_seconds",
				Help:      "Dependency request latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "dependency", "operation"},
		),

		DependencyErrorRate: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "dependency_errors_total",
				Help:      "Total number of dependency errors",
			},
			[]string{"service", "dependency", "operation"},
		),

		RingBufferOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ringbuffer",
				Name:      "occupancy",
				Help:      "Number of Ready slots awaiting a consumer",
			},
			[]string{"buffer"},
		),

		RingBufferDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ringbuffer",
				Name:      "dropped_total",
				Help:      "Total publishes dropped under the Drop overflow policy",
			},
			[]string{"buffer"},
		),

		RingBufferStalled: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "ringbuffer",
				Name:      "stalled_total",
				Help:      "Total stalled-cursor or stalled-slot events observed",
			},
			[]string{"buffer", "kind"},
		),

		WorkerPoolQueueLength: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "worker_pool",
				Name:      "queue_length",
				Help:      "Current queue length per priority tier",
			},
			[]string{"priority"},
		),

		WorkerPoolUtilization: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "worker_pool",
				Name:      "utilization",
				Help:      "Fraction of workers currently processing a task",
			},
		),

		WorkerPoolTaskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "worker_pool",
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"task_type"},
		),

		WorkerPoolRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "worker_pool",
				Name:      "retries_total",
				Help:      "Total task retries",
			},
			[]string{"task_type"},
		),

		WorkerPoolBackpressure: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "worker_pool",
				Name:      "backpressure_transitions_total",
				Help:      "Total backpressure state transitions",
			},
			[]string{"direction"},
		),

		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "circuit_breaker",
				Name:      "state",
				Help:      "Circuit breaker state: 0=Closed, 1=Open, 2=HalfOpen",
			},
			[]string{"dependency"},
		),

		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "circuit_breaker",
				Name:      "trips_total",
				Help:      "Total Closed->Open transitions",
			},
			[]string{"dependency"},
		),

		RetryAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "retry",
				Name:      "attempts_total",
				Help:      "Total retry attempts issued by RetryPolicy",
			},
			[]string{"dependency"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "cache",
				Name:      "hits_total",
				Help:      "Total cache hits by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "cache",
				Name:      "misses_total",
				Help:      "Total cache misses by tier",
			},
			[]string{"tier"},
		),

		CachePromotions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "cache",
				Name:      "promotions_total",
				Help:      "Total tier promotions",
			},
			[]string{"from_tier", "to_tier"},
		),

		CacheDemotions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "cache",
				Name:      "demotions_total",
				Help:      "Total tier demotions",
			},
			[]string{"from_tier", "to_tier"},
		),

		CacheCompressionRatio: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "cache",
				Name:      "compression_ratio",
				Help:      "compressed_len / raw_len per stored value",
				Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			},
			[]string{"algorithm"},
		),

		ShardHealthy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "store",
				Name:      "shard_healthy",
				Help:      "Whether a shard is Healthy (1) or Unhealthy (0)",
			},
			[]string{"shard"},
		),

		ShardPoolInUse: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: "store",
				Name:      "pool_connections_in_use",
				Help:      "Connections currently checked out of the per-shard pool",
			},
			[]string{"shard"},
		),

		ShardQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "store",
				Name:      "query_duration_seconds",
				Help:      "Per-shard query duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"shard", "statement"},
		),

		ShardFailovers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "store",
				Name:      "failovers_total",
				Help:      "Total replica promotions due to primary failure",
			},
			[]string{"shard"},
		),

		TxAccepted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "sequencer",
				Name:      "tx_accepted_total",
				Help:      "Total transactions accepted at intake",
			},
			[]string{"type"},
		),

		TxRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "sequencer",
				Name:      "tx_rejected_total",
				Help:      "Total transactions rejected at intake",
			},
			[]string{"reason"},
		),

		BatchesClosed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "sequencer",
				Name:      "batches_closed_total",
				Help:      "Total batches closed and submitted",
			},
		),

		BatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "sequencer",
				Name:      "batch_size",
				Help:      "Number of transactions per closed batch",
				Buckets:   []float64{1, 10, 50, 100, 250, 500, 1000},
			},
		),

		BatchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "sequencer",
				Name:      "batch_latency_seconds",
				Help:      "Time from batch close to settlement confirmation",
				Buckets:   prometheus.DefBuckets,
			},
		),

		TSSSessionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tss",
				Name:      "sessions_opened_total",
				Help:      "Total signing sessions opened",
			},
		),

		TSSSessionsFinalized: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tss",
				Name:      "sessions_finalized_total",
				Help:      "Total signing sessions that reached quorum",
			},
		),

		TSSPartialsReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "tss",
				Name:      "partials_received_total",
				Help:      "Total partial signatures received",
			},
			[]string{"party"},
		),

		HSMOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "hsm",
				Name:      "operations_total",
				Help:      "Total HSM operations by kind",
			},
			[]string{"operation"},
		),

		HSMOperationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: "hsm",
				Name:      "operation_latency_seconds",
				Help:      "HSM operation latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		CheckpointsWritten: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "recovery",
				Name:      "checkpoints_written_total",
				Help:      "Total checkpoints written",
			},
		),

		ReconciliationRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: "recovery",
				Name:      "reconciliation_runs_total",
				Help:      "Total reconciliation loop iterations by outcome",
			},
			[]string{"outcome"},
		),
	}

	m.ServiceLastStarted.Set(float64(time.Now().Unix()))

	return m
}

// Handler returns an HTTP handler for exposing metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordUptime starts a goroutine that updates the service uptime metric.
func (m *Metrics) RecordUptime(done <-chan struct{}) {
	startTime := time.Now()
	ticker := time.NewTicker(1 * time.Second)

	go func() {
		for {
			select {
			case <-ticker.C:
				m.ServiceUptime.Set(time.Since(startTime).Seconds())
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
}

// RecordRequest records metrics for an HTTP request.
func (m *Metrics) RecordRequest(service, method, path string, status int, duration time.Duration) {
	m.RequestCount.WithLabelValues(service, method, path, http.StatusText(status)).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error metric.
func (m *Metrics) RecordError(service, errorType, errorCode string) {
	m.ErrorCount.WithLabelValues(service, errorType, errorCode).Inc()
}

// RecordDependencyStatus records the status of a dependency.
func (m *Metrics) RecordDependencyStatus(service, dependency string, up bool) {
	var value float64
	if up {
		value = 1
	}
	m.DependencyUp.WithLabelValues(service, dependency).Set(value)
}

// RecordDependencyLatency records the latency of a dependency operation.
func (m *Metrics) RecordDependencyLatency(service, dependency, operation string, duration time.Duration) {
	m.DependencyLatency.WithLabelValues(service, dependency, operation).Observe(duration.Seconds())
}

// RecordDependencyError records an error with a dependency.
func (m *Metrics) RecordDependencyError(service, dependency, operation string) {
	m.DependencyErrorRate.WithLabelValues(service, dependency, operation).Inc()
}

// RecordTxAccepted records a transaction accepted at intake.
func (m *Metrics) RecordTxAccepted(txType string) {
	m.TxAccepted.WithLabelValues(txType).Inc()
}

// RecordTxRejected records a transaction reject with its reason code.
func (m *Metrics) RecordTxRejected(reason string) {
	m.TxRejected.WithLabelValues(reason).Inc()
}

// RecordBatchClosed records a closed batch's size.
func (m *Metrics) RecordBatchClosed(size int) {
	m.BatchesClosed.Inc()
	m.BatchSize.Observe(float64(size))
}

// RecordCacheAccess records a cache hit or miss for a tier.
func (m *Metrics) RecordCacheAccess(tier string, hit bool) {
	if hit {
		m.CacheHits.WithLabelValues(tier).Inc()
	} else {
		m.CacheMisses.WithLabelValues(tier).Inc()
	}
}

// RecordShardHealth records a shard's health as a 0/1 gauge.
func (m *Metrics) RecordShardHealth(shard string, healthy bool) {
	var v float64
	if healthy {
		v = 1
	}
	m.ShardHealthy.WithLabelValues(shard).Set(v)
}
