package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KeysConfigured tracks the number of keys loaded into the pool
	KeysConfigured = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrouter_keys_configured",
			Help: "Number of API keys loaded into the pool",
		},
	)

	// KeysHealthy tracks the number of keys currently eligible for selection
	KeysHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrouter_keys_healthy",
			Help: "Number of API keys currently healthy",
		},
	)

	// KeyConsecutiveFailures tracks the circuit breaker counter per masked key
	KeyConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "keyrouter_key_consecutive_failures",
			Help: "Consecutive failures per API key",
		},
		[]string{"key"},
	)

	// KeyFallbackTotal counts selections made while no key was healthy
	KeyFallbackTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyrouter_key_fallback_total",
			Help: "Total number of last-resort key selections",
		},
	)

	// KeyRecoveredTotal counts recovery sweep actions
	KeyRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_key_recovered_total",
			Help: "Total number of recovery sweep actions",
		},
		[]string{"reason"},
	)

	// AttemptsTotal counts backend attempts by outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_attempts_total",
			Help: "Total number of backend attempts",
		},
		[]string{"outcome"},
	)

	// AttemptLatency tracks backend call latency
	AttemptLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "keyrouter_attempt_latency_seconds",
			Help:    "Backend attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// OperationsTotal counts logical operations by final result
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "keyrouter_operations_total",
			Help: "Total number of logical operations",
		},
		[]string{"result"},
	)

	// SnapshotErrorsTotal counts failed snapshot writes
	SnapshotErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "keyrouter_snapshot_errors_total",
			Help: "Total number of failed stats snapshot writes",
		},
	)

	// DBConnectionPoolUsage tracks the percentage of used connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "keyrouter_db_connection_pool_usage_percent",
			Help: "Percentage of database connections in use",
		},
	)
)
