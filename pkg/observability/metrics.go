package observability

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// RPC metrics
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec
	RPCStreamsActive   *prometheus.GaugeVec

	// Catalog metrics
	ResourceMutationsTotal *prometheus.CounterVec
	PermissionChecksTotal  *prometheus.CounterVec
	SchemaCacheTotal       *prometheus.CounterVec

	// Event bus metrics
	EventsPublishedTotal *prometheus.CounterVec
	EventSubscribers     prometheus.Gauge
	EventDropsTotal      prometheus.Counter

	// Lock metrics
	LocksHeld        prometheus.Gauge
	LockWaitDuration *prometheus.HistogramVec
	LockConflicts    prometheus.Counter

	// Identity metrics
	LoginsTotal *prometheus.CounterVec

	// Storage metrics
	StorageRetriesTotal *prometheus.CounterVec
	DBConnectionsOpen   prometheus.Gauge
	DBConnectionsInUse  prometheus.Gauge
	DBWaitCount         prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		RPCRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_rpc_requests_total",
				Help: "Total number of RPCs by method and status code",
			},
			[]string{"method", "code"},
		),
		RPCRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_rpc_request_duration_seconds",
				Help:    "Unary RPC duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RPCStreamsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keel_rpc_streams_active",
				Help: "Number of open server streams by method",
			},
			[]string{"method"},
		),
		ResourceMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_resource_mutations_total",
				Help: "Total number of resource mutations by kind and operation",
			},
			[]string{"kind", "operation"},
		),
		PermissionChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_permission_checks_total",
				Help: "Total number of permission checks by action and result",
			},
			[]string{"action", "result"},
		),
		SchemaCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_schema_cache_total",
				Help: "Compiled schema cache lookups by result",
			},
			[]string{"result"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_events_published_total",
				Help: "Total number of events published by type",
			},
			[]string{"type"},
		),
		EventSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_event_subscribers",
				Help: "Number of live event subscriptions",
			},
		),
		EventDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keel_event_subscriber_drops_total",
				Help: "Subscriptions closed because their buffer overflowed",
			},
		),
		LocksHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_locks_held",
				Help: "Number of locks currently held through this instance",
			},
		),
		LockWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_lock_wait_duration_seconds",
				Help:    "Time spent waiting for a lock",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"mode"},
		),
		LockConflicts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keel_lock_conflicts_total",
				Help: "TryLock calls rejected because the lock was held",
			},
		),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_logins_total",
				Help: "Login and refresh attempts by method and result",
			},
			[]string{"method", "result"},
		),
		StorageRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_storage_retries_total",
				Help: "Transient storage failures retried by operation",
			},
			[]string{"operation"},
		),
		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_db_connections_open",
				Help: "Open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_db_connections_in_use",
				Help: "Database connections in use",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "keel_db_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.RPCRequestsTotal,
		m.RPCRequestDuration,
		m.RPCStreamsActive,
		m.ResourceMutationsTotal,
		m.PermissionChecksTotal,
		m.SchemaCacheTotal,
		m.EventsPublishedTotal,
		m.EventSubscribers,
		m.EventDropsTotal,
		m.LocksHeld,
		m.LockWaitDuration,
		m.LockConflicts,
		m.LoginsTotal,
		m.StorageRetriesTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBWaitCount,
	)

	return m
}

// NewNopMetrics returns metrics registered on a private registry, for
// tests and for components constructed without a shared registry.
func NewNopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveRPC records one finished unary RPC
func (m *Metrics) ObserveRPC(method, code string, took time.Duration) {
	m.RPCRequestsTotal.WithLabelValues(method, code).Inc()
	m.RPCRequestDuration.WithLabelValues(method).Observe(took.Seconds())
}

// UpdateDBStats copies connection pool statistics into gauges
func (m *Metrics) UpdateDBStats(stats sql.DBStats) {
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// RegisterMetricsEndpoint exposes the registry on /metrics
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})).Methods(http.MethodGet)
}
