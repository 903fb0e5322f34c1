// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks and graceful shutdown for keel.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithComponent("locks").WithField("lock_id", id).Info("lock acquired")
//
// Request scoped loggers are stored in the context by the RPC interceptors
// and recovered with FromContext, which adds request id, method and
// principal fields.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.EventsPublishedTotal.WithLabelValues("CREATE").Inc()
//	observability.RegisterMetricsEndpoint(router, registry)
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(router, checker)
//	go checker.SyncGRPC(ctx, grpcHealth, 10*time.Second)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{...}, logger)
//	defer providers.Shutdown(ctx)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/rpc: interceptors that feed these metrics and loggers
package observability
