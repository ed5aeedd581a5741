// Package observability provides structured logging, Prometheus metrics,
// health probes, graceful shutdown and OpenTelemetry setup for dtc.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", id).Info("Usage reported")
//
// NewFileLogger additionally writes to a size-rotated file.
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.UsageReportsTotal.WithLabelValues(observability.OutcomeSuccess).Inc()
//
// # Health
//
// HealthChecker serves /health/live and /health/ready. The database and the
// object store are required; redis only degrades readiness.
package observability
