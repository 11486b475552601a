// Package observability provides structured logging, Prometheus metrics, and OpenTelemetry tracing.
//
// # Overview
//
// This package centralizes observability infrastructure including JSON logging, metrics
// collection, health checks, and graceful shutdown coordination.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger(observability.LevelInfo)
//	logger.Info("Server started", "port", 8080)
//
// Context-aware logging:
//
//	logger.WithField("account_id", accountID).Error("Event apply failed", err)
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.WebhookEventsTotal.WithLabelValues("invoice.payment_succeeded", "applied").Inc()
//	metrics.GateDecisionsTotal.WithLabelValues("ai_generation", "false", "quota_exceeded").Inc()
//
// # Health Checks
//
// Configure health checker:
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
// Initialize tracing:
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		ServiceName: "entitlementsd",
//		Endpoint:    "otel-collector:4317",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
