// Package observability provides logrus logging, Prometheus metrics, OpenTelemetry
// tracing, health checks and graceful shutdown for the extbridge daemon.
//
// # Structured Logging
//
//	logger, err := observability.NewLogger("info", "json")
//	logger.WithFields(logrus.Fields{"group": id}).Info("Removed extension")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordPipelineRun("catalog", "installed")
//
// All recording methods accept a nil *Metrics, so components can run
// without a registry.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version)
//	checker.AddCheck("storage", true, store.HealthCheck)
//	checker.AddCheck("redis", false, observability.RedisCheck(client))
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "extbridge",
//	}, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
