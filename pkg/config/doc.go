// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	PLATEFUL_HOST="0.0.0.0"
//	PLATEFUL_PORT="8080"
//	PLATEFUL_HEALTH_PORT="9090"
//	PLATEFUL_READ_TIMEOUT="15s"
//	PLATEFUL_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	PLATEFUL_POSTGRES_URL="postgres://localhost/plateful"
//	PLATEFUL_POSTGRES_MAX_CONNS="25"
//	PLATEFUL_REDIS_ADDR="localhost:6379"
//	PLATEFUL_REDIS_POOL_SIZE="10"
//
// Webhook settings:
//
//	PLATEFUL_WEBHOOK_SECRET="whsec_..."     # required
//	PLATEFUL_WEBHOOK_FRESHNESS_WINDOW="5m"
//
// Entitlement settings:
//
//	PLATEFUL_CATALOG_PATH="/etc/plateful/catalog.json"  # empty = built-in
//	PLATEFUL_ENTITLEMENT_CACHE_SIZE="16384"
//	PLATEFUL_ENTITLEMENT_CACHE_TTL="1m"
//	PLATEFUL_GRACE_HOURS="72"
//
// Job queue settings:
//
//	PLATEFUL_JOB_WORKERS="4"
//	PLATEFUL_JOB_MAX_ATTEMPTS="3"
//	PLATEFUL_BREAKER_THRESHOLD="5"
//	PLATEFUL_BREAKER_COOLDOWN="30s"
//
// Reconciler settings:
//
//	PLATEFUL_RECONCILER_SCHEDULE="*/5 * * * *"
//	PLATEFUL_RECONCILER_MIN_AGE="1m"
//	PLATEFUL_RECONCILER_BATCH_SIZE="100"
//
// Observability settings:
//
//	PLATEFUL_LOG_LEVEL="info"  # debug, info, warn, error
//	PLATEFUL_METRICS_ENABLED="true"
//	PLATEFUL_OTEL_ENABLED="true"
//	PLATEFUL_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %s\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/observability: Uses observability configuration
//   - pkg/jobs: Uses job queue and breaker configuration
package config
