package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/plateful/entitlements/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Redis configuration
	Redis RedisConfig

	// Webhook ingestion configuration
	Webhook WebhookConfig

	// Tier catalog configuration
	Catalog CatalogConfig

	// Entitlement cache and gate configuration
	Entitlements EntitlementsConfig

	// Background job queue configuration
	Jobs JobsConfig

	// Reconciliation sweep configuration
	Reconciler ReconcilerConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// WebhookConfig holds billing provider webhook settings
type WebhookConfig struct {
	// Secret is the shared HMAC key for signature verification
	Secret string
	// FreshnessWindow bounds how old a delivery's occurred-at may be
	FreshnessWindow time.Duration
}

// CatalogConfig holds tier catalog settings
type CatalogConfig struct {
	// Path to a JSON catalog file; empty means the built-in catalog.
	// When set, the file is watched and hot-reloaded on change.
	Path string
}

// EntitlementsConfig holds entitlement cache and gate settings
type EntitlementsConfig struct {
	CacheSize  int
	CacheTTL   time.Duration
	GraceHours int
}

// JobsConfig holds worker pool, retry, and circuit breaker settings
type JobsConfig struct {
	Workers       int
	Buffer        int
	MaxAttempts   int
	RatePerSecond float64
	Burst         int

	BreakerThreshold      int
	BreakerWindow         time.Duration
	BreakerCooldown       time.Duration
	BreakerProbeBudget    int
	BreakerProbeSuccesses int
}

// ReconcilerConfig holds reconciliation sweep settings
type ReconcilerConfig struct {
	// Schedule is a cron expression; ignored in run-once mode
	Schedule string
	// MinAge keeps the sweep off events the ingest path may still be applying
	MinAge    time.Duration
	BatchSize int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Webhook:       loadWebhookConfig(),
		Catalog:       loadCatalogConfig(),
		Entitlements:  loadEntitlementsConfig(),
		Jobs:          loadJobsConfig(),
		Reconciler:    loadReconcilerConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("PLATEFUL_HOST", "0.0.0.0"),
		Port:            getEnv("PLATEFUL_PORT", "8080"),
		ReadTimeout:     getEnvDuration("PLATEFUL_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("PLATEFUL_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("PLATEFUL_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("PLATEFUL_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("PLATEFUL_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:          getEnv("PLATEFUL_POSTGRES_URL", ""),
		MaxOpenConns: getEnvInt("PLATEFUL_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns: getEnvInt("PLATEFUL_POSTGRES_IDLE_CONNS", 5),
		ConnLifetime: getEnvDuration("PLATEFUL_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("PLATEFUL_REDIS_ADDR", "localhost:6379"),
		Password: getEnv("PLATEFUL_REDIS_PASSWORD", ""),
		DB:       getEnvInt("PLATEFUL_REDIS_DB", 0),
		PoolSize: getEnvInt("PLATEFUL_REDIS_POOL_SIZE", 10),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Secret:          getEnv("PLATEFUL_WEBHOOK_SECRET", ""),
		FreshnessWindow: getEnvDuration("PLATEFUL_WEBHOOK_FRESHNESS_WINDOW", 5*time.Minute),
	}
}

func loadCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Path: getEnv("PLATEFUL_CATALOG_PATH", ""),
	}
}

func loadEntitlementsConfig() EntitlementsConfig {
	return EntitlementsConfig{
		CacheSize:  getEnvInt("PLATEFUL_ENTITLEMENT_CACHE_SIZE", 16384),
		CacheTTL:   getEnvDuration("PLATEFUL_ENTITLEMENT_CACHE_TTL", time.Minute),
		GraceHours: getEnvInt("PLATEFUL_GRACE_HOURS", 72),
	}
}

func loadJobsConfig() JobsConfig {
	return JobsConfig{
		Workers:       getEnvInt("PLATEFUL_JOB_WORKERS", 4),
		Buffer:        getEnvInt("PLATEFUL_JOB_BUFFER", 256),
		MaxAttempts:   getEnvInt("PLATEFUL_JOB_MAX_ATTEMPTS", 3),
		RatePerSecond: getEnvFloat("PLATEFUL_JOB_RATE_PER_SECOND", 0),
		Burst:         getEnvInt("PLATEFUL_JOB_BURST", 0),

		BreakerThreshold:      getEnvInt("PLATEFUL_BREAKER_THRESHOLD", 5),
		BreakerWindow:         getEnvDuration("PLATEFUL_BREAKER_WINDOW", time.Minute),
		BreakerCooldown:       getEnvDuration("PLATEFUL_BREAKER_COOLDOWN", 30*time.Second),
		BreakerProbeBudget:    getEnvInt("PLATEFUL_BREAKER_PROBES", 2),
		BreakerProbeSuccesses: getEnvInt("PLATEFUL_BREAKER_PROBE_SUCCESSES", 2),
	}
}

func loadReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		Schedule:  getEnv("PLATEFUL_RECONCILER_SCHEDULE", "*/5 * * * *"),
		MinAge:    getEnvDuration("PLATEFUL_RECONCILER_MIN_AGE", time.Minute),
		BatchSize: getEnvInt("PLATEFUL_RECONCILER_BATCH_SIZE", 100),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           ParseLogLevel(getEnv("PLATEFUL_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("PLATEFUL_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("PLATEFUL_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("PLATEFUL_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("PLATEFUL_OTEL_SERVICE_NAME", "plateful-entitlements"),
		OTelServiceVersion: getEnv("PLATEFUL_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("PLATEFUL_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Webhook.FreshnessWindow <= 0 {
		return fmt.Errorf("webhook freshness window must be positive")
	}

	if c.Entitlements.CacheSize <= 0 {
		return fmt.Errorf("entitlement cache size must be positive")
	}
	if c.Entitlements.GraceHours < 0 {
		return fmt.Errorf("grace hours cannot be negative")
	}

	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("job workers must be positive")
	}
	if c.Jobs.MaxAttempts <= 0 {
		return fmt.Errorf("job max attempts must be positive")
	}
	if c.Jobs.BreakerThreshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive")
	}

	if c.Reconciler.BatchSize <= 0 {
		return fmt.Errorf("reconciler batch size must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// ParseLogLevel parses a log level string
func ParseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
