package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/plateful/entitlements/pkg/api"
	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/config"
	"github.com/plateful/entitlements/pkg/entitlement"
	"github.com/plateful/entitlements/pkg/gate"
	"github.com/plateful/entitlements/pkg/ingest"
	"github.com/plateful/entitlements/pkg/jobs"
	"github.com/plateful/entitlements/pkg/middleware"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
	"github.com/plateful/entitlements/pkg/usage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting Plateful entitlements service")

	ctx := context.Background()

	// OpenTelemetry tracing (optional)
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// PostgreSQL
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	for _, schema := range []string{subscription.Schema, usage.Schema, ingest.Schema} {
		if _, err := db.Exec(schema); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
	}
	logger.Info("Database connection established")

	// Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to ping Redis: %v", err)
	}
	logger.Info("Redis connection established")

	// Prometheus
	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Tier catalog: file-backed with hot reload when a path is configured,
	// otherwise the built-in tiers.
	var tierSource catalog.Source
	var fileSource *catalog.FileSource
	if cfg.Catalog.Path != "" {
		fileSource, err = catalog.NewFileSource(cfg.Catalog.Path, func(err error) {
			logger.WithError(err).Error("Catalog reload failed")
		})
		if err != nil {
			log.Fatalf("Failed to load tier catalog from %s: %v", cfg.Catalog.Path, err)
		}
		tierSource = fileSource
		logger.WithField("path", cfg.Catalog.Path).Info("Tier catalog loaded from file")
	} else {
		tierSource = catalog.NewStaticSource(catalog.DefaultTiers())
		logger.Info("Using built-in tier catalog")
	}

	// Core domain wiring. The cache is the machine's invalidator so every
	// committed transition is observable on the next read.
	subStore := subscription.NewSQLStore(db)
	ledger := usage.NewLedger(db)
	cache := entitlement.NewCache(subStore, tierSource, ledger, cfg.Entitlements.CacheSize, cfg.Entitlements.CacheTTL)
	machine := subscription.NewMachine(subStore, tierSource, ledger, cache, logger)
	enforcement := gate.New(cache, ledger, logger, cfg.Entitlements.GraceHours)

	// Webhook ingestion
	verifier := ingest.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.FreshnessWindow)
	eventStore := ingest.NewEventStore(db)
	ingestor := ingest.NewIngestor(verifier, eventStore, machine, logger)

	// Background jobs
	deadLetters := jobs.NewInMemoryDeadLetterStore()
	queue := jobs.NewQueue(jobs.Config{
		Name:    "entitlements",
		Workers: cfg.Jobs.Workers,
		Buffer:  cfg.Jobs.Buffer,
		Retry: jobs.RetryPolicy{
			MaxAttempts: cfg.Jobs.MaxAttempts,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    5 * time.Second,
			Multiplier:  2.0,
		},
		Breaker: jobs.BreakerConfig{
			FailureThreshold: cfg.Jobs.BreakerThreshold,
			Window:           cfg.Jobs.BreakerWindow,
			Cooldown:         cfg.Jobs.BreakerCooldown,
			ProbeSuccesses:   cfg.Jobs.BreakerProbeSuccesses,
			MaxProbes:        cfg.Jobs.BreakerProbeBudget,
		},
		RatePerSecond: cfg.Jobs.RatePerSecond,
		Burst:         cfg.Jobs.Burst,
	}, deadLetters, logger)
	registerJobHandlers(queue, machine, logger)
	queue.Start(ctx)

	// Rate limiting
	rateLimiter := middleware.NewDistributedRateLimitMiddleware(redisClient)

	if metrics != nil {
		machine.SetMetrics(metrics)
		ledger.SetMetrics(metrics)
		cache.SetMetrics(metrics)
		enforcement.SetMetrics(metrics)
		ingestor.SetMetrics(metrics)
		queue.SetMetrics(metrics)
		rateLimiter.SetMetrics(metrics)
	}

	// HTTP API
	webhookHandlers := api.NewWebhookHandlers(ingestor, logger)
	accountHandlers := api.NewAccountHandlers(cache, enforcement, ledger)
	jobHandlers := api.NewJobHandlers(queue, deadLetters)
	server := api.NewServer(logger, webhookHandlers, accountHandlers, jobHandlers, rateLimiter)

	handler := server.Handler()
	if metrics != nil {
		handler = observability.HTTPMetricsMiddleware(metrics)(handler)
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes and scrapers
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("API server failed: %v", err)
		}
	}()
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Health server failed: %v", err)
		}
	}()

	if metrics != nil {
		go reportDBStats(ctx, db, metrics)
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterServer("api", apiServer)
	shutdown.RegisterServer("health", healthServer)
	shutdown.RegisterShutdownFunc("job-queue", func(ctx context.Context) error {
		return queue.Close(ctx)
	})
	if fileSource != nil {
		shutdown.RegisterShutdownFunc("catalog-watcher", func(ctx context.Context) error {
			return fileSource.Close()
		})
	}
	shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
		return redisClient.Close()
	})
	shutdown.RegisterShutdownFunc("database", func(ctx context.Context) error {
		return db.Close()
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Shutdown complete")
}

// reportDBStats samples connection pool gauges until ctx is done.
func reportDBStats(ctx context.Context, db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			metrics.SetDBStats(stats.InUse, stats.Idle)
		}
	}
}
