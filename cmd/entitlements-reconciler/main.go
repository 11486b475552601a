package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/plateful/entitlements/pkg/catalog"
	"github.com/plateful/entitlements/pkg/config"
	"github.com/plateful/entitlements/pkg/ingest"
	"github.com/plateful/entitlements/pkg/observability"
	"github.com/plateful/entitlements/pkg/subscription"
	"github.com/plateful/entitlements/pkg/usage"
)

var (
	dbURL       = flag.String("db-url", getEnv("PLATEFUL_POSTGRES_URL", "postgres://localhost/plateful?sslmode=disable"), "PostgreSQL connection URL")
	schedule    = flag.String("schedule", getEnv("PLATEFUL_RECONCILER_SCHEDULE", "*/5 * * * *"), "Cron schedule for reconciliation sweeps")
	catalogPath = flag.String("catalog", getEnv("PLATEFUL_CATALOG_PATH", ""), "Path to a JSON tier catalog; empty uses the built-in tiers")
	minAge      = flag.Duration("min-age", time.Minute, "Skip events newer than this so the ingest path can finish first")
	batchSize   = flag.Int("batch-size", 100, "Maximum events redriven per sweep")
	runOnce     = flag.Bool("run-once", false, "Run one sweep and exit")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger(config.ParseLogLevel(os.Getenv("PLATEFUL_LOG_LEVEL")), os.Stdout)

	db, err := sql.Open("postgres", *dbURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	var tierSource catalog.Source
	if *catalogPath != "" {
		fileSource, err := catalog.NewFileSource(*catalogPath, func(err error) {
			logger.WithError(err).Error("Catalog reload failed")
		})
		if err != nil {
			log.Fatalf("Failed to load tier catalog from %s: %v", *catalogPath, err)
		}
		defer fileSource.Close()
		tierSource = fileSource
	} else {
		tierSource = catalog.NewStaticSource(catalog.DefaultTiers())
	}

	// No entitlement cache here: server replicas re-resolve on their TTL
	// after the sweep rewrites state.
	store := subscription.NewSQLStore(db)
	ledger := usage.NewLedger(db)
	machine := subscription.NewMachine(store, tierSource, ledger, nil, logger)
	eventStore := ingest.NewEventStore(db)
	reconciler := ingest.NewReconciler(eventStore, machine, logger, *minAge, *batchSize)

	if *runOnce {
		redriven, err := reconciler.Run(context.Background())
		if err != nil {
			log.Fatalf("Reconciliation sweep failed: %v", err)
		}
		log.Printf("Reconciliation sweep completed, %d events redriven", redriven)
		return
	}

	c := cron.New()
	_, err = c.AddFunc(*schedule, func() {
		redriven, err := reconciler.Run(context.Background())
		if err != nil {
			log.Printf("Reconciliation sweep failed: %v", err)
			return
		}
		if redriven > 0 {
			log.Printf("Reconciliation sweep redrove %d events", redriven)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule reconciliation sweep: %v", err)
	}

	c.Start()
	log.Printf("Plateful reconciler started, schedule: %s", *schedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Shutting down gracefully...")

	// Wait for any in-flight sweep before exiting
	ctx := c.Stop()
	<-ctx.Done()
	log.Println("Shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
