// Package main provides the Pagewise billing API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kamilpajak/pagewise/internal/api"
	"github.com/kamilpajak/pagewise/internal/auth"
	"github.com/kamilpajak/pagewise/internal/billing"
	"github.com/kamilpajak/pagewise/internal/cache"
	"github.com/kamilpajak/pagewise/internal/config"
	"github.com/kamilpajak/pagewise/internal/database"
	"github.com/kamilpajak/pagewise/internal/jobs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var (
		port        = flag.String("port", cfg.Port, "Server port")
		migrateOnly = flag.Bool("migrate", false, "Run migrations and exit")
	)
	flag.Parse()

	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Run migrations
	log.Info("Running database migrations...")
	if err := database.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
	log.Info("Migrations complete")

	if *migrateOnly {
		return
	}

	// Connect to database
	ctx := context.Background()
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	catalog, err := cfg.Catalog()
	if err != nil {
		log.Fatalf("Failed to load plan catalog: %v", err)
	}

	if cfg.AuthDomain == "" {
		log.Fatal("AUTH_DOMAIN is required (e.g., https://yourapp.kinde.com)")
	}
	authVerifier, err := auth.NewVerifier(auth.Config{
		Domain:   cfg.AuthDomain,
		Audience: cfg.AuthAudience,
	})
	if err != nil {
		log.Fatalf("Failed to create auth verifier: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := billing.NewMetrics(registry)

	// The usage cache is optional; without it every check sums the ledger.
	var usageCache billing.UsageCache
	if cfg.RedisURL != "" {
		redisCache, err := cache.New(ctx, cfg.RedisURL, cfg.UsageCacheTTL)
		if err != nil {
			log.Fatalf("Failed to connect to usage cache: %v", err)
		}
		defer redisCache.Close()
		usageCache = redisCache
		log.Info("Usage cache enabled")
	}

	ledger := billing.NewLedger(db, usageCache, metrics, log)
	enforcer := billing.NewEnforcer(db, ledger, catalog, metrics)
	billingClient := billing.NewClient(cfg.Stripe(), catalog, db)

	reconciler := billing.NewReconciler(
		cfg.StripeWebhookSecret,
		billing.PostgresEventStore{DB: db},
		billing.NewStateMachine(catalog, log),
		metrics,
		log,
	)
	reconciler.SetTimeout(cfg.WebhookTimeout)

	scheduler, err := jobs.NewScheduler(cfg.RetentionSchedule, jobs.NewRetention(db, cfg.EventRetention, log), log)
	if err != nil {
		log.Fatalf("Failed to schedule retention job: %v", err)
	}
	scheduler.Start()

	// Create API server
	server := api.NewServer(api.Config{
		Accounts:     db,
		Quota:        enforcer,
		Checkout:     billingClient,
		Catalog:      catalog,
		Webhook:      billing.NewWebhookHandler(reconciler),
		Verifier:     authVerifier,
		ServiceToken: cfg.ServiceToken,
		QuotaRate:    rate.Limit(cfg.QuotaRatePerSecond),
		QuotaBurst:   cfg.QuotaRateBurst,
		Gatherer:     registry,
		HealthCheck:  db.Ping,
		Log:          log,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%s", *port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Starting server on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server shutdown failed: %v", err)
	}
	scheduler.Stop(shutdownCtx)

	log.Info("Server stopped")
}
