// Kestrel - Transaction risk scoring, AML screening and tamper-evident storage.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/aml"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/integrity"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/monitor"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/stream"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/window"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const (
	profileCacheSize = 10000
	profileCacheTTL  = 5 * time.Minute
)

func main() {
	cfg, err := domain.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"counter_store", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"alert_threshold", cfg.Risk.Monitor.AlertThreshold,
		"counter_ttl", cfg.Risk.Monitor.CounterTTL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	schemaVersion, err := repo.SchemaVersion(ctx)
	if err != nil {
		slog.Warn("failed to read schema version", "error", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver, "schema_version", schemaVersion)

	counters, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize counter store", "error", err)
		os.Exit(1)
	}
	defer counters.Close()
	slog.Info("counter store initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	// Custom rules are optional; the built-in factors always run.
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	guard := integrity.NewGuard(cfg.Integrity.SigningKey)
	if !guard.Signing() {
		slog.Warn("KESTREL_SIGNING_KEY not set, records are hashed but not signed")
	}

	hub := stream.NewHub(logger)
	sink := monitor.MultiSink{monitor.NewLogSink(logger), monitor.NewBusSink(busImpl), hub}
	mon := monitor.New(counters, sink, cfg.Risk.Monitor, logger)

	if mem, ok := counters.(*cache.MemoryCounterStore); ok && cfg.Risk.Monitor.CounterTTL > 0 {
		go sweepCounters(ctx, mem, cfg.Risk.Monitor.CounterTTL)
	}

	scorer := scoring.NewScorer(cfg.Risk.Scoring, engine)
	detector := aml.NewDetector(cfg.Risk.AML)
	windows := window.NewService(repo, cache.NewProfileCache(profileCacheSize, profileCacheTTL),
		cfg.Risk.Scoring.VelocityWindow, window.DefaultMonthlyWindow)
	processor := worker.NewProcessor(repo, windows, scorer, detector, guard, mon, busImpl)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, processor, cfg.Worker.Concurrency, logger)
		if err := asyncWorker.Start(); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
		slog.Info("async worker started", "concurrency", cfg.Worker.Concurrency)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:        repo,
		Counters:    counters,
		Bus:         busImpl,
		Engine:      engine,
		Scorer:      scorer,
		Detector:    detector,
		Guard:       guard,
		Monitor:     mon,
		Windows:     windows,
		Processor:   processor,
		Auditor:     integrity.NewAuditor(repo, guard, mon, logger),
		Stream:      hub,
		AsyncIngest: cfg.Worker.Enabled,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"auth", cfg.Server.JWTSecret != "",
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests before draining the worker.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	hub.Close()

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// loadRulesFromDatabase loads stored custom rules into the engine. A
// listing failure is logged and the service starts with none.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRules(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.ReloadRules(dbRules)
	}

	slog.Info("no custom rules in database - configure via POST /v1/rules")
	return nil
}

// sweepCounters drops expired in-process counters once per ttl.
func sweepCounters(ctx context.Context, store *cache.MemoryCounterStore, ttl time.Duration) {
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := store.Sweep(); n > 0 {
				slog.Debug("expired counters swept", "count", n)
			}
		}
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - transaction risk engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST   /v1/assess               - Score a transaction")
	fmt.Println("    POST   /v1/assess/batch         - Score up to 1000 transactions")
	fmt.Println("    POST   /v1/aml                  - Analyze a user's monthly window")
	fmt.Println("    POST   /v1/transactions         - Seal, store and assess a transaction")
	fmt.Println("    GET    /v1/transactions/{id}    - Get a stored record and its verdict")
	fmt.Println("    POST   /v1/integrity/seal       - Compute digest and signature")
	fmt.Println("    POST   /v1/integrity/verify     - Check a record against its seal")
	fmt.Println("    POST   /v1/integrity/audit      - Re-verify every stored record")
	fmt.Println("    POST   /v1/activity             - Report suspicious activity")
	fmt.Println("    GET    /v1/activity             - Counter snapshot")
	fmt.Println("    DELETE /v1/activity/{userId}    - Reset a user's counters")
	fmt.Println("    GET    /v1/alerts/stream        - Live alerts over WebSocket")
	fmt.Println("    GET    /v1/rules                - List custom rules")
	fmt.Println("    POST   /v1/rules                - Create a custom rule")
	fmt.Println("    POST   /v1/rules/reload         - Hot-reload rules from database")
	fmt.Println("    GET    /health                  - Health check")
	fmt.Println("    GET    /metrics                 - Prometheus metrics")
	fmt.Println()
}
