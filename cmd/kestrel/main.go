// Kestrel - Claim audit decisions in 60 seconds.
// Copyright (c) 2025 opensource.health
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-health/kestrel/internal/adapter"
	"github.com/opensource-health/kestrel/internal/api"
	"github.com/opensource-health/kestrel/internal/audit"
	"github.com/opensource-health/kestrel/internal/bus"
	"github.com/opensource-health/kestrel/internal/cache"
	"github.com/opensource-health/kestrel/internal/config"
	"github.com/opensource-health/kestrel/internal/domain"
	"github.com/opensource-health/kestrel/internal/history"
	"github.com/opensource-health/kestrel/internal/metrics"
	"github.com/opensource-health/kestrel/internal/pipeline"
	"github.com/opensource-health/kestrel/internal/repository"
	"github.com/opensource-health/kestrel/internal/stage"
	"github.com/opensource-health/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("KESTREL_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}

	if dir := os.Getenv("KESTREL_CONFIG_DIR"); dir != "" {
		cfg.ConfigDir = dir
	}
	cfg.Models.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"config_dir", cfg.ConfigDir,
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

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize metrics
	recorder, err := metrics.NewRecorder()
	if err != nil {
		slog.Warn("metrics disabled", "error", err)
	}

	// Initialize model adapters
	registry, err := adapter.NewRegistry(ctx, cfg.Models)
	if err != nil {
		slog.Error("failed to initialize model adapters", "error", err)
		os.Exit(1)
	}
	slog.Info("model adapters initialized", "llm_enabled", cfg.Models.GeminiAPIKey != "")

	// Initialize History Service
	historySvc := history.NewService(repo, cacheImpl)
	slog.Info("history service initialized")

	// Build the initial evaluation snapshot from config files and the
	// repository. An empty snapshot is fine: pipelines and rules can be
	// added via the API and applied with a reload.
	assembler := &config.Assembler{
		ConfigDir:  cfg.ConfigDir,
		Repo:       repo,
		Recorder:   recorder,
		MaxWorkers: 10,
	}
	snap, err := assembler.BuildSnapshot(ctx, "startup")
	if err != nil {
		slog.Error("failed to build evaluation snapshot", "error", err)
		os.Exit(1)
	}
	store := pipeline.NewStore(snap)
	slog.Info("evaluation snapshot loaded",
		"pipelines", len(snap.Pipelines()),
		"fraud_rules", snap.Matcher.RuleCount(),
	)

	// Initialize Pipeline Engine
	sink := audit.NewMultiSink(
		audit.NewRepoSink(repo),
		audit.NewBusSink(busImpl),
	)
	engine := pipeline.NewEngine(
		store,
		stage.NewExecutor(registry, recorder),
		historySvc,
		sink,
		recorder,
	)
	slog.Info("pipeline engine initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, repo, cacheImpl, engine)

		var tenantIDs []string
		if envTenants := os.Getenv("KESTREL_TENANTS"); envTenants != "" {
			tenantIDs = strings.Split(envTenants, ",")
		}

		workerCfg := worker.Config{
			TenantIDs:       tenantIDs,
			DefaultPipeline: os.Getenv("KESTREL_DEFAULT_PIPELINE"),
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(tenantIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, engine, assembler, historySvc, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               KESTREL                     ║")
	fmt.Println("  ║      Claim Audit Decision Engine          ║")
	fmt.Println("  ║       Every claim, explained.             ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /evaluate          - Evaluate an audit case")
	fmt.Println("    GET  /decisions/{id}    - Get decision by ID")
	fmt.Println("    GET  /cases/{id}        - Get case by ID")
	fmt.Println("    GET  /rules             - List loaded fraud rules")
	fmt.Println("    POST /rules             - Create a new fraud rule")
	fmt.Println("    POST /rules/reload      - Rebuild the evaluation snapshot")
	fmt.Println("    GET  /pipelines         - List loaded pipelines")
	fmt.Println("    POST /pipelines         - Create a new pipeline")
	fmt.Println("    POST /pipelines/reload  - Rebuild the evaluation snapshot")
	fmt.Println("    GET  /health            - Health check")
	fmt.Println()
}
