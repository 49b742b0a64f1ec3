// Echoman server — ingests hot-list items from Chinese platforms, runs
// the two-stage topic merge pipeline, and serves topic reads plus the
// streaming chat API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/echolab/echoman/pkg/api"
	"github.com/echolab/echoman/pkg/config"
	"github.com/echolab/echoman/pkg/database"
	"github.com/echolab/echoman/pkg/ingest"
	"github.com/echolab/echoman/pkg/llm"
	"github.com/echolab/echoman/pkg/pipeline"
	"github.com/echolab/echoman/pkg/rag"
	"github.com/echolab/echoman/pkg/scheduler"
	"github.com/echolab/echoman/pkg/store"
	"github.com/echolab/echoman/pkg/summary"
	"github.com/echolab/echoman/pkg/tokens"
	"github.com/echolab/echoman/pkg/vector"
	"github.com/echolab/echoman/pkg/version"
)

func main() {
	envPath := flag.String("env-file", ".env", "Path to the environment file")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envPath, "error", err)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting echoman",
		"version", version.Full(),
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// 1. Database: migrate, then open the pool.
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()
	logger.Info("Connected to PostgreSQL database")

	st := store.New(dbClient)

	// 2. Token manager and provider client.
	tokenManager, err := tokens.NewManager()
	if err != nil {
		logger.Error("Failed to initialize token manager", "error", err)
		os.Exit(1)
	}
	llmClient, err := llm.NewClient(cfg.LLM, cfg.Embedding, cfg.Timeouts, tokenManager, st, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	logger.Info("LLM client initialized", "model", cfg.LLM.Model)

	// 3. Vector index.
	index, err := vector.NewChromaIndex(ctx, cfg.Vector.URL, cfg.Vector.Collection, cfg.Timeouts.Vector)
	if err != nil {
		logger.Error("Failed to connect to vector index", "url", cfg.Vector.URL, "error", err)
		os.Exit(1)
	}
	logger.Info("Vector index ready", "collection", cfg.Vector.Collection)

	// 4. Domain services.
	summaryEngine := summary.NewEngine(st, llmClient, index, cfg.Summary, logger)
	eventMerger := pipeline.NewEventMerger(st, index, llmClient, llmClient, cfg, logger)
	globalMerger := pipeline.NewGlobalMerger(st, index, llmClient, llmClient, summaryEngine, nil, cfg, logger)
	ingestService, err := ingest.NewService(st, cfg.NoisePatterns, logger)
	if err != nil {
		logger.Error("Failed to initialize ingest service", "error", err)
		os.Exit(1)
	}
	reader := rag.NewReader(st, index, llmClient, tokenManager, cfg.Timeouts, logger)

	// 5. Scheduler.
	sched := scheduler.New(eventMerger, globalMerger, summaryEngine, nil, cfg, logger)
	if err := sched.Start(); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	// 6. HTTP server (non-blocking).
	apiServer := api.NewServer(st, ingestService, eventMerger, globalMerger, reader, dbClient, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: apiServer.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("Echoman started successfully")

	// 7. Wait for shutdown signal or server error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: stop scheduling new runs, let in-flight jobs
	// finish, then drain HTTP. The deferred pool close runs last.
	schedCtx, schedCancel := context.WithTimeout(ctx, 30*time.Second)
	defer schedCancel()
	if err := sched.Stop(schedCtx); err != nil {
		logger.Warn("Scheduler shutdown incomplete", "error", err)
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
