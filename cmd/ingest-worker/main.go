package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.temporal.io/sdk/client"

	"example.com/community-ingest/internal/adapters"
	"example.com/community-ingest/internal/display"
	"example.com/community-ingest/internal/logging"
	"example.com/community-ingest/internal/pipeline"
	"example.com/community-ingest/internal/store"
	"example.com/community-ingest/internal/worker"
)

func main() {
	// Optional .env keeps local setups out of shell profiles.
	_ = godotenv.Load()

	var (
		dsn          = flag.String("store", envDefault("STORE_DSN", "sqlite:ingest.db"), "store DSN (sqlite:path or postgres://...)")
		addr         = flag.String("addr", envDefault("HTTP_ADDR", ":8080"), "HTTP listen address for the ingest API")
		temporalHost = flag.String("temporal", envDefault("TEMPORAL_ADDRESS", "localhost:7233"), "Temporal frontend address")
		scheduler    = flag.Bool("scheduler", envDefault("SCHEDULER", "true") == "true", "run the per-platform incremental scheduler")
	)
	flag.Parse()

	logger := logging.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, *dsn)
	if err != nil {
		logger.Error("open store failed", "dsn", *dsn, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	registry, err := pipeline.NewRegistry(adapters.All())
	if err != nil {
		logger.Error("build adapter registry failed", "error", err)
		os.Exit(1)
	}
	engine := pipeline.NewEngine(registry, store.Credentials{Store: st}, st, st, st, logger.With("component", "engine"))

	temporalClient, err := client.Dial(client.Options{HostPort: *temporalHost})
	if err != nil {
		logger.Error("connect temporal failed", "address", *temporalHost, "error", err)
		os.Exit(1)
	}
	defer temporalClient.Close()

	activities := worker.NewIngestActivities(engine, st, logger.With("component", "ingest.activities"))
	ingestWorker := worker.RegisterIngestWorker(temporalClient, activities)
	if err := ingestWorker.Start(); err != nil {
		logger.Error("start temporal worker failed", "error", err)
		os.Exit(1)
	}
	defer ingestWorker.Stop()

	orchestrator := worker.NewTemporalOrchestrator(temporalClient, logger)
	server := worker.NewServer(st, registry, orchestrator, display.Default(), logger.With("component", "server"))
	if *scheduler {
		server.StartScheduler(ctx)
	}

	httpServer := &http.Server{
		Addr:    *addr,
		Handler: server.Router(),
	}
	go func() {
		logger.Info("ingest API listening", "addr", *addr, "store", *dsn, "temporal", *temporalHost)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("ingest server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
