package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aimerfeng/CampusRAG/internal/app"
	"github.com/aimerfeng/CampusRAG/internal/config"
	"github.com/aimerfeng/CampusRAG/internal/logging"
	"github.com/aimerfeng/CampusRAG/internal/monitoring"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if cfg.VectorIndex.Driver == "chromem" {
		fmt.Fprintln(os.Stderr, "The chromem vector index lives inside the API process; run the API with WORKER_EMBEDDED=true instead")
		os.Exit(1)
	}

	logging.Setup(&cfg.Logging, cfg.Server.Env)
	log.Info().
		Str("env", cfg.Server.Env).
		Int("pool_size", cfg.Worker.PoolSize).
		Int("partitions", cfg.Queue.Partitions).
		Msg("Starting CampusRAG indexing worker")

	monitoring.Init()
	if cfg.Monitoring.PrometheusEnabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", monitoring.Handler())
			srv := &http.Server{
				Addr:         fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
				Handler:      mux,
				ReadTimeout:  5 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server error")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	application, err := app.New(startCtx, cfg, app.ConsumerName("worker", cfg.Worker.ID))
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	if err := application.StartWorkers(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start workers")
	}

	<-ctx.Done()
	log.Info().Msg("Shutdown signal received, draining workers...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelShutdown()
	application.Close(shutdownCtx)

	log.Info().Msg("Worker exited gracefully")
}
