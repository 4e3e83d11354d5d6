package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"genjobs/internal/bootstrap"
	"genjobs/internal/infra"
	"genjobs/internal/refresh"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv).With().Str("component", "refresh-worker").Logger()

	if cfg.JobStore == infra.StoreMemory {
		logger.Fatal().Msg("worker: memory job store is not shared with the API, use postgres or sqlite")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := bootstrap.New(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to initialize services")
	}
	defer svc.Close()

	refresher, err := refresh.New(refresh.Options{
		Jobs:        svc.Repo,
		Poller:      svc.Poller,
		Interval:    cfg.RefreshInterval,
		BatchSize:   cfg.RefreshBatchSize,
		Concurrency: cfg.RefreshConcurrency,
		StaleAfter:  cfg.RefreshStaleAfter,
		PerSecond:   cfg.RefreshPerSecond,
		Logger:      &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid refresh options")
	}

	logger.Info().
		Dur("interval", cfg.RefreshInterval).
		Int("batch", cfg.RefreshBatchSize).
		Int("concurrency", cfg.RefreshConcurrency).
		Msg("worker started")
	if err := refresher.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("worker stopped with error")
		return
	}
	logger.Info().Msg("worker stopped")
}
