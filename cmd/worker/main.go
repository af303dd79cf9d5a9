package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/argos/internal/app"
	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/jobs"
	"github.com/dvloznov/argos/internal/jobs/inmemory"
	"github.com/dvloznov/argos/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New()
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log := logger.NewFromConfig(cfg.LogLevel, cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := app.Open(ctx, cfg, app.Options{}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}
	defer rt.Close()

	if cfg.GmailPubSubTopic == "" {
		log.Fatal().Msg("GMAIL_PUBSUB_TOPIC is required to renew watches")
	}

	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore, inmemory.WithLogger(log))

	log.Info().Dur("interval", cfg.WatchRenewInterval).Msg("Starting watch renewal worker")

	if err := jobQueue.Start(ctx, jobs.NewRenewWatchHandler(rt.Gateway, log)); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	go jobs.RunRenewals(ctx, cfg.WatchRenewInterval, jobQueue, rt.OwnerIDs, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Worker service exited")
}
