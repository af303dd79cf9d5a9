package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/argos/internal/app"
	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/logger"
)

func main() {
	log := logger.New()

	email := flag.String("email", "", "Mailbox address of a registered owner")
	register := flag.Bool("register", false, "Create the owner for --email if it does not exist")
	flag.Parse()

	if *email == "" {
		log.Fatal().Msg("Error: --email is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	log = logger.NewFromConfig(cfg.LogLevel, cfg.LogFormat)

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	rt, err := app.Open(ctx, cfg, app.Options{Extraction: true, Events: true, Migrate: true}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}
	defer rt.Close()

	if *register {
		owner, err := rt.Store.CreateOwner(ctx, *email)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to register owner")
		}
		log.Info().Str("owner_id", owner.ID.String()).Msg("Owner registered")
	}

	log.Info().Str("mailbox", *email).Msg("Starting ingestion")

	res := rt.Coordinator().IngestMailbox(ctx, *email)
	if !res.Done() {
		log.Error().Err(res.Err).Str("reason", res.FailureReason).Msg("Ingestion failed")
		rt.Close()
		os.Exit(1)
	}

	fmt.Printf("Ingestion completed: listed=%d retried=%d inserted=%d duplicates=%d rejected=%d deferred=%d skipped=%d watermark=%s\n",
		res.Listed, res.Retried, res.Inserted, res.Duplicates, res.Rejected, res.Deferred, res.Skipped, res.WatermarkAfter)
}
