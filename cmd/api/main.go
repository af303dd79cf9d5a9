package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dvloznov/argos/internal/api/handlers"
	"github.com/dvloznov/argos/internal/app"
	"github.com/dvloznov/argos/internal/assistant"
	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/jobs"
	"github.com/dvloznov/argos/internal/jobs/inmemory"
	"github.com/dvloznov/argos/internal/logger"
	"github.com/dvloznov/argos/internal/session"
)

const sessionCapacity = 10000

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.New()
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}

	port := flag.String("port", cfg.HTTPPort, "HTTP server port")
	flag.Parse()

	log := logger.NewFromConfig(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	rt, err := app.Open(ctx, cfg, app.Options{Extraction: true, Events: true, Migrate: true}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}
	defer rt.Close()

	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	// Chat sessions
	var sessions session.Store
	if cfg.RedisAddr != "" {
		redisStore, err := session.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.SessionTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisStore.Close()
		sessions = redisStore
	} else {
		memStore := session.NewMemoryStore(cfg.SessionTTL, sessionCapacity)
		go memStore.Run(workerCtx, time.Minute)
		sessions = memStore
	}
	chat := assistant.NewService(assistant.NewGeminiChatModel(rt.Genai, cfg.GeminiModel), sessions, log)

	// Watch renewal jobs
	jobStore := inmemory.NewStore()
	jobQueue := inmemory.NewQueue(100, jobStore, inmemory.WithLogger(log))

	go func() {
		log.Info().Msg("Starting job worker")
		if err := jobQueue.Start(workerCtx, jobs.NewRenewWatchHandler(rt.Gateway, log)); err != nil {
			log.Error().Err(err).Msg("Job worker stopped with error")
		}
	}()

	router := &handlers.Router{
		Webhook:      handlers.NewWebhookHandler(rt.Coordinator()),
		Transactions: handlers.NewTransactionsHandler(rt.Store),
		Chat:         handlers.NewChatHandler(chat),
		Watch:        handlers.NewWatchHandler(jobQueue),
		Jobs:         handlers.NewJobsHandler(jobStore),
		CORSOrigins:  cfg.CORSOrigins,
	}

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router.Handler(log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Str("store", cfg.StoreBackend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// In-flight batches finish before the workers and clients go away.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancelWorker()

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}
	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close job queue")
	}

	log.Info().Msg("Server exited")
}
