// Package app assembles the argos components from configuration. The cmd
// binaries share it so that the api server, the worker and the ingest CLI
// talk to the same backends in the same way.
package app

import (
	"context"
	"fmt"

	"github.com/dvloznov/argos/internal/audit"
	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/events"
	"github.com/dvloznov/argos/internal/extractor"
	"github.com/dvloznov/argos/internal/mailbox"
	"github.com/dvloznov/argos/internal/pipeline"
	"github.com/dvloznov/argos/internal/store"
	"github.com/dvloznov/argos/internal/store/inmemory"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/genai"
)

// Store is the union of the persistence ports. Both the Postgres store and
// the in-memory store satisfy it.
type Store interface {
	pipeline.OwnerDirectory
	pipeline.WatermarkStore
	pipeline.TransactionStore
	mailbox.CredentialStore
	mailbox.TokenSaver

	CreateOwner(ctx context.Context, email string) (*domain.Owner, error)
	ListOwners(ctx context.Context) ([]*domain.Owner, error)
	CreateManualTransaction(ctx context.Context, tx *domain.Transaction) error
	ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.Transaction, error)
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*inmemory.Store)(nil)
)

// Runtime holds the long-lived clients built from a Config.
type Runtime struct {
	Config  *config.Config
	Store   Store
	Gateway *mailbox.GmailGateway
	Genai   *genai.Client
	Events  events.Publisher
	Audit   audit.Recorder

	log     zerolog.Logger
	closers []func() error
}

// Options select which optional clients Open builds.
type Options struct {
	// Extraction builds the Gemini client and audit sink. The worker only
	// renews watches and leaves it off.
	Extraction bool
	// Events connects to AMQP when AMQP_URL is set.
	Events bool
	// Migrate applies pending migrations after connecting to Postgres.
	Migrate bool
}

// Open connects every backend the configuration names. On error, anything
// already opened is closed.
func Open(ctx context.Context, cfg *config.Config, opts Options, log zerolog.Logger) (_ *Runtime, err error) {
	rt := &Runtime{Config: cfg, log: log}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()

	if err := rt.openStore(ctx, opts.Migrate); err != nil {
		return nil, err
	}

	rt.Gateway = mailbox.NewGmailGateway(mailbox.GmailConfig{
		ClientID:        cfg.GoogleClientID,
		ClientSecret:    cfg.GoogleClientSecret,
		RedirectURL:     cfg.GoogleRedirectURL,
		Label:           cfg.GmailLabel,
		BootstrapSize:   cfg.BootstrapMessages,
		HistoryPageSize: cfg.HistoryPageSize,
		PubSubTopic:     cfg.GmailPubSubTopic,
	}, rt.Store, rt.Store, log)

	rt.Events = events.NopPublisher{}
	if opts.Events && cfg.AMQPURL != "" {
		if err := rt.openEvents(); err != nil {
			return nil, err
		}
	}

	rt.Audit = audit.Nop{}
	if opts.Extraction {
		if err := rt.openGenai(ctx); err != nil {
			return nil, err
		}
		if err := rt.openAudit(ctx); err != nil {
			return nil, err
		}
	}

	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, migrate bool) error {
	switch rt.Config.StoreBackend {
	case config.StoreBackendMemory:
		rt.log.Warn().Msg("Using in-memory store; data is lost on restart")
		rt.Store = inmemory.NewStore()
		return nil
	case config.StoreBackendPostgres:
		db, err := store.NewPostgresDB(ctx, rt.Config.DatabaseURL)
		if err != nil {
			return fmt.Errorf("app.Open: %w", err)
		}
		rt.closers = append(rt.closers, func() error { db.Close(); return nil })

		if migrate {
			applied, err := store.Migrate(ctx, db, "argos", rt.log)
			if err != nil {
				return fmt.Errorf("app.Open: %w", err)
			}
			rt.log.Info().Int("applied", applied).Msg("Database migrations checked")
		}
		rt.Store = store.New(db)
		return nil
	default:
		return fmt.Errorf("app.Open: unknown store backend %q", rt.Config.StoreBackend)
	}
}

func (rt *Runtime) openEvents() error {
	client, err := events.NewClient(rt.Config.AMQPURL, rt.log)
	if err != nil {
		return fmt.Errorf("app.Open: %w", err)
	}
	rt.closers = append(rt.closers, client.Close)

	if err := events.NewTopologyManager(client, rt.log).Setup(); err != nil {
		return fmt.Errorf("app.Open: %w", err)
	}
	rt.Events = events.NewAMQPPublisher(client, rt.log)
	return nil
}

func (rt *Runtime) openGenai(ctx context.Context) error {
	if rt.Config.GeminiAPIKey == "" {
		return fmt.Errorf("app.Open: GEMINI_API_KEY is required")
	}
	client, err := extractor.NewGeminiClient(ctx, rt.Config.GeminiAPIKey)
	if err != nil {
		return fmt.Errorf("app.Open: %w", err)
	}
	rt.Genai = client
	return nil
}

func (rt *Runtime) openAudit(ctx context.Context) error {
	switch rt.Config.AuditBackend {
	case config.AuditBackendBigQuery:
		rec, err := audit.NewBigQueryRecorder(ctx, rt.Config.GCPProject, rt.Config.BigQueryDataset)
		if err != nil {
			return fmt.Errorf("app.Open: %w", err)
		}
		rt.closers = append(rt.closers, rec.Close)
		rt.Audit = rec
	case config.AuditBackendGCS:
		rec, err := audit.NewGCSRecorder(ctx, rt.Config.AuditBucket)
		if err != nil {
			return fmt.Errorf("app.Open: %w", err)
		}
		rt.closers = append(rt.closers, rec.Close)
		rt.Audit = rec
	}
	return nil
}

// Coordinator builds the ingestion coordinator. It requires a Runtime
// opened with Extraction.
func (rt *Runtime) Coordinator() *pipeline.Coordinator {
	gen := extractor.NewGeminiGenerator(rt.Genai, rt.Config.GeminiModel)
	return pipeline.New(pipeline.Dependencies{
		Owners:       rt.Store,
		Watermarks:   rt.Store,
		Transactions: rt.Store,
		Gateway:      rt.Gateway,
		Extractor:    extractor.New(gen, rt.log),
		Events:       rt.Events,
		Audit:        rt.Audit,
		ModelName:    gen.Model(),
		MaxAttempts:  rt.Config.RetryAttempts,
	}, rt.log)
}

// OwnerIDs lists the owners whose mailboxes can be watched.
func (rt *Runtime) OwnerIDs(ctx context.Context) ([]uuid.UUID, error) {
	owners, err := rt.Store.ListOwners(ctx)
	if err != nil {
		return nil, fmt.Errorf("OwnerIDs: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(owners))
	for _, o := range owners {
		ids = append(ids, o.ID)
	}
	return ids, nil
}

// Close releases clients in reverse order of opening.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.log.Error().Err(err).Msg("Failed to close client")
		}
	}
	rt.closers = nil
}
