package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/logger"
	"github.com/dvloznov/argos/internal/store"
)

// migrationState describes one embedded migration against the database.
type migrationState struct {
	Migration store.Migration
	Applied   bool
	Modified  bool
	AppliedAt time.Time
}

var (
	databaseURL = flag.String("database-url", "", "Postgres connection URL (defaults to DATABASE_URL)")
	appliedBy   = flag.String("applied-by", "migrate-cli", "Name of the tool applying migrations")
	status      = flag.Bool("status", false, "Print migration status and exit without applying")
)

func main() {
	flag.Parse()
	log := logger.New()

	url := *databaseURL
	if url == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		url = cfg.DatabaseURL
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := store.NewPostgresDB(ctx, url)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if *status {
		if err := printStatus(ctx, db); err != nil {
			log.Error().Err(err).Msg("Failed to read migration status")
			db.Close()
			os.Exit(1)
		}
		return
	}

	applied, err := store.Migrate(ctx, db, *appliedBy, log)
	if err != nil {
		log.Error().Err(err).Int("applied", applied).Msg("Migration failed")
		db.Close()
		os.Exit(1)
	}

	if applied == 0 {
		log.Info().Msg("No new migrations to apply. Database is up to date.")
	} else {
		log.Info().Int("applied", applied).Msg("Successfully applied migrations")
	}
}

func printStatus(ctx context.Context, db *store.PostgresDB) error {
	migrations, err := store.LoadMigrations()
	if err != nil {
		return err
	}
	applied, err := store.AppliedMigrations(ctx, db)
	if err != nil {
		return err
	}

	for _, st := range migrationStatus(migrations, applied) {
		tag := "[PENDING]"
		switch {
		case st.Modified:
			tag = "[MODIFIED]"
		case st.Applied:
			tag = "[OK]"
		}
		fmt.Printf("  %-10s %s", tag, st.Migration.Filename)
		if st.Applied {
			fmt.Printf("  (applied %s)", st.AppliedAt.Format(time.RFC3339))
		}
		fmt.Println()
	}
	return nil
}

// migrationStatus pairs each embedded migration with its schema_migrations
// row, flagging rows whose checksum no longer matches the file.
func migrationStatus(migrations []store.Migration, applied []store.AppliedMigration) []migrationState {
	byVersion := make(map[int]store.AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}

	states := make([]migrationState, 0, len(migrations))
	for _, m := range migrations {
		st := migrationState{Migration: m}
		if am, ok := byVersion[m.Version]; ok {
			st.Applied = true
			st.AppliedAt = am.AppliedAt
			st.Modified = am.Checksum != "" && am.Checksum != m.Checksum
		}
		states = append(states, st)
	}
	return states
}
