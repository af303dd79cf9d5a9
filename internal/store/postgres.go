package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDB is the shared connection pool.
type PostgresDB struct {
	*pgxpool.Pool
}

// NewPostgresDB connects to databaseURL and verifies the connection.
func NewPostgresDB(ctx context.Context, databaseURL string) (*PostgresDB, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresDB: parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("NewPostgresDB: create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("NewPostgresDB: ping database: %w", err)
	}

	return &PostgresDB{Pool: pool}, nil
}

// Close closes the connection pool.
func (db *PostgresDB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Store implements every persistence port the ingestion pipeline, the API
// and the watch worker need on top of one pool.
type Store struct {
	db *PostgresDB
}

// New creates a Store.
func New(db *PostgresDB) *Store {
	return &Store{db: db}
}
