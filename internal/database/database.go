// Package database provides the PostgreSQL connection pool and embedded
// migrations backing the media audit trail.
package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// The audit trail is written by a single background goroutine, so the pool
// stays small; health checks take the remaining connection.
const (
	maxConns        = 2
	maxConnIdleTime = 5 * time.Minute
	applicationName = "mithril-media"
)

// DB wraps the pgx pool used by the audit repository.
type DB struct {
	pool *pgxpool.Pool
}

// New connects to databaseURL and verifies the connection. The context bounds
// the initial ping only.
func New(ctx context.Context, databaseURL string) (*DB, error) {
	config, err := poolConfig(databaseURL)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating audit connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging audit database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// poolConfig parses databaseURL and sizes the pool for the audit writer.
// Values set explicitly in the URL (pool_max_conns, application_name) win.
func poolConfig(databaseURL string) (*pgxpool.Config, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	if !strings.Contains(databaseURL, "pool_max_conns") {
		config.MaxConns = maxConns
	}
	config.MinConns = 0
	config.MaxConnIdleTime = maxConnIdleTime
	if _, ok := config.ConnConfig.RuntimeParams["application_name"]; !ok {
		config.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	return config, nil
}

// Close releases all connections in the pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Health pings the database. It backs the /health check when the audit trail
// is enabled.
func (db *DB) Health(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("audit database unreachable: %w", err)
	}
	return nil
}

// Pool returns the underlying pgxpool.Pool for the audit repository.
func (db *DB) Pool() *pgxpool.Pool {
	return db.pool
}
