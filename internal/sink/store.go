// Package sink is the TimescaleDB storage layer for aggregates. It owns the
// metric_rows and watermarks tables and the atomic commit that advances a
// job's watermark together with the metric upserts it depends on.
package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgxpool.Pool against the time-series database.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a Store with a connection pool and verifies connectivity.
func New(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("sink: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("sink: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink: ping: %w", err)
	}

	return &Store{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity to the database.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}
