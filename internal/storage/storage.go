// Package storage implements the relational mirror (spec §3 Data Model):
// a Postgres-backed, non-authoritative copy of IdP-owned user identities
// plus the durable audit trail, queried through jackc/pgx/v5.
package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgres opens a connection pool to Postgres and verifies it with a
// ping before returning, matching the teacher's fail-fast startup pattern.
func NewPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("storage: connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	return pool, nil
}
