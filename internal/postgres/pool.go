package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := NewLazyPool(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// NewLazyPool creates a pgxpool without dialing; connections open on first use.
func NewLazyPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	return pool, nil
}

// Endpoint adapts a pool to connection.Endpoint so workers treat the queue
// database as part of their link to the coordinator.
type Endpoint struct {
	Pool *pgxpool.Pool
}

func (e Endpoint) Name() string { return "postgres" }

// Probe pings the database.
func (e Endpoint) Probe(ctx context.Context) error { return e.Pool.Ping(ctx) }
