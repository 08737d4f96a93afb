package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Options tunes the connection pool.
type Options struct {
	DSN      string
	MaxConns int32
	// AppName is reported as application_name, which shows up next to held
	// advisory locks in pg_locks/pg_stat_activity.
	AppName string
}

// New creates a new PostgreSQL connection pool.
func New(ctx context.Context, opts Options) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("platform/db: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		config.MaxConns = opts.MaxConns
	}
	if opts.AppName != "" {
		config.ConnConfig.RuntimeParams["application_name"] = opts.AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("platform/db: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("platform/db: ping: %w", err)
	}

	return pool, nil
}
