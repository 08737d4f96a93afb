package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrTenantRequired is returned when a tenant-scoped operation has no tenant.
var ErrTenantRequired = errors.New("platform/db: tenant required")

// TenantSetting is the connection parameter consulted by the row-level security policies.
const TenantSetting = "app.tenant_id"

// WithTxOptions executes fn inside a transaction opened with opts.
func WithTxOptions(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("platform/db: begin tx: %w", err)
	}

	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("platform/db: commit tx: %w", err)
	}

	return nil
}

// WithTenantTx opens a transaction scoped to tenantID. The tenant parameter is
// transaction-local, so it is cleared on commit or rollback and never leaks to
// the next borrower of the pooled connection.
func WithTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	if tenantID == uuid.Nil {
		return ErrTenantRequired
	}
	return WithTxOptions(ctx, pool, opts, func(tx pgx.Tx) error {
		if err := SetTenant(ctx, tx, tenantID); err != nil {
			return err
		}
		return fn(tx)
	})
}

// SetTenant binds the tenant parameter for the remainder of tx.
func SetTenant(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) error {
	if _, err := tx.Exec(ctx, `SELECT set_config($1, $2, true)`, TenantSetting, tenantID.String()); err != nil {
		return fmt.Errorf("platform/db: set tenant: %w", err)
	}
	return nil
}
