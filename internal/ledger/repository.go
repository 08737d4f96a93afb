package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RepositoryPort abstracts the tenant-scoped unit of work used by the posters.
type RepositoryPort interface {
	WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the storage operations available inside a unit of work.
// There is deliberately no way to update or delete an entry.
type TxRepository interface {
	// LockTxn blocks until the transaction-scoped advisory lock for
	// (tenantID, txnID) is held. It is released on commit or rollback.
	LockTxn(ctx context.Context, tenantID uuid.UUID, txnID string) error
	GetTransaction(ctx context.Context, tenantID uuid.UUID, txnID string) (Transaction, error)
	GetTransactionBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string) (Transaction, error)
	ListEntries(ctx context.Context, tenantID uuid.UUID, txnID string) ([]Entry, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
	// InsertEntries writes all entries in a single statement and returns them
	// as stored, ordered by position.
	InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error)
	BackfillPayloadHash(ctx context.Context, tenantID uuid.UUID, txnID, hash string, at time.Time) error
}

// AccountTotals are the raw debit and credit sums of one account.
type AccountTotals struct {
	AccountCode string
	Debits      decimal.Decimal
	Credits     decimal.Decimal
	EntryCount  int
}

// TransactionTotals summarises a stored transaction for integrity checks.
type TransactionTotals struct {
	TxnID         string
	EntryCount    int
	StoredEntries int
	MinPosition   int
	MaxPosition   int
	Debits        decimal.Decimal
	Credits       decimal.Decimal
	PostedAt      time.Time
}

// ReadRepository serves derived reads from the append-only log.
type ReadRepository interface {
	AccountTotals(ctx context.Context, tenantID uuid.UUID, accountCode string, partyID *uuid.UUID) (AccountTotals, error)
	TransactionTotals(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]TransactionTotals, error)
	ListTransactionEntries(ctx context.Context, tenantID uuid.UUID, txnID string) (Transaction, []Entry, error)
}
