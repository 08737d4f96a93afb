package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/receivables-ledger/internal/platform/db"
)

// Repository persists ledger transactions and entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// postingTxOptions uses READ COMMITTED so that a caller woken from the
// advisory lock sees the rows committed by the previous holder.
var postingTxOptions = pgx.TxOptions{IsoLevel: pgx.ReadCommitted}

// WithTx executes fn within a tenant-scoped transaction.
func (r *Repository) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	if r == nil || r.pool == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTenantTx(ctx, r.pool, tenantID, postingTxOptions, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// LockKeys derives the two 32-bit advisory lock keys for (tenantID, txnID).
func LockKeys(tenantID uuid.UUID, txnID string) (int32, int32) {
	return hash32(tenantID.String()), hash32(txnID)
}

func hash32(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

// IsUniqueViolation reports whether err carries SQLSTATE 23505.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *txRepository) LockTxn(ctx context.Context, tenantID uuid.UUID, txnID string) error {
	k1, k2 := LockKeys(tenantID, txnID)
	_, err := r.tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1, $2)`, k1, k2)
	return err
}

const transactionColumns = `tenant_id, txn_id, source_type, source_id, receivable_id, payment_reference, payload_hash, entry_count, actor_party_id, actor_role, request_id, posted_at, metadata`

func scanTransaction(row pgx.Row) (Transaction, error) {
	var (
		txn        Transaction
		paymentRef *string
		hash       *string
		actorRole  *string
		requestID  *string
		meta       []byte
	)
	err := row.Scan(&txn.TenantID, &txn.TxnID, &txn.SourceType, &txn.SourceID, &txn.ReceivableID, &paymentRef, &hash,
		&txn.EntryCount, &txn.ActorPartyID, &actorRole, &requestID, &txn.PostedAt, &meta)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, ErrTransactionNotFound
		}
		return Transaction{}, err
	}
	txn.PaymentReference = derefString(paymentRef)
	txn.PayloadHash = derefString(hash)
	txn.ActorRole = derefString(actorRole)
	txn.RequestID = derefString(requestID)
	if txn.Metadata, err = DecodeMetadata(meta); err != nil {
		return Transaction{}, fmt.Errorf("ledger: decode transaction %s metadata: %w", txn.TxnID, err)
	}
	return txn, nil
}

func (r *txRepository) GetTransaction(ctx context.Context, tenantID uuid.UUID, txnID string) (Transaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+`
FROM ledger_transactions WHERE tenant_id=$1 AND txn_id=$2`, tenantID, txnID))
}

func (r *txRepository) GetTransactionBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string) (Transaction, error) {
	return scanTransaction(r.tx.QueryRow(ctx, `SELECT `+transactionColumns+`
FROM ledger_transactions WHERE tenant_id=$1 AND source_type=$2 AND source_id=$3`, tenantID, sourceType, sourceID))
}

func (r *txRepository) ListEntries(ctx context.Context, tenantID uuid.UUID, txnID string) ([]Entry, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, tenant_id, txn_id, entry_position, txn_entry_count, account_code, entry_side, amount::text, currency,
party_id, source_type, source_id, payment_reference, metadata, posted_at
FROM ledger_entries WHERE tenant_id=$1 AND txn_id=$2 ORDER BY entry_position ASC`, tenantID, txnID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []Entry
	for rows.Next() {
		var (
			e          Entry
			amount     string
			paymentRef *string
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &e.TenantID, &e.TxnID, &e.Position, &e.TxnEntryCount, &e.AccountCode, &e.Side, &amount, &e.Currency,
			&e.PartyID, &e.SourceType, &e.SourceID, &paymentRef, &meta, &e.PostedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("ledger: parse amount of entry %d: %w", e.ID, err)
		}
		e.PaymentReference = derefString(paymentRef)
		if e.Metadata, err = DecodeMetadata(meta); err != nil {
			return nil, fmt.Errorf("ledger: decode entry %d metadata: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *txRepository) InsertTransaction(ctx context.Context, txn Transaction) error {
	meta, err := txn.Metadata.Canonical()
	if err != nil {
		return err
	}
	_, err = r.tx.Exec(ctx, `INSERT INTO ledger_transactions (`+transactionColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		txn.TenantID, txn.TxnID, txn.SourceType, txn.SourceID, txn.ReceivableID, nullString(txn.PaymentReference), nullString(txn.PayloadHash),
		txn.EntryCount, txn.ActorPartyID, nullString(txn.ActorRole), nullString(txn.RequestID), txn.PostedAt, meta)
	return err
}

const entryInsertColumns = 14

func (r *txRepository) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO ledger_entries (tenant_id, txn_id, entry_position, txn_entry_count, account_code, entry_side, amount, currency,
party_id, source_type, source_id, payment_reference, metadata, posted_at) VALUES `)
	args := make([]any, 0, len(entries)*entryInsertColumns)
	for i, e := range entries {
		meta, err := e.Metadata.Canonical()
		if err != nil {
			return nil, err
		}
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * entryInsertColumns
		fmt.Fprintf(&sb, "($%d::uuid,$%d,$%d::int,$%d::int,$%d,$%d,$%d::numeric,$%d,$%d::uuid,$%d,$%d,$%d,$%d::jsonb,$%d::timestamptz)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11, n+12, n+13, n+14)
		args = append(args, e.TenantID, e.TxnID, e.Position, e.TxnEntryCount, e.AccountCode, string(e.Side), FormatAmount(e.Amount), e.Currency,
			e.PartyID, e.SourceType, e.SourceID, nullString(e.PaymentReference), string(meta), e.PostedAt)
	}
	sb.WriteString(" RETURNING id, entry_position, posted_at")
	rows, err := r.tx.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	stored := make([]Entry, len(entries))
	copy(stored, entries)
	byPosition := make(map[int]int, len(entries))
	for i, e := range stored {
		byPosition[e.Position] = i
	}
	returned := 0
	for rows.Next() {
		var (
			id       int64
			position int
			postedAt time.Time
		)
		if err := rows.Scan(&id, &position, &postedAt); err != nil {
			return nil, err
		}
		idx, ok := byPosition[position]
		if !ok {
			return nil, fmt.Errorf("ledger: insert returned unexpected position %d", position)
		}
		stored[idx].ID = id
		stored[idx].PostedAt = postedAt
		stored[idx].Amount = RoundAmount(stored[idx].Amount)
		returned++
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if returned != len(entries) {
		return nil, fmt.Errorf("ledger: insert returned %d rows for %d entries", returned, len(entries))
	}
	sortByPosition(stored)
	return stored, nil
}

func (r *txRepository) BackfillPayloadHash(ctx context.Context, tenantID uuid.UUID, txnID, hash string, at time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE ledger_transactions
SET payload_hash=$3, metadata = COALESCE(metadata, '{}'::jsonb) || jsonb_build_object('payload_hash_backfilled_at', $4::timestamptz)
WHERE tenant_id=$1 AND txn_id=$2 AND payload_hash IS NULL`, tenantID, txnID, hash, at)
	return err
}

// AccountTotals sums an account's entries, optionally restricted to one party.
func (r *Repository) AccountTotals(ctx context.Context, tenantID uuid.UUID, accountCode string, partyID *uuid.UUID) (AccountTotals, error) {
	totals := AccountTotals{AccountCode: accountCode}
	err := db.WithTenantTx(ctx, r.pool, tenantID, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var debits, credits string
		err := tx.QueryRow(ctx, `SELECT
COALESCE(SUM(amount) FILTER (WHERE entry_side='DEBIT'), 0)::text,
COALESCE(SUM(amount) FILTER (WHERE entry_side='CREDIT'), 0)::text,
COUNT(*)
FROM ledger_entries
WHERE tenant_id=$1 AND account_code=$2 AND ($3::uuid IS NULL OR party_id=$3::uuid)`, tenantID, accountCode, partyID).
			Scan(&debits, &credits, &totals.EntryCount)
		if err != nil {
			return err
		}
		if totals.Debits, err = decimal.NewFromString(debits); err != nil {
			return err
		}
		totals.Credits, err = decimal.NewFromString(credits)
		return err
	})
	if err != nil {
		return AccountTotals{}, err
	}
	return totals, nil
}

// ListTransactionEntries returns the header and entries of one transaction
// in a read-only snapshot.
func (r *Repository) ListTransactionEntries(ctx context.Context, tenantID uuid.UUID, txnID string) (Transaction, []Entry, error) {
	var (
		txn     Transaction
		entries []Entry
	)
	err := db.WithTenantTx(ctx, r.pool, tenantID, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		repo := &txRepository{tx: tx}
		var err error
		if txn, err = repo.GetTransaction(ctx, tenantID, txnID); err != nil {
			return err
		}
		entries, err = repo.ListEntries(ctx, tenantID, txnID)
		return err
	})
	if err != nil {
		return Transaction{}, nil, err
	}
	return txn, entries, nil
}

// TransactionTotals aggregates every transaction posted at or after since.
func (r *Repository) TransactionTotals(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]TransactionTotals, error) {
	var out []TransactionTotals
	err := db.WithTenantTx(ctx, r.pool, tenantID, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT t.txn_id, t.entry_count, t.posted_at,
COUNT(e.id),
COALESCE(MIN(e.entry_position), 0),
COALESCE(MAX(e.entry_position), 0),
COALESCE(SUM(e.amount) FILTER (WHERE e.entry_side='DEBIT'), 0)::text,
COALESCE(SUM(e.amount) FILTER (WHERE e.entry_side='CREDIT'), 0)::text
FROM ledger_transactions t
LEFT JOIN ledger_entries e ON e.tenant_id=t.tenant_id AND e.txn_id=t.txn_id
WHERE t.tenant_id=$1 AND t.posted_at >= $2
GROUP BY t.txn_id, t.entry_count, t.posted_at
ORDER BY t.posted_at ASC`, tenantID, since)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				tt              TransactionTotals
				debits, credits string
			)
			if err := rows.Scan(&tt.TxnID, &tt.EntryCount, &tt.PostedAt, &tt.StoredEntries, &tt.MinPosition, &tt.MaxPosition, &debits, &credits); err != nil {
				return err
			}
			if tt.Debits, err = decimal.NewFromString(debits); err != nil {
				return err
			}
			if tt.Credits, err = decimal.NewFromString(credits); err != nil {
				return err
			}
			out = append(out, tt)
		}
		return rows.Err()
	})
	return out, err
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
