package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// memRepo is an in-memory RepositoryPort enforcing the same uniqueness rules
// as the ledger_transactions constraints. Writes become visible on commit.
type memRepo struct {
	mu      sync.Mutex
	txns    map[string]Transaction
	entries map[string][]Entry
	nextID  int64

	// beforeInsert runs once, outside the unit of work, right before the
	// next header insert. Tests use it to commit a competing writer.
	beforeInsert func()
	backfills    int
	lockCalls    int
	listCalls    int
	txCalls      int

	// txnLocks serialises units of work on the same (tenant, txn_id) the
	// way pg_advisory_xact_lock does. A lock is held until WithTx returns.
	txnLocks map[string]*sync.Mutex
	// unlocked makes LockTxn a no-op, for writers that bypass the lock.
	unlocked bool
}

func newMemRepo() *memRepo {
	return &memRepo{txns: map[string]Transaction{}, entries: map[string][]Entry{}, txnLocks: map[string]*sync.Mutex{}}
}

func txnKey(tenantID uuid.UUID, txnID string) string { return tenantID.String() + "/" + txnID }

func (r *memRepo) WithTx(ctx context.Context, tenantID uuid.UUID, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	r.txCalls++
	r.mu.Unlock()
	tx := &memTx{repo: r, txns: map[string]Transaction{}, entries: map[string][]Entry{}, backfill: map[string]string{}}
	defer tx.release()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range tx.txns {
		r.txns[k] = t
	}
	for k, e := range tx.entries {
		r.entries[k] = e
	}
	for k, h := range tx.backfill {
		t := r.txns[k]
		if t.PayloadHash == "" {
			t.PayloadHash = h
			r.txns[k] = t
			r.backfills++
		}
	}
	return nil
}

// seed commits a transaction directly, bypassing validation.
func (r *memRepo) seed(txn Transaction, entries []Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := txnKey(txn.TenantID, txn.TxnID)
	r.txns[key] = txn
	stored := make([]Entry, len(entries))
	for i, e := range entries {
		r.nextID++
		e.ID = r.nextID
		stored[i] = e
	}
	r.entries[key] = stored
}

func (r *memRepo) transaction(tenantID uuid.UUID, txnID string) (Transaction, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.txns[txnKey(tenantID, txnID)]
	return t, ok
}

func (r *memRepo) storedEntries(tenantID uuid.UUID, txnID string) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Entry(nil), r.entries[txnKey(tenantID, txnID)]...)
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.txns)
}

type memTx struct {
	repo     *memRepo
	txns     map[string]Transaction
	entries  map[string][]Entry
	backfill map[string]string
	held     []*sync.Mutex
}

func (tx *memTx) LockTxn(ctx context.Context, tenantID uuid.UUID, txnID string) error {
	key := txnKey(tenantID, txnID)
	tx.repo.mu.Lock()
	tx.repo.lockCalls++
	if tx.repo.unlocked {
		tx.repo.mu.Unlock()
		return nil
	}
	lock, ok := tx.repo.txnLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		tx.repo.txnLocks[key] = lock
	}
	tx.repo.mu.Unlock()
	lock.Lock()
	tx.held = append(tx.held, lock)
	return nil
}

func (tx *memTx) release() {
	for i := len(tx.held) - 1; i >= 0; i-- {
		tx.held[i].Unlock()
	}
	tx.held = nil
}

func (tx *memTx) GetTransaction(ctx context.Context, tenantID uuid.UUID, txnID string) (Transaction, error) {
	key := txnKey(tenantID, txnID)
	if t, ok := tx.txns[key]; ok {
		return t, nil
	}
	if t, ok := tx.repo.transaction(tenantID, txnID); ok {
		return t, nil
	}
	return Transaction{}, ErrTransactionNotFound
}

func (tx *memTx) GetTransactionBySource(ctx context.Context, tenantID uuid.UUID, sourceType, sourceID string) (Transaction, error) {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, t := range tx.repo.txns {
		if t.TenantID == tenantID && t.SourceType == sourceType && t.SourceID == sourceID {
			return t, nil
		}
	}
	return Transaction{}, ErrTransactionNotFound
}

func (tx *memTx) ListEntries(ctx context.Context, tenantID uuid.UUID, txnID string) ([]Entry, error) {
	key := txnKey(tenantID, txnID)
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	tx.repo.listCalls++
	if e, ok := tx.entries[key]; ok {
		return append([]Entry(nil), e...), nil
	}
	return append([]Entry(nil), tx.repo.entries[key]...), nil
}

func (tx *memTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	if hook := tx.repo.beforeInsert; hook != nil {
		tx.repo.beforeInsert = nil
		hook()
	}
	meta, err := storedMetadata(txn.Metadata)
	if err != nil {
		return err
	}
	txn.Metadata = meta
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for _, t := range tx.repo.txns {
		if t.TenantID != txn.TenantID {
			continue
		}
		if t.TxnID == txn.TxnID {
			return &pgconn.PgError{Code: "23505", ConstraintName: "ledger_transactions_tenant_txn_key"}
		}
		if t.SourceType == txn.SourceType && t.SourceID == txn.SourceID {
			return &pgconn.PgError{Code: "23505", ConstraintName: "ledger_transactions_tenant_source_key"}
		}
	}
	tx.txns[txnKey(txn.TenantID, txn.TxnID)] = txn
	return nil
}

func (tx *memTx) InsertEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	stored := make([]Entry, len(entries))
	for i, e := range entries {
		meta, err := storedMetadata(e.Metadata)
		if err != nil {
			return nil, err
		}
		e.Metadata = meta
		stored[i] = e
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	for i, e := range stored {
		tx.repo.nextID++
		e.ID = tx.repo.nextID
		stored[i] = e
	}
	if len(stored) > 0 {
		key := txnKey(stored[0].TenantID, stored[0].TxnID)
		tx.entries[key] = append(tx.entries[key], stored...)
	}
	return stored, nil
}

func (tx *memTx) BackfillPayloadHash(ctx context.Context, tenantID uuid.UUID, txnID, hash string, at time.Time) error {
	tx.backfill[txnKey(tenantID, txnID)] = hash
	return nil
}

// storedMetadata mirrors a jsonb column: values come back as decoded JSON.
func storedMetadata(m Metadata) (Metadata, error) {
	raw, err := m.Canonical()
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(raw)
}
