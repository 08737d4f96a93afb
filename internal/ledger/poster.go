package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/receivables-ledger/internal/shared"
)

// Posting outcomes reported to the Recorder.
const (
	OutcomeCreated   = "created"
	OutcomeReplayed  = "replayed"
	OutcomeRecovered = "recovered"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeIntegrity = "integrity"
	OutcomeError     = "error"
)

// CodeTenantMismatch flags a request whose tenant disagrees with the request context.
const CodeTenantMismatch = "tenant_mismatch"

// Recorder observes posting outcomes.
type Recorder interface {
	ObservePost(outcome string, elapsed time.Duration)
}

// BalanceInvalidator drops derived balances after new entries land.
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, tenantID uuid.UUID) error
}

// Poster validates, fingerprints, and records ledger transactions exactly once
// per (tenant, txn_id).
type Poster struct {
	repo        RepositoryPort
	chart       Chart
	logger      *slog.Logger
	metrics     Recorder
	invalidator BalanceInvalidator
	now         func() time.Time
}

// NewPoster constructs the transaction poster.
func NewPoster(repo RepositoryPort, chart Chart, logger *slog.Logger) *Poster {
	return &Poster{repo: repo, chart: chart, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (p *Poster) WithNow(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// WithMetrics attaches an outcome recorder.
func (p *Poster) WithMetrics(m Recorder) { p.metrics = m }

// WithInvalidator attaches the balance cache invalidator.
func (p *Poster) WithInvalidator(inv BalanceInvalidator) { p.invalidator = inv }

// Chart returns the chart of accounts used for validation.
func (p *Poster) Chart() Chart { return p.chart }

type preparedPost struct {
	req    PostRequest
	inputs []EntryInput
	hash   string
}

// Post records req, or replays the transaction already recorded under the same
// txn_id when the payload is identical. Safe to retry with identical input.
func (p *Poster) Post(ctx context.Context, req PostRequest) (entries []Entry, err error) {
	start := p.now()
	outcome := OutcomeCreated
	defer func() {
		p.observe(outcome, err, start)
	}()

	prep, err := p.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	err = p.repo.WithTx(ctx, req.TenantID, func(ctx context.Context, tx TxRepository) error {
		if err := tx.LockTxn(ctx, req.TenantID, req.TxnID); err != nil {
			return err
		}
		existing, err := tx.GetTransaction(ctx, req.TenantID, req.TxnID)
		if err == nil {
			outcome = OutcomeReplayed
			entries, err = p.replay(ctx, tx, existing, prep, ReasonTxnIDReused)
			return err
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		entries, err = p.create(ctx, tx, prep)
		return err
	})
	if err != nil && IsUniqueViolation(err) {
		outcome = OutcomeRecovered
		entries, err = p.recoverUniqueViolation(ctx, prep, err)
		return entries, err
	}
	if err != nil {
		return nil, err
	}
	if outcome == OutcomeCreated {
		p.invalidate(ctx, req.TenantID)
		p.log().Info("ledger transaction posted",
			slog.String("tenant_id", req.TenantID.String()),
			slog.String("txn_id", req.TxnID),
			slog.String("source_type", req.SourceType),
			slog.String("source_id", req.SourceID),
			slog.Int("entries", len(entries)))
	}
	return entries, nil
}

// Validate runs the input checks of Post without touching storage.
func (p *Poster) Validate(ctx context.Context, req PostRequest) error {
	_, err := p.prepare(ctx, req)
	return err
}

func (p *Poster) prepare(ctx context.Context, req PostRequest) (preparedPost, error) {
	if req.TenantID == uuid.Nil {
		return preparedPost{}, invalid(CodeTenantRequired, "tenant id is empty")
	}
	if rc, ok := shared.RequestFromContext(ctx); ok && rc.TenantID != uuid.Nil && rc.TenantID != req.TenantID {
		return preparedPost{}, invalid(CodeTenantMismatch, "request scoped to %s, posting for %s", rc.TenantID, req.TenantID)
	}
	if strings.TrimSpace(req.TxnID) == "" {
		return preparedPost{}, invalid(CodeTxnIDRequired, "txn id is blank")
	}
	if strings.TrimSpace(req.SourceType) == "" || strings.TrimSpace(req.SourceID) == "" {
		return preparedPost{}, invalid(CodeSourceRequired, "source type and id are required")
	}
	if len(req.Entries) == 0 {
		return preparedPost{}, invalid(CodeEmptyEntries, "transaction %s has no entries", req.TxnID)
	}
	if _, err := req.Metadata.Canonical(); err != nil {
		return preparedPost{}, invalid(CodeInvalidMetadata, "transaction %s: %v", req.TxnID, err)
	}
	inputs := make([]EntryInput, len(req.Entries))
	for i, in := range req.Entries {
		if !p.chart.IsValidCode(in.AccountCode) {
			return preparedPost{}, invalid(CodeUnknownAccountCode, "entry %d: %q", i+1, in.AccountCode)
		}
		if !in.Side.Valid() {
			return preparedPost{}, invalid(CodeInvalidEntrySide, "entry %d: %q", i+1, in.Side)
		}
		in.Amount = RoundAmount(in.Amount)
		if !in.Amount.IsPositive() {
			return preparedPost{}, invalid(CodeInvalidAmount, "entry %d: amount %s must be positive", i+1, in.Amount.StringFixed(AmountPlaces))
		}
		if in.Metadata == nil {
			in.Metadata = Metadata{}
		}
		inputs[i] = in
	}
	debits, credits := inputTotals(inputs)
	if !debits.Equal(credits) {
		return preparedPost{}, invalid(CodeUnbalancedTransaction, "debits %s != credits %s",
			debits.StringFixed(AmountPlaces), credits.StringFixed(AmountPlaces))
	}
	if RequiresPaymentReference(req.SourceType) && strings.TrimSpace(req.PaymentReference) == "" {
		return preparedPost{}, invalid(CodePaymentReferenceRequired, "source type %s", req.SourceType)
	}
	hash, err := Fingerprint(req.Ref(), inputs)
	if err != nil {
		return preparedPost{}, err
	}
	return preparedPost{req: req, inputs: inputs, hash: hash}, nil
}

func (p *Poster) create(ctx context.Context, tx TxRepository, prep preparedPost) ([]Entry, error) {
	req := prep.req
	rc, _ := shared.RequestFromContext(ctx)
	postedAt := req.PostedAt
	if postedAt.IsZero() {
		postedAt = p.now()
	}
	postedAt = postedAt.UTC()
	count := len(prep.inputs)
	txn := Transaction{
		TenantID:         req.TenantID,
		TxnID:            req.TxnID,
		SourceType:       req.SourceType,
		SourceID:         req.SourceID,
		ReceivableID:     req.ReceivableID,
		PaymentReference: req.PaymentReference,
		PayloadHash:      prep.hash,
		EntryCount:       count,
		ActorPartyID:     rc.ActorPartyID,
		ActorRole:        rc.ActorRole,
		RequestID:        rc.RequestID,
		PostedAt:         postedAt,
		Metadata:         req.Metadata,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return nil, err
	}
	rows := make([]Entry, count)
	for i, in := range prep.inputs {
		rows[i] = Entry{
			TenantID:         req.TenantID,
			TxnID:            req.TxnID,
			Position:         i + 1,
			TxnEntryCount:    count,
			AccountCode:      in.AccountCode,
			Side:             in.Side,
			Amount:           in.Amount,
			Currency:         Currency,
			PartyID:          in.PartyID,
			SourceType:       req.SourceType,
			SourceID:         req.SourceID,
			PaymentReference: req.PaymentReference,
			Metadata:         in.Metadata.With(MetaPayloadHash, prep.hash),
			PostedAt:         postedAt,
		}
	}
	if _, err := tx.InsertEntries(ctx, rows); err != nil {
		return nil, err
	}
	stored, err := tx.ListEntries(ctx, txn.TenantID, txn.TxnID)
	if err != nil {
		return nil, err
	}
	if err := verifyStored(txn, stored, count); err != nil {
		return nil, err
	}
	return stored, nil
}

// replay returns the entries of an already recorded transaction after
// confirming the caller is re-submitting the same payload.
func (p *Poster) replay(ctx context.Context, tx TxRepository, existing Transaction, prep preparedPost, reason string) ([]Entry, error) {
	if !existing.Ref().Equal(prep.req.Ref()) {
		return nil, &ConflictError{Reason: reason, TxnID: prep.req.TxnID, ExistingTxnID: existing.TxnID}
	}
	stored, err := tx.ListEntries(ctx, existing.TenantID, existing.TxnID)
	if err != nil {
		return nil, err
	}
	hash, err := p.resolveHash(ctx, tx, existing, stored)
	if err != nil {
		return nil, err
	}
	if hash != prep.hash {
		return nil, &ConflictError{Reason: reason, TxnID: prep.req.TxnID, ExistingTxnID: existing.TxnID}
	}
	if err := verifyStored(existing, stored, len(prep.inputs)); err != nil {
		return nil, err
	}
	return stored, nil
}

// recoverUniqueViolation resolves a unique violation raised by a concurrent creator, in a
// fresh unit of work since the failed one is aborted.
func (p *Poster) recoverUniqueViolation(ctx context.Context, prep preparedPost, cause error) ([]Entry, error) {
	req := prep.req
	var entries []Entry
	err := p.repo.WithTx(ctx, req.TenantID, func(ctx context.Context, tx TxRepository) error {
		existing, err := tx.GetTransaction(ctx, req.TenantID, req.TxnID)
		if err == nil {
			entries, err = p.replay(ctx, tx, existing, prep, ReasonTxnIDReused)
			return err
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		claimed, err := tx.GetTransactionBySource(ctx, req.TenantID, req.SourceType, req.SourceID)
		if err == nil {
			p.log().Info("ledger source already claimed, replaying",
				slog.String("tenant_id", req.TenantID.String()),
				slog.String("txn_id", req.TxnID),
				slog.String("claimed_by", claimed.TxnID))
			entries, err = p.replay(ctx, tx, claimed, prep, ReasonSourceReused)
			return err
		}
		if !errors.Is(err, ErrTransactionNotFound) {
			return err
		}
		return cause
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// resolveHash returns the stored fingerprint, reconstructing and backfilling it
// for rows written before fingerprints were recorded on the header.
func (p *Poster) resolveHash(ctx context.Context, tx TxRepository, txn Transaction, stored []Entry) (string, error) {
	if txn.PayloadHash != "" {
		return txn.PayloadHash, nil
	}
	seen := make(map[string]struct{})
	var hash string
	for _, e := range stored {
		if h := e.Metadata.Text(MetaPayloadHash); h != "" {
			seen[h] = struct{}{}
			hash = h
		}
	}
	switch {
	case len(seen) > 1:
		return "", &IntegrityError{Code: CodeInconsistentHash, TxnID: txn.TxnID, Detail: fmt.Sprintf("%d distinct payload hashes across entries", len(seen))}
	case len(seen) == 0:
		recomputed, err := FingerprintEntries(txn.Ref(), stored)
		if err != nil {
			return "", err
		}
		hash = recomputed
	}
	if err := tx.BackfillPayloadHash(ctx, txn.TenantID, txn.TxnID, hash, p.now().UTC()); err != nil {
		return "", err
	}
	p.log().Warn("ledger legacy payload hash backfilled",
		slog.String("tenant_id", txn.TenantID.String()),
		slog.String("txn_id", txn.TxnID))
	return hash, nil
}

// verifyStored checks the invariants of a stored transaction: entry count,
// dense positions, and balance.
func verifyStored(txn Transaction, stored []Entry, expected int) error {
	if len(stored) != txn.EntryCount || len(stored) != expected {
		return &IntegrityError{Code: CodeIncompleteReplay, TxnID: txn.TxnID,
			Detail: fmt.Sprintf("header declares %d entries, expected %d, found %d", txn.EntryCount, expected, len(stored))}
	}
	sorted := append([]Entry(nil), stored...)
	sortByPosition(sorted)
	for i, e := range sorted {
		if e.Position != i+1 {
			return &IntegrityError{Code: CodeEntryPositionGap, TxnID: txn.TxnID, Detail: fmt.Sprintf("position %d found at index %d", e.Position, i)}
		}
	}
	debits, credits := entryTotals(stored)
	if !debits.Equal(credits) {
		return &IntegrityError{Code: CodePersistedUnbalanced, TxnID: txn.TxnID,
			Detail: fmt.Sprintf("debits %s != credits %s", debits.StringFixed(AmountPlaces), credits.StringFixed(AmountPlaces))}
	}
	return nil
}

func sortByPosition(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].Position < entries[j].Position })
}

func (p *Poster) invalidate(ctx context.Context, tenantID uuid.UUID) {
	if p.invalidator == nil {
		return
	}
	if err := p.invalidator.Invalidate(ctx, tenantID); err != nil {
		p.log().Warn("balance cache invalidation failed", slog.String("tenant_id", tenantID.String()), slog.Any("error", err))
	}
}

func (p *Poster) observe(outcome string, err error, start time.Time) {
	if p.metrics == nil {
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, ErrIdempotencyConflict):
			outcome = OutcomeConflict
		case errors.Is(err, ErrValidation):
			outcome = OutcomeInvalid
		case errors.Is(err, ErrIntegrity):
			outcome = OutcomeIntegrity
		default:
			outcome = OutcomeError
		}
	}
	p.metrics.ObservePost(outcome, p.now().Sub(start))
}

func (p *Poster) log() *slog.Logger {
	if p.logger == nil {
		return slog.Default()
	}
	return p.logger
}
