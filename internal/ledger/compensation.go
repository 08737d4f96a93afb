package ledger

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/receivables-ledger/internal/shared"
)

// Compensation audit actions.
const (
	AuditCompensationRequested = "ledger.compensation.requested"
	AuditCompensationPosted    = "ledger.compensation.posted"
	AuditCompensationFailed    = "ledger.compensation.failed"

	auditTargetTransaction = "ledger_transaction"
	compensationRefPrefix  = "COMPENSATION:"
)

// AuditPort records audit log entries and returns their id.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) (int64, error)
}

// CompensationRequest reverses a previously posted transaction.
type CompensationRequest struct {
	TenantID              uuid.UUID
	OriginalTxnID         string
	CompensationTxnID     string
	Reason                string
	CompensationReference string
	SourceType            string
	SourceID              string
	PostedAt              time.Time
}

// CompensationPoster posts mirror-image reversals. Entries are never edited.
type CompensationPoster struct {
	poster TransactionPoster
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewCompensationPoster constructs the compensation poster.
func NewCompensationPoster(poster TransactionPoster, repo RepositoryPort, audit AuditPort, logger *slog.Logger) *CompensationPoster {
	return &CompensationPoster{poster: poster, repo: repo, audit: audit, logger: logger}
}

// PostCompensation audits the request, loads the original entries, and posts
// them with flipped sides. The pre-flight audit must succeed before anything
// is posted.
func (c *CompensationPoster) PostCompensation(ctx context.Context, req CompensationRequest) ([]Entry, error) {
	if req.TenantID == uuid.Nil {
		return nil, invalid(CodeTenantRequired, "tenant id is empty")
	}
	if strings.TrimSpace(req.OriginalTxnID) == "" {
		return nil, invalid(CodeTxnIDRequired, "original txn id is blank")
	}
	if strings.TrimSpace(req.CompensationTxnID) == "" {
		return nil, invalid(CodeCompensationTxnIDRequired, "compensation txn id is blank")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, invalid(CodeReasonRequired, "compensation of %s has no reason", req.OriginalTxnID)
	}
	if strings.TrimSpace(req.CompensationReference) == "" {
		return nil, invalid(CodeCompensationReferenceRequired, "compensation of %s has no reference", req.OriginalTxnID)
	}

	requestedID, err := c.record(ctx, req, AuditCompensationRequested, true, nil)
	if err != nil {
		return nil, &AuditError{Action: AuditCompensationRequested, Err: err}
	}

	entries, err := c.post(ctx, req)
	if err != nil {
		c.recordFailure(ctx, req, requestedID, err)
		return nil, err
	}

	if _, auditErr := c.record(ctx, req, AuditCompensationPosted, true, map[string]any{
		"requested_audit_id":  requestedID,
		"compensation_txn_id": req.CompensationTxnID,
		"entries":             len(entries),
	}); auditErr != nil {
		c.log().Warn("compensation success audit failed",
			slog.String("tenant_id", req.TenantID.String()),
			slog.String("txn_id", req.CompensationTxnID),
			slog.Any("error", auditErr))
	}
	return entries, nil
}

func (c *CompensationPoster) post(ctx context.Context, req CompensationRequest) ([]Entry, error) {
	var (
		original Transaction
		stored   []Entry
	)
	err := c.repo.WithTx(ctx, req.TenantID, func(ctx context.Context, tx TxRepository) error {
		var err error
		original, err = tx.GetTransaction(ctx, req.TenantID, req.OriginalTxnID)
		if err != nil {
			return err
		}
		stored, err = tx.ListEntries(ctx, req.TenantID, req.OriginalTxnID)
		return err
	})
	if errors.Is(err, ErrTransactionNotFound) || (err == nil && len(stored) == 0) {
		return nil, invalid(CodeOriginalTransactionNotFound, "txn %s", req.OriginalTxnID)
	}
	if err != nil {
		return nil, err
	}

	postReq := PostRequest{
		TenantID:         req.TenantID,
		TxnID:            req.CompensationTxnID,
		PostedAt:         req.PostedAt,
		SourceType:       req.SourceType,
		SourceID:         req.SourceID,
		Entries:          CompensationEntries(stored, req),
		ReceivableID:     original.ReceivableID,
		PaymentReference: compensationRefPrefix + req.CompensationReference,
		Metadata: Metadata{
			"original_txn_id": req.OriginalTxnID,
			"reason":          req.Reason,
		},
	}
	if strings.TrimSpace(postReq.SourceType) == "" {
		postReq.SourceType = SourceLedgerCompensation
	}
	if strings.TrimSpace(postReq.SourceID) == "" {
		postReq.SourceID = req.CompensationTxnID
	}
	return c.poster.Post(ctx, postReq)
}

// CompensationEntries mirrors the original entries with flipped sides. Account,
// amount, and party are preserved.
func CompensationEntries(original []Entry, req CompensationRequest) []EntryInput {
	sorted := append([]Entry(nil), original...)
	sortByPosition(sorted)
	out := make([]EntryInput, len(sorted))
	for i, e := range sorted {
		out[i] = EntryInput{
			AccountCode: e.AccountCode,
			Side:        e.Side.Opposite(),
			Amount:      e.Amount,
			PartyID:     e.PartyID,
			Metadata: Metadata{
				"original_txn_id":        req.OriginalTxnID,
				"reason":                 req.Reason,
				"compensation_reference": req.CompensationReference,
				"original_entry_id":      strconv.FormatInt(e.ID, 10),
			},
		}
	}
	return out
}

func (c *CompensationPoster) recordFailure(ctx context.Context, req CompensationRequest, requestedID int64, cause error) {
	meta := map[string]any{
		"requested_audit_id":  requestedID,
		"compensation_txn_id": req.CompensationTxnID,
		"error":               cause.Error(),
	}
	if code := ErrorCode(cause); code != "" {
		meta["error_code"] = code
	}
	if _, err := c.record(ctx, req, AuditCompensationFailed, false, meta); err != nil {
		c.log().Error("compensation failure audit failed",
			slog.String("tenant_id", req.TenantID.String()),
			slog.String("txn_id", req.CompensationTxnID),
			slog.Any("cause", cause),
			slog.Any("error", err))
	}
}

func (c *CompensationPoster) record(ctx context.Context, req CompensationRequest, action string, success bool, extra map[string]any) (int64, error) {
	if c.audit == nil {
		return 0, errors.New("ledger: audit port not configured")
	}
	meta := map[string]any{
		"original_txn_id":        req.OriginalTxnID,
		"reason":                 req.Reason,
		"compensation_reference": req.CompensationReference,
	}
	for k, v := range extra {
		meta[k] = v
	}
	log := shared.AuditLog{
		TenantID:   req.TenantID,
		ActionType: action,
		TargetType: auditTargetTransaction,
		TargetID:   req.OriginalTxnID,
		Success:    success,
		Meta:       meta,
	}
	if rc, ok := shared.RequestFromContext(ctx); ok {
		log = log.WithRequest(rc)
	}
	return c.audit.Record(ctx, log)
}

func (c *CompensationPoster) log() *slog.Logger {
	if c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
