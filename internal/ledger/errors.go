package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches every input validation failure, conflicts included.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrIdempotencyConflict matches reuse of a txn_id or source with a different payload.
	ErrIdempotencyConflict = errors.New("ledger: idempotency conflict")
	// ErrIntegrity matches stored data that violates ledger invariants.
	ErrIntegrity = errors.New("ledger: data integrity violation")
	// ErrTransactionNotFound is returned by repositories for unknown transactions.
	ErrTransactionNotFound = errors.New("ledger: transaction not found")
	// ErrAuditUnavailable matches a failed load-bearing audit write.
	ErrAuditUnavailable = errors.New("ledger: audit write failed")
)

// Validation codes.
const (
	CodeTenantRequired                = "tenant_required"
	CodeTxnIDRequired                 = "txn_id_required"
	CodeSourceRequired                = "source_required"
	CodeEmptyEntries                  = "empty_entries"
	CodeUnknownAccountCode            = "unknown_account_code"
	CodeInvalidEntrySide              = "invalid_entry_side"
	CodeInvalidAmount                 = "invalid_amount"
	CodeUnbalancedTransaction         = "unbalanced_transaction"
	CodePaymentReferenceRequired      = "payment_reference_required"
	CodeInvalidMetadata               = "invalid_metadata"
	CodeSettlementIDRequired          = "settlement_id_required"
	CodeInvalidSettlementAmount       = "invalid_settlement_amount"
	CodeReasonRequired                = "reason_required"
	CodeCompensationReferenceRequired = "compensation_reference_required"
	CodeCompensationTxnIDRequired     = "compensation_txn_id_required"
	CodeOriginalTransactionNotFound   = "original_transaction_not_found"
)

// Conflict reasons.
const (
	ReasonTxnIDReused  = "txn_id_reused_with_different_payload"
	ReasonSourceReused = "source_reused_with_different_payload"
)

// Integrity codes.
const (
	CodeIncompleteReplay      = "incomplete_transaction_replay"
	CodeInconsistentHash      = "inconsistent_txn_payload_hash"
	CodeEntryPositionGap      = "entry_position_gap"
	CodePersistedUnbalanced   = "persisted_transaction_unbalanced"
	CodeEntryCountMismatch    = "entry_count_mismatch"
	CodeAuditPreflightFailure = "compensation_audit_failed"
)

// ValidationError reports malformed input or a violated accounting rule.
type ValidationError struct {
	Code   string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return "ledger: " + e.Code
	}
	return fmt.Sprintf("ledger: %s: %s", e.Code, e.Detail)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ConflictError reports a txn_id or source reused for a different payload.
type ConflictError struct {
	Reason string
	TxnID  string
	// ExistingTxnID is the transaction already holding the txn_id or source.
	ExistingTxnID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ledger: idempotency conflict: %s (txn_id=%s existing=%s)", e.Reason, e.TxnID, e.ExistingTxnID)
}

func (e *ConflictError) Unwrap() []error { return []error{ErrIdempotencyConflict, ErrValidation} }

// IntegrityError reports persisted data that contradicts ledger invariants.
type IntegrityError struct {
	Code   string
	TxnID  string
	Detail string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger: integrity violation: %s (txn_id=%s): %s", e.Code, e.TxnID, e.Detail)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// AuditError reports that a load-bearing audit record could not be written.
type AuditError struct {
	Action string
	Err    error
}

func (e *AuditError) Error() string {
	return fmt.Sprintf("ledger: %s: %s: %v", CodeAuditPreflightFailure, e.Action, e.Err)
}

func (e *AuditError) Unwrap() []error { return []error{ErrAuditUnavailable, e.Err} }

// ErrorCode extracts the machine-readable code of a ledger error, or "" for
// errors this package does not classify.
func ErrorCode(err error) string {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		return conflict.Reason
	}
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Code
	}
	var integrity *IntegrityError
	if errors.As(err, &integrity) {
		return integrity.Code
	}
	var audit *AuditError
	if errors.As(err, &audit) {
		return CodeAuditPreflightFailure
	}
	return ""
}

// IsPermanent reports whether retrying err with the same input cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrIntegrity)
}
