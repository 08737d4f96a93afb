package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
)

const (
	// QueueDefault carries maintenance work such as integrity scans.
	QueueDefault = "default"
	// QueueLedger carries posting tasks.
	QueueLedger = "ledger"

	// TaskSettlementPost posts a receivable settlement split.
	TaskSettlementPost = "ledger:settlement:post"
	// TaskCompensationPost posts a compensating reversal.
	TaskCompensationPost = "ledger:compensation:post"
	// TaskLedgerIntegrity scans recent transactions for invariant violations.
	TaskLedgerIntegrity = "ledger:integrity:scan"

	// workerActorRole is recorded as the actor role of postings made by the worker.
	workerActorRole = "ledger-worker"
)

var payloadValidator = validator.New()

// SettlementPostPayload is the wire form of a settlement split.
type SettlementPostPayload struct {
	TenantID             string          `json:"tenant_id" validate:"required,uuid"`
	SettlementID         string          `json:"settlement_id" validate:"required"`
	ReceivableID         string          `json:"receivable_id" validate:"omitempty,uuid"`
	PaymentReference     string          `json:"payment_reference" validate:"required"`
	PaidAmount           decimal.Decimal `json:"paid_amount"`
	TaxWithheld          decimal.Decimal `json:"tax_withheld"`
	FundRepayment        decimal.Decimal `json:"fund_repayment"`
	BeneficiaryRemainder decimal.Decimal `json:"beneficiary_remainder"`
	DebtorPartyID        string          `json:"debtor_party_id,omitempty" validate:"omitempty,uuid"`
	LegalEntityPartyID   string          `json:"legal_entity_party_id,omitempty" validate:"omitempty,uuid"`
	FundPartyID          string          `json:"fund_party_id,omitempty" validate:"omitempty,uuid"`
	BeneficiaryPartyID   string          `json:"beneficiary_party_id,omitempty" validate:"omitempty,uuid"`
	PostedAt             time.Time       `json:"posted_at,omitempty"`
	RequestID            string          `json:"request_id,omitempty"`
}

// Settlement converts the payload into the ledger's settlement model.
func (p SettlementPostPayload) Settlement() (ledger.Settlement, error) {
	if err := payloadValidator.Struct(p); err != nil {
		return ledger.Settlement{}, err
	}
	st := ledger.Settlement{
		TenantID:             uuid.MustParse(p.TenantID),
		SettlementID:         p.SettlementID,
		PaymentReference:     p.PaymentReference,
		PaidAmount:           p.PaidAmount,
		TaxWithheld:          p.TaxWithheld,
		FundRepayment:        p.FundRepayment,
		BeneficiaryRemainder: p.BeneficiaryRemainder,
		DebtorPartyID:        optionalUUID(p.DebtorPartyID),
		LegalEntityPartyID:   optionalUUID(p.LegalEntityPartyID),
		FundPartyID:          optionalUUID(p.FundPartyID),
		BeneficiaryPartyID:   optionalUUID(p.BeneficiaryPartyID),
		PostedAt:             p.PostedAt,
	}
	if p.ReceivableID != "" {
		st.ReceivableID = uuid.MustParse(p.ReceivableID)
	}
	return st, nil
}

// CompensationPostPayload is the wire form of a compensation request.
type CompensationPostPayload struct {
	TenantID              string    `json:"tenant_id" validate:"required,uuid"`
	OriginalTxnID         string    `json:"original_txn_id" validate:"required"`
	CompensationTxnID     string    `json:"compensation_txn_id" validate:"required"`
	Reason                string    `json:"reason" validate:"required"`
	CompensationReference string    `json:"compensation_reference" validate:"required"`
	SourceType            string    `json:"source_type,omitempty"`
	SourceID              string    `json:"source_id,omitempty"`
	ActorPartyID          string    `json:"actor_party_id,omitempty" validate:"omitempty,uuid"`
	PostedAt              time.Time `json:"posted_at,omitempty"`
	RequestID             string    `json:"request_id,omitempty"`
}

// Request converts the payload into a ledger compensation request.
func (p CompensationPostPayload) Request() (ledger.CompensationRequest, error) {
	if err := payloadValidator.Struct(p); err != nil {
		return ledger.CompensationRequest{}, err
	}
	return ledger.CompensationRequest{
		TenantID:              uuid.MustParse(p.TenantID),
		OriginalTxnID:         p.OriginalTxnID,
		CompensationTxnID:     p.CompensationTxnID,
		Reason:                p.Reason,
		CompensationReference: p.CompensationReference,
		SourceType:            p.SourceType,
		SourceID:              p.SourceID,
		PostedAt:              p.PostedAt,
	}, nil
}

// LedgerIntegrityPayload scopes an integrity scan. Empty fields fall back to
// the job defaults.
type LedgerIntegrityPayload struct {
	TenantIDs []string `json:"tenant_ids,omitempty" validate:"omitempty,dive,uuid"`
	Lookback  string   `json:"lookback,omitempty"`
}

// NewSettlementPostTask builds the settlement task. The task id is derived
// from the settlement so duplicate enqueues are rejected by the broker.
func NewSettlementPostTask(payload SettlementPostPayload) (*asynq.Task, error) {
	if err := payloadValidator.Struct(payload); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSettlementPost, body,
		asynq.Queue(QueueLedger),
		asynq.TaskID(fmt.Sprintf("settlement:%s:%s", payload.TenantID, payload.SettlementID)),
		asynq.MaxRetry(10),
	), nil
}

// NewCompensationPostTask builds the compensation task.
func NewCompensationPostTask(payload CompensationPostPayload) (*asynq.Task, error) {
	if err := payloadValidator.Struct(payload); err != nil {
		return nil, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCompensationPost, body,
		asynq.Queue(QueueLedger),
		asynq.TaskID(fmt.Sprintf("compensation:%s:%s", payload.TenantID, payload.CompensationTxnID)),
		asynq.MaxRetry(10),
	), nil
}

// NewLedgerIntegrityTask builds an integrity scan task.
func NewLedgerIntegrityTask(payload LedgerIntegrityPayload) (*asynq.Task, error) {
	if err := payloadValidator.Struct(payload); err != nil {
		return nil, err
	}
	if payload.Lookback != "" {
		if _, err := time.ParseDuration(payload.Lookback); err != nil {
			return nil, fmt.Errorf("ledger integrity: lookback: %w", err)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerIntegrity, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

func optionalUUID(v string) *uuid.UUID {
	if v == "" {
		return nil
	}
	id := uuid.MustParse(v)
	return &id
}
