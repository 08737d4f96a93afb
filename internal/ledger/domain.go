package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side enumerates entry sides.
type Side string

const (
	SideDebit  Side = "DEBIT"
	SideCredit Side = "CREDIT"
)

// Valid reports whether s is DEBIT or CREDIT.
func (s Side) Valid() bool {
	return s == SideDebit || s == SideCredit
}

// Opposite flips the side.
func (s Side) Opposite() Side {
	if s == SideDebit {
		return SideCredit
	}
	return SideDebit
}

const (
	// SourceReceivablePaymentSettlement marks postings caused by a receivable settlement.
	SourceReceivablePaymentSettlement = "ReceivablePaymentSettlement"
	// SourceLedgerCompensation marks reversal postings.
	SourceLedgerCompensation = "LedgerCompensation"

	// Currency is the single currency every entry is recorded in.
	Currency = "BRL"
)

// paymentSourceTypes require a payment reference on every posting.
var paymentSourceTypes = map[string]struct{}{
	SourceReceivablePaymentSettlement: {},
}

// RequiresPaymentReference reports whether postings of sourceType must carry a payment reference.
func RequiresPaymentReference(sourceType string) bool {
	_, ok := paymentSourceTypes[sourceType]
	return ok
}

// Transaction is the header grouping the entries of one posting.
type Transaction struct {
	TenantID         uuid.UUID
	TxnID            string
	SourceType       string
	SourceID         string
	ReceivableID     *uuid.UUID
	PaymentReference string
	PayloadHash      string
	EntryCount       int
	ActorPartyID     *uuid.UUID
	ActorRole        string
	RequestID        string
	PostedAt         time.Time
	Metadata         Metadata
}

// Entry is a persisted ledger line.
type Entry struct {
	ID               int64
	TenantID         uuid.UUID
	TxnID            string
	Position         int
	TxnEntryCount    int
	AccountCode      string
	Side             Side
	Amount           decimal.Decimal
	Currency         string
	PartyID          *uuid.UUID
	SourceType       string
	SourceID         string
	PaymentReference string
	Metadata         Metadata
	PostedAt         time.Time
}

// EntryInput is a proposed ledger line.
type EntryInput struct {
	AccountCode string
	Side        Side
	Amount      decimal.Decimal
	PartyID     *uuid.UUID
	Metadata    Metadata
}

// PostRequest groups everything the poster needs to record a transaction.
type PostRequest struct {
	TenantID         uuid.UUID
	TxnID            string
	PostedAt         time.Time
	SourceType       string
	SourceID         string
	Entries          []EntryInput
	ReceivableID     *uuid.UUID
	PaymentReference string
	Metadata         Metadata
}

// SourceRef identifies the domain event behind a transaction.
type SourceRef struct {
	SourceType       string
	SourceID         string
	ReceivableID     *uuid.UUID
	PaymentReference string
}

// Ref returns the source reference of the request.
func (r PostRequest) Ref() SourceRef {
	return SourceRef{
		SourceType:       r.SourceType,
		SourceID:         r.SourceID,
		ReceivableID:     r.ReceivableID,
		PaymentReference: r.PaymentReference,
	}
}

// Ref returns the source reference recorded on the transaction.
func (t Transaction) Ref() SourceRef {
	return SourceRef{
		SourceType:       t.SourceType,
		SourceID:         t.SourceID,
		ReceivableID:     t.ReceivableID,
		PaymentReference: t.PaymentReference,
	}
}

// Equal compares two source references.
func (r SourceRef) Equal(other SourceRef) bool {
	return r.SourceType == other.SourceType &&
		r.SourceID == other.SourceID &&
		r.PaymentReference == other.PaymentReference &&
		equalUUIDPtr(r.ReceivableID, other.ReceivableID)
}

func equalUUIDPtr(a, b *uuid.UUID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
