package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement leg names recorded in entry metadata.
const (
	LegClearing             = "clearing"
	LegTaxWithholding       = "tax_withholding"
	LegFundRepayment        = "fund_repayment"
	LegBeneficiaryRemainder = "beneficiary_remainder"
)

// Settlement is a receivable payment already split upstream into its tax,
// fund, and beneficiary shares.
type Settlement struct {
	TenantID             uuid.UUID
	SettlementID         string
	ReceivableID         uuid.UUID
	PaymentReference     string
	PaidAmount           decimal.Decimal
	TaxWithheld          decimal.Decimal
	FundRepayment        decimal.Decimal
	BeneficiaryRemainder decimal.Decimal
	DebtorPartyID        *uuid.UUID
	LegalEntityPartyID   *uuid.UUID
	FundPartyID          *uuid.UUID
	BeneficiaryPartyID   *uuid.UUID
	PostedAt             time.Time
}

// TransactionPoster is the subset of Poster the domain posters depend on.
type TransactionPoster interface {
	Post(ctx context.Context, req PostRequest) ([]Entry, error)
}

// SettlementPoster turns a settlement split into clearing-rooted legs.
type SettlementPoster struct {
	poster TransactionPoster
	newID  func() string
}

// NewSettlementPoster constructs the settlement poster.
func NewSettlementPoster(poster TransactionPoster) *SettlementPoster {
	return &SettlementPoster{poster: poster, newID: uuid.NewString}
}

// WithIDGenerator overrides txn id generation for testing.
func (s *SettlementPoster) WithIDGenerator(fn func() string) {
	if fn != nil {
		s.newID = fn
	}
}

// PostSettlement records the settlement. When no obligation leg applies the
// result is empty and nothing is posted. Retries with the same settlement id
// replay the original transaction through the source uniqueness constraint.
func (s *SettlementPoster) PostSettlement(ctx context.Context, st Settlement) ([]Entry, error) {
	entries, err := SettlementEntries(st)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	receivableID := st.ReceivableID
	var receivable *uuid.UUID
	if receivableID != uuid.Nil {
		receivable = &receivableID
	}
	return s.poster.Post(ctx, PostRequest{
		TenantID:         st.TenantID,
		TxnID:            s.newID(),
		PostedAt:         st.PostedAt,
		SourceType:       SourceReceivablePaymentSettlement,
		SourceID:         st.SettlementID,
		Entries:          entries,
		ReceivableID:     receivable,
		PaymentReference: st.PaymentReference,
	})
}

// SettlementEntries builds the legs of a settlement. Leg 1 debits the clearing
// account for the full paid amount; each positive share credits it back, so
// the clearing account nets to zero whenever the shares sum to the paid amount.
// An empty result means no share is positive.
func SettlementEntries(st Settlement) ([]EntryInput, error) {
	if strings.TrimSpace(st.SettlementID) == "" {
		return nil, invalid(CodeSettlementIDRequired, "settlement id is blank")
	}
	paid := RoundAmount(st.PaidAmount)
	if !paid.IsPositive() {
		return nil, invalid(CodeInvalidSettlementAmount, "paid amount %s must be positive", paid.StringFixed(AmountPlaces))
	}
	shares := []struct {
		leg     string
		account string
		amount  decimal.Decimal
		party   *uuid.UUID
	}{
		{LegTaxWithholding, AccountObligationsCNPJ, RoundAmount(st.TaxWithheld), st.LegalEntityPartyID},
		{LegFundRepayment, AccountObligationsFDIC, RoundAmount(st.FundRepayment), st.FundPartyID},
		{LegBeneficiaryRemainder, AccountObligationsBeneficiary, RoundAmount(st.BeneficiaryRemainder), st.BeneficiaryPartyID},
	}
	for _, share := range shares {
		if share.amount.IsNegative() {
			return nil, invalid(CodeInvalidSettlementAmount, "%s amount %s is negative", share.leg, share.amount.StringFixed(AmountPlaces))
		}
	}

	entries := leg(LegClearing, st.SettlementID, AccountClearingSettlement, AccountReceivablesHospital, paid, st.DebtorPartyID)
	applied := 0
	for _, share := range shares {
		if !share.amount.IsPositive() {
			continue
		}
		entries = append(entries, leg(share.leg, st.SettlementID, share.account, AccountClearingSettlement, share.amount, share.party)...)
		applied++
	}
	if applied == 0 {
		return nil, nil
	}
	return entries, nil
}

func leg(name, settlementID, debitAccount, creditAccount string, amount decimal.Decimal, party *uuid.UUID) []EntryInput {
	meta := Metadata{"leg": name, "settlement_id": settlementID}
	return []EntryInput{
		{AccountCode: debitAccount, Side: SideDebit, Amount: amount, PartyID: party, Metadata: meta},
		{AccountCode: creditAccount, Side: SideCredit, Amount: amount, PartyID: party, Metadata: meta.Clone()},
	}
}
