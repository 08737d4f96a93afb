package ledger

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settlementFixture() Settlement {
	debtor, cnpj, fund, beneficiary := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	return Settlement{
		TenantID:             testTenant,
		SettlementID:         "stl-001",
		ReceivableID:         uuid.New(),
		PaymentReference:     "PIX-E2E-42",
		PaidAmount:           dec("100.00"),
		TaxWithheld:          dec("30.00"),
		FundRepayment:        dec("66.00"),
		BeneficiaryRemainder: dec("4.00"),
		DebtorPartyID:        &debtor,
		LegalEntityPartyID:   &cnpj,
		FundPartyID:          &fund,
		BeneficiaryPartyID:   &beneficiary,
	}
}

func TestPostSettlementSplitsAcrossObligations(t *testing.T) {
	repo := newMemRepo()
	poster, _ := newTestPoster(repo)
	settlements := NewSettlementPoster(poster)
	settlements.WithIDGenerator(func() string { return "T-stl" })
	st := settlementFixture()

	entries, err := settlements.PostSettlement(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, entries, 8)

	debits, credits := entryTotals(entries)
	assert.Equal(t, "200.00", FormatAmount(debits))
	assert.Equal(t, "200.00", FormatAmount(credits))

	clearingDebits, clearingCredits := decimal.Zero, decimal.Zero
	byAccount := map[string]decimal.Decimal{}
	for _, e := range entries {
		assert.Equal(t, SourceReceivablePaymentSettlement, e.SourceType)
		assert.Equal(t, "stl-001", e.SourceID)
		assert.Equal(t, "PIX-E2E-42", e.PaymentReference)
		if e.AccountCode == AccountClearingSettlement {
			if e.Side == SideDebit {
				clearingDebits = clearingDebits.Add(e.Amount)
			} else {
				clearingCredits = clearingCredits.Add(e.Amount)
			}
			continue
		}
		byAccount[e.AccountCode+"/"+string(e.Side)] = e.Amount
	}
	assert.Equal(t, "100.00", FormatAmount(clearingDebits))
	assert.Equal(t, "100.00", FormatAmount(clearingCredits))
	assert.Equal(t, "100.00", FormatAmount(byAccount[AccountReceivablesHospital+"/CREDIT"]))
	assert.Equal(t, "30.00", FormatAmount(byAccount[AccountObligationsCNPJ+"/DEBIT"]))
	assert.Equal(t, "66.00", FormatAmount(byAccount[AccountObligationsFDIC+"/DEBIT"]))
	assert.Equal(t, "4.00", FormatAmount(byAccount[AccountObligationsBeneficiary+"/DEBIT"]))

	txn, ok := repo.transaction(testTenant, "T-stl")
	require.True(t, ok)
	require.NotNil(t, txn.ReceivableID)
	assert.Equal(t, st.ReceivableID, *txn.ReceivableID)
}

func TestPostSettlementRetryReplaysThroughSource(t *testing.T) {
	repo := newMemRepo()
	poster, _ := newTestPoster(repo)
	settlements := NewSettlementPoster(poster)
	st := settlementFixture()

	first, err := settlements.PostSettlement(context.Background(), st)
	require.NoError(t, err)
	second, err := settlements.PostSettlement(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, first[0].TxnID, second[0].TxnID)
	assert.Equal(t, 1, repo.count())
}

func TestPostSettlementWithoutSharesPostsNothing(t *testing.T) {
	repo := newMemRepo()
	poster, _ := newTestPoster(repo)
	st := settlementFixture()
	st.TaxWithheld, st.FundRepayment, st.BeneficiaryRemainder = decimal.Zero, decimal.Zero, decimal.Zero

	entries, err := NewSettlementPoster(poster).PostSettlement(context.Background(), st)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, repo.count())
}

func TestSettlementEntriesSkipsZeroShares(t *testing.T) {
	st := settlementFixture()
	st.TaxWithheld = decimal.Zero
	st.FundRepayment = dec("96.00")

	entries, err := SettlementEntries(st)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	for _, e := range entries {
		assert.NotEqual(t, AccountObligationsCNPJ, e.AccountCode)
		assert.Equal(t, "stl-001", e.Metadata.Text("settlement_id"))
	}
	assert.Equal(t, LegClearing, entries[0].Metadata.Text("leg"))
	assert.Equal(t, st.DebtorPartyID, entries[0].PartyID)
}

func TestSettlementEntriesValidation(t *testing.T) {
	st := settlementFixture()
	st.SettlementID = " "
	_, err := SettlementEntries(st)
	assert.Equal(t, CodeSettlementIDRequired, ErrorCode(err))

	st = settlementFixture()
	st.PaidAmount = decimal.Zero
	_, err = SettlementEntries(st)
	assert.Equal(t, CodeInvalidSettlementAmount, ErrorCode(err))

	st = settlementFixture()
	st.FundRepayment = dec("-1.00")
	_, err = SettlementEntries(st)
	assert.Equal(t, CodeInvalidSettlementAmount, ErrorCode(err))
}

func TestSettlementRequiresPaymentReference(t *testing.T) {
	poster, _ := newTestPoster(newMemRepo())
	st := settlementFixture()
	st.PaymentReference = ""

	_, err := NewSettlementPoster(poster).PostSettlement(context.Background(), st)
	assert.Equal(t, CodePaymentReferenceRequired, ErrorCode(err))
}

func TestSettlementEntriesConserveClearing(t *testing.T) {
	cases := []struct {
		name                     string
		paid, tax, fund, remains string
		legs                     int
	}{
		{"all shares", "100.00", "30.00", "66.00", "4.00", 8},
		{"fund only", "250.00", "0", "250.00", "0", 4},
		{"tax and remainder", "80.10", "12.02", "0", "68.08", 6},
		{"cents", "0.03", "0.01", "0.01", "0.01", 8},
		{"thirds", "10.00", "3.33", "3.33", "3.34", 8},
		{"sub-cent inputs", "10.004", "5.001", "4.999", "0.004", 6},
		{"large", "9999999999999999.99", "1999999999999999.99", "7000000000000000.00", "1000000000000000.00", 8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := settlementFixture()
			st.PaidAmount = dec(tc.paid)
			st.TaxWithheld = dec(tc.tax)
			st.FundRepayment = dec(tc.fund)
			st.BeneficiaryRemainder = dec(tc.remains)

			entries, err := SettlementEntries(st)
			require.NoError(t, err)
			require.Len(t, entries, tc.legs)

			clearingDebits, clearingCredits := decimal.Zero, decimal.Zero
			debits, credits := inputTotals(entries)
			for _, e := range entries {
				if e.AccountCode != AccountClearingSettlement {
					continue
				}
				if e.Side == SideDebit {
					clearingDebits = clearingDebits.Add(e.Amount)
				} else {
					clearingCredits = clearingCredits.Add(e.Amount)
				}
			}
			assert.Equal(t, FormatAmount(dec(tc.paid)), FormatAmount(clearingDebits))
			assert.True(t, clearingDebits.Equal(clearingCredits), "clearing debits %s credits %s", clearingDebits, clearingCredits)
			assert.True(t, debits.Equal(credits))
		})
	}
}
