package ledger

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Account codes known to the receivables ledger.
const (
	AccountClearingSettlement     = "clearing:settlement"
	AccountReceivablesHospital    = "receivables:hospital"
	AccountCashEscrow             = "cash:escrow"
	AccountObligationsCNPJ        = "obligations:cnpj"
	AccountObligationsFDIC        = "obligations:fdic"
	AccountObligationsBeneficiary = "obligations:beneficiary"
	AccountRevenueAnticipationFee = "revenue:anticipation_fee"
)

// Chart is a static registry of account codes and their normal balance side.
type Chart struct {
	normal map[string]Side
}

// NewChart builds a chart from code → normal side pairs.
func NewChart(accounts map[string]Side) Chart {
	normal := make(map[string]Side, len(accounts))
	for code, side := range accounts {
		normal[code] = side
	}
	return Chart{normal: normal}
}

// DefaultChart returns the platform chart of accounts.
func DefaultChart() Chart {
	return NewChart(map[string]Side{
		AccountClearingSettlement:     SideDebit,
		AccountReceivablesHospital:    SideDebit,
		AccountCashEscrow:             SideDebit,
		AccountObligationsCNPJ:        SideCredit,
		AccountObligationsFDIC:        SideCredit,
		AccountObligationsBeneficiary: SideCredit,
		AccountRevenueAnticipationFee: SideCredit,
	})
}

// IsValidCode reports whether code exists in the chart.
func (c Chart) IsValidCode(code string) bool {
	_, ok := c.normal[code]
	return ok
}

// IsDebitNormal reports whether code carries a debit-normal balance.
func (c Chart) IsDebitNormal(code string) bool {
	return c.normal[code] == SideDebit
}

// NormalSide returns the normal side of code, or an empty Side when unknown.
func (c Chart) NormalSide(code string) Side {
	return c.normal[code]
}

// Codes lists the registered codes in lexical order.
func (c Chart) Codes() []string {
	codes := make([]string, 0, len(c.normal))
	for code := range c.normal {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// Balance applies the normal-side convention to raw debit and credit totals.
func (c Chart) Balance(code string, debits, credits decimal.Decimal) decimal.Decimal {
	if c.IsDebitNormal(code) {
		return debits.Sub(credits)
	}
	return credits.Sub(debits)
}
