package ledger

import "github.com/shopspring/decimal"

// AmountPlaces is the number of fractional digits kept on every amount.
const AmountPlaces = 2

// RoundAmount rounds half away from zero to two decimals. Every amount is
// normalised through here before balancing, fingerprinting, and storage.
func RoundAmount(d decimal.Decimal) decimal.Decimal {
	return d.Round(AmountPlaces)
}

// FormatAmount renders an amount as a fixed two-decimal string.
func FormatAmount(d decimal.Decimal) string {
	return RoundAmount(d).StringFixed(AmountPlaces)
}

// SideTotals sums debit and credit amounts.
func SideTotals[T any](items []T, side func(T) Side, amount func(T) decimal.Decimal) (debits, credits decimal.Decimal) {
	debits, credits = decimal.Zero, decimal.Zero
	for _, item := range items {
		switch side(item) {
		case SideDebit:
			debits = debits.Add(RoundAmount(amount(item)))
		case SideCredit:
			credits = credits.Add(RoundAmount(amount(item)))
		}
	}
	return debits, credits
}

func entryTotals(entries []Entry) (decimal.Decimal, decimal.Decimal) {
	return SideTotals(entries, func(e Entry) Side { return e.Side }, func(e Entry) decimal.Decimal { return e.Amount })
}

func inputTotals(entries []EntryInput) (decimal.Decimal, decimal.Decimal) {
	return SideTotals(entries, func(e EntryInput) Side { return e.Side }, func(e EntryInput) decimal.Decimal { return e.Amount })
}
