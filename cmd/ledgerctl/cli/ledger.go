package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/number"

	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
)

// BalanceReader serves cached account balances.
type BalanceReader interface {
	AccountBalance(ctx context.Context, tenantID uuid.UUID, code string, partyID *uuid.UUID) (ledger.Balance, error)
}

// EntryReader loads a posted transaction with its entries.
type EntryReader interface {
	ListTransactionEntries(ctx context.Context, tenantID uuid.UUID, txnID string) (ledger.Transaction, []ledger.Entry, error)
}

// LedgerCLI offers read-only views over the ledger for operators.
type LedgerCLI struct {
	balances BalanceReader
	entries  EntryReader
	currency string
	printer  *message.Printer
}

// NewLedgerCLI constructs the ledger helpers. Amounts are printed with
// Brazilian Portuguese grouping.
func NewLedgerCLI(balances BalanceReader, entries EntryReader, currency string) *LedgerCLI {
	if currency == "" {
		currency = ledger.Currency
	}
	return &LedgerCLI{
		balances: balances,
		entries:  entries,
		currency: strings.ToUpper(currency),
		printer:  message.NewPrinter(language.BrazilianPortuguese),
	}
}

// BalanceOptions defines flags for the balance command.
type BalanceOptions struct {
	TenantID    string
	AccountCode string
	PartyID     string
	JSONOutput  bool
	Stdout      io.Writer
	Stderr      io.Writer
}

// BalanceCommand prints the balance of one account.
func (c *LedgerCLI) BalanceCommand(ctx context.Context, opts BalanceOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	tenantID, err := uuid.Parse(strings.TrimSpace(opts.TenantID))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "balance: invalid -tenant %q\n", opts.TenantID)
		return 1
	}
	var party *uuid.UUID
	if opts.PartyID != "" {
		id, err := uuid.Parse(strings.TrimSpace(opts.PartyID))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "balance: invalid -party %q\n", opts.PartyID)
			return 1
		}
		party = &id
	}
	bal, err := c.balances.AccountBalance(ctx, tenantID, strings.TrimSpace(opts.AccountCode), party)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "balance: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		return encodeJSON(stdout, stderr, "balance", bal)
	}
	_, _ = fmt.Fprintf(stdout, "%s (%s normal)\n", bal.AccountCode, bal.NormalSide)
	if bal.PartyID != nil {
		_, _ = fmt.Fprintf(stdout, "  party    %s\n", bal.PartyID)
	}
	_, _ = fmt.Fprintf(stdout, "  debits   %s\n", c.FormatAmount(bal.Debits))
	_, _ = fmt.Fprintf(stdout, "  credits  %s\n", c.FormatAmount(bal.Credits))
	_, _ = fmt.Fprintf(stdout, "  balance  %s\n", c.FormatAmount(bal.Balance))
	_, _ = fmt.Fprintf(stdout, "  entries  %d\n", bal.EntryCount)
	return 0
}

// EntriesOptions defines flags for the entries command.
type EntriesOptions struct {
	TenantID   string
	TxnID      string
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// EntryView is the JSON form of a stored entry.
type EntryView struct {
	Position    int             `json:"position"`
	AccountCode string          `json:"account_code"`
	Side        ledger.Side     `json:"side"`
	Amount      string          `json:"amount"`
	Currency    string          `json:"currency"`
	PartyID     *uuid.UUID      `json:"party_id,omitempty"`
	Metadata    ledger.Metadata `json:"metadata,omitempty"`
}

// TransactionView is the JSON form of a transaction and its entries.
type TransactionView struct {
	TxnID            string      `json:"txn_id"`
	SourceType       string      `json:"source_type"`
	SourceID         string      `json:"source_id"`
	PaymentReference string      `json:"payment_reference,omitempty"`
	PayloadHash      string      `json:"payload_hash"`
	EntryCount       int         `json:"entry_count"`
	PostedAt         string      `json:"posted_at"`
	Entries          []EntryView `json:"entries"`
}

// EntriesCommand prints a transaction and its entries in position order.
func (c *LedgerCLI) EntriesCommand(ctx context.Context, opts EntriesOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	tenantID, err := uuid.Parse(strings.TrimSpace(opts.TenantID))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "entries: invalid -tenant %q\n", opts.TenantID)
		return 1
	}
	txnID := strings.TrimSpace(opts.TxnID)
	if txnID == "" {
		_, _ = fmt.Fprintln(stderr, "entries: -txn is required")
		return 1
	}
	txn, entries, err := c.entries.ListTransactionEntries(ctx, tenantID, txnID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "entries: %v\n", err)
		return 1
	}
	view := TransactionView{
		TxnID:            txn.TxnID,
		SourceType:       txn.SourceType,
		SourceID:         txn.SourceID,
		PaymentReference: txn.PaymentReference,
		PayloadHash:      txn.PayloadHash,
		EntryCount:       txn.EntryCount,
		PostedAt:         txn.PostedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		Entries:          make([]EntryView, 0, len(entries)),
	}
	for _, e := range entries {
		view.Entries = append(view.Entries, EntryView{
			Position:    e.Position,
			AccountCode: e.AccountCode,
			Side:        e.Side,
			Amount:      ledger.FormatAmount(e.Amount),
			Currency:    e.Currency,
			PartyID:     e.PartyID,
			Metadata:    e.Metadata,
		})
	}
	if opts.JSONOutput {
		return encodeJSON(stdout, stderr, "entries", view)
	}
	_, _ = fmt.Fprintf(stdout, "%s %s/%s posted %s (%d entries)\n", view.TxnID, view.SourceType, view.SourceID, view.PostedAt, view.EntryCount)
	for _, e := range entries {
		_, _ = fmt.Fprintf(stdout, "  %2d %-6s %-32s %s\n", e.Position, e.Side, e.AccountCode, c.FormatAmount(e.Amount))
	}
	return 0
}

// FormatAmount renders d with pt-BR grouping, two decimals and the ledger
// currency. Digits are taken from the decimal string, never from a float.
func (c *LedgerCLI) FormatAmount(d decimal.Decimal) string {
	rounded := ledger.RoundAmount(d)
	whole, cents, _ := strings.Cut(ledger.FormatAmount(rounded.Abs()), ".")
	sign := ""
	if rounded.IsNegative() {
		sign = "-"
	}
	n, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return fmt.Sprintf("%s%s,%s %s", sign, whole, cents, c.currency)
	}
	return c.printer.Sprintf("%s%v,%s %s", sign, number.Decimal(n), cents, c.currency)
}

func streams(stdout, stderr io.Writer) (io.Writer, io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return stdout, stderr
}

func encodeJSON(stdout, stderr io.Writer, cmd string, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "%s: encode json: %v\n", cmd, err)
		return 1
	}
	return 0
}
