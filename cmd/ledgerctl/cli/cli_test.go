package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
	"github.com/odyssey-erp/receivables-ledger/jobs"
)

var cliTenant = uuid.MustParse("6f1c2b1e-9d64-4d1f-8a7e-3a5f7c1f0b11")

type stubRunner struct {
	reports []jobs.IntegrityReport
	err     error
	tenants []uuid.UUID
	window  time.Duration
}

func (s *stubRunner) Run(ctx context.Context, tenants []uuid.UUID, lookback time.Duration) ([]jobs.IntegrityReport, error) {
	s.tenants = tenants
	s.window = lookback
	return s.reports, s.err
}

func TestIntegrityCommandCleanScan(t *testing.T) {
	runner := &stubRunner{reports: []jobs.IntegrityReport{{TenantID: cliTenant, Scanned: 12}}}
	stdout, stderr := new(bytes.Buffer), new(bytes.Buffer)
	code := NewIntegrityCLI(runner, []uuid.UUID{cliTenant}).IntegrityCommand(context.Background(), IntegrityOptions{
		Lookback:   168 * time.Hour,
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     stderr,
	})
	require.Zero(t, code)
	assert.Empty(t, stderr.String())
	assert.Equal(t, []uuid.UUID{cliTenant}, runner.tenants)
	assert.Equal(t, 168*time.Hour, runner.window)

	var summary IntegritySummary
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &summary))
	assert.True(t, summary.OK)
	assert.Equal(t, 12, summary.Scanned)
	assert.Empty(t, summary.Violations)
}

func TestIntegrityCommandViolationsExitTen(t *testing.T) {
	runner := &stubRunner{reports: []jobs.IntegrityReport{{
		TenantID: cliTenant,
		Scanned:  3,
		Violations: []*ledger.IntegrityError{
			{Code: "persisted_transaction_unbalanced", TxnID: "T9", Detail: "debits 10.00 credits 9.00"},
		},
	}}}
	stdout := new(bytes.Buffer)
	code := NewIntegrityCLI(runner, nil).IntegrityCommand(context.Background(), IntegrityOptions{
		TenantIDs: cliTenant.String(),
		Stdout:    stdout,
		Stderr:    new(bytes.Buffer),
	})
	assert.Equal(t, 10, code)
	assert.Contains(t, stdout.String(), "T9 persisted_transaction_unbalanced")
}

func TestIntegrityCommandRejectsBadInput(t *testing.T) {
	runner := &stubRunner{}
	stderr := new(bytes.Buffer)
	c := NewIntegrityCLI(runner, nil)

	assert.Equal(t, 1, c.IntegrityCommand(context.Background(), IntegrityOptions{TenantIDs: "nope", Stderr: stderr}))
	assert.Contains(t, stderr.String(), `invalid tenant "nope"`)

	stderr.Reset()
	assert.Equal(t, 1, c.IntegrityCommand(context.Background(), IntegrityOptions{Stderr: stderr}))
	assert.Contains(t, stderr.String(), "-tenant is required")

	runner.err = errors.New("pool closed")
	stderr.Reset()
	assert.Equal(t, 1, c.IntegrityCommand(context.Background(), IntegrityOptions{TenantIDs: cliTenant.String(), Stderr: stderr}))
	assert.Contains(t, stderr.String(), "pool closed")
}

type stubBalances struct {
	bal ledger.Balance
	err error
}

func (s stubBalances) AccountBalance(ctx context.Context, tenantID uuid.UUID, code string, partyID *uuid.UUID) (ledger.Balance, error) {
	out := s.bal
	out.AccountCode = code
	out.PartyID = partyID
	return out, s.err
}

type stubEntries struct {
	txn     ledger.Transaction
	entries []ledger.Entry
	err     error
}

func (s stubEntries) ListTransactionEntries(ctx context.Context, tenantID uuid.UUID, txnID string) (ledger.Transaction, []ledger.Entry, error) {
	return s.txn, s.entries, s.err
}

func TestBalanceCommandFormatsBrazilianAmounts(t *testing.T) {
	balances := stubBalances{bal: ledger.Balance{
		NormalSide: ledger.SideCredit,
		Debits:     decimal.RequireFromString("250.5"),
		Credits:    decimal.RequireFromString("1500"),
		Balance:    decimal.RequireFromString("1249.5"),
		EntryCount: 4,
	}}
	stdout := new(bytes.Buffer)
	code := NewLedgerCLI(balances, nil, "brl").BalanceCommand(context.Background(), BalanceOptions{
		TenantID:    cliTenant.String(),
		AccountCode: ledger.AccountObligationsFDIC,
		Stdout:      stdout,
		Stderr:      new(bytes.Buffer),
	})
	require.Zero(t, code)
	out := stdout.String()
	assert.Contains(t, out, "1.249,50 BRL")
	assert.Contains(t, out, "250,50 BRL")
	assert.Contains(t, out, "(CREDIT normal)")
}

func TestFormatAmountKeepsEveryDigit(t *testing.T) {
	c := NewLedgerCLI(nil, nil, "BRL")
	cases := map[string]string{
		"9999999999999999.99":  "9.999.999.999.999.999,99 BRL",
		"-9999999999999999.99": "-9.999.999.999.999.999,99 BRL",
		"1234567.005":          "1.234.567,01 BRL",
		"-0.5":                 "-0,50 BRL",
		"-1249.5":              "-1.249,50 BRL",
		"0":                    "0,00 BRL",
		"999":                  "999,00 BRL",
	}
	for in, want := range cases {
		assert.Equal(t, want, c.FormatAmount(decimal.RequireFromString(in)), in)
	}
}

func TestBalanceCommandValidatesIDs(t *testing.T) {
	c := NewLedgerCLI(stubBalances{}, nil, "")
	stderr := new(bytes.Buffer)
	assert.Equal(t, 1, c.BalanceCommand(context.Background(), BalanceOptions{TenantID: "x", Stderr: stderr}))
	assert.Equal(t, 1, c.BalanceCommand(context.Background(), BalanceOptions{TenantID: cliTenant.String(), PartyID: "y", Stderr: stderr}))
	assert.Contains(t, stderr.String(), `invalid -party "y"`)
}

func TestEntriesCommandJSON(t *testing.T) {
	posted := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := stubEntries{
		txn: ledger.Transaction{TxnID: "T1", SourceType: "ManualAdjustment", SourceID: "adj-T1", PayloadHash: "abc", EntryCount: 2, PostedAt: posted},
		entries: []ledger.Entry{
			{Position: 1, AccountCode: ledger.AccountClearingSettlement, Side: ledger.SideDebit, Amount: decimal.RequireFromString("10"), Currency: ledger.Currency},
			{Position: 2, AccountCode: ledger.AccountCashEscrow, Side: ledger.SideCredit, Amount: decimal.RequireFromString("10"), Currency: ledger.Currency},
		},
	}
	stdout := new(bytes.Buffer)
	code := NewLedgerCLI(nil, reader, "").EntriesCommand(context.Background(), EntriesOptions{
		TenantID:   cliTenant.String(),
		TxnID:      "T1",
		JSONOutput: true,
		Stdout:     stdout,
		Stderr:     new(bytes.Buffer),
	})
	require.Zero(t, code)
	var view TransactionView
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &view))
	assert.Equal(t, "2024-03-01T12:00:00Z", view.PostedAt)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "10.00", view.Entries[0].Amount)
	assert.Equal(t, ledger.SideCredit, view.Entries[1].Side)
}

func TestEntriesCommandReportsMissingTransaction(t *testing.T) {
	stderr := new(bytes.Buffer)
	code := NewLedgerCLI(nil, stubEntries{err: ledger.ErrTransactionNotFound}, "").EntriesCommand(context.Background(), EntriesOptions{
		TenantID: cliTenant.String(),
		TxnID:    "missing",
		Stderr:   stderr,
	})
	assert.Equal(t, 1, code)
	assert.NotEmpty(t, stderr.String())
}

type recordingClient struct {
	settlements   []jobs.SettlementPostPayload
	compensations []jobs.CompensationPostPayload
	scans         []jobs.LedgerIntegrityPayload
	err           error
}

func (r *recordingClient) EnqueueSettlement(ctx context.Context, p jobs.SettlementPostPayload) (*asynq.TaskInfo, error) {
	r.settlements = append(r.settlements, p)
	return &asynq.TaskInfo{ID: "s1", Type: jobs.TaskSettlementPost, Queue: jobs.QueueLedger}, r.err
}

func (r *recordingClient) EnqueueCompensation(ctx context.Context, p jobs.CompensationPostPayload) (*asynq.TaskInfo, error) {
	r.compensations = append(r.compensations, p)
	return &asynq.TaskInfo{ID: "c1", Type: jobs.TaskCompensationPost, Queue: jobs.QueueLedger}, r.err
}

func (r *recordingClient) EnqueueIntegrityScan(ctx context.Context, p jobs.LedgerIntegrityPayload) (*asynq.TaskInfo, error) {
	r.scans = append(r.scans, p)
	return &asynq.TaskInfo{ID: "i1", Type: jobs.TaskLedgerIntegrity, Queue: jobs.QueueDefault}, r.err
}

func TestEnqueueCommandCompensation(t *testing.T) {
	client := &recordingClient{}
	stdout := new(bytes.Buffer)
	payload := `{"tenant_id":"` + cliTenant.String() + `","original_txn_id":"T1","compensation_txn_id":"C1","reason":"duplicate","compensation_reference":"ticket-7"}`
	code := NewJobsCLI(client, nil).EnqueueCommand(context.Background(), EnqueueOptions{
		Kind:    "compensation",
		Payload: strings.NewReader(payload),
		Stdout:  stdout,
		Stderr:  new(bytes.Buffer),
	})
	require.Zero(t, code)
	require.Len(t, client.compensations, 1)
	assert.Equal(t, "C1", client.compensations[0].CompensationTxnID)
	assert.Contains(t, stdout.String(), "enqueued ledger:compensation:post id=c1")
}

func TestEnqueueCommandIntegrityAcceptsEmptyPayload(t *testing.T) {
	client := &recordingClient{}
	code := NewJobsCLI(client, nil).EnqueueCommand(context.Background(), EnqueueOptions{
		Kind:    "integrity",
		Payload: strings.NewReader(""),
		Stdout:  new(bytes.Buffer),
		Stderr:  new(bytes.Buffer),
	})
	require.Zero(t, code)
	assert.Len(t, client.scans, 1)
}

func TestEnqueueCommandTreatsDuplicateAsQueued(t *testing.T) {
	client := &recordingClient{err: asynq.ErrTaskIDConflict}
	stdout := new(bytes.Buffer)
	code := NewJobsCLI(client, nil).EnqueueCommand(context.Background(), EnqueueOptions{
		Kind:    "integrity",
		Payload: strings.NewReader("{}"),
		Stdout:  stdout,
		Stderr:  new(bytes.Buffer),
	})
	require.Zero(t, code)
	assert.Contains(t, stdout.String(), "already queued")
}

func TestEnqueueCommandRejectsUnknownKindAndFields(t *testing.T) {
	c := NewJobsCLI(&recordingClient{}, nil)
	stderr := new(bytes.Buffer)
	assert.Equal(t, 1, c.EnqueueCommand(context.Background(), EnqueueOptions{Kind: "refund", Payload: strings.NewReader("{}"), Stderr: stderr}))
	assert.Contains(t, stderr.String(), `unsupported task "refund"`)

	stderr.Reset()
	assert.Equal(t, 1, c.EnqueueCommand(context.Background(), EnqueueOptions{Kind: "settlement", Payload: strings.NewReader(`{"amount":1}`), Stderr: stderr}))
	assert.Contains(t, stderr.String(), "decode payload")
}

type stubInspector struct {
	infos map[string]*asynq.QueueInfo
}

func (s stubInspector) Queues() ([]string, error) {
	out := make([]string, 0, len(s.infos))
	for q := range s.infos {
		out = append(out, q)
	}
	return out, nil
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.infos[queue], nil
}

func TestStatsCommandListsEveryQueue(t *testing.T) {
	inspector := stubInspector{infos: map[string]*asynq.QueueInfo{
		jobs.QueueLedger: {Queue: jobs.QueueLedger, Pending: 5, Retry: 2},
	}}
	stdout := new(bytes.Buffer)
	code := NewJobsCLI(nil, inspector).StatsCommand(context.Background(), StatsOptions{JSONOutput: true, Stdout: stdout, Stderr: new(bytes.Buffer)})
	require.Zero(t, code)
	var stats []jobs.QueueStatus
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &stats))
	require.Len(t, stats, 2)
	assert.Equal(t, 5, stats[0].Pending)
	assert.Equal(t, jobs.QueueDefault, stats[1].Queue)
	assert.Zero(t, stats[1].Pending)
}
