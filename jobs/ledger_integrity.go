package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	jobmetrics "github.com/odyssey-erp/receivables-ledger/internal/jobs"
	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
)

const (
	defaultIntegrityLookback = 24 * time.Hour
	integrityParallelism     = 4
)

// TransactionTotalsReader lists per-transaction aggregates for a tenant.
type TransactionTotalsReader interface {
	TransactionTotals(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]ledger.TransactionTotals, error)
}

// IntegrityReport is the outcome of scanning one tenant.
type IntegrityReport struct {
	TenantID   uuid.UUID
	Since      time.Time
	Scanned    int
	Violations []*ledger.IntegrityError
}

// LedgerIntegrityJob verifies that recently posted transactions still satisfy
// the ledger invariants. Violations are reported, never repaired.
type LedgerIntegrityJob struct {
	Repo     TransactionTotalsReader
	Tenants  []uuid.UUID
	Lookback time.Duration
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewLedgerIntegrityJob constructs the integrity scan handler.
func NewLedgerIntegrityJob(repo TransactionTotalsReader, tenants []uuid.UUID, lookback time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Repo:     repo,
		Tenants:  tenants,
		Lookback: lookback,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes a scan scoped by the task payload.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Repo == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("ledger integrity: decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	if err := payloadValidator.Struct(payload); err != nil {
		return fmt.Errorf("ledger integrity: invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	tenants := j.Tenants
	if len(payload.TenantIDs) > 0 {
		tenants = make([]uuid.UUID, len(payload.TenantIDs))
		for i, raw := range payload.TenantIDs {
			tenants[i] = uuid.MustParse(raw)
		}
	}
	lookback := j.Lookback
	if payload.Lookback != "" {
		d, err := time.ParseDuration(payload.Lookback)
		if err != nil {
			return fmt.Errorf("ledger integrity: lookback: %v: %w", err, asynq.SkipRetry)
		}
		lookback = d
	}

	tracker := j.Metrics.Track(TaskLedgerIntegrity)
	defer func() { err = tracker.End(err) }()
	_, err = j.Run(ctx, tenants, lookback)
	return err
}

// Run scans tenants concurrently and returns one report per tenant in input order.
func (j *LedgerIntegrityJob) Run(ctx context.Context, tenants []uuid.UUID, lookback time.Duration) ([]IntegrityReport, error) {
	if lookback <= 0 {
		lookback = defaultIntegrityLookback
	}
	start := j.now()
	since := start.Add(-lookback)
	logger := j.logger().With(slog.Duration("lookback", lookback), slog.Int("tenants", len(tenants)))
	if len(tenants) == 0 {
		logger.Warn("ledger integrity scan has no tenants configured")
		return nil, nil
	}
	logger.Info("starting ledger integrity scan")

	reports := make([]IntegrityReport, len(tenants))
	var mu sync.Mutex
	total := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(integrityParallelism)
	for i, tenantID := range tenants {
		g.Go(func() error {
			report, err := j.scanTenant(gctx, tenantID, since)
			if err != nil {
				return fmt.Errorf("ledger integrity: tenant %s: %w", tenantID, err)
			}
			reports[i] = report
			mu.Lock()
			total += len(report.Violations)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("ledger integrity scan failed", slog.Any("error", err))
		return nil, err
	}
	logger.Info("completed ledger integrity scan",
		slog.Int("violations", total),
		slog.Duration("duration", j.now().Sub(start)))
	return reports, nil
}

func (j *LedgerIntegrityJob) scanTenant(ctx context.Context, tenantID uuid.UUID, since time.Time) (IntegrityReport, error) {
	totals, err := j.Repo.TransactionTotals(ctx, tenantID, since)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{TenantID: tenantID, Since: since, Scanned: len(totals)}
	counts := map[string]int{}
	for _, tt := range totals {
		for _, v := range CheckTransaction(tt) {
			report.Violations = append(report.Violations, v)
			counts[v.Code]++
			j.logger().Warn("ledger integrity violation",
				slog.String("tenant_id", tenantID.String()),
				slog.String("txn_id", v.TxnID),
				slog.String("code", v.Code),
				slog.String("detail", v.Detail))
		}
	}
	for code, n := range counts {
		j.Metrics.AddIntegrityViolations(tenantID.String(), code, n)
	}
	return report, nil
}

// CheckTransaction returns the invariant violations of one stored transaction.
func CheckTransaction(tt ledger.TransactionTotals) []*ledger.IntegrityError {
	var out []*ledger.IntegrityError
	if tt.StoredEntries != tt.EntryCount {
		out = append(out, &ledger.IntegrityError{Code: ledger.CodeEntryCountMismatch, TxnID: tt.TxnID,
			Detail: fmt.Sprintf("header declares %d entries, found %d", tt.EntryCount, tt.StoredEntries)})
	} else if tt.StoredEntries > 0 && (tt.MinPosition != 1 || tt.MaxPosition != tt.EntryCount) {
		out = append(out, &ledger.IntegrityError{Code: ledger.CodeEntryPositionGap, TxnID: tt.TxnID,
			Detail: fmt.Sprintf("positions span %d..%d for %d entries", tt.MinPosition, tt.MaxPosition, tt.EntryCount)})
	}
	if !tt.Debits.Equal(tt.Credits) {
		out = append(out, &ledger.IntegrityError{Code: ledger.CodePersistedUnbalanced, TxnID: tt.TxnID,
			Detail: fmt.Sprintf("debits %s != credits %s", ledger.FormatAmount(tt.Debits), ledger.FormatAmount(tt.Credits))})
	}
	return out
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock == nil {
		return time.Now().UTC()
	}
	return j.clock()
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	return loggerOr(j.Logger)
}
