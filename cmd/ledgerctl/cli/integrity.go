package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/receivables-ledger/jobs"
)

// IntegrityRunner scans tenants for persisted invariant violations.
type IntegrityRunner interface {
	Run(ctx context.Context, tenants []uuid.UUID, lookback time.Duration) ([]jobs.IntegrityReport, error)
}

// IntegrityCLI runs the integrity scan inline instead of through the queue.
type IntegrityCLI struct {
	runner   IntegrityRunner
	defaults []uuid.UUID
}

// NewIntegrityCLI constructs the integrity helper. defaults are scanned when
// no tenant is given on the command line.
func NewIntegrityCLI(runner IntegrityRunner, defaults []uuid.UUID) *IntegrityCLI {
	return &IntegrityCLI{runner: runner, defaults: defaults}
}

// IntegrityOptions defines flags for the integrity command.
type IntegrityOptions struct {
	// TenantIDs is a comma separated list; empty scans the configured tenants.
	TenantIDs  string
	Lookback   time.Duration
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// IntegrityViolation is one finding in the JSON summary.
type IntegrityViolation struct {
	TenantID string `json:"tenant_id"`
	TxnID    string `json:"txn_id"`
	Code     string `json:"code"`
	Detail   string `json:"detail"`
}

// IntegritySummary is the JSON response of the integrity command.
type IntegritySummary struct {
	OK         bool                 `json:"ok"`
	Scanned    int                  `json:"scanned"`
	Violations []IntegrityViolation `json:"violations"`
}

// IntegrityCommand scans and prints violations. It exits 10 when any
// violation is found so scripts can tell findings apart from failures.
func (c *IntegrityCLI) IntegrityCommand(ctx context.Context, opts IntegrityOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	tenants, err := parseTenants(opts.TenantIDs)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "integrity: %v\n", err)
		return 1
	}
	if len(tenants) == 0 {
		tenants = c.defaults
	}
	if len(tenants) == 0 {
		_, _ = fmt.Fprintln(stderr, "integrity: -tenant is required when INTEGRITY_TENANT_IDS is empty")
		return 1
	}
	if opts.Lookback < 0 {
		_, _ = fmt.Fprintln(stderr, "integrity: -lookback must not be negative")
		return 1
	}
	reports, err := c.runner.Run(ctx, tenants, opts.Lookback)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "integrity: %v\n", err)
		return 1
	}
	summary := IntegritySummary{Violations: []IntegrityViolation{}}
	for _, report := range reports {
		summary.Scanned += report.Scanned
		for _, v := range report.Violations {
			summary.Violations = append(summary.Violations, IntegrityViolation{
				TenantID: report.TenantID.String(),
				TxnID:    v.TxnID,
				Code:     v.Code,
				Detail:   v.Detail,
			})
		}
	}
	summary.OK = len(summary.Violations) == 0
	if opts.JSONOutput {
		if code := encodeJSON(stdout, stderr, "integrity", summary); code != 0 {
			return code
		}
	} else {
		for _, report := range reports {
			_, _ = fmt.Fprintf(stdout, "tenant %s: %d transaction(s) since %s, %d violation(s)\n",
				report.TenantID, report.Scanned, report.Since.Format(time.RFC3339), len(report.Violations))
			for _, v := range report.Violations {
				_, _ = fmt.Fprintf(stdout, " - %s %s: %s\n", v.TxnID, v.Code, v.Detail)
			}
		}
	}
	if !summary.OK {
		return 10
	}
	return 0
}

func parseTenants(raw string) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := uuid.Parse(part)
		if err != nil {
			return nil, fmt.Errorf("invalid tenant %q", part)
		}
		out = append(out, id)
	}
	return out, nil
}
