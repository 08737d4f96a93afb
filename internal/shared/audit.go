package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/receivables-ledger/internal/platform/db"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	TenantID     uuid.UUID
	ActorPartyID *uuid.UUID
	ActionType   string
	TargetType   string
	TargetID     string
	Success      bool
	Meta         map[string]any
	At           time.Time
	RequestID    string
	IPAddress    string
	UserAgent    string
}

// WithRequest fills provenance fields from rc where the log leaves them empty.
func (l AuditLog) WithRequest(rc RequestContext) AuditLog {
	if l.TenantID == uuid.Nil {
		l.TenantID = rc.TenantID
	}
	if l.ActorPartyID == nil {
		l.ActorPartyID = rc.ActorPartyID
	}
	if l.RequestID == "" {
		l.RequestID = rc.RequestID
	}
	if l.IPAddress == "" {
		l.IPAddress = rc.IPAddress
	}
	if l.UserAgent == "" {
		l.UserAgent = rc.UserAgent
	}
	return l
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry in its own tenant-scoped transaction and
// returns the new record id.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) (int64, error) {
	if l == nil || l.pool == nil {
		return 0, errors.New("audit logger not initialised")
	}
	if log.TenantID == uuid.Nil {
		return 0, db.ErrTenantRequired
	}
	if log.ActionType == "" || log.TargetType == "" || log.TargetID == "" {
		return 0, errors.New("audit log requires action_type/target_type/target_id")
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return 0, err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	var id int64
	err = db.WithTenantTx(ctx, l.pool, log.TenantID, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `INSERT INTO audit_logs (tenant_id, actor_party_id, action_type, target_type, target_id, success, meta, occurred_at, request_id, ip_address, user_agent)
VALUES ($1,$2,$3,$4,$5,$6,$7,COALESCE($8, NOW()),$9,$10,$11) RETURNING id`,
			log.TenantID, log.ActorPartyID, log.ActionType, log.TargetType, log.TargetID, log.Success, metaJSON, at,
			nullString(log.RequestID), nullString(log.IPAddress), nullString(log.UserAgent)).Scan(&id)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
