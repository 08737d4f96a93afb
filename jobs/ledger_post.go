package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/receivables-ledger/internal/jobs"
	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
	"github.com/odyssey-erp/receivables-ledger/internal/shared"
)

// SettlementPoster posts settlement splits.
type SettlementPoster interface {
	PostSettlement(ctx context.Context, st ledger.Settlement) ([]ledger.Entry, error)
}

// CompensationPoster posts compensating reversals.
type CompensationPoster interface {
	PostCompensation(ctx context.Context, req ledger.CompensationRequest) ([]ledger.Entry, error)
}

// SettlementPostJob handles TaskSettlementPost.
type SettlementPostJob struct {
	Poster  SettlementPoster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSettlementPostJob constructs the settlement handler.
func NewSettlementPostJob(poster SettlementPoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *SettlementPostJob {
	return &SettlementPostJob{Poster: poster, Logger: logger, Metrics: metrics}
}

// Handle posts the settlement carried by the task.
func (j *SettlementPostJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Poster == nil {
		return errors.New("settlement post: handler not configured")
	}
	tracker := j.Metrics.Track(TaskSettlementPost)
	defer func() { err = tracker.End(err) }()

	var payload SettlementPostPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("settlement post: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	st, err := payload.Settlement()
	if err != nil {
		return fmt.Errorf("settlement post: invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	ctx = withWorkerRequest(ctx, st.TenantID, nil, payload.RequestID)
	logger := loggerOr(j.Logger).With(
		slog.String("tenant_id", payload.TenantID),
		slog.String("settlement_id", payload.SettlementID),
	)

	entries, err := j.Poster.PostSettlement(ctx, st)
	if err != nil {
		return classify(logger, "settlement post", err)
	}
	logger.Info("settlement posted", slog.Int("entries", len(entries)))
	return nil
}

// CompensationPostJob handles TaskCompensationPost.
type CompensationPostJob struct {
	Poster  CompensationPoster
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewCompensationPostJob constructs the compensation handler.
func NewCompensationPostJob(poster CompensationPoster, logger *slog.Logger, metrics *jobmetrics.Metrics) *CompensationPostJob {
	return &CompensationPostJob{Poster: poster, Logger: logger, Metrics: metrics}
}

// Handle posts the compensation carried by the task.
func (j *CompensationPostJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Poster == nil {
		return errors.New("compensation post: handler not configured")
	}
	tracker := j.Metrics.Track(TaskCompensationPost)
	defer func() { err = tracker.End(err) }()

	var payload CompensationPostPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("compensation post: decode payload: %v: %w", err, asynq.SkipRetry)
	}
	req, err := payload.Request()
	if err != nil {
		return fmt.Errorf("compensation post: invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	var actor *uuid.UUID
	if payload.ActorPartyID != "" {
		id := uuid.MustParse(payload.ActorPartyID)
		actor = &id
	}
	ctx = withWorkerRequest(ctx, req.TenantID, actor, payload.RequestID)
	logger := loggerOr(j.Logger).With(
		slog.String("tenant_id", payload.TenantID),
		slog.String("original_txn_id", payload.OriginalTxnID),
		slog.String("compensation_txn_id", payload.CompensationTxnID),
	)

	entries, err := j.Poster.PostCompensation(ctx, req)
	if err != nil {
		return classify(logger, "compensation post", err)
	}
	logger.Info("compensation posted", slog.Int("entries", len(entries)))
	return nil
}

// classify logs err and marks ledger errors that cannot succeed on retry.
func classify(logger *slog.Logger, op string, err error) error {
	code := ledger.ErrorCode(err)
	if ledger.IsPermanent(err) {
		logger.Error(op+" rejected", slog.String("code", code), slog.Any("error", err))
		return fmt.Errorf("%s: %w: %w", op, err, asynq.SkipRetry)
	}
	logger.Warn(op+" failed, will retry", slog.String("code", code), slog.Any("error", err))
	return fmt.Errorf("%s: %w", op, err)
}

func withWorkerRequest(ctx context.Context, tenantID uuid.UUID, actor *uuid.UUID, requestID string) context.Context {
	if requestID == "" {
		if id, ok := asynq.GetTaskID(ctx); ok {
			requestID = id
		}
	}
	return shared.ContextWithRequest(ctx, shared.RequestContext{
		TenantID:     tenantID,
		ActorPartyID: actor,
		ActorRole:    workerActorRole,
		RequestID:    requestID,
	})
}

func loggerOr(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
