package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/receivables-ledger/jobs"
)

// Enqueuer submits ledger tasks. *jobs.Client satisfies it.
type Enqueuer interface {
	EnqueueSettlement(ctx context.Context, payload jobs.SettlementPostPayload) (*asynq.TaskInfo, error)
	EnqueueCompensation(ctx context.Context, payload jobs.CompensationPostPayload) (*asynq.TaskInfo, error)
	EnqueueIntegrityScan(ctx context.Context, payload jobs.LedgerIntegrityPayload) (*asynq.TaskInfo, error)
}

// JobsCLI wraps manual management helpers for the ledger queues.
type JobsCLI struct {
	client    Enqueuer
	inspector jobs.QueueInspector
}

// NewJobsCLI initialises the CLI helpers.
func NewJobsCLI(client Enqueuer, inspector jobs.QueueInspector) *JobsCLI {
	return &JobsCLI{client: client, inspector: inspector}
}

// EnqueueOptions defines flags for the enqueue command.
type EnqueueOptions struct {
	// Kind is one of settlement, compensation, or integrity.
	Kind string
	// Payload holds the task JSON. Integrity payloads may be empty.
	Payload io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
}

// EnqueueCommand decodes a payload and submits the matching task. A task
// that is already queued exits 0 with a note, since postings are
// idempotent per task id.
func (c *JobsCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	if c == nil || c.client == nil {
		_, _ = fmt.Fprintln(stderr, "enqueue: client not configured")
		return 1
	}
	var (
		info *asynq.TaskInfo
		err  error
	)
	switch opts.Kind {
	case "settlement":
		var payload jobs.SettlementPostPayload
		if err := decodePayload(opts.Payload, &payload, false); err != nil {
			_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return 1
		}
		info, err = c.client.EnqueueSettlement(ctx, payload)
	case "compensation":
		var payload jobs.CompensationPostPayload
		if err := decodePayload(opts.Payload, &payload, false); err != nil {
			_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return 1
		}
		info, err = c.client.EnqueueCompensation(ctx, payload)
	case "integrity":
		var payload jobs.LedgerIntegrityPayload
		if err := decodePayload(opts.Payload, &payload, true); err != nil {
			_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return 1
		}
		info, err = c.client.EnqueueIntegrityScan(ctx, payload)
	default:
		_, _ = fmt.Fprintf(stderr, "enqueue: unsupported task %q (want settlement, compensation, or integrity)\n", opts.Kind)
		return 1
	}
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		_, _ = fmt.Fprintf(stdout, "%s task already queued\n", opts.Kind)
		return 0
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	return 0
}

// StatsOptions defines flags for the stats command.
type StatsOptions struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

// StatsCommand reports the state of every worker queue.
func (c *JobsCLI) StatsCommand(ctx context.Context, opts StatsOptions) int {
	stdout, stderr := streams(opts.Stdout, opts.Stderr)
	if c == nil || c.inspector == nil {
		_, _ = fmt.Fprintln(stderr, "stats: inspector not configured")
		return 1
	}
	stats, err := jobs.Stats(c.inspector)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	if opts.JSONOutput {
		return encodeJSON(stdout, stderr, "stats", stats)
	}
	for _, q := range stats {
		_, _ = fmt.Fprintf(stdout, "%-8s pending=%d active=%d retry=%d archived=%d processed_today=%d failed_today=%d paused=%t\n",
			q.Queue, q.Pending, q.Active, q.Retry, q.Archived, q.Processed, q.Failed, q.Paused)
	}
	return 0
}

func decodePayload(r io.Reader, v any, optional bool) error {
	if r == nil {
		r = os.Stdin
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
