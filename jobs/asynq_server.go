package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/receivables-ledger/internal/platform/httpx"
)

// Queues lists the queues served by the worker, ledger postings first.
var Queues = []string{QueueLedger, QueueDefault}

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Concurrency int
	Logger      *slog.Logger
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	logger := loggerOr(cfg.Logger)
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueLedger:  6,
			QueueDefault: 1,
		},
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logger.Warn("task failed",
				slog.String("type", task.Type()),
				slog.Int("retried", retried),
				slog.Int("max_retry", maxRetry),
				slog.Any("error", err))
		}),
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Enqueuer is the subset of asynq.Client used to submit tasks.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits ledger tasks to the queue.
type Client struct {
	client Enqueuer
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	return &Client{client: asynq.NewClient(redisOpts)}, nil
}

// EnqueueSettlement enqueues a settlement posting.
func (c *Client) EnqueueSettlement(ctx context.Context, payload SettlementPostPayload) (*asynq.TaskInfo, error) {
	task, err := NewSettlementPostTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueCompensation enqueues a compensation posting.
func (c *Client) EnqueueCompensation(ctx context.Context, payload CompensationPostPayload) (*asynq.TaskInfo, error) {
	task, err := NewCompensationPostTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// EnqueueIntegrityScan enqueues an integrity scan.
func (c *Client) EnqueueIntegrityScan(ctx context.Context, payload LedgerIntegrityPayload) (*asynq.TaskInfo, error) {
	task, err := NewLedgerIntegrityTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// QueueInspector reports queue depth.
type QueueInspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// QueueStatus summarises one queue.
type QueueStatus struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Processed int    `json:"processed_today"`
	Failed    int    `json:"failed_today"`
	Paused    bool   `json:"paused"`
}

// Stats reads the status of every worker queue. Queues that were never used
// are reported empty.
func Stats(inspector QueueInspector) ([]QueueStatus, error) {
	known := map[string]bool{}
	if inspector != nil {
		names, err := inspector.Queues()
		if err != nil {
			return nil, err
		}
		for _, q := range names {
			known[q] = true
		}
	}
	out := make([]QueueStatus, 0, len(Queues))
	for _, q := range Queues {
		status := QueueStatus{Queue: q}
		if known[q] {
			info, err := inspector.GetQueueInfo(q)
			if err != nil {
				return nil, err
			}
			status = QueueStatus{
				Queue:     info.Queue,
				Size:      info.Size,
				Pending:   info.Pending,
				Active:    info.Active,
				Retry:     info.Retry,
				Archived:  info.Archived,
				Processed: info.Processed,
				Failed:    info.Failed,
				Paused:    info.Paused,
			}
		}
		out = append(out, status)
	}
	return out, nil
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector QueueInspector
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints.
func NewHandler(inspector QueueInspector, logger *slog.Logger) *Handler {
	return &Handler{inspector: inspector, logger: loggerOr(logger)}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	stats, err := Stats(h.inspector)
	if err != nil {
		h.logger.Warn("jobs health", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "", "queue inspector unavailable")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"queues": stats})
}
