package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/receivables-ledger/internal/observability"
	"github.com/odyssey-erp/receivables-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/receivables-ledger/jobs"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping calls f.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Config     *Config
	Metrics    *observability.Metrics
	JobHandler *jobs.Handler
	// Checks are probed by /readyz, keyed by dependency name.
	Checks map[string]Pinger
}

// NewRouter constructs the ops chi.Router: liveness, readiness, metrics, and
// queue health.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()
	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		result := make(map[string]string, len(params.Checks))
		for name, check := range params.Checks {
			if err := check.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				result[name] = err.Error()
				continue
			}
			result[name] = "ok"
		}
		httpx.JSON(w, status, result)
	})
	r.Handle("/metrics", params.Metrics.Handler())
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	return r
}
