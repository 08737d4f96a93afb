package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/receivables-ledger/internal/app"
	jobmetrics "github.com/odyssey-erp/receivables-ledger/internal/jobs"
	"github.com/odyssey-erp/receivables-ledger/internal/ledger"
	"github.com/odyssey-erp/receivables-ledger/internal/observability"
	"github.com/odyssey-erp/receivables-ledger/internal/platform/cache"
	"github.com/odyssey-erp/receivables-ledger/internal/platform/db"
	"github.com/odyssey-erp/receivables-ledger/internal/shared"
	"github.com/odyssey-erp/receivables-ledger/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, db.Options{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns, AppName: "ledger-worker"})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr, cfg.RedisDB)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	repo := ledger.NewRepository(pool)
	chart := ledger.DefaultChart()
	balances := ledger.NewBalanceService(repo, chart, redisClient, cfg.BalanceCacheTTL, logger)
	poster := ledger.NewPoster(repo, chart, logger)
	poster.WithMetrics(observability.NewPostingMetrics(metrics.Registerer()))
	poster.WithInvalidator(balances)

	settlements := ledger.NewSettlementPoster(poster)
	compensations := ledger.NewCompensationPoster(poster, repo, shared.NewAuditLogger(pool), logger)

	settlementJob := jobs.NewSettlementPostJob(settlements, logger, jobMetrics)
	compensationJob := jobs.NewCompensationPostJob(compensations, logger, jobMetrics)
	integrityJob := jobs.NewLedgerIntegrityJob(repo, cfg.IntegrityTenants(), cfg.IntegrityLookback, logger, jobMetrics)

	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSettlementPost, Handler: settlementJob.Handle},
			{Type: jobs.TaskCompensationPost, Handler: compensationJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.IntegrityCron, Task: integrityTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()

	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		JobHandler: jobs.NewHandler(inspector, logger),
		Checks: map[string]app.Pinger{
			"postgres": pool,
			"redis": app.PingFunc(func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			}),
		},
	})
	ops := &http.Server{
		Addr:         cfg.OpsAddr,
		Handler:      router,
		ReadTimeout:  cfg.OpsReadTimeout,
		WriteTimeout: cfg.OpsWriteTimeout,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("ops listener started", slog.String("addr", cfg.OpsAddr))
		if err := ops.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return ops.Shutdown(shutdownCtx)
	})
	group.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
