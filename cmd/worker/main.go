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
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-gl/internal/accounting"
	"github.com/odyssey-erp/odyssey-gl/internal/accounting/accounts"
	"github.com/odyssey-erp/odyssey-gl/internal/app"
	"github.com/odyssey-erp/odyssey-gl/internal/consol/ic"
	"github.com/odyssey-erp/odyssey-gl/internal/observability"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-gl/internal/platform/db"
	"github.com/odyssey-erp/odyssey-gl/internal/shared"
	"github.com/odyssey-erp/odyssey-gl/jobs"
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

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PGDSN, logger); err != nil {
			logger.Error("migrate", slog.Any("error", err))
			os.Exit(1)
		}
	}

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	var redisClient *redis.Client
	redisClient, err = cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable; posting without lease", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	metrics := observability.NewMetrics()
	jobMetrics := metrics.Jobs()
	queueOpts := cache.QueueOpts(cfg.RedisAddr)

	client, err := jobs.NewClient(queueOpts, cfg.PostingMaxRetry)
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	audit := shared.NewAuditLogger(pool)
	registry := accounts.NewService(accounts.NewRepository(pool), audit)
	ledgerRepo := accounting.NewRepository(pool)
	store := accounting.NewService(ledgerRepo, registry, audit, logger)
	store.WithEnqueuer(client)
	balances := accounting.NewMaterializer(ledgerRepo, logger)
	engine := accounting.NewEngine(ledgerRepo, balances, audit, logger)
	engine.WithMetrics(jobMetrics)
	if redisClient != nil {
		engine.WithLease(shared.NewLease(redisClient, cfg.PostingLeaseTTL))
	}
	icEngine := ic.NewEngine(ic.NewRepository(pool), store, audit, logger, ic.EngineConfig{})

	postingJob := jobs.NewPostingJob(engine, logger, jobMetrics)
	sweepJob := jobs.NewSweepJob(engine, accounting.RetryOptions{
		StaleAfter:  cfg.SweepStaleAfter,
		Limit:       cfg.SweepBatch,
		Concurrency: cfg.WorkerConcurrency,
	}, logger, jobMetrics)
	integrityJob := jobs.NewIntegrityJob(balances, logger, jobMetrics)
	rebuildJob := jobs.NewRebuildJob(balances, logger, jobMetrics)
	icJob := jobs.NewICEliminateJob(icEngine, logger, jobMetrics)

	integrityTask, err := jobs.NewIntegrityTask(jobs.ScopePayload{})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}
	icTask, err := jobs.NewICEliminateTask(0)
	if err != nil {
		logger.Error("build ic eliminate task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   queueOpts,
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPostEntry, Handler: postingJob.Handle},
			{Type: jobs.TaskSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskIntegrity, Handler: integrityJob.Handle},
			{Type: jobs.TaskRebuild, Handler: rebuildJob.Handle},
			{Type: jobs.TaskICEliminate, Handler: icJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SweepCron, Task: jobs.NewSweepTask(), Options: []asynq.Option{asynq.MaxRetry(0), asynq.Unique(time.Minute)}},
			{Spec: cfg.IntegrityCron, Task: integrityTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ICEliminateCron, Task: icTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(queueOpts)
	defer func() {
		_ = inspector.Close()
	}()
	router := app.NewRouter(app.RouterParams{
		Logger:     logger,
		Config:     cfg,
		Metrics:    metrics,
		JobHandler: jobs.NewHandler(inspector, logger),
		Database:   pool,
	})
	server := &http.Server{
		Addr:              cfg.OpsAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	go func() {
		logger.Info("ops server listening", slog.String("addr", cfg.OpsAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("ops server", slog.Any("error", err))
			stop()
		}
	}()

	runErr := worker.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("worker run", slog.Any("error", runErr))
		os.Exit(1)
	}
}
