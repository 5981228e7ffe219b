package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/jetpackmatt/dashboard-sub004/internal/app"
	"github.com/jetpackmatt/dashboard-sub004/internal/attribution"
	"github.com/jetpackmatt/dashboard-sub004/internal/fetch"
	"github.com/jetpackmatt/dashboard-sub004/internal/ledger"
	"github.com/jetpackmatt/dashboard-sub004/internal/linker"
	"github.com/jetpackmatt/dashboard-sub004/internal/markup"
	"github.com/jetpackmatt/dashboard-sub004/internal/observability"
	"github.com/jetpackmatt/dashboard-sub004/internal/platform/cache"
	"github.com/jetpackmatt/dashboard-sub004/internal/platform/db"
	"github.com/jetpackmatt/dashboard-sub004/internal/recon"
	"github.com/jetpackmatt/dashboard-sub004/internal/shared"
	"github.com/jetpackmatt/dashboard-sub004/internal/upstream"
	"github.com/jetpackmatt/dashboard-sub004/jobs"
)

// weeklySyncSpec fires Monday 06:00 UTC, after the previous billing week has
// fully closed upstream.
const weeklySyncSpec = "0 6 * * 1"

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

	pool, err := db.New(ctx, db.Config{DSN: cfg.PGDSN, MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
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

	billingAPI := upstream.NewClient(cfg.BillingAPIURL, cfg.BillingAPIToken, shared.DefaultBackoff, 30*time.Second)
	ledgerRepo := ledger.NewRepository(pool)

	orchestrator := fetch.NewOrchestrator(billingAPI, ledgerRepo, fetch.Config{
		Workers:      cfg.FetchWorkers,
		MaxPages:     cfg.FetchMaxPages,
		PageSize:     cfg.FetchPageSize,
		CapThreshold: cfg.FetchCapThreshold,
	}, logger, metrics)
	resolver := attribution.NewResolver(attribution.NewRepository(pool), ledgerRepo, attribution.Config{
		HouseAccountID: cfg.HouseAccountID,
	}, logger)
	periodLinker := linker.NewLinker(linker.NewPGRepository(pool), ledgerRepo, billingAPI, 500, logger)
	engine := markup.NewEngine(markup.NewRepository(pool), logger)

	reconService := recon.NewService(orchestrator, resolver, periodLinker, engine,
		ledgerRepo, recon.NewRepository(pool), recon.NewRedisLocker(redisClient), logger)

	syncHandler := jobs.NewBillingSyncHandler(reconService, shared.NewIdempotencyStore(pool), metrics, logger)

	weeklyTask, err := jobs.NewWeeklySyncTask()
	if err != nil {
		logger.Error("build weekly sync task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   redisOpts,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Registerer:  metrics.Registerer(),
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeBillingSync, Handler: syncHandler.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: weeklySyncSpec, Task: weeklyTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
