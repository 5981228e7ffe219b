package main

import (
	"context"
	"log/slog"
	"net/http"
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

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	if len(os.Args) > 1 {
		if err := runCommand(ctx, os.Args[1:], cfg, logger, pool, ledgerRepo, resolver); err != nil {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	reconService := recon.NewService(orchestrator, resolver, periodLinker, engine,
		ledgerRepo, recon.NewRepository(pool), recon.NewRedisLocker(redisClient), logger)

	queueClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("init queue client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.Warn("queue client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		ReconHandler: recon.NewHandler(reconService, queueClient, logger),
		JobsHandler:  jobs.NewHandler(inspector, logger),
		Metrics:      metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
