package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/config"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/engine"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/jobs"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/platform/logging"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/platform/telemetry"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
	"github.com/juancarloselorriaga/rungomx-web-sub001/migrations"
)

func main() {
	cfg, _, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(startupCtx, cfg.OTelEndpoint, cfg.OTelServiceName+"-worker")
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	pool, err := pgxpool.New(startupCtx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := pool.Ping(startupCtx); err != nil {
		return err
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		return err
	}

	tokens, err := token.New([]byte(cfg.InviteTokenSecret))
	if err != nil {
		return err
	}

	redisOpt := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	taskClient := asynq.NewClient(redisOpt)
	defer taskClient.Close()

	eng := engine.New(pool, tokens, jobs.NewTaskNotifier(taskClient, cfg.NotifyMaxRetry), cfg, clock.NewSystem(), logger)
	handlers := jobs.NewHandlers(eng.Expiry, eng.Invites, jobs.LogMailer{Logger: logger}, cfg.ClaimBaseURL, logger)

	scheduler, err := jobs.NewScheduler(redisOpt, cfg.SweepSchedule)
	if err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		return err
	}
	defer scheduler.Shutdown()

	server := jobs.NewServer(redisOpt, cfg.WorkerConcurrency, logger)
	if err := server.Start(jobs.NewServeMux(handlers)); err != nil {
		return err
	}
	logger.Info("worker started", "sweep_schedule", cfg.SweepSchedule)

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	logger.Info("shutdown signal received, stopping worker")
	server.Shutdown()
	return nil
}
