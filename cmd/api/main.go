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
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/config"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/engine"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/jobs"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/platform/logging"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/platform/telemetry"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
	transporthttp "github.com/juancarloselorriaga/rungomx-web-sub001/internal/transport/http"
	"github.com/juancarloselorriaga/rungomx-web-sub001/migrations"
)

func main() {
	cfg, envPath, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logCloser.Close()
	slog.SetDefault(logger)
	if envPath != "" {
		logger.Info("loaded env file", "path", envPath)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	shutdownTracing, err := telemetry.Setup(startupCtx, cfg.OTelEndpoint, cfg.OTelServiceName+"-api")
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

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer redisClient.Close()

	eng := engine.New(pool, tokens, jobs.NewTaskNotifier(taskClient, cfg.NotifyMaxRetry), cfg, clock.NewSystem(), logger)

	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return err
	}
	claimLimiter := transporthttp.NewIPRateLimiter(rate.Limit(float64(cfg.ClaimRatePerMinute)/60), cfg.ClaimRateBurst,
		transporthttp.WithTrustedProxies(proxies))

	handler := transporthttp.NewRouter(transporthttp.Services{
		Catalog:      eng.Admin,
		Links:        eng.Links,
		Batches:      eng.Batches,
		Reservations: eng.Reservations,
		BatchInvites: eng.Invites,
		Invites:      eng.Invites,
		Reissuer:     eng.Expiry,
		Sweeper:      eng.Expiry,
	}, eng.Authorizer, transporthttp.RouterConfig{
		JWTSecret:      []byte(cfg.AuthJWTSecret),
		AllowedOrigins: cfg.CORSOrigins,
		ClaimBaseURL:   cfg.ClaimBaseURL,
		ClaimLimiter:   claimLimiter,
		ReadyChecks: []transporthttp.ReadinessCheck{
			{Name: "postgres", Ping: pool.Ping},
			{Name: "redis", Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }},
		},
		Logger: logger,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-stopCtx.Done():
				return
			case <-ticker.C:
				claimLimiter.Sweep()
			}
		}
	}()

	logger.Info("api listening", "addr", server.Addr)

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- server.ListenAndServe()
	}()

	select {
	case err := <-srvErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-stopCtx.Done():
		logger.Info("shutdown signal received, stopping server")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("server stopped")
	return nil
}
