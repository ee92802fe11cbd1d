// Package engine assembles the reservation engine from its Postgres
// repositories so the API and the worker share one wiring.
package engine

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/config"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/storage/postgres"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

// Engine holds the services behind the API and the worker.
type Engine struct {
	Ledger       *app.Ledger
	Admin        *app.AdminService
	Links        *app.LinkService
	Batches      *app.BatchService
	Reservations *app.ReservationService
	Invites      *app.InviteService
	Expiry       *app.ExpiryService
	Authorizer   app.Authorizer
}

// New builds every service over pool. notifier receives send requests; the
// API and the worker both pass an asynq-backed one.
func New(pool *pgxpool.Pool, tokens *token.Service, notifier app.Notifier, cfg config.Config, clk clock.Clock, logger *slog.Logger) *Engine {
	holdRepo := postgres.NewHoldRepository(pool)
	inviteRepo := postgres.NewInviteRepository(pool)
	batchRepo := postgres.NewBatchRepository(pool)
	linkRepo := postgres.NewLinkRepository(pool)
	adminRepo := postgres.NewAdminRepository(pool)

	ledger := app.NewLedger(holdRepo, clk, app.WithHoldTTL(cfg.HoldTTL))
	links := app.NewLinkService(linkRepo, tokens, clk)

	return &Engine{
		Ledger:  ledger,
		Admin:   app.NewAdminService(adminRepo, ledger, clk),
		Links:   links,
		Batches: app.NewBatchService(batchRepo, adminRepo, links, clk),
		Reservations: app.NewReservationService(batchRepo, inviteRepo, links, ledger, tokens, clk,
			app.WithReserveChunkSize(cfg.ReserveChunkSize),
			app.WithReservationLogger(logger),
		),
		Invites: app.NewInviteService(inviteRepo, batchRepo, holdRepo, ledger, tokens, notifier, clk,
			app.WithInviteLogger(logger),
			app.WithClaimedHoldTTL(cfg.ClaimedHoldTTL),
			app.WithHoldExtension(cfg.HoldExtension, app.ExtendFrom(cfg.HoldExtendFrom), cfg.MaxHoldExtensions),
			app.WithResendCooldown(cfg.ResendCooldown),
			app.WithNotifyConcurrency(cfg.NotifyConcurrency),
		),
		Expiry: app.NewExpiryService(holdRepo, inviteRepo, batchRepo, ledger, tokens, clk,
			app.WithSweepPageSize(cfg.SweepPageSize),
			app.WithExpiryLogger(logger),
		),
		Authorizer: app.NewRoleAuthorizer(cfg.OperatorUserIDs),
	}
}
