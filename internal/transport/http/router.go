package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
)

// Services bundles the engine operations the API exposes.
type Services struct {
	Catalog      AdminCatalogService
	Links        UploadLinkService
	Batches      BatchIntakeService
	Reservations BatchReserver
	BatchInvites BatchInviteService
	Invites      InviteOpsService
	Reissuer     InviteReissuer
	Sweeper      SweepService
}

// RouterConfig carries the transport settings of the API.
type RouterConfig struct {
	JWTSecret      []byte
	AllowedOrigins []string
	ClaimBaseURL   string
	ClaimLimiter   *IPRateLimiter
	ReadyTimeout   time.Duration
	ReadyChecks    []ReadinessCheck
	Logger         *slog.Logger
}

// NewRouter wires every route. Health and readiness are public; everything
// else needs a bearer token and passes the authorizer.
func NewRouter(svc Services, authz app.Authorizer, cfg RouterConfig) http.Handler {
	root := mux.NewRouter()
	root.NotFoundHandler = NotFoundHandler()
	root.MethodNotAllowedHandler = MethodNotAllowedHandler()

	root.HandleFunc("/health", HealthHandler).Methods(http.MethodGet)
	root.HandleFunc("/ready", ReadyHandler(cfg.ReadyTimeout, cfg.ReadyChecks...)).Methods(http.MethodGet)

	api := root.PathPrefix("/").Subrouter()
	api.Use(Authenticate(cfg.JWTSecret))
	api.NotFoundHandler = NotFoundHandler()
	api.MethodNotAllowedHandler = MethodNotAllowedHandler()

	guard := func(action app.Action, h http.HandlerFunc) http.Handler {
		return RequireAction(authz, action, h)
	}

	api.Handle("/admin/editions", guard(app.ActionManageCatalog, handleListEditions(svc.Catalog))).Methods(http.MethodGet)
	api.Handle("/admin/editions", guard(app.ActionManageCatalog, handleCreateEdition(svc.Catalog))).Methods(http.MethodPost)
	api.Handle("/admin/editions/{id}/pools", guard(app.ActionManageCatalog, handleCreatePool(svc.Catalog))).Methods(http.MethodPost)
	api.Handle("/admin/editions/{id}/distances", guard(app.ActionManageCatalog, handleListDistances(svc.Catalog))).Methods(http.MethodGet)
	api.Handle("/admin/editions/{id}/distances", guard(app.ActionManageCatalog, handleCreateDistance(svc.Catalog))).Methods(http.MethodPost)
	api.Handle("/admin/editions/{id}/upload-links", guard(app.ActionManageLinks, handleCreateLink(svc.Links))).Methods(http.MethodPost)
	api.Handle("/admin/upload-links/{id}", guard(app.ActionManageLinks, handleLinkStatus(svc.Links))).Methods(http.MethodGet)
	api.Handle("/admin/upload-links/{id}/revoke", guard(app.ActionManageLinks, handleRevokeLink(svc.Links))).Methods(http.MethodPost)
	api.Handle("/admin/upload-links/{id}/disabled", guard(app.ActionManageLinks, handleSetLinkDisabled(svc.Links))).Methods(http.MethodPut)
	api.Handle("/admin/sweep", guard(app.ActionSweep, handleSweep(svc.Sweeper))).Methods(http.MethodPost)

	api.Handle("/batches", handleCreateBatch(svc.Batches, authz)).Methods(http.MethodPost)
	api.Handle("/batches/{id}", guard(app.ActionManageBatches, handleGetBatch(svc.Batches))).Methods(http.MethodGet)
	api.Handle("/batches/{id}/reserve", guard(app.ActionManageBatches, handleReserveBatch(svc.Reservations))).Methods(http.MethodPost)
	api.Handle("/batches/{id}/send", guard(app.ActionManageInvites, handleSendBatch(svc.BatchInvites))).Methods(http.MethodPost)
	api.Handle("/batches/{id}/cancel", guard(app.ActionManageInvites, handleCancelBatch(svc.BatchInvites))).Methods(http.MethodPost)

	api.Handle("/invites/{id}/resend", guard(app.ActionManageInvites, inviteHandler(svc.Invites.Resend))).Methods(http.MethodPost)
	api.Handle("/invites/{id}/rotate", guard(app.ActionManageInvites, inviteHandler(svc.Invites.Rotate))).Methods(http.MethodPost)
	api.Handle("/invites/{id}/cancel", guard(app.ActionManageInvites, handleCancelInvite(svc.Invites))).Methods(http.MethodPost)
	api.Handle("/invites/{id}/extend", guard(app.ActionManageInvites, handleExtendHold(svc.Invites))).Methods(http.MethodPost)
	api.Handle("/invites/{id}/reissue", guard(app.ActionManageInvites, inviteHandler(svc.Reissuer.Reissue))).Methods(http.MethodPost)
	api.Handle("/invites/{id}/email", guard(app.ActionManageInvites, handleUpdateEmail(svc.Invites))).Methods(http.MethodPut)
	api.Handle("/invites/{id}/claim-link", guard(app.ActionManageInvites, handleClaimLink(svc.Invites, cfg.ClaimBaseURL))).Methods(http.MethodGet)

	var claim http.Handler = guard(app.ActionClaim, handleClaim(svc.Invites))
	if cfg.ClaimLimiter != nil {
		claim = cfg.ClaimLimiter.Limit(claim)
	}
	api.Handle("/claims", claim).Methods(http.MethodPost)
	api.Handle("/registrations/{id}/finalize", guard(app.ActionFinalize, handleFinalize(svc.Invites))).Methods(http.MethodPost)

	return RequestLogger(CORS(cfg.AllowedOrigins, root), cfg.Logger)
}
