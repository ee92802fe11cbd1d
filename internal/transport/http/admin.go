package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

// AdminCatalogService is the minimal interface needed for catalog endpoints.
type AdminCatalogService interface {
	CreateEdition(ctx context.Context, in app.CreateEditionInput) (domain.Edition, error)
	ListEditions(ctx context.Context) ([]domain.Edition, error)
	CreatePool(ctx context.Context, in app.CreatePoolInput) (domain.CapacityPool, error)
	CreateDistance(ctx context.Context, in app.CreateDistanceInput) (domain.Distance, error)
	ListDistances(ctx context.Context, editionID string) ([]app.DistanceView, error)
}

// UploadLinkService is the minimal interface needed for upload link endpoints.
type UploadLinkService interface {
	CreateLink(ctx context.Context, in app.CreateLinkInput) (domain.UploadLink, string, error)
	Status(ctx context.Context, linkID string) (app.LinkReport, error)
	Revoke(ctx context.Context, linkID string) (app.LinkReport, error)
	SetDisabled(ctx context.Context, linkID string, disabled bool) (app.LinkReport, error)
}

// SweepService runs the expiry reconciler on demand.
type SweepService interface {
	Sweep(ctx context.Context) (app.SweepResult, error)
}

type createEditionRequest struct {
	Name     string `json:"name"`
	StartsAt string `json:"starts_at"`
}

type editionResponse struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	StartsAt time.Time `json:"starts_at"`
}

func toEditionResponse(e domain.Edition) editionResponse {
	return editionResponse{ID: e.ID, Name: e.Name, StartsAt: e.StartsAt}
}

// parseTime reads an optional RFC 3339 timestamp.
func parseTime(raw string) (*time.Time, bool) {
	if raw == "" {
		return nil, true
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, false
	}
	parsed = parsed.UTC()
	return &parsed, true
}

func handleListEditions(svc AdminCatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		editions, err := svc.ListEditions(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := make([]editionResponse, 0, len(editions))
		for _, e := range editions {
			resp = append(resp, toEditionResponse(e))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleCreateEdition(svc AdminCatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createEditionRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		startsAt, ok := parseTime(req.StartsAt)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidTimestamp, "invalid starts_at format")
			return
		}

		edition, err := svc.CreateEdition(r.Context(), app.CreateEditionInput{
			Name:     req.Name,
			StartsAt: startsAt,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toEditionResponse(edition))
	}
}

type createPoolRequest struct {
	Name     string `json:"name"`
	Capacity *int   `json:"capacity"`
}

type poolResponse struct {
	ID        string `json:"id"`
	EditionID string `json:"edition_id"`
	Name      string `json:"name"`
	Capacity  *int   `json:"capacity"`
}

func handleCreatePool(svc AdminCatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createPoolRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		pool, err := svc.CreatePool(r.Context(), app.CreatePoolInput{
			EditionID: mux.Vars(r)["id"],
			Name:      req.Name,
			Capacity:  req.Capacity,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, poolResponse{
			ID:        pool.ID,
			EditionID: pool.EditionID,
			Name:      pool.Name,
			Capacity:  pool.Capacity,
		})
	}
}

type createDistanceRequest struct {
	Name          string `json:"name"`
	Capacity      *int   `json:"capacity"`
	CapacityScope string `json:"capacity_scope"`
	PoolID        string `json:"pool_id"`
}

type distanceResponse struct {
	ID            string `json:"id"`
	EditionID     string `json:"edition_id"`
	Name          string `json:"name"`
	Capacity      *int   `json:"capacity"`
	CapacityScope string `json:"capacity_scope"`
	PoolID        string `json:"pool_id,omitempty"`
	Remaining     *int   `json:"remaining,omitempty"`
}

func toDistanceResponse(d domain.Distance, remaining *int) distanceResponse {
	return distanceResponse{
		ID:            d.ID,
		EditionID:     d.EditionID,
		Name:          d.Name,
		Capacity:      d.Capacity,
		CapacityScope: string(d.Scope),
		PoolID:        d.PoolID,
		Remaining:     remaining,
	}
}

func handleCreateDistance(svc AdminCatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createDistanceRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		distance, err := svc.CreateDistance(r.Context(), app.CreateDistanceInput{
			EditionID: mux.Vars(r)["id"],
			Name:      req.Name,
			Capacity:  req.Capacity,
			Scope:     domain.CapacityScope(req.CapacityScope),
			PoolID:    req.PoolID,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDistanceResponse(distance, nil))
	}
}

func handleListDistances(svc AdminCatalogService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		views, err := svc.ListDistances(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := make([]distanceResponse, 0, len(views))
		for _, v := range views {
			resp = append(resp, toDistanceResponse(v.Distance, v.Remaining))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type createLinkRequest struct {
	StartsAt   string `json:"starts_at"`
	EndsAt     string `json:"ends_at"`
	MaxBatches *int   `json:"max_batches"`
	MaxInvites *int   `json:"max_invites"`
}

type linkResponse struct {
	ID            string     `json:"id"`
	EditionID     string     `json:"edition_id"`
	TokenPrefix   string     `json:"token_prefix"`
	Token         string     `json:"token,omitempty"`
	StartsAt      *time.Time `json:"starts_at,omitempty"`
	EndsAt        *time.Time `json:"ends_at,omitempty"`
	MaxBatches    *int       `json:"max_batches,omitempty"`
	MaxInvites    *int       `json:"max_invites,omitempty"`
	Disabled      bool       `json:"disabled"`
	RevokedAt     *time.Time `json:"revoked_at,omitempty"`
	Status        string     `json:"status,omitempty"`
	Batches       int        `json:"batches"`
	ActiveInvites int        `json:"active_invites"`
}

func toLinkResponse(report app.LinkReport) linkResponse {
	l := report.Link
	return linkResponse{
		ID:            l.ID,
		EditionID:     l.EditionID,
		TokenPrefix:   l.TokenPrefix,
		StartsAt:      l.StartsAt,
		EndsAt:        l.EndsAt,
		MaxBatches:    l.MaxBatches,
		MaxInvites:    l.MaxInvites,
		Disabled:      l.Disabled,
		RevokedAt:     l.RevokedAt,
		Status:        string(report.Status),
		Batches:       report.Usage.Batches,
		ActiveInvites: report.Usage.ActiveInvites,
	}
}

func handleCreateLink(svc UploadLinkService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createLinkRequest
		if !decodeJSON(r, &req, true) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		startsAt, ok := parseTime(req.StartsAt)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidTimestamp, "invalid starts_at format")
			return
		}
		endsAt, ok := parseTime(req.EndsAt)
		if !ok {
			writeError(w, http.StatusBadRequest, codeInvalidTimestamp, "invalid ends_at format")
			return
		}

		link, raw, err := svc.CreateLink(r.Context(), app.CreateLinkInput{
			EditionID:  mux.Vars(r)["id"],
			CreatedBy:  UserID(r.Context()),
			StartsAt:   startsAt,
			EndsAt:     endsAt,
			MaxBatches: req.MaxBatches,
			MaxInvites: req.MaxInvites,
		})
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := toLinkResponse(app.LinkReport{Link: link})
		resp.Token = raw
		writeJSON(w, http.StatusCreated, resp)
	}
}

func handleLinkStatus(svc UploadLinkService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.Status(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLinkResponse(report))
	}
}

func handleRevokeLink(svc UploadLinkService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, err := svc.Revoke(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLinkResponse(report))
	}
}

type setDisabledRequest struct {
	Disabled bool `json:"disabled"`
}

func handleSetLinkDisabled(svc UploadLinkService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req setDisabledRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		report, err := svc.SetDisabled(r.Context(), mux.Vars(r)["id"], req.Disabled)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLinkResponse(report))
	}
}

type sweepResponse struct {
	HoldsExpired   int `json:"holds_expired"`
	InvitesExpired int `json:"invites_expired"`
	Failed         int `json:"failed"`
}

func handleSweep(svc SweepService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.Sweep(r.Context())
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sweepResponse{
			HoldsExpired:   res.HoldsExpired,
			InvitesExpired: res.InvitesExpired,
			Failed:         res.Failed,
		})
	}
}
