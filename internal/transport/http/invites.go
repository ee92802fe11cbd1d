package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

// InviteOpsService is the minimal interface needed for per-invite endpoints.
type InviteOpsService interface {
	Resend(ctx context.Context, inviteID string) (domain.Invite, error)
	Rotate(ctx context.Context, inviteID string) (domain.Invite, error)
	Cancel(ctx context.Context, inviteID string) error
	UpdateEmail(ctx context.Context, inviteID, email string) (domain.Invite, error)
	ExtendHold(ctx context.Context, inviteID string) (domain.Hold, error)
	ClaimToken(ctx context.Context, inviteID string) (string, domain.Invite, error)
	Claim(ctx context.Context, claimToken, userID string) (string, error)
	FinalizeRegistration(ctx context.Context, holdID, userID string) (domain.Hold, error)
}

// InviteReissuer replaces expired invites.
type InviteReissuer interface {
	Reissue(ctx context.Context, inviteID string) (domain.Invite, error)
}

type inviteResponse struct {
	ID             string     `json:"id"`
	BatchID        string     `json:"batch_id"`
	BatchRowID     string     `json:"batch_row_id"`
	RegistrationID string     `json:"registration_id"`
	Status         string     `json:"status"`
	Email          string     `json:"email"`
	TokenPrefix    string     `json:"token_prefix"`
	SendCount      int        `json:"send_count"`
	LastSentAt     *time.Time `json:"last_sent_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	IsCurrent      bool       `json:"is_current"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
}

func toInviteResponse(inv domain.Invite) inviteResponse {
	return inviteResponse{
		ID:             inv.ID,
		BatchID:        inv.BatchID,
		BatchRowID:     inv.BatchRowID,
		RegistrationID: inv.HoldID,
		Status:         string(inv.Status),
		Email:          inv.Email,
		TokenPrefix:    inv.TokenPrefix,
		SendCount:      inv.SendCount,
		LastSentAt:     inv.LastSentAt,
		ExpiresAt:      inv.ExpiresAt,
		IsCurrent:      inv.IsCurrent,
		ClaimedBy:      inv.ClaimedBy,
	}
}

type registrationResponse struct {
	ID             string     `json:"id"`
	DistanceID     string     `json:"distance_id"`
	Status         string     `json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	ExtensionCount int        `json:"extension_count"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}

func toRegistrationResponse(h domain.Hold) registrationResponse {
	return registrationResponse{
		ID:             h.ID,
		DistanceID:     h.DistanceID,
		Status:         string(h.Status),
		ExpiresAt:      h.ExpiresAt,
		ExtensionCount: h.ExtensionCount,
		FinalizedAt:    h.FinalizedAt,
	}
}

// inviteHandler adapts an invite-returning operation keyed by the {id} path
// variable.
func inviteHandler(op func(ctx context.Context, inviteID string) (domain.Invite, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inv, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInviteResponse(inv))
	}
}

func handleCancelInvite(svc InviteOpsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Cancel(r.Context(), mux.Vars(r)["id"]); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type updateEmailRequest struct {
	Email string `json:"email"`
}

func handleUpdateEmail(svc InviteOpsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req updateEmailRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		inv, err := svc.UpdateEmail(r.Context(), mux.Vars(r)["id"], req.Email)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toInviteResponse(inv))
	}
}

func handleExtendHold(svc InviteOpsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hold, err := svc.ExtendHold(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRegistrationResponse(hold))
	}
}

type claimLinkResponse struct {
	InviteID string `json:"invite_id"`
	Token    string `json:"token"`
	URL      string `json:"url,omitempty"`
}

func handleClaimLink(svc InviteOpsService, claimBaseURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw, inv, err := svc.ClaimToken(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, claimLinkResponse{
			InviteID: inv.ID,
			Token:    raw,
			URL:      token.ClaimURL(claimBaseURL, raw),
		})
	}
}

type claimRequest struct {
	Token string `json:"token"`
}

type claimResponse struct {
	RegistrationID string `json:"registration_id"`
}

func handleClaim(svc InviteOpsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req claimRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		registrationID, err := svc.Claim(r.Context(), req.Token, UserID(r.Context()))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, claimResponse{RegistrationID: registrationID})
	}
}

func handleFinalize(svc InviteOpsService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hold, err := svc.FinalizeRegistration(r.Context(), mux.Vars(r)["id"], UserID(r.Context()))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toRegistrationResponse(hold))
	}
}
