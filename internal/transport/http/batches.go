package http

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
)

// BatchIntakeService is the minimal interface needed to accept rosters.
type BatchIntakeService interface {
	CreateBatch(ctx context.Context, in app.CreateBatchInput) (app.BatchView, error)
	GetBatch(ctx context.Context, batchID string) (app.BatchView, error)
}

// BatchReserver runs the reservation orchestrator over a batch.
type BatchReserver interface {
	ReserveInvitesForBatch(ctx context.Context, batchID string) (app.ReservationResult, error)
}

// BatchInviteService covers the batch-wide invite operations.
type BatchInviteService interface {
	SendBatch(ctx context.Context, batchID string) (app.SendResult, error)
	CancelBatch(ctx context.Context, batchID string) (app.CancelBatchResult, error)
}

const uploadLinkHeader = "X-Upload-Link-Token"

type rowRequest struct {
	RowNumber        int      `json:"row_number"`
	Email            string   `json:"email"`
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	DistanceID       string   `json:"distance_id"`
	ValidationErrors []string `json:"validation_errors"`
}

type createBatchRequest struct {
	EditionID string       `json:"edition_id"`
	Rows      []rowRequest `json:"rows"`
}

type batchRowResponse struct {
	ID               string   `json:"id"`
	RowNumber        int      `json:"row_number"`
	Email            string   `json:"email"`
	DistanceID       string   `json:"distance_id"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	RegistrationID   string   `json:"registration_id,omitempty"`
	FailureCode      string   `json:"failure_code,omitempty"`
}

type batchResponse struct {
	ID           string             `json:"id"`
	EditionID    string             `json:"edition_id"`
	UploadLinkID string             `json:"upload_link_id,omitempty"`
	Status       string             `json:"status"`
	Rows         []batchRowResponse `json:"rows"`
}

func toBatchResponse(v app.BatchView) batchResponse {
	rows := make([]batchRowResponse, 0, len(v.Rows))
	for _, r := range v.Rows {
		email := r.Email
		if email == "" {
			email = r.RawEmail
		}
		rows = append(rows, batchRowResponse{
			ID:               r.ID,
			RowNumber:        r.RowNumber,
			Email:            email,
			DistanceID:       r.DistanceID,
			ValidationErrors: r.ValidationErrors,
			RegistrationID:   r.HoldID,
			FailureCode:      r.FailureCode,
		})
	}
	return batchResponse{
		ID:           v.Batch.ID,
		EditionID:    v.Batch.EditionID,
		UploadLinkID: v.Batch.UploadLinkID,
		Status:       string(v.Batch.Status),
		Rows:         rows,
	}
}

// handleCreateBatch accepts validated rows. Callers holding an upload link
// token only need upload rights; everyone else must manage batches.
func handleCreateBatch(svc BatchIntakeService, authz app.Authorizer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		linkToken := strings.TrimSpace(r.Header.Get(uploadLinkHeader))
		action := app.ActionManageBatches
		if linkToken != "" {
			action = app.ActionUploadViaLink
		}
		if err := authz.Authorize(r.Context(), UserID(r.Context()), action); err != nil {
			writeDomainError(w, err)
			return
		}

		var req createBatchRequest
		if !decodeJSON(r, &req, false) {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}
		in := app.CreateBatchInput{
			EditionID: req.EditionID,
			CreatedBy: UserID(r.Context()),
			LinkToken: linkToken,
			Rows:      make([]app.RowInput, 0, len(req.Rows)),
		}
		for _, row := range req.Rows {
			in.Rows = append(in.Rows, app.RowInput{
				RowNumber:        row.RowNumber,
				Email:            row.Email,
				FirstName:        row.FirstName,
				LastName:         row.LastName,
				DistanceID:       row.DistanceID,
				ValidationErrors: row.ValidationErrors,
			})
		}

		view, err := svc.CreateBatch(r.Context(), in)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toBatchResponse(view))
	}
}

func handleGetBatch(svc BatchIntakeService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetBatch(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toBatchResponse(view))
	}
}

type rowOutcomeResponse struct {
	RowID           string   `json:"row_id"`
	RowNumber       int      `json:"row_number"`
	Status          string   `json:"status"`
	Code            string   `json:"code,omitempty"`
	ValidationCodes []string `json:"validation_codes,omitempty"`
	RegistrationID  string   `json:"registration_id,omitempty"`
	InviteID        string   `json:"invite_id,omitempty"`
}

type reservationResponse struct {
	Processed int                  `json:"processed"`
	Succeeded int                  `json:"succeeded"`
	Failed    int                  `json:"failed"`
	Remaining int                  `json:"remaining"`
	Invalid   int                  `json:"invalid"`
	Skipped   int                  `json:"skipped"`
	Rows      []rowOutcomeResponse `json:"rows"`
}

func handleReserveBatch(svc BatchReserver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.ReserveInvitesForBatch(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		resp := reservationResponse{
			Processed: res.Processed,
			Succeeded: res.Succeeded,
			Failed:    res.Failed,
			Remaining: res.Remaining,
			Invalid:   res.Invalid,
			Skipped:   res.Skipped,
			Rows:      make([]rowOutcomeResponse, 0, len(res.Outcomes)),
		}
		for _, o := range res.Outcomes {
			resp.Rows = append(resp.Rows, rowOutcomeResponse{
				RowID:           o.RowID,
				RowNumber:       o.RowNumber,
				Status:          string(o.Status),
				Code:            o.Code,
				ValidationCodes: o.ValidationCodes,
				RegistrationID:  o.HoldID,
				InviteID:        o.InviteID,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type sendBatchResponse struct {
	Sent         int `json:"sent"`
	Skipped      int `json:"skipped"`
	NotifyFailed int `json:"notify_failed"`
}

func handleSendBatch(svc BatchInviteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.SendBatch(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sendBatchResponse{
			Sent:         res.Sent,
			Skipped:      res.Skipped,
			NotifyFailed: res.NotifyFailed,
		})
	}
}

type cancelBatchResponse struct {
	Cancelled int `json:"cancelled"`
	Untouched int `json:"untouched"`
}

func handleCancelBatch(svc BatchInviteService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := svc.CancelBatch(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, cancelBatchResponse{
			Cancelled: res.Cancelled,
			Untouched: res.Untouched,
		})
	}
}
