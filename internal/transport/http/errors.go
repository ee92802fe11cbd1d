package http

import (
	"encoding/json"
	"net/http"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

// Transport-level codes. Engine errors use domain.Code values.
const (
	codeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	codeNotFound           = "NOT_FOUND"
	codeInvalidRequestBody = "INVALID_REQUEST_BODY"
	codeInvalidTimestamp   = "INVALID_TIMESTAMP"
	codeUnauthenticated    = "UNAUTHENTICATED"
	codeRateLimited        = "RATE_LIMITED"
	codeNotReady           = "NOT_READY"
	codeForbidden          = string(domain.CodeForbidden)
	codeInternalError      = string(domain.CodeInternal)
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"INTERNAL"}`))
		return
	}
	_, _ = w.Write(payload)
}

// statusFor maps an engine error code to its HTTP status.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidArgument, domain.CodeRowValidationFailed:
		return http.StatusBadRequest
	case domain.CodeTokenInvalid:
		return http.StatusNotFound
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeInviteExpired:
		return http.StatusGone
	case domain.CodeLinkNotStarted, domain.CodeLinkExpired, domain.CodeLinkRevoked,
		domain.CodeLinkDisabled, domain.CodeLinkMaxedOut:
		return http.StatusForbidden
	case domain.CodeCapacityExhausted, domain.CodeAlreadyClaimed, domain.CodeConcurrentModification,
		domain.CodeInvalidTransition, domain.CodeExistingActiveInvite, domain.CodeAlreadyRegistered,
		domain.CodeFailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err with its engine code. Internal errors are not
// echoed back.
func writeDomainError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, string(code), msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a strict JSON body into dst. An empty body is accepted
// when allowEmpty is set.
func decodeJSON(r *http.Request, dst any, allowEmpty bool) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return allowEmpty
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst) == nil
}
