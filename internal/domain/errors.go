package domain

import (
	"errors"
	"strings"
)

var (
	ErrCapacityExhausted      = errors.New("capacity exhausted")
	ErrLinkNotStarted         = errors.New("upload link not started")
	ErrLinkExpired            = errors.New("upload link expired")
	ErrLinkRevoked            = errors.New("upload link revoked")
	ErrLinkDisabled           = errors.New("upload link disabled")
	ErrLinkMaxedOut           = errors.New("upload link usage limit reached")
	ErrTokenInvalid           = errors.New("token invalid")
	ErrAlreadyClaimed         = errors.New("invite already claimed")
	ErrInviteExpired          = errors.New("invite expired")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrInvalidTransition      = errors.New("invalid invite transition")

	ErrEditionNotFound  = errors.New("edition not found")
	ErrDistanceNotFound = errors.New("distance not found")
	ErrPoolNotFound     = errors.New("capacity pool not found")
	ErrHoldNotFound     = errors.New("hold not found")
	ErrInviteNotFound   = errors.New("invite not found")
	ErrBatchNotFound    = errors.New("batch not found")
	ErrBatchRowNotFound = errors.New("batch row not found")
	ErrLinkNotFound     = errors.New("upload link not found")

	ErrInvalidID               = errors.New("invalid id")
	ErrNameRequired            = errors.New("name required")
	ErrInvalidCapacity         = errors.New("invalid capacity")
	ErrInvalidCapacityScope    = errors.New("invalid capacity scope")
	ErrInvalidQuantity         = errors.New("invalid quantity")
	ErrInvalidEmail            = errors.New("invalid email")
	ErrInvalidLinkWindow       = errors.New("invalid upload link window")
	ErrInvalidLinkLimit        = errors.New("invalid upload link limit")
	ErrBatchEmpty              = errors.New("batch has no rows")
	ErrDuplicateRowNumber      = errors.New("duplicate row number in batch")
	ErrBatchNotReservable      = errors.New("batch is not in a reservable status")
	ErrBatchEditionMismatch    = errors.New("batch edition does not match upload link")
	ErrDistanceEditionMismatch = errors.New("distance belongs to another edition")
	ErrExistingActiveInvite    = errors.New("email already has an active invite")
	ErrAlreadyRegistered       = errors.New("email already registered for edition")
	ErrInviteNotCurrent        = errors.New("invite is not current")
	ErrHoldNotExtendable       = errors.New("hold cannot be extended")
	ErrHoldExtensionLimit      = errors.New("hold extension limit reached")
	ErrHoldNotConfirmed        = errors.New("hold is not confirmed")
	ErrResendTooSoon           = errors.New("invite was sent too recently")
	ErrReleaseFailed           = errors.New("capacity release failed")
	ErrForbidden               = errors.New("forbidden")
)

// Code is the machine-readable form of an engine error surfaced to callers.
type Code string

const (
	CodeCapacityExhausted      Code = "CAPACITY_EXHAUSTED"
	CodeLinkNotStarted         Code = "LINK_NOT_STARTED"
	CodeLinkExpired            Code = "LINK_EXPIRED"
	CodeLinkRevoked            Code = "LINK_REVOKED"
	CodeLinkDisabled           Code = "LINK_DISABLED"
	CodeLinkMaxedOut           Code = "LINK_MAXED_OUT"
	CodeTokenInvalid           Code = "TOKEN_INVALID"
	CodeAlreadyClaimed         Code = "ALREADY_CLAIMED"
	CodeInviteExpired          Code = "INVITE_EXPIRED"
	CodeRowValidationFailed    Code = "ROW_VALIDATION_FAILED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeInvalidTransition      Code = "INVALID_TRANSITION"
	CodeNotFound               Code = "NOT_FOUND"
	CodeInvalidArgument        Code = "INVALID_ARGUMENT"
	CodeExistingActiveInvite   Code = "EXISTING_ACTIVE_INVITE"
	CodeAlreadyRegistered      Code = "ALREADY_REGISTERED"
	CodeFailedPrecondition     Code = "FAILED_PRECONDITION"
	CodeForbidden              Code = "FORBIDDEN"
	CodeInternal               Code = "INTERNAL"
)

// RowValidationError carries the collaborator-supplied validation codes of a
// row that was excluded from reservation.
type RowValidationError struct {
	RowID string
	Codes []string
}

func (e *RowValidationError) Error() string {
	return "row " + e.RowID + " failed validation: " + strings.Join(e.Codes, ",")
}

// CodeOf maps err onto the engine error taxonomy.
func CodeOf(err error) Code {
	var rowErr *RowValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rowErr):
		return CodeRowValidationFailed
	case errors.Is(err, ErrCapacityExhausted):
		return CodeCapacityExhausted
	case errors.Is(err, ErrLinkNotStarted):
		return CodeLinkNotStarted
	case errors.Is(err, ErrLinkExpired):
		return CodeLinkExpired
	case errors.Is(err, ErrLinkRevoked):
		return CodeLinkRevoked
	case errors.Is(err, ErrLinkDisabled):
		return CodeLinkDisabled
	case errors.Is(err, ErrLinkMaxedOut):
		return CodeLinkMaxedOut
	case errors.Is(err, ErrTokenInvalid):
		return CodeTokenInvalid
	case errors.Is(err, ErrAlreadyClaimed):
		return CodeAlreadyClaimed
	case errors.Is(err, ErrInviteExpired):
		return CodeInviteExpired
	case errors.Is(err, ErrConcurrentModification):
		return CodeConcurrentModification
	case errors.Is(err, ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, ErrExistingActiveInvite):
		return CodeExistingActiveInvite
	case errors.Is(err, ErrAlreadyRegistered):
		return CodeAlreadyRegistered
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrEditionNotFound),
		errors.Is(err, ErrDistanceNotFound),
		errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrHoldNotFound),
		errors.Is(err, ErrInviteNotFound),
		errors.Is(err, ErrBatchNotFound),
		errors.Is(err, ErrBatchRowNotFound),
		errors.Is(err, ErrLinkNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInvalidID),
		errors.Is(err, ErrNameRequired),
		errors.Is(err, ErrInvalidCapacity),
		errors.Is(err, ErrInvalidCapacityScope),
		errors.Is(err, ErrInvalidQuantity),
		errors.Is(err, ErrInvalidEmail),
		errors.Is(err, ErrInvalidLinkWindow),
		errors.Is(err, ErrInvalidLinkLimit),
		errors.Is(err, ErrBatchEmpty),
		errors.Is(err, ErrDuplicateRowNumber),
		errors.Is(err, ErrBatchEditionMismatch),
		errors.Is(err, ErrDistanceEditionMismatch):
		return CodeInvalidArgument
	case errors.Is(err, ErrBatchNotReservable),
		errors.Is(err, ErrInviteNotCurrent),
		errors.Is(err, ErrHoldNotExtendable),
		errors.Is(err, ErrHoldExtensionLimit),
		errors.Is(err, ErrHoldNotConfirmed),
		errors.Is(err, ErrResendTooSoon):
		return CodeFailedPrecondition
	default:
		return CodeInternal
	}
}

// Retryable reports whether a single operation may be retried as-is.
func Retryable(err error) bool {
	code := CodeOf(err)
	return code == CodeConcurrentModification || code == CodeInternal
}
