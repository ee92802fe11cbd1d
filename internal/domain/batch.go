package domain

import "time"

type BatchStatus string

const (
	BatchStatusUploaded  BatchStatus = "uploaded"
	BatchStatusValidated BatchStatus = "validated"
	BatchStatusProcessed BatchStatus = "processed"
	BatchStatusFailed    BatchStatus = "failed"
	BatchStatusCancelled BatchStatus = "cancelled"
)

// Reservable reports whether the orchestrator may still work on the batch.
// Processed batches stay reservable so reruns can pick up failed rows.
func (s BatchStatus) Reservable() bool {
	switch s {
	case BatchStatusUploaded, BatchStatusValidated, BatchStatusProcessed:
		return true
	default:
		return false
	}
}

type Batch struct {
	ID           string
	EditionID    string
	UploadLinkID string
	CreatedBy    string
	Status       BatchStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Row failure codes recorded by the orchestrator.
const (
	RowFailureSoldOut              = "SOLD_OUT"
	RowFailureDuplicateEmailInFile = "DUPLICATE_EMAIL_IN_FILE"
	RowFailureExistingActiveInvite = "EXISTING_ACTIVE_INVITE"
	RowFailureAlreadyRegistered    = "ALREADY_REGISTERED"
	RowFailureLinkMaxedOut         = "LINK_MAXED_OUT"
	RowFailureInternal             = "INTERNAL"
)

// Validation codes added at intake on top of the ones supplied with the rows.
const (
	RowValidationInvalidEmail    = "INVALID_EMAIL"
	RowValidationUnknownDistance = "UNKNOWN_DISTANCE"
)

// BatchRow is one participant line of an uploaded roster. ValidationErrors are
// computed upstream and never reparsed here.
type BatchRow struct {
	ID               string
	BatchID          string
	RowNumber        int
	RawEmail         string
	Email            string
	FirstName        string
	LastName         string
	DistanceID       string
	ValidationErrors []string
	HoldID           string
	FailureCode      string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Registered reports whether the row already produced a hold.
func (r BatchRow) Registered() bool {
	return r.HoldID != ""
}

func (r BatchRow) Valid() bool {
	return len(r.ValidationErrors) == 0
}
