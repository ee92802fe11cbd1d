package domain

import "time"

// UploadLink is a shareable capability that lets holders create batches for
// one edition, within an optional window and optional usage limits.
type UploadLink struct {
	ID          string
	EditionID   string
	TokenHash   string
	TokenPrefix string
	CreatedBy   string
	StartsAt    *time.Time
	EndsAt      *time.Time
	MaxBatches  *int
	MaxInvites  *int
	Disabled    bool
	RevokedAt   *time.Time
	CreatedAt   time.Time
}

// LinkUsage is the recomputed consumption of a link. ActiveInvites counts
// distinct batch rows whose current invite is not cancelled.
type LinkUsage struct {
	Batches       int
	ActiveInvites int
}

// LinkDemand is what the caller is about to add under the link.
type LinkDemand struct {
	Batches int
	Invites int
}

type LinkStatus string

const (
	LinkStatusOK         LinkStatus = "OK"
	LinkStatusNotStarted LinkStatus = "NOT_STARTED"
	LinkStatusExpired    LinkStatus = "EXPIRED"
	LinkStatusRevoked    LinkStatus = "REVOKED"
	LinkStatusDisabled   LinkStatus = "DISABLED"
	LinkStatusMaxedOut   LinkStatus = "MAXED_OUT"
)

// Err returns the sentinel error for a refusing status, nil for OK.
func (s LinkStatus) Err() error {
	switch s {
	case LinkStatusNotStarted:
		return ErrLinkNotStarted
	case LinkStatusExpired:
		return ErrLinkExpired
	case LinkStatusRevoked:
		return ErrLinkRevoked
	case LinkStatusDisabled:
		return ErrLinkDisabled
	case LinkStatusMaxedOut:
		return ErrLinkMaxedOut
	default:
		return nil
	}
}

// CheckLinkUsable evaluates a link against its usage at now. With zero demand
// it reports whether the link is currently usable; with a demand it reports
// whether adding that demand would stay within the limits.
func CheckLinkUsable(link UploadLink, usage LinkUsage, now time.Time, demand LinkDemand) LinkStatus {
	switch {
	case link.RevokedAt != nil:
		return LinkStatusRevoked
	case link.Disabled:
		return LinkStatusDisabled
	case link.StartsAt != nil && now.Before(*link.StartsAt):
		return LinkStatusNotStarted
	case link.EndsAt != nil && !now.Before(*link.EndsAt):
		return LinkStatusExpired
	}
	if link.MaxBatches != nil && usage.Batches+demand.Batches > *link.MaxBatches {
		return LinkStatusMaxedOut
	}
	if link.MaxInvites != nil && usage.ActiveInvites+demand.Invites > *link.MaxInvites {
		return LinkStatusMaxedOut
	}
	return LinkStatusOK
}

// ValidateLinkSettings checks a link definition before it is stored.
func ValidateLinkSettings(startsAt, endsAt *time.Time, maxBatches, maxInvites *int) error {
	if startsAt != nil && endsAt != nil && !endsAt.After(*startsAt) {
		return ErrInvalidLinkWindow
	}
	if maxBatches != nil && *maxBatches < 0 {
		return ErrInvalidLinkLimit
	}
	if maxInvites != nil && *maxInvites < 0 {
		return ErrInvalidLinkLimit
	}
	return nil
}
