package domain

import "time"

type InviteStatus string

const (
	InviteStatusDraft      InviteStatus = "draft"
	InviteStatusSent       InviteStatus = "sent"
	InviteStatusClaimed    InviteStatus = "claimed"
	InviteStatusCancelled  InviteStatus = "cancelled"
	InviteStatusExpired    InviteStatus = "expired"
	InviteStatusSuperseded InviteStatus = "superseded"
)

// Terminal reports whether no further transition is possible from s.
func (s InviteStatus) Terminal() bool {
	switch s {
	case InviteStatusDraft, InviteStatusSent:
		return false
	default:
		return true
	}
}

type InviteEvent string

const (
	InviteEventSend      InviteEvent = "send"
	InviteEventClaim     InviteEvent = "claim"
	InviteEventCancel    InviteEvent = "cancel"
	InviteEventExpire    InviteEvent = "expire"
	InviteEventSupersede InviteEvent = "supersede"
)

type inviteTransition struct {
	from []InviteStatus
	to   InviteStatus
}

var inviteTransitions = map[InviteEvent]inviteTransition{
	InviteEventSend:      {from: []InviteStatus{InviteStatusDraft, InviteStatusSent}, to: InviteStatusSent},
	InviteEventClaim:     {from: []InviteStatus{InviteStatusSent}, to: InviteStatusClaimed},
	InviteEventCancel:    {from: []InviteStatus{InviteStatusDraft, InviteStatusSent}, to: InviteStatusCancelled},
	InviteEventExpire:    {from: []InviteStatus{InviteStatusDraft, InviteStatusSent}, to: InviteStatusExpired},
	InviteEventSupersede: {from: []InviteStatus{InviteStatusDraft, InviteStatusSent}, to: InviteStatusSuperseded},
}

// NextInviteStatus returns the status an invite moves to when ev is applied in
// status from. Pairs outside the table yield ErrInvalidTransition.
func NextInviteStatus(from InviteStatus, ev InviteEvent) (InviteStatus, error) {
	tr, ok := inviteTransitions[ev]
	if !ok {
		return "", ErrInvalidTransition
	}
	for _, s := range tr.from {
		if s == from {
			return tr.to, nil
		}
	}
	return "", ErrInvalidTransition
}

// Invite is the claimable, token-protected view of a hold. Only the token
// hash and display prefix are stored.
type Invite struct {
	ID          string
	BatchRowID  string
	BatchID     string
	EditionID   string
	HoldID      string
	Status      InviteStatus
	Email       string
	TokenHash   string
	TokenPrefix string
	SendCount   int
	LastSentAt  *time.Time
	ExpiresAt   *time.Time
	IsCurrent   bool
	ClaimedBy   string
	ClaimedAt   *time.Time
	CancelledAt *time.Time
	ExpiredAt   *time.Time
	// Version is bumped on every persisted change and guards updates.
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (inv *Invite) apply(ev InviteEvent, now time.Time) error {
	next, err := NextInviteStatus(inv.Status, ev)
	if err != nil {
		return err
	}
	inv.Status = next
	inv.UpdatedAt = now
	return nil
}

// Send marks the invite sent. Resending a sent invite bumps the counters.
func (inv *Invite) Send(now time.Time) error {
	if err := inv.apply(InviteEventSend, now); err != nil {
		return err
	}
	inv.SendCount++
	inv.LastSentAt = &now
	return nil
}

// CheckClaimable maps the invite's state onto the claim error taxonomy.
// Superseded, cancelled and stale invites are indistinguishable from an
// unknown token.
func (inv Invite) CheckClaimable(now time.Time) error {
	switch {
	case !inv.IsCurrent:
		return ErrTokenInvalid
	case inv.Status == InviteStatusClaimed:
		return ErrAlreadyClaimed
	case inv.Status == InviteStatusExpired:
		return ErrInviteExpired
	case inv.Status != InviteStatusSent:
		return ErrTokenInvalid
	case inv.ExpiresAt != nil && !now.Before(*inv.ExpiresAt):
		return ErrInviteExpired
	}
	return nil
}

func (inv *Invite) Claim(userID string, now time.Time) error {
	if err := inv.CheckClaimable(now); err != nil {
		return err
	}
	if err := inv.apply(InviteEventClaim, now); err != nil {
		return err
	}
	inv.ClaimedBy = userID
	inv.ClaimedAt = &now
	return nil
}

func (inv *Invite) Cancel(now time.Time) error {
	if err := inv.apply(InviteEventCancel, now); err != nil {
		return err
	}
	inv.CancelledAt = &now
	return nil
}

// Expire is reserved for the expiry reconciler. The invite stays current so
// the row keeps its slot in upload link usage until it is reissued.
func (inv *Invite) Expire(now time.Time) error {
	if err := inv.apply(InviteEventExpire, now); err != nil {
		return err
	}
	inv.ExpiredAt = &now
	return nil
}

func (inv *Invite) Supersede(now time.Time) error {
	if err := inv.apply(InviteEventSupersede, now); err != nil {
		return err
	}
	inv.IsCurrent = false
	return nil
}

// UpdateEmail changes the recipient of a non-terminal invite. The token is
// untouched.
func (inv *Invite) UpdateEmail(raw string, now time.Time) error {
	if inv.Status.Terminal() {
		return ErrInvalidTransition
	}
	email, err := NormalizeEmail(raw)
	if err != nil {
		return err
	}
	inv.Email = email
	inv.UpdatedAt = now
	return nil
}

// Retire drops an expired invite from current once a reissued invite takes
// its place on the row.
func (inv *Invite) Retire(now time.Time) error {
	if inv.Status != InviteStatusExpired {
		return ErrInvalidTransition
	}
	inv.IsCurrent = false
	inv.UpdatedAt = now
	return nil
}
