package domain

import "time"

type HoldStatus string

const (
	HoldStatusPending   HoldStatus = "pending"
	HoldStatusConfirmed HoldStatus = "confirmed"
	HoldStatusExpired   HoldStatus = "expired"
	HoldStatusCancelled HoldStatus = "cancelled"
)

// ConsumesCapacity reports whether a hold in this status counts against its
// distance or pool.
func (s HoldStatus) ConsumesCapacity() bool {
	return s == HoldStatusPending || s == HoldStatusConfirmed
}

// Hold is the capacity-consuming registration slot behind one roster row.
// Its ID doubles as the registration id handed back on claim.
type Hold struct {
	ID             string
	DistanceID     string
	PoolID         string
	Quantity       int
	Status         HoldStatus
	ExpiresAt      *time.Time
	BuyerUserID    string
	ExtensionCount int
	FinalizedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Overdue reports whether a pending hold has reached its deadline.
func (h Hold) Overdue(now time.Time) bool {
	return h.Status == HoldStatusPending && h.ExpiresAt != nil && !now.Before(*h.ExpiresAt)
}
