package app

import (
	"context"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

// HoldRepository persists registration holds and the capacity owners they
// count against. Implementations share the transaction carried by ctx.
type HoldRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	LockCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error)
	GetCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error)
	CountConsuming(ctx context.Context, owner domain.CapacityOwner) (int, error)
	CreateHold(ctx context.Context, hold domain.Hold) error
	GetHold(ctx context.Context, id string) (domain.Hold, error)
	GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error)
	ReleaseHold(ctx context.Context, id string, now time.Time) (bool, error)
	ConfirmHold(ctx context.Context, id, buyerUserID string, expiresAt *time.Time, now time.Time) (bool, error)
	ExpireHold(ctx context.Context, id string, now time.Time) (bool, error)
	ExtendHold(ctx context.Context, id string, prev, next time.Time, now time.Time) (bool, error)
	FinalizeHold(ctx context.Context, id string, now time.Time) (bool, error)
	ListOverdueHolds(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Hold, error)
}

// Ledger reserves and releases capacity. A reservation locks the capacity
// owner row, counts pending and confirmed holds under it and inserts the new
// hold in the same transaction.
type Ledger struct {
	repo    HoldRepository
	clock   clock.Clock
	holdTTL time.Duration
}

const defaultHoldTTL = 7 * 24 * time.Hour

func NewLedger(repo HoldRepository, clk clock.Clock, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		repo:    repo,
		clock:   clk,
		holdTTL: defaultHoldTTL,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type LedgerOption func(*Ledger)

// WithHoldTTL overrides the default TTL for new holds.
func WithHoldTTL(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.holdTTL = d
		}
	}
}

// Reserve creates one pending hold against distanceID or fails with
// ErrCapacityExhausted. It joins the caller's transaction when there is one.
func (l *Ledger) Reserve(ctx context.Context, distanceID string, quantity int) (domain.Hold, error) {
	if quantity <= 0 {
		return domain.Hold{}, domain.ErrInvalidQuantity
	}
	if distanceID == "" {
		return domain.Hold{}, domain.ErrInvalidID
	}

	now := l.clock.Now()
	var result domain.Hold

	err := l.repo.WithTx(ctx, func(txCtx context.Context) error {
		owner, err := l.repo.LockCapacityOwner(txCtx, distanceID)
		if err != nil {
			return err
		}

		if owner.Capacity != nil {
			consumed, err := l.repo.CountConsuming(txCtx, owner)
			if err != nil {
				return err
			}
			if consumed+quantity > *owner.Capacity {
				return domain.ErrCapacityExhausted
			}
		}

		expiresAt := now.Add(l.holdTTL)
		hold := domain.Hold{
			ID:         newUUID(),
			DistanceID: distanceID,
			PoolID:     owner.PoolID,
			Quantity:   quantity,
			Status:     domain.HoldStatusPending,
			ExpiresAt:  &expiresAt,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := l.repo.CreateHold(txCtx, hold); err != nil {
			return err
		}
		result = hold
		return nil
	})
	if err != nil {
		return domain.Hold{}, err
	}
	return result, nil
}

// Release cancels a pending hold. Holds in any other status are left alone,
// so releasing twice is the same as releasing once.
func (l *Ledger) Release(ctx context.Context, holdID string) (bool, error) {
	if holdID == "" {
		return false, domain.ErrInvalidID
	}
	return l.repo.ReleaseHold(ctx, holdID, l.clock.Now())
}

// Confirm moves a pending hold to confirmed for buyerUserID. A nil deadline
// clears the expiry.
func (l *Ledger) Confirm(ctx context.Context, holdID, buyerUserID string, deadline *time.Time) error {
	ok, err := l.repo.ConfirmHold(ctx, holdID, buyerUserID, deadline, l.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrConcurrentModification
	}
	return nil
}

// Remaining reports free slots for a distance, nil when unlimited.
func (l *Ledger) Remaining(ctx context.Context, distanceID string) (*int, error) {
	owner, err := l.repo.GetCapacityOwner(ctx, distanceID)
	if err != nil {
		return nil, err
	}
	if owner.Capacity == nil {
		return nil, nil
	}
	consumed, err := l.repo.CountConsuming(ctx, owner)
	if err != nil {
		return nil, err
	}
	return owner.Available(consumed), nil
}
