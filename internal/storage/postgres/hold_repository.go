package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

// HoldRepository stores registration holds. Capacity is never cached: it is
// recounted from pending and confirmed holds under the owner's row lock.
type HoldRepository struct {
	db
}

func NewHoldRepository(pool *pgxpool.Pool) *HoldRepository {
	return &HoldRepository{db: db{pool: pool}}
}

const holdColumns = `id, distance_id, pool_id, quantity, status, expires_at, buyer_user_id, extension_count, finalized_at, created_at, updated_at`

// zeroUUID sorts before every generated id; it seeds keyset paging.
const zeroUUID = "00000000-0000-0000-0000-000000000000"

func scanHold(row pgx.Row) (domain.Hold, error) {
	var h domain.Hold
	var poolID *string
	err := row.Scan(&h.ID, &h.DistanceID, &poolID, &h.Quantity, &h.Status, &h.ExpiresAt,
		&h.BuyerUserID, &h.ExtensionCount, &h.FinalizedAt, &h.CreatedAt, &h.UpdatedAt)
	if err != nil {
		return domain.Hold{}, err
	}
	h.PoolID = deref(poolID)
	return h, nil
}

// LockCapacityOwner locks the distance row and, for shared_pool distances,
// the pool row behind it. Locks are always taken in that order.
func (r *HoldRepository) LockCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error) {
	return r.capacityOwner(ctx, distanceID, true)
}

func (r *HoldRepository) GetCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error) {
	return r.capacityOwner(ctx, distanceID, false)
}

func (r *HoldRepository) capacityOwner(ctx context.Context, distanceID string, lock bool) (domain.CapacityOwner, error) {
	distanceQuery := `SELECT capacity, capacity_scope, pool_id FROM distances WHERE id = $1`
	poolQuery := `SELECT capacity FROM capacity_pools WHERE id = $1`
	if lock {
		distanceQuery += ` FOR UPDATE`
		poolQuery += ` FOR UPDATE`
	}

	owner := domain.CapacityOwner{DistanceID: distanceID}
	var scope domain.CapacityScope
	var poolID *string
	err := r.queryRow(ctx, distanceQuery, distanceID).Scan(&owner.Capacity, &scope, &poolID)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.CapacityOwner{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CapacityOwner{}, domain.ErrDistanceNotFound
		}
		return domain.CapacityOwner{}, fmt.Errorf("get distance: %w", err)
	}
	if scope != domain.CapacityScopeSharedPool {
		return owner, nil
	}

	owner.PoolID = deref(poolID)
	owner.Capacity = nil
	if err := r.queryRow(ctx, poolQuery, owner.PoolID).Scan(&owner.Capacity); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CapacityOwner{}, domain.ErrPoolNotFound
		}
		return domain.CapacityOwner{}, fmt.Errorf("get capacity pool: %w", err)
	}
	return owner, nil
}

func (r *HoldRepository) CountConsuming(ctx context.Context, owner domain.CapacityOwner) (int, error) {
	query := `
SELECT COALESCE(SUM(quantity), 0)
FROM registration_holds
WHERE distance_id = $1 AND status IN ('pending', 'confirmed')`
	key := owner.DistanceID
	if owner.Shared() {
		query = `
SELECT COALESCE(SUM(quantity), 0)
FROM registration_holds
WHERE pool_id = $1 AND status IN ('pending', 'confirmed')`
		key = owner.PoolID
	}

	var total int
	if err := r.queryRow(ctx, query, key).Scan(&total); err != nil {
		if isInvalidUUID(err) {
			return 0, domain.ErrInvalidID
		}
		return 0, fmt.Errorf("count consuming holds: %w", err)
	}
	return total, nil
}

func (r *HoldRepository) CreateHold(ctx context.Context, hold domain.Hold) error {
	const stmt = `
INSERT INTO registration_holds (id, distance_id, pool_id, quantity, status, expires_at, buyer_user_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.exec(ctx, stmt,
		hold.ID,
		hold.DistanceID,
		nullIfEmpty(hold.PoolID),
		hold.Quantity,
		hold.Status,
		hold.ExpiresAt,
		hold.BuyerUserID,
		hold.CreatedAt,
		hold.UpdatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrDistanceNotFound
		}
		return fmt.Errorf("create hold: %w", err)
	}
	return nil
}

func (r *HoldRepository) GetHold(ctx context.Context, id string) (domain.Hold, error) {
	return r.getHold(ctx, `SELECT `+holdColumns+` FROM registration_holds WHERE id = $1`, id)
}

func (r *HoldRepository) GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	return r.getHold(ctx, `SELECT `+holdColumns+` FROM registration_holds WHERE id = $1 FOR UPDATE`, id)
}

func (r *HoldRepository) getHold(ctx context.Context, query, id string) (domain.Hold, error) {
	h, err := scanHold(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Hold{}, domain.ErrInvalidID
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Hold{}, domain.ErrHoldNotFound
		}
		return domain.Hold{}, fmt.Errorf("get hold: %w", err)
	}
	return h, nil
}

// ReleaseHold cancels a pending hold. It reports false when the hold was not
// pending, which makes a second release a no-op.
func (r *HoldRepository) ReleaseHold(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE registration_holds
SET status = 'cancelled', updated_at = $2
WHERE id = $1 AND status = 'pending'`
	return r.guarded(ctx, "release hold", stmt, id, now)
}

func (r *HoldRepository) ConfirmHold(ctx context.Context, id, buyerUserID string, expiresAt *time.Time, now time.Time) (bool, error) {
	const stmt = `
UPDATE registration_holds
SET status = 'confirmed', buyer_user_id = $2, expires_at = $3, updated_at = $4
WHERE id = $1 AND status = 'pending'`
	return r.guarded(ctx, "confirm hold", stmt, id, buyerUserID, expiresAt, now)
}

func (r *HoldRepository) ExpireHold(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE registration_holds
SET status = 'expired', updated_at = $2
WHERE id = $1 AND status = 'pending' AND expires_at <= $2`
	return r.guarded(ctx, "expire hold", stmt, id, now)
}

// ExtendHold moves the deadline of a confirmed, unfinalized hold from prev to
// next. A deadline that changed since it was read loses the guard.
func (r *HoldRepository) ExtendHold(ctx context.Context, id string, prev, next time.Time, now time.Time) (bool, error) {
	const stmt = `
UPDATE registration_holds
SET expires_at = $3, extension_count = extension_count + 1, updated_at = $4
WHERE id = $1 AND status = 'confirmed' AND finalized_at IS NULL AND expires_at = $2`
	return r.guarded(ctx, "extend hold", stmt, id, prev, next, now)
}

func (r *HoldRepository) FinalizeHold(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE registration_holds
SET finalized_at = $2, expires_at = NULL, updated_at = $2
WHERE id = $1 AND status = 'confirmed' AND finalized_at IS NULL`
	return r.guarded(ctx, "finalize hold", stmt, id, now)
}

func (r *HoldRepository) guarded(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	tag, err := r.exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return false, domain.ErrInvalidID
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListOverdueHolds pages through pending holds past their deadline in id
// order, starting after afterID.
func (r *HoldRepository) ListOverdueHolds(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Hold, error) {
	const query = `
SELECT ` + holdColumns + `
FROM registration_holds
WHERE status = 'pending' AND expires_at <= $1 AND id > $2
ORDER BY id
LIMIT $3`
	if afterID == "" {
		afterID = zeroUUID
	}

	rows, err := r.query(ctx, query, now, afterID, limit)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list overdue holds: %w", err)
	}
	defer rows.Close()

	var holds []domain.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		holds = append(holds, h)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate holds: %w", rows.Err())
	}
	return holds, nil
}
