package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type InviteRepository struct {
	db
}

func NewInviteRepository(pool *pgxpool.Pool) *InviteRepository {
	return &InviteRepository{db: db{pool: pool}}
}

const inviteColumns = `id, batch_row_id, batch_id, edition_id, hold_id, status, email, token_hash, token_prefix,
	send_count, last_sent_at, expires_at, is_current, claimed_by, claimed_at, cancelled_at, expired_at,
	version, created_at, updated_at`

func scanInvite(row pgx.Row) (domain.Invite, error) {
	var inv domain.Invite
	err := row.Scan(
		&inv.ID, &inv.BatchRowID, &inv.BatchID, &inv.EditionID, &inv.HoldID, &inv.Status, &inv.Email,
		&inv.TokenHash, &inv.TokenPrefix, &inv.SendCount, &inv.LastSentAt, &inv.ExpiresAt, &inv.IsCurrent,
		&inv.ClaimedBy, &inv.ClaimedAt, &inv.CancelledAt, &inv.ExpiredAt, &inv.Version,
		&inv.CreatedAt, &inv.UpdatedAt,
	)
	return inv, err
}

const activeEmailIndex = "invites_active_email_idx"

// inviteWriteError maps a unique violation on the active email index to
// ErrExistingActiveInvite and any other one to ErrConcurrentModification.
func inviteWriteError(err error) error {
	if constraintOf(err) == activeEmailIndex {
		return domain.ErrExistingActiveInvite
	}
	return domain.ErrConcurrentModification
}

// CreateInvite inserts inv. A second current invite for the same row, or a
// token hash collision, surfaces as ErrConcurrentModification; a second open
// or claimed invite for the email in the edition as ErrExistingActiveInvite.
func (r *InviteRepository) CreateInvite(ctx context.Context, inv domain.Invite) error {
	const stmt = `
INSERT INTO invites (id, batch_row_id, batch_id, edition_id, hold_id, status, email, token_hash, token_prefix,
	send_count, last_sent_at, expires_at, is_current, claimed_by, claimed_at, cancelled_at, expired_at,
	version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`

	_, err := r.exec(ctx, stmt,
		inv.ID, inv.BatchRowID, inv.BatchID, inv.EditionID, inv.HoldID, inv.Status, inv.Email,
		inv.TokenHash, inv.TokenPrefix, inv.SendCount, inv.LastSentAt, inv.ExpiresAt, inv.IsCurrent,
		inv.ClaimedBy, inv.ClaimedAt, inv.CancelledAt, inv.ExpiredAt, inv.Version,
		inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return inviteWriteError(err)
		}
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("create invite: %s: %w", constraintOf(err), domain.ErrBatchRowNotFound)
		}
		return fmt.Errorf("create invite: %w", err)
	}
	return nil
}

func (r *InviteRepository) GetInvite(ctx context.Context, id string) (domain.Invite, error) {
	return r.getInvite(ctx, `SELECT `+inviteColumns+` FROM invites WHERE id = $1`, id)
}

func (r *InviteRepository) GetInviteByTokenHash(ctx context.Context, tokenHash string) (domain.Invite, error) {
	return r.getInvite(ctx, `SELECT `+inviteColumns+` FROM invites WHERE token_hash = $1`, tokenHash)
}

func (r *InviteRepository) GetCurrentInviteByHold(ctx context.Context, holdID string) (domain.Invite, error) {
	return r.getInvite(ctx, `SELECT `+inviteColumns+` FROM invites WHERE hold_id = $1 AND is_current`, holdID)
}

func (r *InviteRepository) getInvite(ctx context.Context, query, arg string) (domain.Invite, error) {
	inv, err := scanInvite(r.queryRow(ctx, query, arg))
	if err != nil {
		if isInvalidUUID(err) {
			return domain.Invite{}, domain.ErrInviteNotFound
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Invite{}, domain.ErrInviteNotFound
		}
		return domain.Invite{}, fmt.Errorf("get invite: %w", err)
	}
	return inv, nil
}

// UpdateInvite writes the mutable fields of inv guarded by its version and
// bumps inv.Version on success.
func (r *InviteRepository) UpdateInvite(ctx context.Context, inv *domain.Invite) error {
	const stmt = `
UPDATE invites
SET status = $3, email = $4, send_count = $5, last_sent_at = $6, expires_at = $7, is_current = $8,
	claimed_by = $9, claimed_at = $10, cancelled_at = $11, expired_at = $12, updated_at = $13,
	version = version + 1
WHERE id = $1 AND version = $2`

	tag, err := r.exec(ctx, stmt,
		inv.ID, inv.Version, inv.Status, inv.Email, inv.SendCount, inv.LastSentAt, inv.ExpiresAt,
		inv.IsCurrent, inv.ClaimedBy, inv.ClaimedAt, inv.CancelledAt, inv.ExpiredAt, inv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return inviteWriteError(err)
		}
		if isInvalidUUID(err) {
			return domain.ErrInviteNotFound
		}
		return fmt.Errorf("update invite: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.queryRow(ctx, `SELECT EXISTS (SELECT 1 FROM invites WHERE id = $1)`, inv.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check invite: %w", err)
		}
		if !exists {
			return domain.ErrInviteNotFound
		}
		return domain.ErrConcurrentModification
	}
	inv.Version++
	return nil
}

func (r *InviteRepository) ListCurrentInvitesByBatch(ctx context.Context, batchID string) ([]domain.Invite, error) {
	const query = `
SELECT i.id, i.batch_row_id, i.batch_id, i.edition_id, i.hold_id, i.status, i.email, i.token_hash, i.token_prefix,
	i.send_count, i.last_sent_at, i.expires_at, i.is_current, i.claimed_by, i.claimed_at, i.cancelled_at, i.expired_at,
	i.version, i.created_at, i.updated_at
FROM invites i
JOIN batch_rows br ON br.id = i.batch_row_id
WHERE i.batch_id = $1 AND i.is_current
ORDER BY br.row_number`

	rows, err := r.query(ctx, query, batchID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var invites []domain.Invite
	for rows.Next() {
		inv, err := scanInvite(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invite: %w", err)
		}
		invites = append(invites, inv)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate invites: %w", rows.Err())
	}
	return invites, nil
}

// CurrentInviteStatusesByEmail returns, per normalized email, the statuses of
// the current invites for it across every batch of the edition.
func (r *InviteRepository) CurrentInviteStatusesByEmail(ctx context.Context, editionID string, emails []string) (map[string][]domain.InviteStatus, error) {
	out := make(map[string][]domain.InviteStatus)
	if len(emails) == 0 {
		return out, nil
	}

	const query = `
SELECT email, status
FROM invites
WHERE edition_id = $1 AND is_current AND email = ANY($2)`

	rows, err := r.query(ctx, query, editionID, emails)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("list invite statuses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var email string
		var status domain.InviteStatus
		if err := rows.Scan(&email, &status); err != nil {
			return nil, fmt.Errorf("scan invite status: %w", err)
		}
		out[email] = append(out[email], status)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate invite statuses: %w", rows.Err())
	}
	return out, nil
}

// LockEmail takes a transaction-scoped advisory lock keyed by edition and
// email. Outside a transaction the lock would be released at once, so that
// is an error.
func (r *InviteRepository) LockEmail(ctx context.Context, editionID, email string) error {
	if txFromContext(ctx) == nil {
		return errNoTx
	}
	const stmt = `SELECT pg_advisory_xact_lock(hashtextextended($1::text || '/' || $2::text, 0))`
	if _, err := r.exec(ctx, stmt, editionID, email); err != nil {
		return fmt.Errorf("lock invite email: %w", err)
	}
	return nil
}
