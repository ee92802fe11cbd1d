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

type LinkRepository struct {
	db
}

func NewLinkRepository(pool *pgxpool.Pool) *LinkRepository {
	return &LinkRepository{db: db{pool: pool}}
}

const linkColumns = `id, edition_id, token_hash, token_prefix, created_by, starts_at, ends_at,
	max_batches, max_invites, disabled, revoked_at, created_at`

func (r *LinkRepository) CreateLink(ctx context.Context, link domain.UploadLink) error {
	const stmt = `
INSERT INTO upload_links (id, edition_id, token_hash, token_prefix, created_by, starts_at, ends_at,
	max_batches, max_invites, disabled, revoked_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.exec(ctx, stmt,
		link.ID, link.EditionID, link.TokenHash, link.TokenPrefix, link.CreatedBy, link.StartsAt, link.EndsAt,
		link.MaxBatches, link.MaxInvites, link.Disabled, link.RevokedAt, link.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrEditionNotFound
		}
		if isUniqueViolation(err) {
			return domain.ErrConcurrentModification
		}
		return fmt.Errorf("create upload link: %w", err)
	}
	return nil
}

func (r *LinkRepository) GetLink(ctx context.Context, id string) (domain.UploadLink, error) {
	return r.getLink(ctx, `SELECT `+linkColumns+` FROM upload_links WHERE id = $1`, id)
}

// GetLinkForUpdate locks the link row. Batch creation and row reservation
// under one link serialize on it.
func (r *LinkRepository) GetLinkForUpdate(ctx context.Context, id string) (domain.UploadLink, error) {
	return r.getLink(ctx, `SELECT `+linkColumns+` FROM upload_links WHERE id = $1 FOR UPDATE`, id)
}

func (r *LinkRepository) GetLinkByTokenHash(ctx context.Context, tokenHash string) (domain.UploadLink, error) {
	return r.getLink(ctx, `SELECT `+linkColumns+` FROM upload_links WHERE token_hash = $1`, tokenHash)
}

func (r *LinkRepository) getLink(ctx context.Context, query, arg string) (domain.UploadLink, error) {
	var l domain.UploadLink
	err := r.queryRow(ctx, query, arg).Scan(
		&l.ID, &l.EditionID, &l.TokenHash, &l.TokenPrefix, &l.CreatedBy, &l.StartsAt, &l.EndsAt,
		&l.MaxBatches, &l.MaxInvites, &l.Disabled, &l.RevokedAt, &l.CreatedAt,
	)
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.UploadLink{}, domain.ErrLinkNotFound
		}
		return domain.UploadLink{}, fmt.Errorf("get upload link: %w", err)
	}
	return l, nil
}

// GetLinkUsage recounts batches created through the link and the rows under
// it whose current invite is not cancelled.
func (r *LinkRepository) GetLinkUsage(ctx context.Context, id string) (domain.LinkUsage, error) {
	const query = `
SELECT
	(SELECT COUNT(*) FROM batches WHERE upload_link_id = $1),
	(SELECT COUNT(DISTINCT i.batch_row_id)
	 FROM invites i
	 JOIN batches b ON b.id = i.batch_id
	 WHERE b.upload_link_id = $1 AND i.is_current AND i.status <> 'cancelled')`

	var usage domain.LinkUsage
	if err := r.queryRow(ctx, query, id).Scan(&usage.Batches, &usage.ActiveInvites); err != nil {
		if isInvalidUUID(err) {
			return domain.LinkUsage{}, domain.ErrLinkNotFound
		}
		return domain.LinkUsage{}, fmt.Errorf("get upload link usage: %w", err)
	}
	return usage, nil
}

// RevokeLink stamps revoked_at once; later calls keep the first timestamp.
func (r *LinkRepository) RevokeLink(ctx context.Context, id string, now time.Time) error {
	const stmt = `UPDATE upload_links SET revoked_at = COALESCE(revoked_at, $2) WHERE id = $1`
	return r.updateLink(ctx, "revoke upload link", stmt, id, now)
}

func (r *LinkRepository) SetLinkDisabled(ctx context.Context, id string, disabled bool, _ time.Time) error {
	const stmt = `UPDATE upload_links SET disabled = $2 WHERE id = $1`
	return r.updateLink(ctx, "disable upload link", stmt, id, disabled)
}

func (r *LinkRepository) updateLink(ctx context.Context, op, stmt string, args ...any) error {
	tag, err := r.exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrLinkNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrLinkNotFound
	}
	return nil
}
