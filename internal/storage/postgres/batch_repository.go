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

type BatchRepository struct {
	db
}

func NewBatchRepository(pool *pgxpool.Pool) *BatchRepository {
	return &BatchRepository{db: db{pool: pool}}
}

// CreateBatch stores the batch and its rows in one transaction.
func (r *BatchRepository) CreateBatch(ctx context.Context, batch domain.Batch, rows []domain.BatchRow) error {
	const batchStmt = `
INSERT INTO batches (id, edition_id, upload_link_id, created_by, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	const rowStmt = `
INSERT INTO batch_rows (id, batch_id, row_number, raw_email, email, first_name, last_name, distance_id,
	validation_errors, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	return r.WithTx(ctx, func(txCtx context.Context) error {
		_, err := r.exec(txCtx, batchStmt,
			batch.ID, batch.EditionID, nullIfEmpty(batch.UploadLinkID), batch.CreatedBy, batch.Status,
			batch.CreatedAt, batch.UpdatedAt,
		)
		if err != nil {
			if isInvalidUUID(err) {
				return domain.ErrInvalidID
			}
			if isForeignKeyViolation(err) {
				if constraintOf(err) == "batches_upload_link_id_fkey" {
					return domain.ErrLinkNotFound
				}
				return domain.ErrEditionNotFound
			}
			return fmt.Errorf("create batch: %w", err)
		}

		b := &pgx.Batch{}
		for _, row := range rows {
			codes := row.ValidationErrors
			if codes == nil {
				codes = []string{}
			}
			b.Queue(rowStmt,
				row.ID, row.BatchID, row.RowNumber, row.RawEmail, row.Email, row.FirstName, row.LastName,
				row.DistanceID, codes, row.CreatedAt, row.UpdatedAt,
			)
		}
		results := r.sendBatch(txCtx, b)
		for range rows {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				if isUniqueViolation(err) {
					return domain.ErrDuplicateRowNumber
				}
				return fmt.Errorf("create batch row: %w", err)
			}
		}
		if err := results.Close(); err != nil {
			return fmt.Errorf("create batch rows: %w", err)
		}
		return nil
	})
}

func (r *BatchRepository) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	const query = `
SELECT id, edition_id, upload_link_id, created_by, status, created_at, updated_at
FROM batches
WHERE id = $1`

	var b domain.Batch
	var linkID *string
	err := r.queryRow(ctx, query, id).
		Scan(&b.ID, &b.EditionID, &linkID, &b.CreatedBy, &b.Status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.Batch{}, domain.ErrBatchNotFound
		}
		return domain.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	b.UploadLinkID = deref(linkID)
	return b, nil
}

func (r *BatchRepository) UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus, now time.Time) error {
	const stmt = `UPDATE batches SET status = $2, updated_at = $3 WHERE id = $1`
	tag, err := r.exec(ctx, stmt, id, status, now)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrBatchNotFound
		}
		return fmt.Errorf("update batch status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBatchNotFound
	}
	return nil
}

const batchRowColumns = `id, batch_id, row_number, raw_email, email, first_name, last_name, distance_id,
	validation_errors, hold_id, failure_code, created_at, updated_at`

func scanBatchRow(row pgx.Row) (domain.BatchRow, error) {
	var br domain.BatchRow
	var holdID *string
	err := row.Scan(&br.ID, &br.BatchID, &br.RowNumber, &br.RawEmail, &br.Email, &br.FirstName, &br.LastName,
		&br.DistanceID, &br.ValidationErrors, &holdID, &br.FailureCode, &br.CreatedAt, &br.UpdatedAt)
	if err != nil {
		return domain.BatchRow{}, err
	}
	br.HoldID = deref(holdID)
	if len(br.ValidationErrors) == 0 {
		br.ValidationErrors = nil
	}
	return br, nil
}

func (r *BatchRepository) ListBatchRows(ctx context.Context, batchID string) ([]domain.BatchRow, error) {
	query := `SELECT ` + batchRowColumns + ` FROM batch_rows WHERE batch_id = $1 ORDER BY row_number`
	rows, err := r.query(ctx, query, batchID)
	if err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("list batch rows: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchRow
	for rows.Next() {
		br, err := scanBatchRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch row: %w", err)
		}
		out = append(out, br)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate batch rows: %w", rows.Err())
	}
	return out, nil
}

// GetBatchRowForUpdate locks the row so reservation reruns and reissues of the
// same row serialize.
func (r *BatchRepository) GetBatchRowForUpdate(ctx context.Context, id string) (domain.BatchRow, error) {
	query := `SELECT ` + batchRowColumns + ` FROM batch_rows WHERE id = $1 FOR UPDATE`
	br, err := scanBatchRow(r.queryRow(ctx, query, id))
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchRow{}, domain.ErrBatchRowNotFound
		}
		return domain.BatchRow{}, fmt.Errorf("get batch row: %w", err)
	}
	return br, nil
}

func (r *BatchRepository) SetRowHold(ctx context.Context, rowID, holdID string, now time.Time) error {
	const stmt = `UPDATE batch_rows SET hold_id = $2, failure_code = '', updated_at = $3 WHERE id = $1`
	return r.updateRow(ctx, "set row hold", stmt, rowID, holdID, now)
}

func (r *BatchRepository) SetRowFailure(ctx context.Context, rowID, code string, now time.Time) error {
	const stmt = `UPDATE batch_rows SET failure_code = $2, updated_at = $3 WHERE id = $1`
	return r.updateRow(ctx, "set row failure", stmt, rowID, code, now)
}

func (r *BatchRepository) updateRow(ctx context.Context, op, stmt string, args ...any) error {
	tag, err := r.exec(ctx, stmt, args...)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrBatchRowNotFound
		}
		if isForeignKeyViolation(err) {
			return domain.ErrHoldNotFound
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrBatchRowNotFound
	}
	return nil
}
