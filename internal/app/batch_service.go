package app

import (
	"context"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type BatchRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateBatch(ctx context.Context, batch domain.Batch, rows []domain.BatchRow) error
	GetBatch(ctx context.Context, id string) (domain.Batch, error)
	UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus, now time.Time) error
	ListBatchRows(ctx context.Context, batchID string) ([]domain.BatchRow, error)
	GetBatchRowForUpdate(ctx context.Context, id string) (domain.BatchRow, error)
	SetRowHold(ctx context.Context, rowID, holdID string, now time.Time) error
	SetRowFailure(ctx context.Context, rowID, code string, now time.Time) error
}

// DistanceLister resolves the distances a roster row may pick.
type DistanceLister interface {
	ListDistancesByEdition(ctx context.Context, editionID string) ([]domain.Distance, error)
}

// BatchService stores rosters handed over by the row-validation step.
type BatchService struct {
	repo      BatchRepository
	distances DistanceLister
	links     *LinkService
	clock     clock.Clock
}

func NewBatchService(repo BatchRepository, distances DistanceLister, links *LinkService, clk clock.Clock) *BatchService {
	return &BatchService{
		repo:      repo,
		distances: distances,
		links:     links,
		clock:     clk,
	}
}

type RowInput struct {
	RowNumber        int
	Email            string
	FirstName        string
	LastName         string
	DistanceID       string
	ValidationErrors []string
}

type CreateBatchInput struct {
	EditionID string
	CreatedBy string
	// LinkToken is the raw upload link token when the roster arrives through
	// a shared link.
	LinkToken string
	Rows      []RowInput
}

type BatchView struct {
	Batch domain.Batch
	Rows  []domain.BatchRow
}

func (s *BatchService) CreateBatch(ctx context.Context, in CreateBatchInput) (BatchView, error) {
	if len(in.Rows) == 0 {
		return BatchView{}, domain.ErrBatchEmpty
	}

	var link domain.UploadLink
	if in.LinkToken != "" {
		resolved, err := s.links.ResolveLink(ctx, in.LinkToken)
		if err != nil {
			return BatchView{}, err
		}
		if in.EditionID == "" {
			in.EditionID = resolved.EditionID
		}
		if resolved.EditionID != in.EditionID {
			return BatchView{}, domain.ErrBatchEditionMismatch
		}
		link = resolved
	}
	if in.EditionID == "" {
		return BatchView{}, domain.ErrInvalidID
	}

	distances, err := s.distances.ListDistancesByEdition(ctx, in.EditionID)
	if err != nil {
		return BatchView{}, err
	}
	known := make(map[string]struct{}, len(distances))
	for _, d := range distances {
		known[d.ID] = struct{}{}
	}

	now := s.clock.Now()
	batch := domain.Batch{
		ID:           newUUID(),
		EditionID:    in.EditionID,
		UploadLinkID: link.ID,
		CreatedBy:    in.CreatedBy,
		Status:       domain.BatchStatusFailed,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	rows := make([]domain.BatchRow, 0, len(in.Rows))
	numbers := make(map[int]struct{}, len(in.Rows))
	for i, r := range in.Rows {
		row := domain.BatchRow{
			ID:               newUUID(),
			BatchID:          batch.ID,
			RowNumber:        r.RowNumber,
			RawEmail:         r.Email,
			FirstName:        r.FirstName,
			LastName:         r.LastName,
			DistanceID:       r.DistanceID,
			ValidationErrors: append([]string{}, r.ValidationErrors...),
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if row.RowNumber == 0 {
			row.RowNumber = i + 1
		}
		if _, dup := numbers[row.RowNumber]; dup {
			return BatchView{}, domain.ErrDuplicateRowNumber
		}
		numbers[row.RowNumber] = struct{}{}
		if email, err := domain.NormalizeEmail(r.Email); err != nil {
			row.ValidationErrors = appendCode(row.ValidationErrors, domain.RowValidationInvalidEmail)
		} else {
			row.Email = email
		}
		if _, ok := known[r.DistanceID]; !ok {
			row.ValidationErrors = appendCode(row.ValidationErrors, domain.RowValidationUnknownDistance)
		}
		if row.Valid() {
			batch.Status = domain.BatchStatusValidated
		}
		rows = append(rows, row)
	}

	err = s.repo.WithTx(ctx, func(txCtx context.Context) error {
		if link.ID != "" {
			if err := s.links.Admit(txCtx, link.ID, domain.LinkDemand{Batches: 1}); err != nil {
				return err
			}
		}
		return s.repo.CreateBatch(txCtx, batch, rows)
	})
	if err != nil {
		return BatchView{}, err
	}
	return BatchView{Batch: batch, Rows: rows}, nil
}

func (s *BatchService) GetBatch(ctx context.Context, batchID string) (BatchView, error) {
	if batchID == "" {
		return BatchView{}, domain.ErrInvalidID
	}
	batch, err := s.repo.GetBatch(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	rows, err := s.repo.ListBatchRows(ctx, batchID)
	if err != nil {
		return BatchView{}, err
	}
	return BatchView{Batch: batch, Rows: rows}, nil
}

func appendCode(codes []string, code string) []string {
	for _, c := range codes {
		if c == code {
			return codes
		}
	}
	return append(codes, code)
}
