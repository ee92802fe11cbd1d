package app

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type RowOutcomeStatus string

const (
	RowReserved RowOutcomeStatus = "reserved"
	RowFailed   RowOutcomeStatus = "failed"
	RowInvalid  RowOutcomeStatus = "invalid"
	RowSkipped  RowOutcomeStatus = "skipped"
)

type RowOutcome struct {
	RowID     string
	RowNumber int
	Status    RowOutcomeStatus
	// Code is a row failure code, or ROW_VALIDATION_FAILED for invalid rows.
	Code            string
	ValidationCodes []string
	HoldID          string
	InviteID        string
}

// ReservationResult summarizes one orchestrator call. Invalid and skipped
// rows are reported but not counted as processed.
type ReservationResult struct {
	Processed int
	Succeeded int
	Failed    int
	Remaining int
	Invalid   int
	Skipped   int
	Outcomes  []RowOutcome
}

// ReservationService turns validated roster rows into holds and draft invites.
// Every row is reserved in its own transaction, so one failing row never
// aborts the batch and reruns only touch rows without a registration.
type ReservationService struct {
	batches   BatchRepository
	invites   InviteRepository
	links     *LinkService
	ledger    *Ledger
	tokens    ClaimTokens
	clock     clock.Clock
	logger    *slog.Logger
	chunkSize int
}

const defaultReserveChunkSize = 500

func NewReservationService(
	batches BatchRepository,
	invites InviteRepository,
	links *LinkService,
	ledger *Ledger,
	tokens ClaimTokens,
	clk clock.Clock,
	opts ...ReservationServiceOption,
) *ReservationService {
	svc := &ReservationService{
		batches:   batches,
		invites:   invites,
		links:     links,
		ledger:    ledger,
		tokens:    tokens,
		clock:     clk,
		logger:    slog.Default(),
		chunkSize: defaultReserveChunkSize,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ReservationServiceOption func(*ReservationService)

// WithReserveChunkSize bounds the rows attempted per call.
func WithReserveChunkSize(n int) ReservationServiceOption {
	return func(s *ReservationService) {
		if n > 0 {
			s.chunkSize = n
		}
	}
}

func WithReservationLogger(logger *slog.Logger) ReservationServiceOption {
	return func(s *ReservationService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func (s *ReservationService) ReserveInvitesForBatch(ctx context.Context, batchID string) (res ReservationResult, err error) {
	ctx, span := tracer.Start(ctx, "reservation.reserve_batch", trace.WithAttributes(attribute.String("batch.id", batchID)))
	defer func() { endSpan(span, err) }()

	if batchID == "" {
		return ReservationResult{}, domain.ErrInvalidID
	}
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return ReservationResult{}, err
	}
	if !batch.Status.Reservable() {
		return ReservationResult{}, domain.ErrBatchNotReservable
	}
	rows, err := s.batches.ListBatchRows(ctx, batchID)
	if err != nil {
		return ReservationResult{}, err
	}

	candidates, dupes := s.screenRows(rows, &res)

	eligible, conflicts, err := s.dedupAgainstEdition(ctx, batch.EditionID, candidates)
	if err != nil {
		return ReservationResult{}, err
	}

	chunk := eligible
	if len(chunk) > s.chunkSize {
		chunk = eligible[:s.chunkSize]
	}
	res.Remaining = len(eligible) - len(chunk)

	if batch.UploadLinkID != "" && len(chunk) > 0 {
		if err := s.links.Check(ctx, batch.UploadLinkID, domain.LinkDemand{Invites: len(chunk)}); err != nil {
			return ReservationResult{}, err
		}
	}

	for _, f := range append(dupes, conflicts...) {
		s.recordFailure(ctx, &res, f.row, f.code)
	}

	for i, row := range chunk {
		if ctx.Err() != nil {
			res.Remaining += len(chunk) - i
			break
		}
		out, err := s.reserveRow(ctx, batch, row)
		switch {
		case err == nil:
			if out.Status == RowSkipped {
				res.Skipped++
			} else {
				res.Processed++
				res.Succeeded++
			}
			res.Outcomes = append(res.Outcomes, out)
		case errors.Is(err, domain.ErrBatchNotReservable):
			// Cancelled underneath us.
			res.Remaining += len(chunk) - i
			return res, err
		default:
			s.recordFailure(ctx, &res, row, rowFailureCode(err))
			if domain.CodeOf(err) == domain.CodeInternal {
				s.logger.Error("reserve batch row", "batch_id", batch.ID, "row_id", row.ID, "error", err)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("reservation.succeeded", res.Succeeded),
		attribute.Int("reservation.failed", res.Failed),
		attribute.Int("reservation.remaining", res.Remaining),
	)

	if res.Remaining == 0 && batch.Status != domain.BatchStatusProcessed {
		if err := s.batches.UpdateBatchStatus(ctx, batch.ID, domain.BatchStatusProcessed, s.clock.Now()); err != nil {
			return res, err
		}
	}
	return res, nil
}

type rowFailure struct {
	row  domain.BatchRow
	code string
}

// screenRows drops invalid and already registered rows and applies in-file
// email dedup. The first occurrence of an email wins.
func (s *ReservationService) screenRows(rows []domain.BatchRow, res *ReservationResult) ([]domain.BatchRow, []rowFailure) {
	seen := make(map[string]struct{}, len(rows))
	var candidates []domain.BatchRow
	var dupes []rowFailure

	for _, row := range rows {
		if !row.Valid() {
			res.Invalid++
			res.Outcomes = append(res.Outcomes, RowOutcome{
				RowID:           row.ID,
				RowNumber:       row.RowNumber,
				Status:          RowInvalid,
				Code:            string(domain.CodeRowValidationFailed),
				ValidationCodes: row.ValidationErrors,
			})
			continue
		}
		if _, dup := seen[row.Email]; dup && !row.Registered() {
			dupes = append(dupes, rowFailure{row: row, code: domain.RowFailureDuplicateEmailInFile})
			continue
		}
		seen[row.Email] = struct{}{}
		if row.Registered() {
			res.Skipped++
			continue
		}
		candidates = append(candidates, row)
	}
	return candidates, dupes
}

func (s *ReservationService) dedupAgainstEdition(ctx context.Context, editionID string, rows []domain.BatchRow) ([]domain.BatchRow, []rowFailure, error) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	emails := make([]string, 0, len(rows))
	for _, row := range rows {
		emails = append(emails, row.Email)
	}
	statuses, err := s.invites.CurrentInviteStatusesByEmail(ctx, editionID, emails)
	if err != nil {
		return nil, nil, err
	}

	var eligible []domain.BatchRow
	var conflicts []rowFailure
	for _, row := range rows {
		if code := editionConflict(statuses[row.Email]); code != "" {
			conflicts = append(conflicts, rowFailure{row: row, code: code})
			continue
		}
		eligible = append(eligible, row)
	}
	return eligible, conflicts, nil
}

func editionConflict(statuses []domain.InviteStatus) string {
	code := ""
	for _, st := range statuses {
		switch st {
		case domain.InviteStatusClaimed:
			return domain.RowFailureAlreadyRegistered
		case domain.InviteStatusDraft, domain.InviteStatusSent:
			code = domain.RowFailureExistingActiveInvite
		}
	}
	return code
}

func (s *ReservationService) reserveRow(ctx context.Context, batch domain.Batch, row domain.BatchRow) (RowOutcome, error) {
	out := RowOutcome{RowID: row.ID, RowNumber: row.RowNumber}
	now := s.clock.Now()

	err := s.batches.WithTx(ctx, func(txCtx context.Context) error {
		locked, err := s.batches.GetBatchRowForUpdate(txCtx, row.ID)
		if err != nil {
			return err
		}
		if locked.Registered() {
			out.Status = RowSkipped
			out.HoldID = locked.HoldID
			return nil
		}
		current, err := s.batches.GetBatch(txCtx, batch.ID)
		if err != nil {
			return err
		}
		if !current.Status.Reservable() {
			return domain.ErrBatchNotReservable
		}
		if batch.UploadLinkID != "" {
			if err := s.links.Admit(txCtx, batch.UploadLinkID, domain.LinkDemand{Invites: 1}); err != nil {
				return err
			}
		}
		// The edition dedup above ran before this transaction; repeat it
		// under the email lock so a concurrent batch cannot slip in.
		if err := guardEmail(txCtx, s.invites, batch.EditionID, locked.Email); err != nil {
			return err
		}

		hold, err := s.ledger.Reserve(txCtx, locked.DistanceID, 1)
		if err != nil {
			return err
		}
		inv := newDraftInvite(s.tokens, inviteSource{
			BatchRowID: locked.ID,
			BatchID:    batch.ID,
			EditionID:  batch.EditionID,
			Email:      locked.Email,
		}, hold, now)
		if err := s.invites.CreateInvite(txCtx, inv); err != nil {
			return err
		}
		if err := s.batches.SetRowHold(txCtx, locked.ID, hold.ID, now); err != nil {
			return err
		}

		out.Status = RowReserved
		out.HoldID = hold.ID
		out.InviteID = inv.ID
		return nil
	})
	return out, err
}

func (s *ReservationService) recordFailure(ctx context.Context, res *ReservationResult, row domain.BatchRow, code string) {
	res.Processed++
	res.Failed++
	res.Outcomes = append(res.Outcomes, RowOutcome{
		RowID:     row.ID,
		RowNumber: row.RowNumber,
		Status:    RowFailed,
		Code:      code,
	})
	if err := s.batches.SetRowFailure(ctx, row.ID, code, s.clock.Now()); err != nil {
		s.logger.Error("record row failure", "row_id", row.ID, "code", code, "error", err)
	}
}

func rowFailureCode(err error) string {
	switch code := domain.CodeOf(err); code {
	case domain.CodeCapacityExhausted:
		return domain.RowFailureSoldOut
	case domain.CodeLinkMaxedOut:
		return domain.RowFailureLinkMaxedOut
	case domain.CodeExistingActiveInvite:
		return domain.RowFailureExistingActiveInvite
	case domain.CodeAlreadyRegistered:
		return domain.RowFailureAlreadyRegistered
	case domain.CodeInternal:
		return domain.RowFailureInternal
	default:
		return string(code)
	}
}
