package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

// ExpiryService releases capacity held by abandoned invites and lets
// coordinators reissue expired ones.
type ExpiryService struct {
	holds    HoldRepository
	invites  InviteRepository
	batches  BatchRepository
	ledger   *Ledger
	tokens   ClaimTokens
	clock    clock.Clock
	logger   *slog.Logger
	pageSize int
}

const defaultSweepPageSize = 200

func NewExpiryService(
	holds HoldRepository,
	invites InviteRepository,
	batches BatchRepository,
	ledger *Ledger,
	tokens ClaimTokens,
	clk clock.Clock,
	opts ...ExpiryServiceOption,
) *ExpiryService {
	svc := &ExpiryService{
		holds:    holds,
		invites:  invites,
		batches:  batches,
		ledger:   ledger,
		tokens:   tokens,
		clock:    clk,
		logger:   slog.Default(),
		pageSize: defaultSweepPageSize,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type ExpiryServiceOption func(*ExpiryService)

func WithSweepPageSize(n int) ExpiryServiceOption {
	return func(s *ExpiryService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func WithExpiryLogger(logger *slog.Logger) ExpiryServiceOption {
	return func(s *ExpiryService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type SweepResult struct {
	HoldsExpired   int
	InvitesExpired int
	Failed         int
}

// Sweep expires every pending hold whose deadline has passed, each in its own
// transaction, together with its current draft or sent invite. Confirmed
// holds are never touched. Overlapping sweeps are safe: the pending guard
// lets exactly one of them expire a given hold.
func (s *ExpiryService) Sweep(ctx context.Context) (res SweepResult, err error) {
	ctx, span := tracer.Start(ctx, "expiry.sweep")
	defer func() { endSpan(span, err) }()

	now := s.clock.Now()
	after := ""
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		holds, err := s.holds.ListOverdueHolds(ctx, now, after, s.pageSize)
		if err != nil {
			return res, err
		}
		for _, h := range holds {
			holdExpired, inviteExpired, err := s.expireHold(ctx, h.ID, now)
			if err != nil {
				res.Failed++
				s.logger.Warn("expire hold", "hold_id", h.ID, "error", err)
				continue
			}
			if holdExpired {
				res.HoldsExpired++
			}
			if inviteExpired {
				res.InvitesExpired++
			}
		}
		if len(holds) < s.pageSize {
			break
		}
		after = holds[len(holds)-1].ID
	}

	span.SetAttributes(
		attribute.Int("sweep.holds_expired", res.HoldsExpired),
		attribute.Int("sweep.invites_expired", res.InvitesExpired),
	)
	if res.HoldsExpired > 0 || res.Failed > 0 {
		s.logger.Info("sweep finished", "holds_expired", res.HoldsExpired, "invites_expired", res.InvitesExpired, "failed", res.Failed)
	}
	return res, nil
}

func (s *ExpiryService) expireHold(ctx context.Context, holdID string, now time.Time) (holdExpired, inviteExpired bool, err error) {
	err = s.holds.WithTx(ctx, func(txCtx context.Context) error {
		ok, err := s.holds.ExpireHold(txCtx, holdID, now)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		holdExpired = true

		inv, err := s.invites.GetCurrentInviteByHold(txCtx, holdID)
		if err != nil {
			if errors.Is(err, domain.ErrInviteNotFound) {
				return nil
			}
			return err
		}
		if inv.Status.Terminal() {
			return nil
		}
		if err := inv.Expire(now); err != nil {
			return err
		}
		if err := s.invites.UpdateInvite(txCtx, &inv); err != nil {
			return err
		}
		inviteExpired = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	return holdExpired, inviteExpired, nil
}

// Reissue replaces an expired current invite with a new draft invite backed
// by a fresh reservation. When capacity is gone nothing is written and
// ErrCapacityExhausted is returned.
func (s *ExpiryService) Reissue(ctx context.Context, inviteID string) (inv domain.Invite, err error) {
	ctx, span := tracer.Start(ctx, "expiry.reissue")
	defer func() { endSpan(span, err) }()
	spanWithInvite(span, inviteID)

	if inviteID == "" {
		return domain.Invite{}, domain.ErrInvalidID
	}
	now := s.clock.Now()

	err = s.invites.WithTx(ctx, func(txCtx context.Context) error {
		old, err := s.invites.GetInvite(txCtx, inviteID)
		if err != nil {
			return err
		}
		if !old.IsCurrent {
			return domain.ErrInviteNotCurrent
		}
		if old.Status != domain.InviteStatusExpired {
			return domain.ErrInvalidTransition
		}

		row, err := s.batches.GetBatchRowForUpdate(txCtx, old.BatchRowID)
		if err != nil {
			return err
		}
		batch, err := s.batches.GetBatch(txCtx, old.BatchID)
		if err != nil {
			return err
		}
		if batch.Status == domain.BatchStatusCancelled {
			return domain.ErrBatchNotReservable
		}
		if err := guardEmail(txCtx, s.invites, old.EditionID, old.Email); err != nil {
			return err
		}

		hold, err := s.ledger.Reserve(txCtx, row.DistanceID, 1)
		if err != nil {
			return err
		}

		if err := old.Retire(now); err != nil {
			return err
		}
		if err := s.invites.UpdateInvite(txCtx, &old); err != nil {
			return err
		}

		next := newDraftInvite(s.tokens, inviteSource{
			BatchRowID: old.BatchRowID,
			BatchID:    old.BatchID,
			EditionID:  old.EditionID,
			Email:      old.Email,
		}, hold, now)
		if err := s.invites.CreateInvite(txCtx, next); err != nil {
			return err
		}
		if err := s.batches.SetRowHold(txCtx, row.ID, hold.ID, now); err != nil {
			return err
		}
		inv = next
		return nil
	})
	if err != nil {
		return domain.Invite{}, err
	}
	return inv, nil
}
