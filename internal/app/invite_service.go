package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sourcegraph/conc/pool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

type InviteRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateInvite(ctx context.Context, inv domain.Invite) error
	GetInvite(ctx context.Context, id string) (domain.Invite, error)
	GetInviteByTokenHash(ctx context.Context, tokenHash string) (domain.Invite, error)
	GetCurrentInviteByHold(ctx context.Context, holdID string) (domain.Invite, error)
	// UpdateInvite writes inv if its stored version still equals inv.Version
	// and bumps inv.Version. A lost guard yields ErrConcurrentModification.
	UpdateInvite(ctx context.Context, inv *domain.Invite) error
	ListCurrentInvitesByBatch(ctx context.Context, batchID string) ([]domain.Invite, error)
	CurrentInviteStatusesByEmail(ctx context.Context, editionID string, emails []string) (map[string][]domain.InviteStatus, error)
	// LockEmail serializes writers of one email within an edition until the
	// surrounding transaction ends.
	LockEmail(ctx context.Context, editionID, email string) error
}

// ClaimTokens derives the claim token bound to an invite id.
type ClaimTokens interface {
	DeriveClaimToken(inviteID string) string
}

//go:generate mockgen -destination=mocks/notifier_mock.go -package=mocks . Notifier

// Notifier delivers an invite to its recipient. Delivery retries belong to
// the implementation.
type Notifier interface {
	Send(ctx context.Context, inviteID, email string) error
}

type inviteSource struct {
	BatchRowID string
	BatchID    string
	EditionID  string
	Email      string
}

// guardEmail locks email within the edition and fails when another current
// invite for it is still open or already claimed. It must run inside the
// transaction that writes the invite.
func guardEmail(ctx context.Context, invites InviteRepository, editionID, email string) error {
	if err := invites.LockEmail(ctx, editionID, email); err != nil {
		return err
	}
	statuses, err := invites.CurrentInviteStatusesByEmail(ctx, editionID, []string{email})
	if err != nil {
		return err
	}
	switch editionConflict(statuses[email]) {
	case domain.RowFailureAlreadyRegistered:
		return domain.ErrAlreadyRegistered
	case domain.RowFailureExistingActiveInvite:
		return domain.ErrExistingActiveInvite
	}
	return nil
}

// newDraftInvite mints a current draft invite for hold. Only the hash and
// prefix of the derived claim token are kept.
func newDraftInvite(tokens ClaimTokens, src inviteSource, hold domain.Hold, now time.Time) domain.Invite {
	id := newUUID()
	minted := token.Mint(tokens.DeriveClaimToken(id))
	return domain.Invite{
		ID:          id,
		BatchRowID:  src.BatchRowID,
		BatchID:     src.BatchID,
		EditionID:   src.EditionID,
		HoldID:      hold.ID,
		Status:      domain.InviteStatusDraft,
		Email:       src.Email,
		TokenHash:   minted.Hash,
		TokenPrefix: minted.Prefix,
		ExpiresAt:   hold.ExpiresAt,
		IsCurrent:   true,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ExtendFrom picks the base a hold extension is added to.
type ExtendFrom string

const (
	ExtendFromNow      ExtendFrom = "now"
	ExtendFromDeadline ExtendFrom = "deadline"
)

type InviteService struct {
	invites  InviteRepository
	batches  BatchRepository
	holds    HoldRepository
	ledger   *Ledger
	tokens   ClaimTokens
	notifier Notifier
	clock    clock.Clock
	logger   *slog.Logger

	claimedHoldTTL    time.Duration
	holdExtension     time.Duration
	extendFrom        ExtendFrom
	maxExtensions     int
	resendCooldown    time.Duration
	releaseAttempts   uint
	releaseRetryDelay time.Duration
	notifyConcurrency int
}

const (
	defaultClaimedHoldTTL    = 48 * time.Hour
	defaultHoldExtension     = 24 * time.Hour
	defaultMaxExtensions     = 3
	defaultReleaseAttempts   = 5
	defaultReleaseRetryDelay = 50 * time.Millisecond
	defaultNotifyConcurrency = 8
)

func NewInviteService(
	invites InviteRepository,
	batches BatchRepository,
	holds HoldRepository,
	ledger *Ledger,
	tokens ClaimTokens,
	notifier Notifier,
	clk clock.Clock,
	opts ...InviteServiceOption,
) *InviteService {
	svc := &InviteService{
		invites:           invites,
		batches:           batches,
		holds:             holds,
		ledger:            ledger,
		tokens:            tokens,
		notifier:          notifier,
		clock:             clk,
		logger:            slog.Default(),
		claimedHoldTTL:    defaultClaimedHoldTTL,
		holdExtension:     defaultHoldExtension,
		extendFrom:        ExtendFromDeadline,
		maxExtensions:     defaultMaxExtensions,
		releaseAttempts:   defaultReleaseAttempts,
		releaseRetryDelay: defaultReleaseRetryDelay,
		notifyConcurrency: defaultNotifyConcurrency,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

type InviteServiceOption func(*InviteService)

func WithInviteLogger(logger *slog.Logger) InviteServiceOption {
	return func(s *InviteService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClaimedHoldTTL sets the deadline a hold gets when its invite is claimed.
// Zero clears the deadline on claim.
func WithClaimedHoldTTL(d time.Duration) InviteServiceOption {
	return func(s *InviteService) {
		if d >= 0 {
			s.claimedHoldTTL = d
		}
	}
}

func WithHoldExtension(d time.Duration, from ExtendFrom, maxExtensions int) InviteServiceOption {
	return func(s *InviteService) {
		if d > 0 {
			s.holdExtension = d
		}
		if from == ExtendFromNow || from == ExtendFromDeadline {
			s.extendFrom = from
		}
		if maxExtensions >= 0 {
			s.maxExtensions = maxExtensions
		}
	}
}

func WithResendCooldown(d time.Duration) InviteServiceOption {
	return func(s *InviteService) {
		if d >= 0 {
			s.resendCooldown = d
		}
	}
}

// WithReleaseRetry bounds how hard cancellation tries to release capacity.
func WithReleaseRetry(attempts uint, delay time.Duration) InviteServiceOption {
	return func(s *InviteService) {
		if attempts > 0 {
			s.releaseAttempts = attempts
		}
		if delay >= 0 {
			s.releaseRetryDelay = delay
		}
	}
}

func WithNotifyConcurrency(n int) InviteServiceOption {
	return func(s *InviteService) {
		if n > 0 {
			s.notifyConcurrency = n
		}
	}
}

func (s *InviteService) GetInvite(ctx context.Context, inviteID string) (domain.Invite, error) {
	if inviteID == "" {
		return domain.Invite{}, domain.ErrInvalidID
	}
	return s.invites.GetInvite(ctx, inviteID)
}

type SendResult struct {
	Sent         int
	Skipped      int
	NotifyFailed int
}

// SendBatch moves every current draft invite of the batch to sent and hands
// them to the notifier.
func (s *InviteService) SendBatch(ctx context.Context, batchID string) (SendResult, error) {
	if batchID == "" {
		return SendResult{}, domain.ErrInvalidID
	}
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return SendResult{}, err
	}
	if batch.Status == domain.BatchStatusCancelled {
		return SendResult{}, domain.ErrBatchNotReservable
	}

	invites, err := s.invites.ListCurrentInvitesByBatch(ctx, batchID)
	if err != nil {
		return SendResult{}, err
	}

	var res SendResult
	sent := make([]domain.Invite, 0, len(invites))
	for _, inv := range invites {
		if inv.Status != domain.InviteStatusDraft {
			res.Skipped++
			continue
		}
		if err := inv.Send(s.clock.Now()); err != nil {
			return res, err
		}
		if err := s.invites.UpdateInvite(ctx, &inv); err != nil {
			if errors.Is(err, domain.ErrConcurrentModification) {
				s.logger.Warn("invite changed while sending batch", "invite_id", inv.ID)
				res.Skipped++
				continue
			}
			return res, err
		}
		sent = append(sent, inv)
	}
	res.Sent = len(sent)
	res.NotifyFailed = s.notifyAll(ctx, sent)
	return res, nil
}

func (s *InviteService) notifyAll(ctx context.Context, invites []domain.Invite) int {
	var failed atomic.Int64
	p := pool.New().WithMaxGoroutines(s.notifyConcurrency)
	for _, inv := range invites {
		p.Go(func() {
			if err := s.notifier.Send(ctx, inv.ID, inv.Email); err != nil {
				failed.Add(1)
				s.logger.Warn("notify invite", "invite_id", inv.ID, "error", err)
			}
		})
	}
	p.Wait()
	return int(failed.Load())
}

// Resend sends a current draft or sent invite again.
func (s *InviteService) Resend(ctx context.Context, inviteID string) (domain.Invite, error) {
	inv, err := s.GetInvite(ctx, inviteID)
	if err != nil {
		return domain.Invite{}, err
	}
	if !inv.IsCurrent {
		return domain.Invite{}, domain.ErrInviteNotCurrent
	}
	now := s.clock.Now()
	if s.resendCooldown > 0 && inv.LastSentAt != nil && now.Before(inv.LastSentAt.Add(s.resendCooldown)) {
		return domain.Invite{}, domain.ErrResendTooSoon
	}
	if err := inv.Send(now); err != nil {
		return domain.Invite{}, err
	}
	if err := s.invites.UpdateInvite(ctx, &inv); err != nil {
		return domain.Invite{}, err
	}
	if err := s.notifier.Send(ctx, inv.ID, inv.Email); err != nil {
		s.logger.Warn("notify invite", "invite_id", inv.ID, "error", err)
	}
	return inv, nil
}

// Rotate replaces the current invite with a new draft invite carrying a new
// claim token. The hold and every capacity count stay as they are.
func (s *InviteService) Rotate(ctx context.Context, inviteID string) (domain.Invite, error) {
	if inviteID == "" {
		return domain.Invite{}, domain.ErrInvalidID
	}
	now := s.clock.Now()
	var rotated domain.Invite

	err := s.invites.WithTx(ctx, func(txCtx context.Context) error {
		old, err := s.invites.GetInvite(txCtx, inviteID)
		if err != nil {
			return err
		}
		if !old.IsCurrent {
			return domain.ErrInviteNotCurrent
		}
		if err := old.Supersede(now); err != nil {
			return err
		}
		// The old row must drop is_current before the new one is inserted.
		if err := s.invites.UpdateInvite(txCtx, &old); err != nil {
			return err
		}

		next := newDraftInvite(s.tokens, inviteSource{
			BatchRowID: old.BatchRowID,
			BatchID:    old.BatchID,
			EditionID:  old.EditionID,
			Email:      old.Email,
		}, domain.Hold{ID: old.HoldID, ExpiresAt: old.ExpiresAt}, now)
		if err := s.invites.CreateInvite(txCtx, next); err != nil {
			return err
		}
		rotated = next
		return nil
	})
	if err != nil {
		return domain.Invite{}, err
	}
	return rotated, nil
}

// UpdateEmail moves an open invite to another address. The new address must
// not already hold an open or claimed invite in the edition.
func (s *InviteService) UpdateEmail(ctx context.Context, inviteID, email string) (domain.Invite, error) {
	if inviteID == "" {
		return domain.Invite{}, domain.ErrInvalidID
	}
	now := s.clock.Now()
	var updated domain.Invite

	err := s.invites.WithTx(ctx, func(txCtx context.Context) error {
		inv, err := s.invites.GetInvite(txCtx, inviteID)
		if err != nil {
			return err
		}
		if !inv.IsCurrent {
			return domain.ErrInviteNotCurrent
		}
		previous := inv.Email
		if err := inv.UpdateEmail(email, now); err != nil {
			return err
		}
		if inv.Email != previous {
			if err := guardEmail(txCtx, s.invites, inv.EditionID, inv.Email); err != nil {
				return err
			}
		}
		if err := s.invites.UpdateInvite(txCtx, &inv); err != nil {
			return err
		}
		updated = inv
		return nil
	})
	if err != nil {
		return domain.Invite{}, err
	}
	return updated, nil
}

// Cancel cancels a draft or sent invite and releases its hold in the same
// transaction. Transient failures and lost guards are retried; success is
// only reported once the release committed.
func (s *InviteService) Cancel(ctx context.Context, inviteID string) error {
	if inviteID == "" {
		return domain.ErrInvalidID
	}
	return s.withReleaseRetry(ctx, func() error {
		return s.cancelOnce(ctx, inviteID)
	})
}

func (s *InviteService) withReleaseRetry(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(s.releaseAttempts),
		retry.Delay(s.releaseRetryDelay),
		retry.RetryIf(domain.Retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Warn("retrying invite cancellation", "attempt", n+1, "error", err)
		}),
	)
}

func (s *InviteService) cancelOnce(ctx context.Context, inviteID string) error {
	now := s.clock.Now()
	return s.invites.WithTx(ctx, func(txCtx context.Context) error {
		inv, err := s.invites.GetInvite(txCtx, inviteID)
		if err != nil {
			return err
		}
		// Hold before invite, the order claim and sweep lock in.
		if inv.HoldID != "" {
			if _, err := s.holds.GetHoldForUpdate(txCtx, inv.HoldID); err != nil {
				return err
			}
		}
		if err := inv.Cancel(now); err != nil {
			return err
		}
		if err := s.invites.UpdateInvite(txCtx, &inv); err != nil {
			return err
		}
		if inv.HoldID == "" {
			return nil
		}
		if _, err := s.ledger.Release(txCtx, inv.HoldID); err != nil {
			return fmt.Errorf("%w: %w", domain.ErrReleaseFailed, err)
		}
		return nil
	})
}

type CancelBatchResult struct {
	Cancelled int
	Untouched int
}

// CancelBatch cancels every draft or sent current invite of the batch and
// marks the batch cancelled. Claimed registrations are kept.
func (s *InviteService) CancelBatch(ctx context.Context, batchID string) (CancelBatchResult, error) {
	if batchID == "" {
		return CancelBatchResult{}, domain.ErrInvalidID
	}
	batch, err := s.batches.GetBatch(ctx, batchID)
	if err != nil {
		return CancelBatchResult{}, err
	}

	invites, err := s.invites.ListCurrentInvitesByBatch(ctx, batchID)
	if err != nil {
		return CancelBatchResult{}, err
	}

	var res CancelBatchResult
	for _, inv := range invites {
		if inv.Status.Terminal() {
			res.Untouched++
			continue
		}
		if err := s.Cancel(ctx, inv.ID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) {
				// Claimed or expired while we were iterating.
				res.Untouched++
				continue
			}
			return res, fmt.Errorf("cancel invite %s: %w", inv.ID, err)
		}
		res.Cancelled++
	}

	if batch.Status != domain.BatchStatusCancelled {
		if err := s.batches.UpdateBatchStatus(ctx, batchID, domain.BatchStatusCancelled, s.clock.Now()); err != nil {
			return res, err
		}
	}
	return res, nil
}

// Claim binds the invite behind claimToken to userID and confirms its hold.
// The returned registration id is the hold id.
func (s *InviteService) Claim(ctx context.Context, claimToken, userID string) (registrationID string, err error) {
	ctx, span := tracer.Start(ctx, "invite.claim")
	defer func() { endSpan(span, err) }()

	if claimToken == "" {
		return "", domain.ErrTokenInvalid
	}
	if userID == "" {
		return "", domain.ErrForbidden
	}

	now := s.clock.Now()
	hash := token.Hash(claimToken)

	err = s.invites.WithTx(ctx, func(txCtx context.Context) error {
		inv, err := s.invites.GetInviteByTokenHash(txCtx, hash)
		if err != nil {
			if errors.Is(err, domain.ErrInviteNotFound) {
				return domain.ErrTokenInvalid
			}
			return err
		}
		spanWithInvite(span, inv.ID)

		if err := inv.Claim(userID, now); err != nil {
			return err
		}

		hold, err := s.holds.GetHoldForUpdate(txCtx, inv.HoldID)
		if err != nil {
			return err
		}
		if hold.Status == domain.HoldStatusExpired || hold.Overdue(now) {
			return domain.ErrInviteExpired
		}
		if hold.Status != domain.HoldStatusPending {
			return domain.ErrConcurrentModification
		}

		var deadline *time.Time
		if s.claimedHoldTTL > 0 {
			d := now.Add(s.claimedHoldTTL)
			deadline = &d
		}
		if err := s.ledger.Confirm(txCtx, hold.ID, userID, deadline); err != nil {
			return err
		}
		if err := s.invites.UpdateInvite(txCtx, &inv); err != nil {
			return err
		}
		registrationID = hold.ID
		return nil
	})
	if err != nil {
		return "", err
	}
	return registrationID, nil
}

// ExtendHold pushes the deadline of a claimed, unfinalized registration.
func (s *InviteService) ExtendHold(ctx context.Context, inviteID string) (domain.Hold, error) {
	if inviteID == "" {
		return domain.Hold{}, domain.ErrInvalidID
	}
	now := s.clock.Now()
	var result domain.Hold

	err := s.invites.WithTx(ctx, func(txCtx context.Context) error {
		inv, err := s.invites.GetInvite(txCtx, inviteID)
		if err != nil {
			return err
		}
		if !inv.IsCurrent {
			return domain.ErrInviteNotCurrent
		}
		if inv.Status != domain.InviteStatusClaimed {
			return domain.ErrHoldNotExtendable
		}

		hold, err := s.holds.GetHoldForUpdate(txCtx, inv.HoldID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldStatusConfirmed {
			return domain.ErrHoldNotConfirmed
		}
		if hold.FinalizedAt != nil || hold.ExpiresAt == nil || !now.Before(*hold.ExpiresAt) {
			return domain.ErrHoldNotExtendable
		}
		if hold.ExtensionCount >= s.maxExtensions {
			return domain.ErrHoldExtensionLimit
		}

		prev := *hold.ExpiresAt
		base := prev
		if s.extendFrom == ExtendFromNow {
			base = now
		}
		next := base.Add(s.holdExtension)
		if !next.After(prev) {
			result = hold
			return nil
		}

		ok, err := s.holds.ExtendHold(txCtx, hold.ID, prev, next, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentModification
		}
		hold.ExpiresAt = &next
		hold.ExtensionCount++
		hold.UpdatedAt = now
		result = hold
		return nil
	})
	if err != nil {
		return domain.Hold{}, err
	}
	return result, nil
}

// FinalizeRegistration closes a confirmed registration: its deadline is
// cleared and it can no longer be extended. Finalizing twice is a no-op.
// An empty userID skips the buyer check.
func (s *InviteService) FinalizeRegistration(ctx context.Context, holdID, userID string) (domain.Hold, error) {
	if holdID == "" {
		return domain.Hold{}, domain.ErrInvalidID
	}
	now := s.clock.Now()
	var result domain.Hold

	err := s.holds.WithTx(ctx, func(txCtx context.Context) error {
		hold, err := s.holds.GetHoldForUpdate(txCtx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != domain.HoldStatusConfirmed {
			return domain.ErrHoldNotConfirmed
		}
		if userID != "" && hold.BuyerUserID != userID {
			return domain.ErrForbidden
		}
		if hold.FinalizedAt != nil {
			result = hold
			return nil
		}
		ok, err := s.holds.FinalizeHold(txCtx, holdID, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrConcurrentModification
		}
		hold.FinalizedAt = &now
		hold.ExpiresAt = nil
		hold.UpdatedAt = now
		result = hold
		return nil
	})
	if err != nil {
		return domain.Hold{}, err
	}
	return result, nil
}

// ClaimToken returns the claim token of a current, open invite so a
// coordinator can share the link by hand.
func (s *InviteService) ClaimToken(ctx context.Context, inviteID string) (string, domain.Invite, error) {
	inv, err := s.GetInvite(ctx, inviteID)
	if err != nil {
		return "", domain.Invite{}, err
	}
	if !inv.IsCurrent {
		return "", domain.Invite{}, domain.ErrInviteNotCurrent
	}
	if inv.Status.Terminal() {
		return "", domain.Invite{}, domain.ErrInvalidTransition
	}
	return s.tokens.DeriveClaimToken(inv.ID), inv, nil
}
