package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

// Sweeper runs one expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) (app.SweepResult, error)
}

// ClaimTokenSource returns the claim token of a current, open invite.
type ClaimTokenSource interface {
	ClaimToken(ctx context.Context, inviteID string) (string, domain.Invite, error)
}

// InviteMessage is what a Mailer delivers. ClaimURL embeds the raw token and
// must not be logged.
type InviteMessage struct {
	InviteID    string
	Email       string
	ClaimURL    string
	TokenPrefix string
}

type Mailer interface {
	SendInvite(ctx context.Context, msg InviteMessage) error
}

type Handlers struct {
	sweeper      Sweeper
	invites      ClaimTokenSource
	mailer       Mailer
	claimBaseURL string
	logger       *slog.Logger
}

func NewHandlers(sweeper Sweeper, invites ClaimTokenSource, mailer Mailer, claimBaseURL string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		sweeper:      sweeper,
		invites:      invites,
		mailer:       mailer,
		claimBaseURL: claimBaseURL,
		logger:       logger,
	}
}

func (h *Handlers) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	res, err := h.sweeper.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	if res.HoldsExpired > 0 || res.Failed > 0 {
		h.logger.Info("sweep finished",
			"holds_expired", res.HoldsExpired,
			"invites_expired", res.InvitesExpired,
			"failed", res.Failed,
		)
	}
	return nil
}

// HandleSendInvite renders the claim link of a still-open invite and hands it
// to the mailer. Invites that were cancelled, rotated or claimed since the
// task was enqueued are dropped without retry.
func (h *Handlers) HandleSendInvite(ctx context.Context, t *asynq.Task) error {
	var payload SendInvitePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}

	raw, inv, err := h.invites.ClaimToken(ctx, payload.InviteID)
	if err != nil {
		if stale(err) {
			h.logger.Info("invite no longer deliverable", "invite_id", payload.InviteID, "reason", domain.CodeOf(err))
			return nil
		}
		return fmt.Errorf("load invite %s: %w", payload.InviteID, err)
	}

	msg := InviteMessage{
		InviteID:    inv.ID,
		Email:       inv.Email,
		ClaimURL:    token.ClaimURL(h.claimBaseURL, raw),
		TokenPrefix: inv.TokenPrefix,
	}
	if err := h.mailer.SendInvite(ctx, msg); err != nil {
		return fmt.Errorf("deliver invite %s: %w", inv.ID, err)
	}
	return nil
}

func stale(err error) bool {
	return errors.Is(err, domain.ErrInviteNotFound) ||
		errors.Is(err, domain.ErrInviteNotCurrent) ||
		errors.Is(err, domain.ErrInvalidTransition)
}

// LogMailer records deliveries in the log instead of sending mail. Only the
// token prefix is logged.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendInvite(_ context.Context, msg InviteMessage) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("invite delivered",
		"invite_id", msg.InviteID,
		"email", msg.Email,
		"token_prefix", msg.TokenPrefix,
	)
	return nil
}

// NewServeMux routes task types to their handlers.
func NewServeMux(h *Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeSweepHolds, h.HandleSweep)
	mux.HandleFunc(TypeSendInvite, h.HandleSendInvite)
	return mux
}
