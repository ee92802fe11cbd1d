package app

import (
	"context"
	"errors"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

type LinkRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateLink(ctx context.Context, link domain.UploadLink) error
	GetLink(ctx context.Context, id string) (domain.UploadLink, error)
	GetLinkForUpdate(ctx context.Context, id string) (domain.UploadLink, error)
	GetLinkByTokenHash(ctx context.Context, tokenHash string) (domain.UploadLink, error)
	GetLinkUsage(ctx context.Context, id string) (domain.LinkUsage, error)
	RevokeLink(ctx context.Context, id string, now time.Time) error
	SetLinkDisabled(ctx context.Context, id string, disabled bool, now time.Time) error
}

// TokenGenerator mints fresh opaque tokens.
type TokenGenerator interface {
	Generate() (string, error)
}

type LinkService struct {
	repo   LinkRepository
	tokens TokenGenerator
	clock  clock.Clock
}

func NewLinkService(repo LinkRepository, tokens TokenGenerator, clk clock.Clock) *LinkService {
	return &LinkService{
		repo:   repo,
		tokens: tokens,
		clock:  clk,
	}
}

type CreateLinkInput struct {
	EditionID  string
	CreatedBy  string
	StartsAt   *time.Time
	EndsAt     *time.Time
	MaxBatches *int
	MaxInvites *int
}

// CreateLink stores a new upload link and returns its raw token. The raw
// token is not recoverable afterwards.
func (s *LinkService) CreateLink(ctx context.Context, in CreateLinkInput) (domain.UploadLink, string, error) {
	if in.EditionID == "" {
		return domain.UploadLink{}, "", domain.ErrInvalidID
	}
	if err := domain.ValidateLinkSettings(in.StartsAt, in.EndsAt, in.MaxBatches, in.MaxInvites); err != nil {
		return domain.UploadLink{}, "", err
	}

	raw, err := s.tokens.Generate()
	if err != nil {
		return domain.UploadLink{}, "", err
	}
	minted := token.Mint(raw)

	link := domain.UploadLink{
		ID:          newUUID(),
		EditionID:   in.EditionID,
		TokenHash:   minted.Hash,
		TokenPrefix: minted.Prefix,
		CreatedBy:   in.CreatedBy,
		StartsAt:    in.StartsAt,
		EndsAt:      in.EndsAt,
		MaxBatches:  in.MaxBatches,
		MaxInvites:  in.MaxInvites,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.repo.CreateLink(ctx, link); err != nil {
		return domain.UploadLink{}, "", err
	}
	return link, raw, nil
}

type LinkReport struct {
	Link   domain.UploadLink
	Usage  domain.LinkUsage
	Status domain.LinkStatus
}

// Status recomputes usage and evaluates the link as of now.
func (s *LinkService) Status(ctx context.Context, linkID string) (LinkReport, error) {
	if linkID == "" {
		return LinkReport{}, domain.ErrInvalidID
	}
	link, err := s.repo.GetLink(ctx, linkID)
	if err != nil {
		return LinkReport{}, err
	}
	usage, err := s.repo.GetLinkUsage(ctx, linkID)
	if err != nil {
		return LinkReport{}, err
	}
	return LinkReport{
		Link:   link,
		Usage:  usage,
		Status: domain.CheckLinkUsable(link, usage, s.clock.Now(), domain.LinkDemand{}),
	}, nil
}

// ResolveLink finds the link behind a raw token.
func (s *LinkService) ResolveLink(ctx context.Context, rawToken string) (domain.UploadLink, error) {
	if rawToken == "" {
		return domain.UploadLink{}, domain.ErrLinkNotFound
	}
	return s.repo.GetLinkByTokenHash(ctx, token.Hash(rawToken))
}

// Check evaluates demand against the link without locking it.
func (s *LinkService) Check(ctx context.Context, linkID string, demand domain.LinkDemand) error {
	link, err := s.repo.GetLink(ctx, linkID)
	if err != nil {
		return err
	}
	usage, err := s.repo.GetLinkUsage(ctx, linkID)
	if err != nil {
		return err
	}
	return domain.CheckLinkUsable(link, usage, s.clock.Now(), demand).Err()
}

// Admit evaluates demand under the link's row lock. Callers run it inside the
// transaction that creates the demanded batches or invites, so concurrent
// admissions under one link serialize.
func (s *LinkService) Admit(ctx context.Context, linkID string, demand domain.LinkDemand) error {
	return s.repo.WithTx(ctx, func(txCtx context.Context) error {
		link, err := s.repo.GetLinkForUpdate(txCtx, linkID)
		if err != nil {
			return err
		}
		usage, err := s.repo.GetLinkUsage(txCtx, linkID)
		if err != nil {
			return err
		}
		return domain.CheckLinkUsable(link, usage, s.clock.Now(), demand).Err()
	})
}

func (s *LinkService) Revoke(ctx context.Context, linkID string) (LinkReport, error) {
	if linkID == "" {
		return LinkReport{}, domain.ErrInvalidID
	}
	err := s.repo.RevokeLink(ctx, linkID, s.clock.Now())
	if err != nil && !errors.Is(err, domain.ErrLinkRevoked) {
		return LinkReport{}, err
	}
	return s.Status(ctx, linkID)
}

func (s *LinkService) SetDisabled(ctx context.Context, linkID string, disabled bool) (LinkReport, error) {
	if linkID == "" {
		return LinkReport{}, domain.ErrInvalidID
	}
	if err := s.repo.SetLinkDisabled(ctx, linkID, disabled, s.clock.Now()); err != nil {
		return LinkReport{}, err
	}
	return s.Status(ctx, linkID)
}
