package app

import (
	"context"
	"strings"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type AdminRepository interface {
	CreateEdition(ctx context.Context, edition domain.Edition) error
	ListEditions(ctx context.Context) ([]domain.Edition, error)
	CreatePool(ctx context.Context, pool domain.CapacityPool) error
	GetPool(ctx context.Context, id string) (domain.CapacityPool, error)
	CreateDistance(ctx context.Context, distance domain.Distance) error
	ListDistancesByEdition(ctx context.Context, editionID string) ([]domain.Distance, error)
}

type AdminService struct {
	repo   AdminRepository
	ledger *Ledger
	clock  clock.Clock
}

func NewAdminService(repo AdminRepository, ledger *Ledger, clk clock.Clock) *AdminService {
	return &AdminService{
		repo:   repo,
		ledger: ledger,
		clock:  clk,
	}
}

type CreateEditionInput struct {
	Name     string
	StartsAt *time.Time
}

func (s *AdminService) CreateEdition(ctx context.Context, in CreateEditionInput) (domain.Edition, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Edition{}, domain.ErrNameRequired
	}
	now := s.clock.Now()
	startsAt := now
	if in.StartsAt != nil {
		startsAt = *in.StartsAt
	}

	edition := domain.Edition{
		ID:        newUUID(),
		Name:      name,
		StartsAt:  startsAt,
		CreatedAt: now,
	}
	if err := s.repo.CreateEdition(ctx, edition); err != nil {
		return domain.Edition{}, err
	}
	return edition, nil
}

func (s *AdminService) ListEditions(ctx context.Context) ([]domain.Edition, error) {
	return s.repo.ListEditions(ctx)
}

type CreatePoolInput struct {
	EditionID string
	Name      string
	Capacity  *int
}

func (s *AdminService) CreatePool(ctx context.Context, in CreatePoolInput) (domain.CapacityPool, error) {
	if in.EditionID == "" {
		return domain.CapacityPool{}, domain.ErrInvalidID
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.CapacityPool{}, domain.ErrNameRequired
	}
	if in.Capacity != nil && *in.Capacity < 0 {
		return domain.CapacityPool{}, domain.ErrInvalidCapacity
	}

	pool := domain.CapacityPool{
		ID:        newUUID(),
		EditionID: in.EditionID,
		Name:      name,
		Capacity:  in.Capacity,
	}
	if err := s.repo.CreatePool(ctx, pool); err != nil {
		return domain.CapacityPool{}, err
	}
	return pool, nil
}

type CreateDistanceInput struct {
	EditionID string
	Name      string
	Capacity  *int
	Scope     domain.CapacityScope
	PoolID    string
}

// CreateDistance adds a distance. Shared-pool distances take their capacity
// from the pool, so their own capacity is not stored.
func (s *AdminService) CreateDistance(ctx context.Context, in CreateDistanceInput) (domain.Distance, error) {
	if in.EditionID == "" {
		return domain.Distance{}, domain.ErrInvalidID
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return domain.Distance{}, domain.ErrNameRequired
	}
	if in.Scope == "" {
		in.Scope = domain.CapacityScopeExclusive
	}
	if !in.Scope.Valid() {
		return domain.Distance{}, domain.ErrInvalidCapacityScope
	}

	distance := domain.Distance{
		ID:        newUUID(),
		EditionID: in.EditionID,
		Name:      name,
		Scope:     in.Scope,
	}

	switch in.Scope {
	case domain.CapacityScopeExclusive:
		if in.PoolID != "" {
			return domain.Distance{}, domain.ErrInvalidCapacityScope
		}
		if in.Capacity != nil && *in.Capacity < 0 {
			return domain.Distance{}, domain.ErrInvalidCapacity
		}
		distance.Capacity = in.Capacity
	case domain.CapacityScopeSharedPool:
		if in.PoolID == "" {
			return domain.Distance{}, domain.ErrInvalidCapacityScope
		}
		pool, err := s.repo.GetPool(ctx, in.PoolID)
		if err != nil {
			return domain.Distance{}, err
		}
		if pool.EditionID != in.EditionID {
			return domain.Distance{}, domain.ErrDistanceEditionMismatch
		}
		distance.PoolID = pool.ID
	}

	if err := s.repo.CreateDistance(ctx, distance); err != nil {
		return domain.Distance{}, err
	}
	return distance, nil
}

type DistanceView struct {
	Distance  domain.Distance
	Remaining *int
}

// ListDistances returns the distances of an edition with their free slots.
func (s *AdminService) ListDistances(ctx context.Context, editionID string) ([]DistanceView, error) {
	if editionID == "" {
		return nil, domain.ErrInvalidID
	}
	distances, err := s.repo.ListDistancesByEdition(ctx, editionID)
	if err != nil {
		return nil, err
	}
	views := make([]DistanceView, 0, len(distances))
	for _, d := range distances {
		remaining, err := s.ledger.Remaining(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		views = append(views, DistanceView{Distance: d, Remaining: remaining})
	}
	return views, nil
}
