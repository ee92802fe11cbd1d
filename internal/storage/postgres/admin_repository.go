package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type AdminRepository struct {
	pool *pgxpool.Pool
}

func NewAdminRepository(pool *pgxpool.Pool) *AdminRepository {
	return &AdminRepository{pool: pool}
}

func (r *AdminRepository) CreateEdition(ctx context.Context, edition domain.Edition) error {
	const stmt = `
INSERT INTO editions (id, name, starts_at, created_at)
VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, stmt, edition.ID, edition.Name, edition.StartsAt, edition.CreatedAt)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		return fmt.Errorf("create edition: %w", err)
	}
	return nil
}

func (r *AdminRepository) ListEditions(ctx context.Context) ([]domain.Edition, error) {
	const query = `
SELECT id, name, starts_at, created_at
FROM editions
ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list editions: %w", err)
	}
	defer rows.Close()

	var editions []domain.Edition
	for rows.Next() {
		var edition domain.Edition
		if err := rows.Scan(&edition.ID, &edition.Name, &edition.StartsAt, &edition.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan edition: %w", err)
		}
		editions = append(editions, edition)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate editions: %w", rows.Err())
	}
	return editions, nil
}

func (r *AdminRepository) CreatePool(ctx context.Context, pool domain.CapacityPool) error {
	const stmt = `
INSERT INTO capacity_pools (id, edition_id, name, capacity)
VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, stmt, pool.ID, pool.EditionID, pool.Name, pool.Capacity)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			return domain.ErrEditionNotFound
		}
		return fmt.Errorf("create capacity pool: %w", err)
	}
	return nil
}

func (r *AdminRepository) GetPool(ctx context.Context, id string) (domain.CapacityPool, error) {
	const query = `SELECT id, edition_id, name, capacity FROM capacity_pools WHERE id = $1`
	var p domain.CapacityPool
	err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.EditionID, &p.Name, &p.Capacity)
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.CapacityPool{}, domain.ErrPoolNotFound
		}
		return domain.CapacityPool{}, fmt.Errorf("get capacity pool: %w", err)
	}
	return p, nil
}

func (r *AdminRepository) CreateDistance(ctx context.Context, distance domain.Distance) error {
	const stmt = `
INSERT INTO distances (id, edition_id, name, capacity, capacity_scope, pool_id)
VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, stmt,
		distance.ID, distance.EditionID, distance.Name, distance.Capacity, distance.Scope, nullIfEmpty(distance.PoolID),
	)
	if err != nil {
		if isInvalidUUID(err) {
			return domain.ErrInvalidID
		}
		if isForeignKeyViolation(err) {
			if constraintOf(err) == "distances_pool_id_fkey" {
				return domain.ErrPoolNotFound
			}
			return domain.ErrEditionNotFound
		}
		return fmt.Errorf("create distance: %w", err)
	}
	return nil
}

func (r *AdminRepository) ListDistancesByEdition(ctx context.Context, editionID string) ([]domain.Distance, error) {
	const existsQuery = `SELECT EXISTS (SELECT 1 FROM editions WHERE id = $1)`
	var exists bool
	if err := r.pool.QueryRow(ctx, existsQuery, editionID).Scan(&exists); err != nil {
		if isInvalidUUID(err) {
			return nil, domain.ErrInvalidID
		}
		return nil, fmt.Errorf("check edition: %w", err)
	}
	if !exists {
		return nil, domain.ErrEditionNotFound
	}

	const query = `
SELECT id, edition_id, name, capacity, capacity_scope, pool_id
FROM distances
WHERE edition_id = $1
ORDER BY created_at ASC`
	rows, err := r.pool.Query(ctx, query, editionID)
	if err != nil {
		return nil, fmt.Errorf("list distances: %w", err)
	}
	defer rows.Close()

	var distances []domain.Distance
	for rows.Next() {
		var d domain.Distance
		var poolID *string
		if err := rows.Scan(&d.ID, &d.EditionID, &d.Name, &d.Capacity, &d.Scope, &poolID); err != nil {
			return nil, fmt.Errorf("scan distance: %w", err)
		}
		d.PoolID = deref(poolID)
		distances = append(distances, d)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate distances: %w", rows.Err())
	}
	return distances, nil
}
