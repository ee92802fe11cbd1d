package domain

// CapacityScope tells the ledger which counter a distance draws from.
type CapacityScope string

const (
	CapacityScopeExclusive  CapacityScope = "exclusive"
	CapacityScopeSharedPool CapacityScope = "shared_pool"
)

func (s CapacityScope) Valid() bool {
	return s == CapacityScopeExclusive || s == CapacityScopeSharedPool
}

// Distance is a bounded pool of slots for one race option of an edition.
// A nil Capacity means unlimited.
type Distance struct {
	ID        string
	EditionID string
	Name      string
	Capacity  *int
	Scope     CapacityScope
	PoolID    string
}

// CapacityPool is a counter shared by every shared_pool distance pointing at it.
type CapacityPool struct {
	ID        string
	EditionID string
	Name      string
	Capacity  *int
}

// CapacityOwner is the row a reservation locks and counts against: the
// distance itself, or its pool for shared_pool distances.
type CapacityOwner struct {
	DistanceID string
	PoolID     string
	Capacity   *int
}

// Shared reports whether the owner is a pool.
func (o CapacityOwner) Shared() bool {
	return o.PoolID != ""
}

// Available returns the free slots left given the consumed count, or nil when
// capacity is unlimited.
func (o CapacityOwner) Available(consumed int) *int {
	if o.Capacity == nil {
		return nil
	}
	free := *o.Capacity - consumed
	if free < 0 {
		free = 0
	}
	return &free
}
