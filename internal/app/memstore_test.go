package app

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

type memTxKey struct{}

type memState struct {
	editions  map[string]domain.Edition
	pools     map[string]domain.CapacityPool
	distances map[string]domain.Distance
	holds     map[string]domain.Hold
	invites   map[string]domain.Invite
	batches   map[string]domain.Batch
	rows      map[string]domain.BatchRow
	links     map[string]domain.UploadLink
}

func (st memState) clone() memState {
	return memState{
		editions:  maps.Clone(st.editions),
		pools:     maps.Clone(st.pools),
		distances: maps.Clone(st.distances),
		holds:     maps.Clone(st.holds),
		invites:   maps.Clone(st.invites),
		batches:   maps.Clone(st.batches),
		rows:      maps.Clone(st.rows),
		links:     maps.Clone(st.links),
	}
}

// memStore implements every repository over maps. WithTx serializes
// transactions and rolls state back when fn fails.
type memStore struct {
	mu sync.Mutex
	memState

	// failures are consumed one per call of the named method and survive
	// rollbacks.
	failures map[string][]error

	// lockTrace records row and advisory locks in the order taken.
	lockTrace []string
}

func newMemStore() *memStore {
	return &memStore{
		memState: memState{
			editions:  map[string]domain.Edition{},
			pools:     map[string]domain.CapacityPool{},
			distances: map[string]domain.Distance{},
			holds:     map[string]domain.Hold{},
			invites:   map[string]domain.Invite{},
			batches:   map[string]domain.Batch{},
			rows:      map[string]domain.BatchRow{},
			links:     map[string]domain.UploadLink{},
		},
		failures: map[string][]error{},
	}
}

func (s *memStore) failNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], errs...)
}

func (s *memStore) fail(method string) error {
	errs := s.failures[method]
	if len(errs) == 0 {
		return nil
	}
	s.failures[method] = errs[1:]
	return errs[0]
}

func (s *memStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.memState.clone()
	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.memState = snap
		return err
	}
	return nil
}

func (s *memStore) lock(ctx context.Context) func() {
	if ctx.Value(memTxKey{}) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Holds and capacity.

func (s *memStore) owner(distanceID string) (domain.CapacityOwner, error) {
	d, ok := s.distances[distanceID]
	if !ok {
		return domain.CapacityOwner{}, domain.ErrDistanceNotFound
	}
	if d.Scope == domain.CapacityScopeSharedPool {
		p, ok := s.pools[d.PoolID]
		if !ok {
			return domain.CapacityOwner{}, domain.ErrPoolNotFound
		}
		return domain.CapacityOwner{DistanceID: d.ID, PoolID: p.ID, Capacity: p.Capacity}, nil
	}
	return domain.CapacityOwner{DistanceID: d.ID, Capacity: d.Capacity}, nil
}

func (s *memStore) LockCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error) {
	defer s.lock(ctx)()
	if err := s.fail("LockCapacityOwner"); err != nil {
		return domain.CapacityOwner{}, err
	}
	return s.owner(distanceID)
}

func (s *memStore) GetCapacityOwner(ctx context.Context, distanceID string) (domain.CapacityOwner, error) {
	defer s.lock(ctx)()
	return s.owner(distanceID)
}

func (s *memStore) consumed(owner domain.CapacityOwner) int {
	total := 0
	for _, h := range s.holds {
		if !h.Status.ConsumesCapacity() {
			continue
		}
		if owner.Shared() && h.PoolID == owner.PoolID || !owner.Shared() && h.DistanceID == owner.DistanceID {
			total += h.Quantity
		}
	}
	return total
}

func (s *memStore) CountConsuming(ctx context.Context, owner domain.CapacityOwner) (int, error) {
	defer s.lock(ctx)()
	return s.consumed(owner), nil
}

func (s *memStore) CreateHold(ctx context.Context, hold domain.Hold) error {
	defer s.lock(ctx)()
	if err := s.fail("CreateHold"); err != nil {
		return err
	}
	s.holds[hold.ID] = hold
	return nil
}

func (s *memStore) GetHold(ctx context.Context, id string) (domain.Hold, error) {
	defer s.lock(ctx)()
	h, ok := s.holds[id]
	if !ok {
		return domain.Hold{}, domain.ErrHoldNotFound
	}
	return h, nil
}

func (s *memStore) GetHoldForUpdate(ctx context.Context, id string) (domain.Hold, error) {
	h, err := s.GetHold(ctx, id)
	if err == nil {
		s.traceLock(ctx, "hold:"+id)
	}
	return h, err
}

func (s *memStore) traceLock(ctx context.Context, name string) {
	defer s.lock(ctx)()
	s.lockTrace = append(s.lockTrace, name)
}

func (s *memStore) locksTaken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.lockTrace)
}

func (s *memStore) ReleaseHold(ctx context.Context, id string, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	if err := s.fail("ReleaseHold"); err != nil {
		return false, err
	}
	h, ok := s.holds[id]
	if !ok || h.Status != domain.HoldStatusPending {
		return false, nil
	}
	h.Status = domain.HoldStatusCancelled
	h.UpdatedAt = now
	s.holds[id] = h
	return true, nil
}

func (s *memStore) ConfirmHold(ctx context.Context, id, buyerUserID string, expiresAt *time.Time, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	h, ok := s.holds[id]
	if !ok || h.Status != domain.HoldStatusPending {
		return false, nil
	}
	h.Status = domain.HoldStatusConfirmed
	h.BuyerUserID = buyerUserID
	h.ExpiresAt = expiresAt
	h.UpdatedAt = now
	s.holds[id] = h
	return true, nil
}

func (s *memStore) ExpireHold(ctx context.Context, id string, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	h, ok := s.holds[id]
	if !ok || !h.Overdue(now) {
		return false, nil
	}
	h.Status = domain.HoldStatusExpired
	h.UpdatedAt = now
	s.holds[id] = h
	return true, nil
}

func (s *memStore) ExtendHold(ctx context.Context, id string, prev, next time.Time, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	h, ok := s.holds[id]
	if !ok || h.Status != domain.HoldStatusConfirmed || h.FinalizedAt != nil || h.ExpiresAt == nil || !h.ExpiresAt.Equal(prev) {
		return false, nil
	}
	h.ExpiresAt = &next
	h.ExtensionCount++
	h.UpdatedAt = now
	s.holds[id] = h
	return true, nil
}

func (s *memStore) FinalizeHold(ctx context.Context, id string, now time.Time) (bool, error) {
	defer s.lock(ctx)()
	h, ok := s.holds[id]
	if !ok || h.Status != domain.HoldStatusConfirmed || h.FinalizedAt != nil {
		return false, nil
	}
	h.FinalizedAt = &now
	h.ExpiresAt = nil
	h.UpdatedAt = now
	s.holds[id] = h
	return true, nil
}

func (s *memStore) ListOverdueHolds(ctx context.Context, now time.Time, afterID string, limit int) ([]domain.Hold, error) {
	defer s.lock(ctx)()
	var out []domain.Hold
	for _, h := range s.holds {
		if h.Overdue(now) && h.ID > afterID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Invites.

func (s *memStore) currentConflict(inv domain.Invite) bool {
	if !inv.IsCurrent {
		return false
	}
	for _, other := range s.invites {
		if other.ID != inv.ID && other.IsCurrent && other.BatchRowID == inv.BatchRowID {
			return true
		}
	}
	return false
}

func (s *memStore) CreateInvite(ctx context.Context, inv domain.Invite) error {
	defer s.lock(ctx)()
	if err := s.fail("CreateInvite"); err != nil {
		return err
	}
	if s.currentConflict(inv) {
		return domain.ErrConcurrentModification
	}
	s.invites[inv.ID] = inv
	return nil
}

func (s *memStore) GetInvite(ctx context.Context, id string) (domain.Invite, error) {
	defer s.lock(ctx)()
	inv, ok := s.invites[id]
	if !ok {
		return domain.Invite{}, domain.ErrInviteNotFound
	}
	return inv, nil
}

func (s *memStore) GetInviteByTokenHash(ctx context.Context, tokenHash string) (domain.Invite, error) {
	defer s.lock(ctx)()
	for _, inv := range s.invites {
		if inv.TokenHash == tokenHash {
			return inv, nil
		}
	}
	return domain.Invite{}, domain.ErrInviteNotFound
}

func (s *memStore) GetCurrentInviteByHold(ctx context.Context, holdID string) (domain.Invite, error) {
	defer s.lock(ctx)()
	if err := s.fail("GetCurrentInviteByHold"); err != nil {
		return domain.Invite{}, err
	}
	for _, inv := range s.invites {
		if inv.IsCurrent && inv.HoldID == holdID {
			return inv, nil
		}
	}
	return domain.Invite{}, domain.ErrInviteNotFound
}

func (s *memStore) UpdateInvite(ctx context.Context, inv *domain.Invite) error {
	defer s.lock(ctx)()
	if err := s.fail("UpdateInvite"); err != nil {
		return err
	}
	stored, ok := s.invites[inv.ID]
	if !ok {
		return domain.ErrInviteNotFound
	}
	if stored.Version != inv.Version || s.currentConflict(*inv) {
		return domain.ErrConcurrentModification
	}
	s.lockTrace = append(s.lockTrace, "invite:"+inv.ID)
	inv.Version++
	s.invites[inv.ID] = *inv
	return nil
}

func (s *memStore) ListCurrentInvitesByBatch(ctx context.Context, batchID string) ([]domain.Invite, error) {
	defer s.lock(ctx)()
	var out []domain.Invite
	for _, inv := range s.invites {
		if inv.IsCurrent && inv.BatchID == batchID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.rows[out[i].BatchRowID].RowNumber < s.rows[out[j].BatchRowID].RowNumber
	})
	return out, nil
}

func (s *memStore) CurrentInviteStatusesByEmail(ctx context.Context, editionID string, emails []string) (map[string][]domain.InviteStatus, error) {
	defer s.lock(ctx)()
	out := map[string][]domain.InviteStatus{}
	for _, inv := range s.invites {
		if inv.IsCurrent && inv.EditionID == editionID && slices.Contains(emails, inv.Email) {
			out[inv.Email] = append(out[inv.Email], inv.Status)
		}
	}
	return out, nil
}

func (s *memStore) LockEmail(ctx context.Context, editionID, email string) error {
	defer s.lock(ctx)()
	if err := s.fail("LockEmail"); err != nil {
		return err
	}
	s.lockTrace = append(s.lockTrace, "email:"+editionID+"/"+email)
	return nil
}

// Batches.

func (s *memStore) CreateBatch(ctx context.Context, batch domain.Batch, rows []domain.BatchRow) error {
	defer s.lock(ctx)()
	if _, ok := s.editions[batch.EditionID]; !ok {
		return domain.ErrEditionNotFound
	}
	s.batches[batch.ID] = batch
	for _, r := range rows {
		s.rows[r.ID] = r
	}
	return nil
}

func (s *memStore) GetBatch(ctx context.Context, id string) (domain.Batch, error) {
	defer s.lock(ctx)()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, domain.ErrBatchNotFound
	}
	return b, nil
}

func (s *memStore) UpdateBatchStatus(ctx context.Context, id string, status domain.BatchStatus, now time.Time) error {
	defer s.lock(ctx)()
	b, ok := s.batches[id]
	if !ok {
		return domain.ErrBatchNotFound
	}
	b.Status = status
	b.UpdatedAt = now
	s.batches[id] = b
	return nil
}

func (s *memStore) ListBatchRows(ctx context.Context, batchID string) ([]domain.BatchRow, error) {
	defer s.lock(ctx)()
	var out []domain.BatchRow
	for _, r := range s.rows {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RowNumber < out[j].RowNumber })
	return out, nil
}

func (s *memStore) GetBatchRowForUpdate(ctx context.Context, id string) (domain.BatchRow, error) {
	defer s.lock(ctx)()
	r, ok := s.rows[id]
	if !ok {
		return domain.BatchRow{}, domain.ErrBatchRowNotFound
	}
	return r, nil
}

func (s *memStore) SetRowHold(ctx context.Context, rowID, holdID string, now time.Time) error {
	defer s.lock(ctx)()
	if err := s.fail("SetRowHold"); err != nil {
		return err
	}
	r, ok := s.rows[rowID]
	if !ok {
		return domain.ErrBatchRowNotFound
	}
	r.HoldID = holdID
	r.FailureCode = ""
	r.UpdatedAt = now
	s.rows[rowID] = r
	return nil
}

func (s *memStore) SetRowFailure(ctx context.Context, rowID, code string, now time.Time) error {
	defer s.lock(ctx)()
	r, ok := s.rows[rowID]
	if !ok {
		return domain.ErrBatchRowNotFound
	}
	r.FailureCode = code
	r.UpdatedAt = now
	s.rows[rowID] = r
	return nil
}

// Upload links.

func (s *memStore) CreateLink(ctx context.Context, link domain.UploadLink) error {
	defer s.lock(ctx)()
	if _, ok := s.editions[link.EditionID]; !ok {
		return domain.ErrEditionNotFound
	}
	s.links[link.ID] = link
	return nil
}

func (s *memStore) GetLink(ctx context.Context, id string) (domain.UploadLink, error) {
	defer s.lock(ctx)()
	l, ok := s.links[id]
	if !ok {
		return domain.UploadLink{}, domain.ErrLinkNotFound
	}
	return l, nil
}

func (s *memStore) GetLinkForUpdate(ctx context.Context, id string) (domain.UploadLink, error) {
	return s.GetLink(ctx, id)
}

func (s *memStore) GetLinkByTokenHash(ctx context.Context, tokenHash string) (domain.UploadLink, error) {
	defer s.lock(ctx)()
	for _, l := range s.links {
		if l.TokenHash == tokenHash {
			return l, nil
		}
	}
	return domain.UploadLink{}, domain.ErrLinkNotFound
}

func (s *memStore) GetLinkUsage(ctx context.Context, id string) (domain.LinkUsage, error) {
	defer s.lock(ctx)()
	var usage domain.LinkUsage
	for _, b := range s.batches {
		if b.UploadLinkID == id {
			usage.Batches++
		}
	}
	active := map[string]struct{}{}
	for _, inv := range s.invites {
		if !inv.IsCurrent || inv.Status == domain.InviteStatusCancelled {
			continue
		}
		if s.batches[inv.BatchID].UploadLinkID == id {
			active[inv.BatchRowID] = struct{}{}
		}
	}
	usage.ActiveInvites = len(active)
	return usage, nil
}

func (s *memStore) RevokeLink(ctx context.Context, id string, now time.Time) error {
	defer s.lock(ctx)()
	l, ok := s.links[id]
	if !ok {
		return domain.ErrLinkNotFound
	}
	if l.RevokedAt == nil {
		l.RevokedAt = &now
		s.links[id] = l
	}
	return nil
}

func (s *memStore) SetLinkDisabled(ctx context.Context, id string, disabled bool, now time.Time) error {
	defer s.lock(ctx)()
	l, ok := s.links[id]
	if !ok {
		return domain.ErrLinkNotFound
	}
	l.Disabled = disabled
	s.links[id] = l
	return nil
}

// Catalog.

func (s *memStore) CreateEdition(ctx context.Context, edition domain.Edition) error {
	defer s.lock(ctx)()
	s.editions[edition.ID] = edition
	return nil
}

func (s *memStore) ListEditions(ctx context.Context) ([]domain.Edition, error) {
	defer s.lock(ctx)()
	out := slices.Collect(maps.Values(s.editions))
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) CreatePool(ctx context.Context, pool domain.CapacityPool) error {
	defer s.lock(ctx)()
	if _, ok := s.editions[pool.EditionID]; !ok {
		return domain.ErrEditionNotFound
	}
	s.pools[pool.ID] = pool
	return nil
}

func (s *memStore) GetPool(ctx context.Context, id string) (domain.CapacityPool, error) {
	defer s.lock(ctx)()
	p, ok := s.pools[id]
	if !ok {
		return domain.CapacityPool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (s *memStore) CreateDistance(ctx context.Context, distance domain.Distance) error {
	defer s.lock(ctx)()
	if _, ok := s.editions[distance.EditionID]; !ok {
		return domain.ErrEditionNotFound
	}
	s.distances[distance.ID] = distance
	return nil
}

func (s *memStore) ListDistancesByEdition(ctx context.Context, editionID string) ([]domain.Distance, error) {
	defer s.lock(ctx)()
	if _, ok := s.editions[editionID]; !ok {
		return nil, domain.ErrEditionNotFound
	}
	var out []domain.Distance
	for _, d := range s.distances {
		if d.EditionID == editionID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return strings.Compare(out[i].Name, out[j].Name) < 0 })
	return out, nil
}

// Inspection helpers for assertions.

func (s *memStore) holdsByStatus(status domain.HoldStatus) []domain.Hold {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Hold
	for _, h := range s.holds {
		if h.Status == status {
			out = append(out, h)
		}
	}
	return out
}

func (s *memStore) consumedFor(distanceID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	owner, err := s.owner(distanceID)
	if err != nil {
		return -1
	}
	return s.consumed(owner)
}

func (s *memStore) row(id string) domain.BatchRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[id]
}

func (s *memStore) invitesForRow(rowID string) []domain.Invite {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Invite
	for _, inv := range s.invites {
		if inv.BatchRowID == rowID {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *memStore) currentInvite(rowID string) (domain.Invite, bool) {
	for _, inv := range s.invitesForRow(rowID) {
		if inv.IsCurrent {
			return inv, true
		}
	}
	return domain.Invite{}, false
}
