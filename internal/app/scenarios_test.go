package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
)

func TestScenario_ReserveExpireReissue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	ed := f.edition(t)
	d := f.distance(t, ed.ID, intPtr(1))
	view := f.roster(t, ed.ID, d.ID, "runner@example.com")

	res, err := f.reservations.ReserveInvitesForBatch(ctx, view.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	require.Len(t, f.store.holdsByStatus(domain.HoldStatusPending), 1)
	require.Equal(t, 0, f.remaining(t, d.ID))
	inv, ok := f.store.currentInvite(view.Rows[0].ID)
	require.True(t, ok)
	require.Equal(t, domain.InviteStatusDraft, inv.Status)

	f.clock.Advance(testHoldTTL + time.Minute)
	sweep, err := f.expiry.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{HoldsExpired: 1, InvitesExpired: 1}, sweep)
	require.Len(t, f.store.holdsByStatus(domain.HoldStatusExpired), 1)
	require.Equal(t, 1, f.remaining(t, d.ID))

	next, err := f.expiry.Reissue(ctx, inv.ID)
	require.NoError(t, err)
	require.True(t, next.IsCurrent)
	require.Len(t, f.store.holdsByStatus(domain.HoldStatusPending), 1)
	require.Equal(t, 0, f.remaining(t, d.ID))
}

func TestScenario_ClaimedHoldSurvivesSweep(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t, withInviteOptions(WithClaimedHoldTTL(0)))
	ed := f.edition(t)
	d := f.distance(t, ed.ID, intPtr(1))
	inv := f.reserveOne(t, ed.ID, d.ID, "runner@example.com")
	regID, err := f.invites.Claim(ctx, f.sendAndClaimToken(t, inv.ID), "user-1")
	require.NoError(t, err)

	f.clock.Advance(2 * testHoldTTL)
	res, err := f.expiry.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.HoldsExpired)

	hold, err := f.store.GetHold(ctx, regID)
	require.NoError(t, err)
	require.Equal(t, domain.HoldStatusConfirmed, hold.Status)
	require.Equal(t, 0, f.remaining(t, d.ID))
}

func TestScenario_LinkMaxInvitesSurvivesRotation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	ed := f.edition(t)
	d := f.distance(t, ed.ID, intPtr(10))
	link, raw, err := f.links.CreateLink(ctx, CreateLinkInput{EditionID: ed.ID, MaxInvites: intPtr(1)})
	require.NoError(t, err)

	first := f.rosterVia(t, ed.ID, raw, d.ID, "one@example.com")
	res, err := f.reservations.ReserveInvitesForBatch(ctx, first.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)

	inv, _ := f.store.currentInvite(first.Rows[0].ID)
	for range 3 {
		inv, err = f.invites.Rotate(ctx, inv.ID)
		require.NoError(t, err)
	}

	report, err := f.links.Status(ctx, link.ID)
	require.NoError(t, err)
	require.Equal(t, domain.LinkStatusOK, report.Status)
	require.Equal(t, 1, report.Usage.ActiveInvites)
	require.Equal(t, 9, f.remaining(t, d.ID))

	second := f.rosterVia(t, ed.ID, raw, d.ID, "two@example.com")
	_, err = f.reservations.ReserveInvitesForBatch(ctx, second.Batch.ID)
	require.ErrorIs(t, err, domain.ErrLinkMaxedOut)
	require.Equal(t, domain.CodeLinkMaxedOut, domain.CodeOf(err))
	require.Equal(t, 9, f.remaining(t, d.ID), "nothing was reserved")
}

// TestScenario_RandomInterleaving drives every operation in a seeded random
// order and checks the capacity and current-invite invariants after each step.
func TestScenario_RandomInterleaving(t *testing.T) {
	t.Parallel()

	for _, seed := range []uint64{1, 7, 42} {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			t.Parallel()
			runInterleaving(t, seed, 300)
		})
	}
}

func runInterleaving(t *testing.T, seed uint64, steps int) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(seed, seed))

	const capacity = 4
	f := newFixture(t, withInviteOptions(WithHoldExtension(12*time.Hour, ExtendFromDeadline, 2)))
	ed := f.edition(t)
	d := f.distance(t, ed.ID, intPtr(capacity))

	pick := func() string {
		ids := f.store.inviteIDs()
		if len(ids) == 0 {
			return ""
		}
		return ids[rng.IntN(len(ids))]
	}
	allowed := func(op string, err error) {
		if err == nil {
			return
		}
		require.NotEqual(t, domain.CodeInternal, domain.CodeOf(err), "%s: %v", op, err)
	}

	for step := range steps {
		switch rng.IntN(8) {
		case 0, 1:
			view := f.roster(t, ed.ID, d.ID, fmt.Sprintf("runner%d@example.com", step))
			_, err := f.reservations.ReserveInvitesForBatch(ctx, view.Batch.ID)
			allowed("reserve", err)
		case 2:
			if id := pick(); id != "" {
				allowed("cancel", f.invites.Cancel(ctx, id))
			}
		case 3:
			if id := pick(); id != "" {
				_, err := f.invites.Resend(ctx, id)
				allowed("resend", err)
				claimToken, _, err := f.invites.ClaimToken(ctx, id)
				allowed("claim token", err)
				if err == nil {
					_, err = f.invites.Claim(ctx, claimToken, "user-"+id)
					allowed("claim", err)
				}
			}
		case 4:
			if id := pick(); id != "" {
				_, err := f.invites.Rotate(ctx, id)
				allowed("rotate", err)
			}
		case 5:
			f.clock.Advance(time.Duration(rng.IntN(48)) * time.Hour)
			_, err := f.expiry.Sweep(ctx)
			allowed("sweep", err)
		case 6:
			if id := pick(); id != "" {
				_, err := f.expiry.Reissue(ctx, id)
				allowed("reissue", err)
			}
		case 7:
			if id := pick(); id != "" {
				_, err := f.invites.ExtendHold(ctx, id)
				allowed("extend", err)
			}
		}

		f.store.requireInvariants(t, d.ID, capacity)
	}
}

func (s *memStore) inviteIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.invites))
	for id := range s.invites {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// requireInvariants checks that capacity is never oversold, that each row has
// at most one current invite and that every consuming hold is reachable from a
// current invite.
func (s *memStore) requireInvariants(t *testing.T, distanceID string, capacity int) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, err := s.owner(distanceID)
	require.NoError(t, err)
	require.LessOrEqual(t, s.consumed(owner), capacity)

	currentByRow := map[string]int{}
	currentHolds := map[string]struct{}{}
	for _, inv := range s.invites {
		if inv.IsCurrent {
			currentByRow[inv.BatchRowID]++
			currentHolds[inv.HoldID] = struct{}{}
		}
	}
	for row, n := range currentByRow {
		require.Equal(t, 1, n, "row %s has %d current invites", row, n)
	}
	for _, h := range s.holds {
		if !h.Status.ConsumesCapacity() {
			continue
		}
		_, ok := currentHolds[h.ID]
		require.True(t, ok, "hold %s (%s) has no current invite", h.ID, h.Status)
	}
}
