package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/app"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/config"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/testutil"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Send(_ context.Context, inviteID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, inviteID)
	return nil
}

func testConfig() config.Config {
	return config.Config{
		HoldTTL:           time.Hour,
		ClaimedHoldTTL:    2 * time.Hour,
		HoldExtension:     time.Hour,
		HoldExtendFrom:    "deadline",
		MaxHoldExtensions: 1,
		ReserveChunkSize:  100,
		SweepPageSize:     10,
		NotifyConcurrency: 2,
		OperatorUserIDs:   []string{"operator-1"},
	}
}

func newTestEngine(t *testing.T) (*Engine, *clock.Manual, *recordingNotifier) {
	t.Helper()
	ctx := context.Background()
	pool := testutil.NewTestPool(t)
	testutil.ApplyMigrations(t, ctx, pool)
	testutil.TruncateAll(t, ctx, pool)

	tokens, err := token.New([]byte("engine-test-secret"))
	if err != nil {
		t.Fatalf("token service: %v", err)
	}
	clk := clock.NewManual(time.Now().UTC().Truncate(time.Second))
	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(pool, tokens, notifier, testConfig(), clk, logger), clk, notifier
}

func seedDistance(t *testing.T, eng *Engine, capacity int) (editionID, distanceID string) {
	t.Helper()
	ctx := context.Background()
	edition, err := eng.Admin.CreateEdition(ctx, app.CreateEditionInput{Name: "Trail Fest"})
	if err != nil {
		t.Fatalf("create edition: %v", err)
	}
	distance, err := eng.Admin.CreateDistance(ctx, app.CreateDistanceInput{
		EditionID: edition.ID,
		Name:      "21K",
		Capacity:  &capacity,
		Scope:     domain.CapacityScopeExclusive,
	})
	if err != nil {
		t.Fatalf("create distance: %v", err)
	}
	return edition.ID, distance.ID
}

func remaining(t *testing.T, eng *Engine, editionID string) int {
	t.Helper()
	views, err := eng.Admin.ListDistances(context.Background(), editionID)
	if err != nil {
		t.Fatalf("list distances: %v", err)
	}
	if len(views) != 1 || views[0].Remaining == nil {
		t.Fatalf("expected one capped distance, got %+v", views)
	}
	return *views[0].Remaining
}

func TestEngine_RosterToRegistration(t *testing.T) {
	eng, _, notifier := newTestEngine(t)
	ctx := context.Background()
	editionID, distanceID := seedDistance(t, eng, 1)

	maxInvites := 5
	_, rawLink, err := eng.Links.CreateLink(ctx, app.CreateLinkInput{
		EditionID:  editionID,
		CreatedBy:  "operator-1",
		MaxInvites: &maxInvites,
	})
	if err != nil {
		t.Fatalf("create link: %v", err)
	}

	view, err := eng.Batches.CreateBatch(ctx, app.CreateBatchInput{
		CreatedBy: "coach-1",
		LinkToken: rawLink,
		Rows: []app.RowInput{
			{RowNumber: 1, Email: "Ana@Example.com", FirstName: "Ana", DistanceID: distanceID},
			{RowNumber: 2, Email: "luis@example.com", FirstName: "Luis", DistanceID: distanceID},
		},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	if view.Batch.EditionID != editionID {
		t.Fatalf("expected batch to inherit the link edition, got %s", view.Batch.EditionID)
	}

	res, err := eng.Reservations.ReserveInvitesForBatch(ctx, view.Batch.ID)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if res.Succeeded != 1 || res.Failed != 1 {
		t.Fatalf("expected one reserved and one failed row, got %+v", res)
	}
	var inviteID, holdID string
	for _, o := range res.Outcomes {
		switch o.Status {
		case app.RowReserved:
			inviteID, holdID = o.InviteID, o.HoldID
		case app.RowFailed:
			if o.Code != domain.RowFailureSoldOut {
				t.Fatalf("expected SOLD_OUT, got %s", o.Code)
			}
		}
	}
	if remaining(t, eng, editionID) != 0 {
		t.Fatalf("expected the only slot to be held")
	}

	sent, err := eng.Invites.SendBatch(ctx, view.Batch.ID)
	if err != nil {
		t.Fatalf("send batch: %v", err)
	}
	if sent.Sent != 1 || len(notifier.sent) != 1 || notifier.sent[0] != inviteID {
		t.Fatalf("unexpected send result %+v, notified %v", sent, notifier.sent)
	}

	claimToken, _, err := eng.Invites.ClaimToken(ctx, inviteID)
	if err != nil {
		t.Fatalf("claim token: %v", err)
	}
	registrationID, err := eng.Invites.Claim(ctx, claimToken, "runner-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if registrationID != holdID {
		t.Fatalf("expected registration %s, got %s", holdID, registrationID)
	}
	if _, err := eng.Invites.Claim(ctx, claimToken, "runner-2"); !errors.Is(err, domain.ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	if _, err := eng.Invites.FinalizeRegistration(ctx, holdID, "runner-2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden for another user, got %v", err)
	}
	hold, err := eng.Invites.FinalizeRegistration(ctx, holdID, "runner-1")
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if hold.FinalizedAt == nil || hold.ExpiresAt != nil {
		t.Fatalf("expected finalized hold without deadline, got %+v", hold)
	}

	report, err := eng.Links.Status(ctx, view.Batch.UploadLinkID)
	if err != nil {
		t.Fatalf("link status: %v", err)
	}
	if report.Usage.Batches != 1 || report.Usage.ActiveInvites != 1 {
		t.Fatalf("unexpected link usage %+v", report.Usage)
	}
}

func TestEngine_SweepReturnsCapacity(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()
	editionID, distanceID := seedDistance(t, eng, 1)

	view, err := eng.Batches.CreateBatch(ctx, app.CreateBatchInput{
		EditionID: editionID,
		CreatedBy: "operator-1",
		Rows:      []app.RowInput{{RowNumber: 1, Email: "ana@example.com", DistanceID: distanceID}},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	res, err := eng.Reservations.ReserveInvitesForBatch(ctx, view.Batch.ID)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("reserve: %+v, %v", res, err)
	}
	inviteID := res.Outcomes[0].InviteID
	if _, err := eng.Invites.SendBatch(ctx, view.Batch.ID); err != nil {
		t.Fatalf("send batch: %v", err)
	}

	clk.Advance(time.Hour + time.Second)
	swept, err := eng.Expiry.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept.HoldsExpired != 1 || swept.InvitesExpired != 1 {
		t.Fatalf("unexpected sweep result %+v", swept)
	}
	if remaining(t, eng, editionID) != 1 {
		t.Fatalf("expected the slot to be released")
	}

	again, err := eng.Expiry.Sweep(ctx)
	if err != nil || again.HoldsExpired != 0 {
		t.Fatalf("expected an idle second sweep, got %+v, %v", again, err)
	}

	reissued, err := eng.Expiry.Reissue(ctx, inviteID)
	if err != nil {
		t.Fatalf("reissue: %v", err)
	}
	if reissued.ID == inviteID || reissued.Status != domain.InviteStatusDraft {
		t.Fatalf("expected a fresh draft invite, got %+v", reissued)
	}
	if remaining(t, eng, editionID) != 0 {
		t.Fatalf("expected the reissued invite to hold the slot")
	}
}

// sentInvite reserves and sends a one-row batch for email and returns the
// invite with its claim token.
func sentInvite(t *testing.T, eng *Engine, editionID, distanceID, email string) (inviteID, claimToken string) {
	t.Helper()
	ctx := context.Background()
	view, err := eng.Batches.CreateBatch(ctx, app.CreateBatchInput{
		EditionID: editionID,
		CreatedBy: "operator-1",
		Rows:      []app.RowInput{{RowNumber: 1, Email: email, DistanceID: distanceID}},
	})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	res, err := eng.Reservations.ReserveInvitesForBatch(ctx, view.Batch.ID)
	if err != nil || res.Succeeded != 1 {
		t.Fatalf("reserve: %+v, %v", res, err)
	}
	if _, err := eng.Invites.SendBatch(ctx, view.Batch.ID); err != nil {
		t.Fatalf("send batch: %v", err)
	}
	inviteID = res.Outcomes[0].InviteID
	claimToken, _, err = eng.Invites.ClaimToken(ctx, inviteID)
	if err != nil {
		t.Fatalf("claim token: %v", err)
	}
	return inviteID, claimToken
}

// together runs fns at the same time and returns their errors in order.
func together(fns ...func() error) []error {
	errs := make([]error, len(fns))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, fn := range fns {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs
}

func TestEngine_ClaimRacingSweep(t *testing.T) {
	eng, clk, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		editionID, distanceID := seedDistance(t, eng, 1)
		inviteID, claimToken := sentInvite(t, eng, editionID, distanceID, "ana@example.com")
		clk.Advance(time.Hour + time.Second)

		var swept app.SweepResult
		errs := together(
			func() error {
				_, err := eng.Invites.Claim(ctx, claimToken, "runner-1")
				return err
			},
			func() (err error) {
				swept, err = eng.Expiry.Sweep(ctx)
				return err
			},
		)
		claimErr, sweepErr := errs[0], errs[1]

		if sweepErr != nil || swept.Failed != 0 {
			t.Fatalf("iteration %d: sweep %+v, %v", i, swept, sweepErr)
		}
		if !errors.Is(claimErr, domain.ErrInviteExpired) && !errors.Is(claimErr, domain.ErrConcurrentModification) {
			t.Fatalf("iteration %d: expected an expired or conflicting claim, got %v (code %s)", i, claimErr, domain.CodeOf(claimErr))
		}

		inv, err := eng.Invites.GetInvite(ctx, inviteID)
		if err != nil {
			t.Fatalf("get invite: %v", err)
		}
		if inv.Status != domain.InviteStatusExpired {
			t.Fatalf("iteration %d: expected an expired invite, got %s", i, inv.Status)
		}
		if remaining(t, eng, editionID) != 1 {
			t.Fatalf("iteration %d: expected the slot to be released", i)
		}
	}
}

func TestEngine_ClaimRacingCancel(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		editionID, distanceID := seedDistance(t, eng, 1)
		inviteID, claimToken := sentInvite(t, eng, editionID, distanceID, "ana@example.com")

		errs := together(
			func() error {
				_, err := eng.Invites.Claim(ctx, claimToken, "runner-1")
				return err
			},
			func() error {
				return eng.Invites.Cancel(ctx, inviteID)
			},
		)

		winners := 0
		for _, err := range errs {
			if err == nil {
				winners++
				continue
			}
			if code := domain.CodeOf(err); code == domain.CodeInternal {
				t.Fatalf("iteration %d: lock conflict surfaced as %s: %v", i, code, err)
			}
		}
		if winners != 1 {
			t.Fatalf("iteration %d: expected exactly one of claim and cancel to win, got %v", i, errs)
		}

		inv, err := eng.Invites.GetInvite(ctx, inviteID)
		if err != nil {
			t.Fatalf("get invite: %v", err)
		}
		want, slots := domain.InviteStatusClaimed, 0
		if errs[0] != nil {
			want, slots = domain.InviteStatusCancelled, 1
		}
		if inv.Status != want || remaining(t, eng, editionID) != slots {
			t.Fatalf("iteration %d: expected %s with %d remaining, got %s", i, want, slots, inv.Status)
		}
	}
}

func TestEngine_ConcurrentBatchesShareEmail(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		editionID, distanceID := seedDistance(t, eng, 10)
		var batchIDs []string
		for _, email := range []string{"dup@example.com", "Dup@Example.com"} {
			view, err := eng.Batches.CreateBatch(ctx, app.CreateBatchInput{
				EditionID: editionID,
				CreatedBy: "operator-1",
				Rows:      []app.RowInput{{RowNumber: 1, Email: email, DistanceID: distanceID}},
			})
			if err != nil {
				t.Fatalf("create batch: %v", err)
			}
			batchIDs = append(batchIDs, view.Batch.ID)
		}

		results := make([]app.ReservationResult, len(batchIDs))
		var fns []func() error
		for j, id := range batchIDs {
			fns = append(fns, func() (err error) {
				results[j], err = eng.Reservations.ReserveInvitesForBatch(ctx, id)
				return err
			})
		}
		for _, err := range together(fns...) {
			if err != nil {
				t.Fatalf("iteration %d: reserve: %v", i, err)
			}
		}

		succeeded, duplicates := 0, 0
		for _, res := range results {
			succeeded += res.Succeeded
			for _, o := range res.Outcomes {
				if o.Status == app.RowFailed && o.Code == domain.RowFailureExistingActiveInvite {
					duplicates++
				}
			}
		}
		if succeeded != 1 || duplicates != 1 {
			t.Fatalf("iteration %d: expected one invite and one duplicate, got %+v", i, results)
		}
		if remaining(t, eng, editionID) != 9 {
			t.Fatalf("iteration %d: expected exactly one slot held", i)
		}
	}
}
