package app

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/clock"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/domain"
	"github.com/juancarloselorriaga/rungomx-web-sub001/internal/token"
)

var (
	testStart  = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	testSecret = []byte("0123456789abcdef0123456789abcdef")
)

const (
	testHoldTTL        = 72 * time.Hour
	testClaimedHoldTTL = 48 * time.Hour
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, inviteID, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, inviteID)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

type fixtureConfig struct {
	notifier      Notifier
	chunkSize     int
	inviteOpts    []InviteServiceOption
	sweepPageSize int
}

type fixtureOption func(*fixtureConfig)

func withNotifier(n Notifier) fixtureOption {
	return func(c *fixtureConfig) { c.notifier = n }
}

func withChunkSize(n int) fixtureOption {
	return func(c *fixtureConfig) { c.chunkSize = n }
}

func withInviteOptions(opts ...InviteServiceOption) fixtureOption {
	return func(c *fixtureConfig) { c.inviteOpts = append(c.inviteOpts, opts...) }
}

func withSweepPageSize(n int) fixtureOption {
	return func(c *fixtureConfig) { c.sweepPageSize = n }
}

type fixture struct {
	store    *memStore
	clock    *clock.Manual
	tokens   *token.Service
	notifier *recordingNotifier

	ledger       *Ledger
	admin        *AdminService
	links        *LinkService
	batches      *BatchService
	reservations *ReservationService
	invites      *InviteService
	expiry       *ExpiryService
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	tokens, err := token.New(testSecret)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	clk := clock.NewManual(testStart)
	rec := &recordingNotifier{}
	var notifier Notifier = rec
	if cfg.notifier != nil {
		notifier = cfg.notifier
	}

	ledger := NewLedger(store, clk, WithHoldTTL(testHoldTTL))
	links := NewLinkService(store, tokens, clk)

	inviteOpts := append([]InviteServiceOption{
		WithInviteLogger(logger),
		WithClaimedHoldTTL(testClaimedHoldTTL),
		WithReleaseRetry(3, 0),
	}, cfg.inviteOpts...)

	return &fixture{
		store:    store,
		clock:    clk,
		tokens:   tokens,
		notifier: rec,
		ledger:   ledger,
		admin:    NewAdminService(store, ledger, clk),
		links:    links,
		batches:  NewBatchService(store, store, links, clk),
		reservations: NewReservationService(store, store, links, ledger, tokens, clk,
			WithReserveChunkSize(cfg.chunkSize),
			WithReservationLogger(logger),
		),
		invites: NewInviteService(store, store, store, ledger, tokens, notifier, clk, inviteOpts...),
		expiry: NewExpiryService(store, store, store, ledger, tokens, clk,
			WithSweepPageSize(cfg.sweepPageSize),
			WithExpiryLogger(logger),
		),
	}
}

func intPtr(v int) *int { return &v }

func (f *fixture) edition(t *testing.T) domain.Edition {
	t.Helper()
	ed, err := f.admin.CreateEdition(context.Background(), CreateEditionInput{Name: "Maratón 2025"})
	require.NoError(t, err)
	return ed
}

func (f *fixture) distance(t *testing.T, editionID string, capacity *int) domain.Distance {
	t.Helper()
	d, err := f.admin.CreateDistance(context.Background(), CreateDistanceInput{
		EditionID: editionID,
		Name:      "10K",
		Capacity:  capacity,
	})
	require.NoError(t, err)
	return d
}

// roster uploads one valid row per email against distanceID.
func (f *fixture) roster(t *testing.T, editionID, distanceID string, emails ...string) BatchView {
	t.Helper()
	return f.rosterVia(t, editionID, "", distanceID, emails...)
}

func (f *fixture) rosterVia(t *testing.T, editionID, linkToken, distanceID string, emails ...string) BatchView {
	t.Helper()
	rows := make([]RowInput, 0, len(emails))
	for i, email := range emails {
		rows = append(rows, RowInput{
			RowNumber:  i + 1,
			Email:      email,
			FirstName:  "Runner",
			LastName:   "Test",
			DistanceID: distanceID,
		})
	}
	view, err := f.batches.CreateBatch(context.Background(), CreateBatchInput{
		EditionID: editionID,
		CreatedBy: "coordinator-1",
		LinkToken: linkToken,
		Rows:      rows,
	})
	require.NoError(t, err)
	return view
}

// reserveOne uploads and reserves a single-row roster and returns its current invite.
func (f *fixture) reserveOne(t *testing.T, editionID, distanceID, email string) domain.Invite {
	t.Helper()
	view := f.roster(t, editionID, distanceID, email)
	res, err := f.reservations.ReserveInvitesForBatch(context.Background(), view.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, 1, res.Succeeded)
	inv, ok := f.store.currentInvite(view.Rows[0].ID)
	require.True(t, ok)
	return inv
}

// sendAndClaimToken sends the invite and returns its claim token.
func (f *fixture) sendAndClaimToken(t *testing.T, inviteID string) string {
	t.Helper()
	_, err := f.invites.Resend(context.Background(), inviteID)
	require.NoError(t, err)
	claimToken, _, err := f.invites.ClaimToken(context.Background(), inviteID)
	require.NoError(t, err)
	return claimToken
}

func (f *fixture) remaining(t *testing.T, distanceID string) int {
	t.Helper()
	r, err := f.ledger.Remaining(context.Background(), distanceID)
	require.NoError(t, err)
	require.NotNil(t, r)
	return *r
}
