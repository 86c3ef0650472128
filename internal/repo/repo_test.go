package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharebook/internal/db"
	"sharebook/internal/domain"
	"sharebook/internal/migrate"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func seedUsers(t *testing.T, r Repo) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.InsertUser(ctx, nil, domain.User{ID: "u-owner", Name: "Owner", Email: "owner@example.com", CreatedAt: t0}))
	require.NoError(t, r.InsertUser(ctx, nil, domain.User{ID: "u-reader", Name: "Reader", Email: "reader@example.com", CreatedAt: t0}))
}

func seedBook(t *testing.T, r Repo, id string, status domain.BookStatus, listed time.Time) {
	t.Helper()
	require.NoError(t, r.InsertBook(context.Background(), nil, domain.Book{
		ID: id, Title: "Title " + id, OwnerID: "u-owner", Status: status, ListedAt: listed,
	}))
}

func seedReservation(t *testing.T, r Repo, res domain.Reservation) {
	t.Helper()
	if res.RequesterID == "" {
		res.RequesterID = "u-reader"
	}
	require.NoError(t, r.InsertReservation(context.Background(), nil, res))
}

func ptr(t time.Time) *time.Time { return &t }

func TestUndatedReservations(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()

	seedBook(t, r, "b-old", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-old", BookID: "b-old", CreatedAt: t0.Add(-8 * 24 * time.Hour)})
	seedBook(t, r, "b-new", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-new", BookID: "b-new", CreatedAt: t0.Add(-2 * 24 * time.Hour)})
	seedBook(t, r, "b-dated", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-dated", BookID: "b-dated", CreatedAt: t0.Add(-9 * 24 * time.Hour), ChosenAt: ptr(t0)})

	got, err := r.UndatedReservations(ctx, t0.Add(-7*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, "r-old", c.Reservation.ID)
	assert.Equal(t, "b-old", c.Book.ID)
	assert.Equal(t, "owner@example.com", c.Owner.Email)
	assert.Equal(t, "reader@example.com", c.Requester.Email)
}

func TestOverdueReservationsSkipsConfirmedAndFinalBooks(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()
	chosen := t0.Add(-10 * 24 * time.Hour)

	seedBook(t, r, "b-late", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-late", BookID: "b-late", CreatedAt: chosen, ChosenAt: &chosen, HandoffDueDate: ptr(t0.Add(-time.Hour))})
	seedBook(t, r, "b-due-now", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-due-now", BookID: "b-due-now", CreatedAt: chosen, ChosenAt: &chosen, HandoffDueDate: ptr(t0)})
	seedBook(t, r, "b-done", domain.BookDonated, t0)
	seedReservation(t, r, domain.Reservation{ID: "r-done", BookID: "b-done", CreatedAt: chosen, ChosenAt: &chosen, HandoffDueDate: ptr(t0.Add(-time.Hour)), ConfirmedAt: &chosen})

	got, err := r.OverdueReservations(ctx, t0)
	require.NoError(t, err)
	require.Len(t, got, 1, "due date equal to now is not yet late")
	assert.Equal(t, "r-late", got[0].Reservation.ID)
}

func TestStaleListings(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()
	old := t0.Add(-61 * 24 * time.Hour)
	maxAgeCut := t0.Add(-60 * 24 * time.Hour)
	graceCut := t0.Add(-3 * 24 * time.Hour)

	seedBook(t, r, "b-idle", domain.BookAvailable, old)
	seedBook(t, r, "b-edge", domain.BookAvailable, maxAgeCut)
	seedBook(t, r, "b-fresh", domain.BookAvailable, t0.Add(-time.Hour))
	seedBook(t, r, "b-gone", domain.BookRemoved, old)

	seedBook(t, r, "b-graced", domain.BookReserved, old)
	seedReservation(t, r, domain.Reservation{ID: "r-graced", BookID: "b-graced", CreatedAt: old, FlaggedLateAt: ptr(t0.Add(-4 * 24 * time.Hour))})
	seedBook(t, r, "b-recent-flag", domain.BookReserved, old)
	seedReservation(t, r, domain.Reservation{ID: "r-recent", BookID: "b-recent-flag", CreatedAt: old, FlaggedLateAt: ptr(t0.Add(-24 * time.Hour))})
	seedBook(t, r, "b-active", domain.BookReserved, old)
	seedReservation(t, r, domain.Reservation{ID: "r-active", BookID: "b-active", CreatedAt: old})

	got, err := r.StaleListings(ctx, maxAgeCut, graceCut)
	require.NoError(t, err)
	var ids []string
	for _, c := range got {
		ids = append(ids, c.Book.ID)
	}
	assert.Equal(t, []string{"b-graced", "b-idle"}, ids, "a book listed exactly at the cutoff is not stale yet")
	require.NotNil(t, got[0].Live)
	assert.Equal(t, "r-graced", got[0].Live.ID)
	assert.Nil(t, got[1].Live)

	got, err = r.StaleListings(ctx, maxAgeCut.Add(time.Second), graceCut)
	require.NoError(t, err)
	ids = ids[:0]
	for _, c := range got {
		ids = append(ids, c.Book.ID)
	}
	assert.Equal(t, []string{"b-edge", "b-graced", "b-idle"}, ids)
}

func TestSetBookStatusGuards(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()
	seedBook(t, r, "b1", domain.BookAvailable, t0)

	require.ErrorIs(t, r.SetBookStatus(ctx, nil, "b1", domain.BookDonated, domain.BookAvailable), domain.ErrInvalidTransition)
	require.Error(t, r.SetBookStatus(ctx, nil, "b1", domain.BookReserved, domain.BookRemoved), "stale expected status")
	require.NoError(t, r.SetBookStatus(ctx, nil, "b1", domain.BookAvailable, domain.BookRemoved))

	b, err := r.GetBook(ctx, nil, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookRemoved, b.Status)
}

func TestFlagLateOnlyOnce(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()
	seedBook(t, r, "b1", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: t0})

	require.NoError(t, r.FlagLate(ctx, nil, "r1", t0))
	require.Error(t, r.FlagLate(ctx, nil, "r1", t0.Add(time.Hour)))

	res, err := r.GetReservation(ctx, nil, "r1")
	require.NoError(t, err)
	require.NotNil(t, res.FlaggedLateAt)
	assert.Equal(t, t0, *res.FlaggedLateAt)
}

func TestOneLiveReservationPerBook(t *testing.T) {
	r := newRepo(t)
	seedUsers(t, r)
	ctx := context.Background()
	seedBook(t, r, "b1", domain.BookReserved, t0)
	seedReservation(t, r, domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: t0})

	err := r.InsertReservation(ctx, nil, domain.Reservation{ID: "r2", BookID: "b1", RequesterID: "u-reader", CreatedAt: t0})
	require.Error(t, err)

	live, err := r.LiveReservation(ctx, nil, "b1")
	require.NoError(t, err)
	assert.Equal(t, "r1", live.ID)

	_, err = r.LiveReservation(ctx, nil, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeys(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	key, plain, err := r.NewAPIKey(ctx, "ops", "ci")
	require.NoError(t, err)
	assert.NotEqual(t, plain, key.KeyHash)
	assert.Equal(t, HashAPIKey(" "+plain+" "), key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(plain))
	require.NoError(t, err)
	assert.Equal(t, "ops", got.ActorID)

	keys, err := r.ListAPIKeys(ctx, "ops")
	require.NoError(t, err)
	assert.Len(t, keys, 1)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	assert.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), ErrNotFound)
	_, err = r.GetAPIKeyByHash(ctx, HashAPIKey(plain))
	assert.ErrorIs(t, err, ErrNotFound)
}
