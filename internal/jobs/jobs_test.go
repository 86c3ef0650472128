package jobs_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sharebook/internal/db"
	"sharebook/internal/domain"
	"sharebook/internal/jobs"
	"sharebook/internal/migrate"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

var now = time.Date(2024, 3, 20, 8, 0, 0, 0, time.UTC)

func days(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

var thresholds = jobs.Thresholds{
	ReminderAfter:    days(7),
	LateRemovalGrace: days(3),
	MaxListingAge:    days(60),
}

type fixture struct {
	t    *testing.T
	db   *sql.DB
	repo repo.Repo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	f := &fixture{t: t, db: conn, repo: repo.Repo{DB: conn}}
	ctx := context.Background()
	require.NoError(t, f.repo.InsertUser(ctx, nil, domain.User{ID: "owner", Name: "Owner", Email: "owner@example.com", CreatedAt: now.Add(-days(400))}))
	require.NoError(t, f.repo.InsertUser(ctx, nil, domain.User{ID: "reader", Name: "Reader", Email: "reader@example.com", CreatedAt: now.Add(-days(400))}))
	return f
}

func (f *fixture) book(id string, status domain.BookStatus, listedAgo time.Duration) {
	f.t.Helper()
	require.NoError(f.t, f.repo.InsertBook(context.Background(), nil, domain.Book{
		ID: id, Title: "Title " + id, OwnerID: "owner", Status: status, ListedAt: now.Add(-listedAgo),
	}))
}

func (f *fixture) reservation(res domain.Reservation) {
	f.t.Helper()
	if res.RequesterID == "" {
		res.RequesterID = "reader"
	}
	require.NoError(f.t, f.repo.InsertReservation(context.Background(), nil, res))
}

func ptr(t time.Time) *time.Time { return &t }

func (f *fixture) apply(task jobs.Task, target jobs.Target) error {
	f.t.Helper()
	return f.applyAt(task, target, jobs.Params{Now: now, Thresholds: thresholds})
}

func (f *fixture) applyAt(task jobs.Task, target jobs.Target, p jobs.Params) error {
	f.t.Helper()
	ctx := context.Background()
	tx, err := f.db.BeginTx(ctx, nil)
	require.NoError(f.t, err)
	defer tx.Rollback()
	if err := task.Apply(ctx, tx, f.repo, target, p); err != nil {
		return err
	}
	return tx.Commit()
}

func ids(targets []jobs.Target) []string {
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		out = append(out, t.ID)
	}
	return out
}

func TestDefaultTasksOrder(t *testing.T) {
	tasks := jobs.DefaultTasks()
	require.Len(t, tasks, 3)
	assert.Equal(t, domain.TaskReminder, tasks[0].Kind)
	assert.Equal(t, domain.TaskLateDonation, tasks[1].Kind)
	assert.Equal(t, domain.TaskShowcaseRemoval, tasks[2].Kind)
	assert.Equal(t, jobs.WindowDaily, tasks[0].Window)
	assert.Equal(t, jobs.WindowOnce, tasks[1].Window)
	assert.Equal(t, jobs.WindowOnce, tasks[2].Window)
}

func TestWindowPeriodKey(t *testing.T) {
	assert.Equal(t, "2024-03-20", jobs.WindowDaily.PeriodKey(now))
	assert.Equal(t, "once", jobs.WindowOnce.PeriodKey(now))

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	late := time.Date(2024, 3, 20, 20, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-21", jobs.WindowDaily.PeriodKey(late.In(tokyo)))
}

func TestReminderEligibility(t *testing.T) {
	f := newFixture(t)
	f.book("b1", domain.BookReserved, days(20))
	f.book("b2", domain.BookReserved, days(20))
	f.book("b3", domain.BookReserved, days(20))
	f.reservation(domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: now.Add(-days(10))})
	f.reservation(domain.Reservation{ID: "r2", BookID: "b2", CreatedAt: now.Add(-days(2))})
	f.reservation(domain.Reservation{ID: "r3", BookID: "b3", CreatedAt: now.Add(-days(10)), ChosenAt: ptr(now.Add(-days(1)))})

	task := jobs.Reminder()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(targets))

	msgs := task.Notify(targets[0])
	require.Len(t, msgs, 1)
	assert.Equal(t, "owner", msgs[0].To.UserID)
	assert.Equal(t, notify.IntentChooseDateReminder, msgs[0].Intent)
	assert.Equal(t, "Reader", msgs[0].Data["requester_name"])

	require.NoError(t, f.apply(task, targets[0]))
}

func TestReminderApplyRejectsStaleTarget(t *testing.T) {
	f := newFixture(t)
	f.book("b1", domain.BookReserved, days(20))
	f.reservation(domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: now.Add(-days(10))})

	task := jobs.Reminder()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	require.Len(t, targets, 1)

	res, err := f.repo.GetReservation(context.Background(), nil, "r1")
	require.NoError(t, err)
	res.ChosenAt = ptr(now)
	require.NoError(t, f.repo.UpdateReservation(context.Background(), nil, res))

	require.ErrorIs(t, f.apply(task, targets[0]), jobs.ErrTargetState)
}

func TestLateDonationFlagsWithoutTouchingBook(t *testing.T) {
	f := newFixture(t)
	f.book("b1", domain.BookReserved, days(20))
	f.book("b2", domain.BookReserved, days(20))
	f.reservation(domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: now.Add(-days(10)),
		ChosenAt: ptr(now.Add(-days(6))), HandoffDueDate: ptr(now.Add(-days(1)))})
	f.reservation(domain.Reservation{ID: "r2", BookID: "b2", CreatedAt: now.Add(-days(10)),
		ChosenAt: ptr(now.Add(-days(1))), HandoffDueDate: ptr(now.Add(days(4)))})

	task := jobs.LateDonation()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	require.Equal(t, []string{"r1"}, ids(targets))

	require.NoError(t, f.apply(task, targets[0]))
	res, err := f.repo.GetReservation(context.Background(), nil, "r1")
	require.NoError(t, err)
	require.NotNil(t, res.FlaggedLateAt)
	assert.Equal(t, now, *res.FlaggedLateAt)

	book, err := f.repo.GetBook(context.Background(), nil, "b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookReserved, book.Status)

	msgs := task.Notify(targets[0])
	require.Len(t, msgs, 2)
	assert.Equal(t, notify.IntentLateDonationOwner, msgs[0].Intent)
	assert.Equal(t, "owner", msgs[0].To.UserID)
	assert.Equal(t, notify.IntentLateDonationRequester, msgs[1].Intent)
	assert.Equal(t, "reader", msgs[1].To.UserID)

	// a second flag attempt finds the reservation already flagged
	require.ErrorIs(t, f.apply(task, targets[0]), jobs.ErrTargetState)
}

func TestLateDonationRejectsConfirmedReservation(t *testing.T) {
	f := newFixture(t)
	f.book("b1", domain.BookReserved, days(20))
	f.reservation(domain.Reservation{ID: "r1", BookID: "b1", CreatedAt: now.Add(-days(10)),
		ChosenAt: ptr(now.Add(-days(6))), HandoffDueDate: ptr(now.Add(-days(1)))})

	task := jobs.LateDonation()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	require.Len(t, targets, 1)

	res, err := f.repo.GetReservation(context.Background(), nil, "r1")
	require.NoError(t, err)
	res.ConfirmedAt = ptr(now)
	require.NoError(t, f.repo.UpdateReservation(context.Background(), nil, res))

	require.ErrorIs(t, f.apply(task, targets[0]), jobs.ErrTargetState)
}

func TestShowcaseRemovalEligibility(t *testing.T) {
	f := newFixture(t)
	f.book("old-free", domain.BookAvailable, days(90))
	f.book("young", domain.BookAvailable, days(10))
	f.book("old-live", domain.BookReserved, days(90))
	f.book("old-flagged-recent", domain.BookReserved, days(90))
	f.book("old-flagged-long", domain.BookReserved, days(90))
	f.book("old-donated", domain.BookDonated, days(90))
	f.reservation(domain.Reservation{ID: "r-live", BookID: "old-live", CreatedAt: now.Add(-days(5))})
	f.reservation(domain.Reservation{ID: "r-recent", BookID: "old-flagged-recent", CreatedAt: now.Add(-days(20)),
		ChosenAt: ptr(now.Add(-days(10))), HandoffDueDate: ptr(now.Add(-days(5))), FlaggedLateAt: ptr(now.Add(-days(1)))})
	f.reservation(domain.Reservation{ID: "r-long", BookID: "old-flagged-long", CreatedAt: now.Add(-days(20)),
		ChosenAt: ptr(now.Add(-days(10))), HandoffDueDate: ptr(now.Add(-days(5))), FlaggedLateAt: ptr(now.Add(-days(4)))})

	task := jobs.ShowcaseRemoval()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	assert.Equal(t, []string{"old-flagged-long", "old-free"}, ids(targets))
	assert.Nil(t, targets[1].Book.Live)
	require.NotNil(t, targets[0].Book.Live)
	assert.Equal(t, "r-long", targets[0].Book.Live.ID)

	for _, target := range targets {
		require.NoError(t, f.apply(task, target))
		book, err := f.repo.GetBook(context.Background(), nil, target.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BookRemoved, book.Status)
	}

	msgs := task.Notify(targets[0])
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.IntentBookRemoved, msgs[0].Intent)

	// removed books are never eligible again
	targets, err = task.Eligible(context.Background(), f.repo, jobs.Params{Now: now.Add(days(30)), Thresholds: thresholds})
	require.NoError(t, err)
	assert.NotContains(t, ids(targets), "old-free")
	assert.NotContains(t, ids(targets), "old-flagged-long")
}

func TestShowcaseRemovalRequiresAgeBeyondMaximum(t *testing.T) {
	f := newFixture(t)
	f.book("edge", domain.BookAvailable, thresholds.MaxListingAge)
	f.book("past", domain.BookAvailable, thresholds.MaxListingAge+time.Second)

	task := jobs.ShowcaseRemoval()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	assert.Equal(t, []string{"past"}, ids(targets))

	// a target computed a second later is re-checked against the exact age
	later := jobs.Params{Now: now.Add(time.Second), Thresholds: thresholds}
	targets, err = task.Eligible(context.Background(), f.repo, later)
	require.NoError(t, err)
	require.Equal(t, []string{"edge", "past"}, ids(targets))
	require.ErrorIs(t, f.applyAt(task, targets[0], jobs.Params{Now: now, Thresholds: thresholds}), jobs.ErrTargetState)
	require.NoError(t, f.applyAt(task, targets[0], later))
}

func TestShowcaseRemovalRejectsTerminalBook(t *testing.T) {
	f := newFixture(t)
	f.book("b1", domain.BookAvailable, days(90))

	task := jobs.ShowcaseRemoval()
	targets, err := task.Eligible(context.Background(), f.repo, jobs.Params{Now: now, Thresholds: thresholds})
	require.NoError(t, err)
	require.Len(t, targets, 1)

	require.NoError(t, f.repo.SetBookStatus(context.Background(), nil, "b1", domain.BookAvailable, domain.BookRemoved))
	require.ErrorIs(t, f.apply(task, targets[0]), jobs.ErrTargetState)
}
