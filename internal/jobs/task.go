// Package jobs defines the lifecycle-enforcement task variants. Each variant
// is a plain record of an eligibility query, an in-transaction effect, a
// dedup window and the notifications it plans; the executor runs them in the
// order DefaultTasks returns.
package jobs

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"sharebook/internal/domain"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

// ErrTargetState marks a target whose fresh state no longer satisfies the
// variant's preconditions.
var ErrTargetState = errors.New("target state does not allow effect")

// Store is what the variants need from the entity store. Methods taking a
// transaction must use it.
type Store interface {
	UndatedReservations(ctx context.Context, createdBefore time.Time) ([]repo.ReservationCandidate, error)
	OverdueReservations(ctx context.Context, now time.Time) ([]repo.ReservationCandidate, error)
	StaleListings(ctx context.Context, listedBefore, flaggedBefore time.Time) ([]repo.BookCandidate, error)

	GetBook(ctx context.Context, tx *sql.Tx, id string) (domain.Book, error)
	GetReservation(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error)
	LiveReservation(ctx context.Context, tx *sql.Tx, bookID string) (domain.Reservation, error)
	FlagLate(ctx context.Context, tx *sql.Tx, id string, at time.Time) error
	SetBookStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.BookStatus) error
}

var _ Store = repo.Repo{}

// Thresholds are the named durations a cycle evaluates eligibility with.
type Thresholds struct {
	ReminderAfter    time.Duration
	LateRemovalGrace time.Duration
	MaxListingAge    time.Duration
}

// Params is the cycle-wide input handed to every variant.
type Params struct {
	Now        time.Time
	Thresholds Thresholds
}

// Window is the dedup period of a variant.
type Window int

const (
	// WindowOnce allows one success per target, ever.
	WindowOnce Window = iota
	// WindowDaily allows one success per target per calendar day of now's location.
	WindowDaily
)

const oncePeriod = "once"

// PeriodKey names the dedup bucket now falls into.
func (w Window) PeriodKey(now time.Time) string {
	if w == WindowDaily {
		return now.Format("2006-01-02")
	}
	return oncePeriod
}

func (w Window) String() string {
	if w == WindowDaily {
		return "daily"
	}
	return oncePeriod
}

// Target is one entity a variant acts on. Exactly one of Reservation and
// Book is set, matching Kind.
type Target struct {
	ID          string
	Kind        domain.TargetKind
	Reservation *repo.ReservationCandidate
	Book        *repo.BookCandidate
}

type Task struct {
	Kind       domain.TaskKind
	TargetKind domain.TargetKind
	Window     Window
	// Eligible queries candidates outside any transaction.
	Eligible func(ctx context.Context, s Store, p Params) ([]Target, error)
	// Apply re-reads the target inside tx and performs the effect.
	Apply func(ctx context.Context, tx *sql.Tx, s Store, t Target, p Params) error
	// Notify plans the messages sent after a committed success.
	Notify func(t Target) []notify.Message
}

// DefaultTasks returns the variants in execution order. LateDonation must
// precede ShowcaseRemoval: removal eligibility reads the late flag.
func DefaultTasks() []Task {
	return []Task{Reminder(), LateDonation(), ShowcaseRemoval()}
}

func reservationTargets(cands []repo.ReservationCandidate) []Target {
	out := make([]Target, 0, len(cands))
	for i := range cands {
		c := cands[i]
		out = append(out, Target{ID: c.Reservation.ID, Kind: domain.TargetReservation, Reservation: &c})
	}
	return out
}

func recipient(u domain.User) notify.Recipient {
	return notify.Recipient{UserID: u.ID, Name: u.Name, Email: u.Email}
}

func stateErr(format string, args ...any) error {
	return errors.Wrapf(ErrTargetState, format, args...)
}

// liveReservation re-reads a reservation and its book, rejecting anything
// that left the open hand-off path.
func liveReservation(ctx context.Context, tx *sql.Tx, s Store, id string) (domain.Reservation, domain.Book, error) {
	res, err := s.GetReservation(ctx, tx, id)
	if err != nil {
		return res, domain.Book{}, err
	}
	if !res.Live() {
		return res, domain.Book{}, stateErr("reservation %s already confirmed", id)
	}
	book, err := s.GetBook(ctx, tx, res.BookID)
	if err != nil {
		return res, book, err
	}
	if book.Status.Terminal() {
		return res, book, stateErr("book %s is %s", book.ID, book.Status)
	}
	return res, book, nil
}
