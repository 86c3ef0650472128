package domain

import (
	"time"

	"github.com/cockroachdb/errors"
)

// BookStatus is the showcase state of a listed book.
type BookStatus string

const (
	BookAvailable BookStatus = "available"
	BookReserved  BookStatus = "reserved"
	BookDonated   BookStatus = "donated"
	BookRemoved   BookStatus = "removed"
)

var ErrInvalidTransition = errors.New("invalid book status transition")

// Terminal reports whether no transition may leave the status.
func (s BookStatus) Terminal() bool {
	return s == BookDonated || s == BookRemoved
}

// Valid reports whether s is a known status.
func (s BookStatus) Valid() bool {
	switch s {
	case BookAvailable, BookReserved, BookDonated, BookRemoved:
		return true
	}
	return false
}

var bookTransitions = map[BookStatus][]BookStatus{
	BookAvailable: {BookReserved, BookRemoved},
	BookReserved:  {BookAvailable, BookDonated, BookRemoved},
}

// EnsureTransition returns ErrInvalidTransition unless from -> to is allowed.
func EnsureTransition(from, to BookStatus) error {
	for _, next := range bookTransitions[from] {
		if next == to {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", from, to)
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

type Book struct {
	ID       string     `json:"id"`
	Title    string     `json:"title"`
	Author   string     `json:"author,omitempty"`
	OwnerID  string     `json:"owner_id"`
	Status   BookStatus `json:"status" enum:"available,reserved,donated,removed"`
	ListedAt time.Time  `json:"listed_at" format:"date-time"`
}

// Reservation links a requesting user to a book. A book has at most one
// reservation with a nil ConfirmedAt.
type Reservation struct {
	ID             string     `json:"id"`
	BookID         string     `json:"book_id"`
	RequesterID    string     `json:"requester_id"`
	CreatedAt      time.Time  `json:"created_at" format:"date-time"`
	ChosenAt       *time.Time `json:"chosen_at,omitempty" format:"date-time"`
	HandoffDueDate *time.Time `json:"handoff_due_date,omitempty" format:"date-time"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty" format:"date-time"`
	FlaggedLateAt  *time.Time `json:"flagged_late_at,omitempty" format:"date-time"`
}

// Live reports whether the reservation is the book's open hand-off path.
func (r Reservation) Live() bool {
	return r.ConfirmedAt == nil
}

// TaskKind identifies a lifecycle task variant.
type TaskKind string

const (
	TaskReminder        TaskKind = "reminder"
	TaskLateDonation    TaskKind = "late_donation"
	TaskShowcaseRemoval TaskKind = "showcase_removal"
)

func (k TaskKind) Valid() bool {
	switch k {
	case TaskReminder, TaskLateDonation, TaskShowcaseRemoval:
		return true
	}
	return false
}

// TargetKind tags the entity a history entry refers to.
type TargetKind string

const (
	TargetBook        TargetKind = "book"
	TargetReservation TargetKind = "reservation"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeSuccess, OutcomeSkipped, OutcomeFailed:
		return true
	}
	return false
}

// HistoryEntry is one append-only row of the job history ledger.
type HistoryEntry struct {
	ID         int64      `json:"id"`
	CycleID    string     `json:"cycle_id"`
	TaskKind   TaskKind   `json:"task_kind" enum:"reminder,late_donation,showcase_removal"`
	TargetKind TargetKind `json:"target_kind" enum:"book,reservation"`
	TargetID   string     `json:"target_id"`
	PeriodKey  string     `json:"period_key"`
	ExecutedAt time.Time  `json:"executed_at" format:"date-time"`
	Outcome    Outcome    `json:"outcome" enum:"success,skipped,failed"`
	Details    string     `json:"details,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// Notification is an outbox record handed to the mail transport.
type Notification struct {
	ID          int64     `json:"id"`
	RecipientID string    `json:"recipient_id"`
	Email       string    `json:"email"`
	Intent      string    `json:"intent"`
	ContextJSON string    `json:"context_json"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
