package repo

import (
	"context"
	"database/sql"
	"time"

	"sharebook/internal/domain"
)

// ReservationCandidate is a reservation joined with everything a task needs
// to act on it and notify about it.
type ReservationCandidate struct {
	Reservation domain.Reservation
	Book        domain.Book
	Owner       domain.User
	Requester   domain.User
}

// BookCandidate is a listed book with its owner and live reservation, if any.
type BookCandidate struct {
	Book  domain.Book
	Owner domain.User
	Live  *domain.Reservation
}

type userScan struct {
	u       domain.User
	created string
}

func (s *userScan) dest() []any {
	return []any{&s.u.ID, &s.u.Name, &s.u.Email, &s.created}
}

func (s *userScan) user() (domain.User, error) {
	t, err := parseTS(s.created)
	s.u.CreatedAt = t
	return s.u, err
}

const reservationCandidateSelect = `SELECT ` + reservationColumns + `,` + bookColumns + `,
 o.id,o.name,o.email,o.created_at, q.id,q.name,q.email,q.created_at
FROM reservations r
JOIN books b ON b.id = r.book_id
JOIN users o ON o.id = b.owner_id
JOIN users q ON q.id = r.requester_id`

func (r Repo) reservationCandidates(ctx context.Context, where string, args ...any) ([]ReservationCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, reservationCandidateSelect+` WHERE `+where+` ORDER BY r.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReservationCandidate
	for rows.Next() {
		var c ReservationCandidate
		var status, listed string
		var owner, requester userScan
		extra := []any{&c.Book.ID, &c.Book.Title, &c.Book.Author, &c.Book.OwnerID, &status, &listed}
		extra = append(extra, owner.dest()...)
		extra = append(extra, requester.dest()...)
		res, err := scanReservation(rows, extra...)
		if err != nil {
			return nil, err
		}
		c.Reservation = res
		c.Book.Status = domain.BookStatus(status)
		if c.Book.ListedAt, err = parseTS(listed); err != nil {
			return nil, err
		}
		if c.Owner, err = owner.user(); err != nil {
			return nil, err
		}
		if c.Requester, err = requester.user(); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UndatedReservations returns live reservations on reserved books that were
// created at or before createdBefore and still have no hand-off date.
func (r Repo) UndatedReservations(ctx context.Context, createdBefore time.Time) ([]ReservationCandidate, error) {
	return r.reservationCandidates(ctx,
		`r.chosen_at IS NULL AND r.confirmed_at IS NULL AND b.status = 'reserved' AND r.created_at <= ?`,
		TS(createdBefore))
}

// OverdueReservations returns dated, unconfirmed reservations whose hand-off
// due date is before now, on books still in the showcase.
func (r Repo) OverdueReservations(ctx context.Context, now time.Time) ([]ReservationCandidate, error) {
	return r.reservationCandidates(ctx,
		`r.chosen_at IS NOT NULL AND r.confirmed_at IS NULL AND r.handoff_due_date IS NOT NULL
 AND r.handoff_due_date < ? AND b.status IN ('available','reserved')`,
		TS(now))
}

// StaleListings returns showcase books listed strictly before listedBefore whose
// live reservation is absent or was flagged late at or before flaggedBefore.
func (r Repo) StaleListings(ctx context.Context, listedBefore, flaggedBefore time.Time) ([]BookCandidate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+bookColumns+`, o.id,o.name,o.email,o.created_at,
 r.id,r.book_id,r.requester_id,r.created_at,r.chosen_at,r.handoff_due_date,r.confirmed_at,r.flagged_late_at
FROM books b
JOIN users o ON o.id = b.owner_id
LEFT JOIN reservations r ON r.book_id = b.id AND r.confirmed_at IS NULL
WHERE b.status IN ('available','reserved') AND b.listed_at < ?
 AND (r.id IS NULL OR (r.flagged_late_at IS NOT NULL AND r.flagged_late_at <= ?))
ORDER BY b.id`, TS(listedBefore), TS(flaggedBefore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BookCandidate
	for rows.Next() {
		var c BookCandidate
		var owner userScan
		var rid, rbook, rreq, rcreated, chosen, due, confirmed, flagged sql.NullString
		extra := append(owner.dest(), &rid, &rbook, &rreq, &rcreated, &chosen, &due, &confirmed, &flagged)
		book, err := scanBook(rows, extra...)
		if err != nil {
			return nil, err
		}
		c.Book = book
		if c.Owner, err = owner.user(); err != nil {
			return nil, err
		}
		if rid.Valid {
			live := domain.Reservation{ID: rid.String, BookID: rbook.String, RequesterID: rreq.String}
			if live.CreatedAt, err = parseTS(rcreated.String); err != nil {
				return nil, err
			}
			if live.ChosenAt, err = parseNullTS(chosen); err != nil {
				return nil, err
			}
			if live.HandoffDueDate, err = parseNullTS(due); err != nil {
				return nil, err
			}
			if live.FlaggedLateAt, err = parseNullTS(flagged); err != nil {
				return nil, err
			}
			c.Live = &live
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
