package jobs

import (
	"context"
	"database/sql"

	"sharebook/internal/domain"
	"sharebook/internal/notify"
)

// Reminder nudges owners whose reserved book still has no hand-off date.
func Reminder() Task {
	return Task{
		Kind:       domain.TaskReminder,
		TargetKind: domain.TargetReservation,
		Window:     WindowDaily,
		Eligible: func(ctx context.Context, s Store, p Params) ([]Target, error) {
			cands, err := s.UndatedReservations(ctx, p.Now.Add(-p.Thresholds.ReminderAfter))
			if err != nil {
				return nil, err
			}
			return reservationTargets(cands), nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx, s Store, t Target, p Params) error {
			res, book, err := liveReservation(ctx, tx, s, t.ID)
			if err != nil {
				return err
			}
			if res.ChosenAt != nil {
				return stateErr("reservation %s already has a hand-off date", res.ID)
			}
			if book.Status != domain.BookReserved {
				return stateErr("book %s is %s, not reserved", book.ID, book.Status)
			}
			return nil
		},
		Notify: func(t Target) []notify.Message {
			c := t.Reservation
			return []notify.Message{{
				To:     recipient(c.Owner),
				Intent: notify.IntentChooseDateReminder,
				Data: notify.Data{
					"book_id":        c.Book.ID,
					"book_title":     c.Book.Title,
					"reservation_id": c.Reservation.ID,
					"requester_name": c.Requester.Name,
				},
			}}
		},
	}
}
