package jobs

import (
	"context"
	"database/sql"
	"time"

	"sharebook/internal/domain"
	"sharebook/internal/notify"
)

// LateDonation flags dated reservations whose hand-off due date passed
// without confirmation. The book status is left alone.
func LateDonation() Task {
	return Task{
		Kind:       domain.TaskLateDonation,
		TargetKind: domain.TargetReservation,
		Window:     WindowOnce,
		Eligible: func(ctx context.Context, s Store, p Params) ([]Target, error) {
			cands, err := s.OverdueReservations(ctx, p.Now)
			if err != nil {
				return nil, err
			}
			return reservationTargets(cands), nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx, s Store, t Target, p Params) error {
			res, _, err := liveReservation(ctx, tx, s, t.ID)
			if err != nil {
				return err
			}
			if res.ChosenAt == nil || res.HandoffDueDate == nil {
				return stateErr("reservation %s has no hand-off date", res.ID)
			}
			if !p.Now.After(*res.HandoffDueDate) {
				return stateErr("reservation %s is not overdue", res.ID)
			}
			if res.FlaggedLateAt != nil {
				return stateErr("reservation %s already flagged late", res.ID)
			}
			return s.FlagLate(ctx, tx, res.ID, p.Now)
		},
		Notify: func(t Target) []notify.Message {
			c := t.Reservation
			data := notify.Data{
				"book_id":        c.Book.ID,
				"book_title":     c.Book.Title,
				"reservation_id": c.Reservation.ID,
				"owner_name":     c.Owner.Name,
				"requester_name": c.Requester.Name,
			}
			if c.Reservation.HandoffDueDate != nil {
				data["handoff_due_date"] = c.Reservation.HandoffDueDate.UTC().Format(time.RFC3339)
			}
			return []notify.Message{
				{To: recipient(c.Owner), Intent: notify.IntentLateDonationOwner, Data: data},
				{To: recipient(c.Requester), Intent: notify.IntentLateDonationRequester, Data: data},
			}
		},
	}
}
