package jobs

import (
	"context"
	"database/sql"

	"github.com/cockroachdb/errors"

	"sharebook/internal/domain"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

// ShowcaseRemoval retires listings older than the maximum listing age that
// have no live reservation, or whose live reservation was flagged late more
// than the removal grace ago.
func ShowcaseRemoval() Task {
	return Task{
		Kind:       domain.TaskShowcaseRemoval,
		TargetKind: domain.TargetBook,
		Window:     WindowOnce,
		Eligible: func(ctx context.Context, s Store, p Params) ([]Target, error) {
			th := p.Thresholds
			cands, err := s.StaleListings(ctx, p.Now.Add(-th.MaxListingAge), p.Now.Add(-th.LateRemovalGrace))
			if err != nil {
				return nil, err
			}
			out := make([]Target, 0, len(cands))
			for i := range cands {
				c := cands[i]
				out = append(out, Target{ID: c.Book.ID, Kind: domain.TargetBook, Book: &c})
			}
			return out, nil
		},
		Apply: func(ctx context.Context, tx *sql.Tx, s Store, t Target, p Params) error {
			book, err := s.GetBook(ctx, tx, t.ID)
			if err != nil {
				return err
			}
			if book.Status != domain.BookAvailable && book.Status != domain.BookReserved {
				return stateErr("book %s is %s", book.ID, book.Status)
			}
			if p.Now.Sub(book.ListedAt) <= p.Thresholds.MaxListingAge {
				return stateErr("book %s listed at %s is within the listing window", book.ID, book.ListedAt)
			}
			live, err := s.LiveReservation(ctx, tx, book.ID)
			switch {
			case errors.Is(err, repo.ErrNotFound):
			case err != nil:
				return err
			case live.FlaggedLateAt == nil:
				return stateErr("book %s has a live reservation %s", book.ID, live.ID)
			case p.Now.Sub(*live.FlaggedLateAt) < p.Thresholds.LateRemovalGrace:
				return stateErr("reservation %s is within the late removal grace", live.ID)
			}
			return s.SetBookStatus(ctx, tx, book.ID, book.Status, domain.BookRemoved)
		},
		Notify: func(t Target) []notify.Message {
			c := t.Book
			return []notify.Message{{
				To:     recipient(c.Owner),
				Intent: notify.IntentBookRemoved,
				Data: notify.Data{
					"book_id":    c.Book.ID,
					"book_title": c.Book.Title,
				},
			}}
		},
	}
}
