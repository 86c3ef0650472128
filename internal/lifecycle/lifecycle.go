// Package lifecycle holds the user-driven donation workflows: listing a book,
// requesting it, choosing a hand-off date and confirming the donation. The
// job engine only enforces deadlines on the state these workflows produce.
package lifecycle

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"sharebook/internal/domain"
	"sharebook/internal/repo"
)

var ErrAlreadyReserved = errors.New("book already has a live reservation")

type Service struct {
	DB   *sql.DB
	Repo repo.Repo
	// HandoffGrace is added to the chosen date to derive the hand-off due date.
	HandoffGrace time.Duration
	Now          func() time.Time
}

func New(db *sql.DB, handoffGrace time.Duration) Service {
	return Service{DB: db, Repo: repo.Repo{DB: db}, HandoffGrace: handoffGrace, Now: time.Now}
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s Service) CreateUser(ctx context.Context, name, email string) (domain.User, error) {
	if strings.TrimSpace(name) == "" {
		return domain.User{}, errors.New("name is required")
	}
	if !strings.Contains(email, "@") {
		return domain.User{}, errors.Newf("invalid email %q", email)
	}
	u := domain.User{ID: uuid.NewString(), Name: name, Email: strings.ToLower(strings.TrimSpace(email)), CreatedAt: s.now()}
	if err := s.Repo.InsertUser(ctx, nil, u); err != nil {
		return domain.User{}, errors.Wrap(err, "insert user")
	}
	return u, nil
}

// ListBook puts a book in the showcase as available.
func (s Service) ListBook(ctx context.Context, ownerID, title, author string) (domain.Book, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Book{}, errors.New("title is required")
	}
	if _, err := s.Repo.GetUser(ctx, nil, ownerID); err != nil {
		return domain.Book{}, err
	}
	b := domain.Book{
		ID:       uuid.NewString(),
		Title:    title,
		Author:   author,
		OwnerID:  ownerID,
		Status:   domain.BookAvailable,
		ListedAt: s.now(),
	}
	if err := s.Repo.InsertBook(ctx, nil, b); err != nil {
		return domain.Book{}, errors.Wrap(err, "insert book")
	}
	return b, nil
}

// Request reserves an available book for the requester.
func (s Service) Request(ctx context.Context, bookID, requesterID string) (domain.Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()

	b, err := s.Repo.GetBook(ctx, tx, bookID)
	if err != nil {
		return domain.Reservation{}, err
	}
	if b.OwnerID == requesterID {
		return domain.Reservation{}, errors.New("owner cannot request their own book")
	}
	if _, err := s.Repo.GetUser(ctx, tx, requesterID); err != nil {
		return domain.Reservation{}, err
	}
	if _, err := s.Repo.LiveReservation(ctx, tx, bookID); err == nil {
		return domain.Reservation{}, ErrAlreadyReserved
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Reservation{}, err
	}
	if err := s.Repo.SetBookStatus(ctx, tx, bookID, b.Status, domain.BookReserved); err != nil {
		return domain.Reservation{}, err
	}
	res := domain.Reservation{ID: uuid.NewString(), BookID: bookID, RequesterID: requesterID, CreatedAt: s.now()}
	if err := s.Repo.InsertReservation(ctx, tx, res); err != nil {
		return domain.Reservation{}, errors.Wrap(err, "insert reservation")
	}
	if err := tx.Commit(); err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// ChooseDate records the owner's hand-off commitment.
func (s Service) ChooseDate(ctx context.Context, reservationID string, chosen time.Time) (domain.Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()

	res, err := s.Repo.GetReservation(ctx, tx, reservationID)
	if err != nil {
		return res, err
	}
	if !res.Live() {
		return res, errors.Newf("reservation %s already confirmed", reservationID)
	}
	b, err := s.Repo.GetBook(ctx, tx, res.BookID)
	if err != nil {
		return res, err
	}
	if b.Status != domain.BookReserved {
		return res, errors.Newf("book %s is %s, not reserved", b.ID, b.Status)
	}
	chosen = chosen.UTC()
	due := chosen.Add(s.HandoffGrace)
	res.ChosenAt = &chosen
	res.HandoffDueDate = &due
	if err := s.Repo.UpdateReservation(ctx, tx, res); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// Confirm completes the donation: the reservation is confirmed and the book
// leaves the showcase as donated.
func (s Service) Confirm(ctx context.Context, reservationID string) (domain.Reservation, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer tx.Rollback()

	res, err := s.Repo.GetReservation(ctx, tx, reservationID)
	if err != nil {
		return res, err
	}
	if !res.Live() {
		return res, errors.Newf("reservation %s already confirmed", reservationID)
	}
	if res.ChosenAt == nil {
		return res, errors.Newf("reservation %s has no hand-off date", reservationID)
	}
	if err := s.Repo.SetBookStatus(ctx, tx, res.BookID, domain.BookReserved, domain.BookDonated); err != nil {
		return res, err
	}
	now := s.now()
	res.ConfirmedAt = &now
	if err := s.Repo.UpdateReservation(ctx, tx, res); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
