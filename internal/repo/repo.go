package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"sharebook/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

// Ping checks the store is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}

// TS formats a timestamp the way every table stores it.
func TS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parse timestamp %q", s)
	}
	return t.UTC(), nil
}

func parseNullTS(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTS(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return TS(*t)
}

// --- users ---

func (r Repo) InsertUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO users(id,name,email,created_at) VALUES (?,?,?,?)`,
		u.ID, u.Name, strings.ToLower(strings.TrimSpace(u.Email)), TS(u.CreatedAt))
	return err
}

func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	var u domain.User
	var created string
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,name,email,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.Name, &u.Email, &created)
	if err == sql.ErrNoRows {
		return u, errors.Wrapf(ErrNotFound, "user %s", id)
	}
	if err != nil {
		return u, err
	}
	u.CreatedAt, err = parseTS(created)
	return u, err
}

// --- books ---

const bookColumns = `b.id,b.title,COALESCE(b.author,''),b.owner_id,b.status,b.listed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner, extra ...any) (domain.Book, error) {
	var b domain.Book
	var status, listed string
	dest := append([]any{&b.ID, &b.Title, &b.Author, &b.OwnerID, &status, &listed}, extra...)
	if err := row.Scan(dest...); err != nil {
		return b, err
	}
	b.Status = domain.BookStatus(status)
	var err error
	b.ListedAt, err = parseTS(listed)
	return b, err
}

func (r Repo) InsertBook(ctx context.Context, tx *sql.Tx, b domain.Book) error {
	if !b.Status.Valid() {
		return errors.Newf("invalid book status %q", b.Status)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO books(id,title,author,owner_id,status,listed_at) VALUES (?,?,?,?,?,?)`,
		b.ID, b.Title, nullable(b.Author), b.OwnerID, string(b.Status), TS(b.ListedAt))
	return err
}

func (r Repo) GetBook(ctx context.Context, tx *sql.Tx, id string) (domain.Book, error) {
	b, err := scanBook(r.q(tx).QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books b WHERE b.id=?`, id))
	if err == sql.ErrNoRows {
		return b, errors.Wrapf(ErrNotFound, "book %s", id)
	}
	return b, err
}

type BookFilters struct {
	Status  domain.BookStatus
	OwnerID string
	Limit   int
}

func (r Repo) ListBooks(ctx context.Context, f BookFilters) ([]domain.Book, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "b.status=?")
		args = append(args, string(f.Status))
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "b.owner_id=?")
		args = append(args, f.OwnerID)
	}
	query := `SELECT ` + bookColumns + ` FROM books b WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY b.listed_at DESC, b.id`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// SetBookStatus moves a book from one status to another. The write only
// lands if the row still holds the expected status.
func (r Repo) SetBookStatus(ctx context.Context, tx *sql.Tx, id string, from, to domain.BookStatus) error {
	if err := domain.EnsureTransition(from, to); err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE books SET status=? WHERE id=? AND status=?`, string(to), id, string(from))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("book %s is no longer %s", id, from)
	}
	return nil
}

// --- reservations ---

const reservationColumns = `r.id,r.book_id,r.requester_id,r.created_at,r.chosen_at,r.handoff_due_date,r.confirmed_at,r.flagged_late_at`

func scanReservation(row rowScanner, extra ...any) (domain.Reservation, error) {
	var res domain.Reservation
	var created string
	var chosen, due, confirmed, flagged sql.NullString
	dest := append([]any{&res.ID, &res.BookID, &res.RequesterID, &created, &chosen, &due, &confirmed, &flagged}, extra...)
	if err := row.Scan(dest...); err != nil {
		return res, err
	}
	var err error
	if res.CreatedAt, err = parseTS(created); err != nil {
		return res, err
	}
	if res.ChosenAt, err = parseNullTS(chosen); err != nil {
		return res, err
	}
	if res.HandoffDueDate, err = parseNullTS(due); err != nil {
		return res, err
	}
	if res.ConfirmedAt, err = parseNullTS(confirmed); err != nil {
		return res, err
	}
	res.FlaggedLateAt, err = parseNullTS(flagged)
	return res, err
}

func (r Repo) InsertReservation(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO reservations(id,book_id,requester_id,created_at,chosen_at,handoff_due_date,confirmed_at,flagged_late_at) VALUES (?,?,?,?,?,?,?,?)`,
		res.ID, res.BookID, res.RequesterID, TS(res.CreatedAt), nullableTime(res.ChosenAt), nullableTime(res.HandoffDueDate),
		nullableTime(res.ConfirmedAt), nullableTime(res.FlaggedLateAt))
	return err
}

func (r Repo) GetReservation(ctx context.Context, tx *sql.Tx, id string) (domain.Reservation, error) {
	res, err := scanReservation(r.q(tx).QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations r WHERE r.id=?`, id))
	if err == sql.ErrNoRows {
		return res, errors.Wrapf(ErrNotFound, "reservation %s", id)
	}
	return res, err
}

// LiveReservation returns the book's reservation with no confirmation yet.
func (r Repo) LiveReservation(ctx context.Context, tx *sql.Tx, bookID string) (domain.Reservation, error) {
	res, err := scanReservation(r.q(tx).QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations r WHERE r.book_id=? AND r.confirmed_at IS NULL`, bookID))
	if err == sql.ErrNoRows {
		return res, errors.Wrapf(ErrNotFound, "live reservation for book %s", bookID)
	}
	return res, err
}

func (r Repo) ListReservations(ctx context.Context, bookID string) ([]domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations r`
	var args []any
	if bookID != "" {
		query += ` WHERE r.book_id=?`
		args = append(args, bookID)
	}
	query += ` ORDER BY r.created_at DESC, r.id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// UpdateReservation writes the mutable hand-off fields.
func (r Repo) UpdateReservation(ctx context.Context, tx *sql.Tx, res domain.Reservation) error {
	result, err := r.q(tx).ExecContext(ctx, `UPDATE reservations SET chosen_at=?, handoff_due_date=?, confirmed_at=?, flagged_late_at=? WHERE id=?`,
		nullableTime(res.ChosenAt), nullableTime(res.HandoffDueDate), nullableTime(res.ConfirmedAt), nullableTime(res.FlaggedLateAt), res.ID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrNotFound, "reservation %s", res.ID)
	}
	return nil
}

// FlagLate sets flagged_late_at once; an already flagged or confirmed
// reservation is left untouched and reported.
func (r Repo) FlagLate(ctx context.Context, tx *sql.Tx, id string, at time.Time) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE reservations SET flagged_late_at=? WHERE id=? AND confirmed_at IS NULL AND flagged_late_at IS NULL`, TS(at), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf("reservation %s cannot be flagged late", id)
	}
	return nil
}
