// Package ledger is the append-only job history. It answers "has this task
// already succeeded for this target in this period" and records every
// attempt, always inside the caller's transaction.
package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"sharebook/internal/domain"
)

// ErrAlreadySucceeded is returned by Record when another writer committed a
// success for the same task, target and period first.
var ErrAlreadySucceeded = errors.New("task already succeeded for target in period")

const sqliteConstraintUnique = 2067

type Ledger struct {
	DB  *sql.DB
	Now func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now().UTC()
	}
	return time.Now().UTC()
}

// HasSucceeded reports whether a success entry exists for the dedup bucket.
func (l Ledger) HasSucceeded(ctx context.Context, tx *sql.Tx, kind domain.TaskKind, targetID, periodKey string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM job_history WHERE task_kind=? AND target_id=? AND period_key=? AND outcome='success'`,
		string(kind), targetID, periodKey).Scan(&n)
	if err != nil {
		return false, errors.Wrap(err, "query job history")
	}
	return n > 0, nil
}

// Record appends one entry and returns its sequence id.
func (l Ledger) Record(ctx context.Context, tx *sql.Tx, e domain.HistoryEntry) (int64, error) {
	if !e.TaskKind.Valid() {
		return 0, errors.Newf("invalid task kind %q", e.TaskKind)
	}
	if !e.Outcome.Valid() {
		return 0, errors.Newf("invalid outcome %q", e.Outcome)
	}
	if e.TargetID == "" || e.PeriodKey == "" {
		return 0, errors.New("target_id and period_key are required")
	}
	if e.ExecutedAt.IsZero() {
		e.ExecutedAt = l.now()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO job_history(cycle_id,task_kind,target_kind,target_id,period_key,executed_at,outcome,details,duration_ms) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.CycleID, string(e.TaskKind), string(e.TargetKind), e.TargetID, e.PeriodKey,
		e.ExecutedAt.UTC().Format(time.RFC3339), string(e.Outcome), nullable(e.Details), e.DurationMs)
	if err != nil {
		if e.Outcome == domain.OutcomeSuccess && isUniqueViolation(err) {
			return 0, errors.Wrapf(ErrAlreadySucceeded, "%s %s %s", e.TaskKind, e.TargetID, e.PeriodKey)
		}
		return 0, errors.Wrap(err, "insert job history")
	}
	return res.LastInsertId()
}

func isUniqueViolation(err error) bool {
	var coded interface{ Code() int }
	if errors.As(err, &coded) && coded.Code() == sqliteConstraintUnique {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Filter narrows List. Cursor is the last seen entry id; results continue
// strictly after it in descending id order.
type Filter struct {
	TaskKind domain.TaskKind
	TargetID string
	Outcome  domain.Outcome
	CycleID  string
	Limit    int
	Cursor   int64
}

const historyColumns = `id,cycle_id,task_kind,target_kind,target_id,period_key,executed_at,outcome,COALESCE(details,''),duration_ms`

// List returns entries newest first.
func (l Ledger) List(ctx context.Context, f Filter) ([]domain.HistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.TaskKind != "" {
		clauses = append(clauses, "task_kind=?")
		args = append(args, string(f.TaskKind))
	}
	if f.TargetID != "" {
		clauses = append(clauses, "target_id=?")
		args = append(args, f.TargetID)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, string(f.Outcome))
	}
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := `SELECT ` + historyColumns + ` FROM job_history WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return l.query(ctx, query, args...)
}

// Sequence returns one cycle's entries in the order they were written.
func (l Ledger) Sequence(ctx context.Context, cycleID string) ([]domain.HistoryEntry, error) {
	return l.query(ctx, `SELECT `+historyColumns+` FROM job_history WHERE cycle_id=? ORDER BY id`, cycleID)
}

func (l Ledger) query(ctx context.Context, query string, args ...any) ([]domain.HistoryEntry, error) {
	rows, err := l.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.HistoryEntry
	for rows.Next() {
		var e domain.HistoryEntry
		var kind, targetKind, outcome, executed string
		if err := rows.Scan(&e.ID, &e.CycleID, &kind, &targetKind, &e.TargetID, &e.PeriodKey, &executed, &outcome, &e.Details, &e.DurationMs); err != nil {
			return nil, err
		}
		e.TaskKind = domain.TaskKind(kind)
		e.TargetKind = domain.TargetKind(targetKind)
		e.Outcome = domain.Outcome(outcome)
		if e.ExecutedAt, err = time.Parse(time.RFC3339, executed); err != nil {
			return nil, errors.Wrapf(err, "job history %d executed_at", e.ID)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
