// Package engine runs lifecycle-enforcement cycles. One cycle walks the task
// variants in order; each target of a variant gets its own transaction
// holding the ledger check, the effect and the history entry.
package engine

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sharebook/internal/domain"
	"sharebook/internal/jobs"
	"sharebook/internal/ledger"
	"sharebook/internal/logger"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

// ErrStoreUnavailable is returned when the store cannot be reached at cycle
// start. Nothing is recorded in that case.
var ErrStoreUnavailable = errors.New("entity store unavailable")

const (
	defaultConcurrency   = 4
	defaultTargetTimeout = 30 * time.Second
	// failure entries are written after the target context may have expired
	recordTimeout = 5 * time.Second
)

type Executor struct {
	DB     *sql.DB
	Store  jobs.Store
	Ledger ledger.Ledger
	Sink   notify.Sink
	Tasks  []jobs.Task
	Logger *zap.SugaredLogger

	Concurrency   int
	TargetTimeout time.Duration
	// Location decides calendar days for daily dedup windows.
	Location *time.Location
}

func New(db *sql.DB, sink notify.Sink, log *zap.SugaredLogger) Executor {
	return Executor{
		DB:            db,
		Store:         repo.Repo{DB: db},
		Ledger:        ledger.Ledger{DB: db},
		Sink:          sink,
		Tasks:         jobs.DefaultTasks(),
		Logger:        log,
		Concurrency:   defaultConcurrency,
		TargetTimeout: defaultTargetTimeout,
		Location:      time.UTC,
	}
}

// VariantSummary counts outcomes of one variant in a cycle.
type VariantSummary struct {
	Kind     domain.TaskKind `json:"task_kind"`
	Eligible int             `json:"eligible"`
	Success  int             `json:"success"`
	Skipped  int             `json:"skipped"`
	Failed   int             `json:"failed"`
}

type Summary struct {
	CycleID  string           `json:"cycle_id"`
	Now      time.Time        `json:"now"`
	Variants []VariantSummary `json:"variants"`
}

// Totals sums outcomes across variants.
func (s Summary) Totals() (success, skipped, failed int) {
	for _, v := range s.Variants {
		success += v.Success
		skipped += v.Skipped
		failed += v.Failed
	}
	return success, skipped, failed
}

// Variant returns the counts for kind.
func (s Summary) Variant(kind domain.TaskKind) VariantSummary {
	for _, v := range s.Variants {
		if v.Kind == kind {
			return v
		}
	}
	return VariantSummary{Kind: kind}
}

func (e Executor) log() *zap.SugaredLogger {
	if e.Logger == nil {
		return logger.Nop()
	}
	return e.Logger
}

func (e Executor) location() *time.Location {
	if e.Location == nil {
		return time.UTC
	}
	return e.Location
}

// RunCycle runs every task variant once as of now. Re-running with the same
// now is safe: succeeded targets are skipped and failed ones retried.
// If an eligibility query fails the remaining variants are not run and the
// partial summary is returned with the error.
func (e Executor) RunCycle(ctx context.Context, now time.Time, th jobs.Thresholds) (Summary, error) {
	if err := e.DB.PingContext(ctx); err != nil {
		return Summary{}, errors.Mark(errors.Wrap(err, "ping store"), ErrStoreUnavailable)
	}
	now = now.In(e.location())
	summary := Summary{CycleID: uuid.NewString(), Now: now}
	log := e.log().With(logger.FieldCycleID, summary.CycleID)
	log.Infow("cycle started", "now", now.Format(time.RFC3339))

	p := jobs.Params{Now: now, Thresholds: th}
	for _, task := range e.Tasks {
		vs, err := e.runTask(ctx, log, summary.CycleID, task, p)
		summary.Variants = append(summary.Variants, vs)
		if err != nil {
			log.Errorw("cycle aborted", logger.FieldTaskKind, string(task.Kind), logger.FieldError, err)
			return summary, errors.Wrapf(err, "%s eligibility", task.Kind)
		}
	}

	success, skipped, failed := summary.Totals()
	log.Infow("cycle finished", "success", success, "skipped", skipped, "failed", failed)
	return summary, nil
}

func (e Executor) runTask(ctx context.Context, log *zap.SugaredLogger, cycleID string, task jobs.Task, p jobs.Params) (VariantSummary, error) {
	vs := VariantSummary{Kind: task.Kind}
	targets, err := task.Eligible(ctx, e.Store, p)
	if err != nil {
		return vs, err
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].ID < targets[j].ID })
	vs.Eligible = len(targets)

	limit := e.Concurrency
	if limit < 1 {
		limit = 1
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(limit)
	period := task.Window.PeriodKey(p.Now)
	for _, target := range targets {
		g.Go(func() error {
			outcome := e.runTarget(ctx, log, cycleID, task, target, p, period)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case domain.OutcomeSuccess:
				vs.Success++
			case domain.OutcomeSkipped:
				vs.Skipped++
			default:
				vs.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()
	return vs, nil
}

// errLostRace marks a success written by a concurrent cycle between our
// ledger check and our own write.
var errLostRace = errors.New("concurrent cycle recorded success first")

func (e Executor) targetTimeout() time.Duration {
	if e.TargetTimeout <= 0 {
		return defaultTargetTimeout
	}
	return e.TargetTimeout
}

func (e Executor) runTarget(ctx context.Context, log *zap.SugaredLogger, cycleID string, task jobs.Task, target jobs.Target, p jobs.Params, period string) domain.Outcome {
	start := time.Now()
	entry := domain.HistoryEntry{
		CycleID:    cycleID,
		TaskKind:   task.Kind,
		TargetKind: task.TargetKind,
		TargetID:   target.ID,
		PeriodKey:  period,
		ExecutedAt: p.Now,
	}
	outcome, err := e.attempt(ctx, task, target, p, entry, start)
	entry.DurationMs = time.Since(start).Milliseconds()
	tlog := log.With(logger.FieldTaskKind, string(task.Kind), logger.FieldTargetID, target.ID)

	switch {
	case outcome == domain.OutcomeSuccess:
		tlog.Debugw("target succeeded", logger.FieldDurationMS, entry.DurationMs)
		e.notify(ctx, tlog, task, target)
	case errors.Is(err, errLostRace):
		entry.Outcome = domain.OutcomeSkipped
		entry.Details = err.Error()
		e.record(ctx, tlog, entry)
	case outcome == domain.OutcomeFailed:
		tlog.Warnw("target failed", logger.FieldError, err, logger.FieldDurationMS, entry.DurationMs)
		entry.Outcome = domain.OutcomeFailed
		entry.Details = err.Error()
		e.record(ctx, tlog, entry)
	}
	return outcome
}

// attempt runs the ledger check, the effect and the success entry in one
// transaction. Panics inside the effect are reported as failures.
// The target timeout starts once the transaction holds a connection, so
// waiting behind sibling targets does not count against it.
func (e Executor) attempt(ctx context.Context, task jobs.Task, target jobs.Target, p jobs.Params, entry domain.HistoryEntry, start time.Time) (outcome domain.Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = domain.OutcomeFailed, errors.Newf("panic: %v", r)
		}
	}()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OutcomeFailed, errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	ctx, cancel := context.WithTimeout(ctx, e.targetTimeout())
	defer cancel()

	done, err := e.Ledger.HasSucceeded(ctx, tx, task.Kind, target.ID, entry.PeriodKey)
	if err != nil {
		return domain.OutcomeFailed, err
	}
	if done {
		return domain.OutcomeSkipped, nil
	}
	if err := task.Apply(ctx, tx, e.Store, target, p); err != nil {
		return domain.OutcomeFailed, err
	}
	entry.Outcome = domain.OutcomeSuccess
	entry.DurationMs = time.Since(start).Milliseconds()
	if _, err := e.Ledger.Record(ctx, tx, entry); err != nil {
		if errors.Is(err, ledger.ErrAlreadySucceeded) {
			return domain.OutcomeSkipped, errors.Mark(err, errLostRace)
		}
		return domain.OutcomeFailed, err
	}
	if err := tx.Commit(); err != nil {
		return domain.OutcomeFailed, errors.Wrap(err, "commit")
	}
	return domain.OutcomeSuccess, nil
}

// record appends a non-success entry in its own transaction.
func (e Executor) record(ctx context.Context, log *zap.SugaredLogger, entry domain.HistoryEntry) {
	ctx = context.WithoutCancel(ctx)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err == nil {
		defer tx.Rollback()
		rctx, cancel := context.WithTimeout(ctx, recordTimeout)
		defer cancel()
		if _, err = e.Ledger.Record(rctx, tx, entry); err == nil {
			err = tx.Commit()
		}
	}
	if err != nil {
		log.Errorw("record history entry", logger.FieldOutcome, string(entry.Outcome), logger.FieldError, err)
	}
}

func (e Executor) notify(ctx context.Context, log *zap.SugaredLogger, task jobs.Task, target jobs.Target) {
	if e.Sink == nil || task.Notify == nil {
		return
	}
	for _, msg := range task.Notify(target) {
		sctx, cancel := context.WithTimeout(ctx, e.targetTimeout())
		err := e.Sink.Send(sctx, msg.To, msg.Intent, msg.Data)
		cancel()
		if err != nil {
			log.Warnw("notification failed",
				logger.FieldIntent, string(msg.Intent),
				logger.FieldRecipient, msg.To.UserID,
				logger.FieldError, err,
			)
		}
	}
}
