// Package trigger fires cycles on a cron schedule. A cycle still running
// when the next tick arrives is not started twice by this process.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"sharebook/internal/config"
	"sharebook/internal/engine"
	"sharebook/internal/logger"
)

// ErrBusy is returned by Fire when a cycle is already running.
var ErrBusy = errors.New("a cycle is already running")

// RunFunc runs one cycle as of now.
type RunFunc func(ctx context.Context, now time.Time) (engine.Summary, error)

type Scheduler struct {
	cron   *cron.Cron
	sched  cron.Schedule
	loc    *time.Location
	run    RunFunc
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// Exclusive wraps run so a call made while another is in flight returns
// ErrBusy instead of starting a second cycle.
func Exclusive(run RunFunc) RunFunc {
	var running sync.Mutex
	return func(ctx context.Context, now time.Time) (engine.Summary, error) {
		if !running.TryLock() {
			return engine.Summary{}, ErrBusy
		}
		defer running.Unlock()
		return run(ctx, now)
	}
}

// New parses expr and prepares a scheduler; nothing runs until Start.
func New(expr string, loc *time.Location, run RunFunc, log *zap.SugaredLogger) (*Scheduler, error) {
	sched, err := config.ParseSchedule(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "schedule %q", expr)
	}
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = logger.Nop()
	}
	s := &Scheduler{
		sched:  sched,
		loc:    loc,
		run:    Exclusive(run),
		logger: log.With(logger.FieldComponent, "trigger"),
		now:    time.Now,
	}
	s.cron = cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{s.logger}))
	s.cron.Schedule(sched, cron.FuncJob(s.tick))
	return s, nil
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.cron.Start()
	s.logger.Infow("scheduler started", "next", s.Next().Format(time.RFC3339))
}

// Stop cancels a running cycle and waits for it to return or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	done := s.cron.Stop()
	cancel()
	select {
	case <-done.Done():
		s.logger.Infow("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports when the schedule fires next.
func (s *Scheduler) Next() time.Time {
	return s.sched.Next(s.now().In(s.loc))
}

// Fire runs a cycle as of at (the current time when zero) unless one is
// already in flight.
func (s *Scheduler) Fire(ctx context.Context, at time.Time) (engine.Summary, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.run(ctx, at)
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	sum, err := s.Fire(ctx, time.Time{})
	switch {
	case errors.Is(err, ErrBusy):
		s.logger.Warnw("tick skipped, previous cycle still running")
	case err != nil:
		s.logger.Errorw("scheduled cycle failed", logger.FieldCycleID, sum.CycleID, logger.FieldError, err)
	}
}

// cronLogger routes robfig/cron's internal logging to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, logger.FieldError, err)...)
}
