package app

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"sharebook/internal/config"
	"sharebook/internal/db"
	"sharebook/internal/engine"
	"sharebook/internal/ledger"
	"sharebook/internal/lifecycle"
	"sharebook/internal/logger"
	"sharebook/internal/migrate"
	"sharebook/internal/notify"
	"sharebook/internal/repo"
)

// Env is everything a command or the server needs for one workspace.
type Env struct {
	Workspace string
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Ledger    ledger.Ledger
	Executor  engine.Executor
	Lifecycle lifecycle.Service
	Logger    *zap.SugaredLogger
}

// Open opens and migrates the workspace database, loads sharebook.yml (or
// the defaults when absent) and wires the executor and its sinks.
func Open(ctx context.Context, workspace string, log *zap.SugaredLogger) (*Env, error) {
	if log == nil {
		log = logger.Nop()
	}
	cfg, err := config.LoadOrDefault(workspace)
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, errors.Wrap(err, "open db")
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "migrate")
	}
	r := repo.Repo{DB: conn}

	exec := engine.New(conn, BuildSink(cfg, r, log), log)
	exec.Concurrency = cfg.Executor.Concurrency
	exec.TargetTimeout = cfg.Executor.TargetTimeout.Std()
	exec.Location = loc

	return &Env{
		Workspace: workspace,
		DB:        conn,
		Config:    cfg,
		Repo:      r,
		Ledger:    exec.Ledger,
		Executor:  exec,
		Lifecycle: lifecycle.New(conn, cfg.Thresholds.HandoffGrace.Std()),
		Logger:    log,
	}, nil
}

func (e *Env) Close() error {
	return e.DB.Close()
}

// RunCycle runs one cycle with the configured thresholds.
func (e *Env) RunCycle(ctx context.Context, now time.Time) (engine.Summary, error) {
	return e.Executor.RunCycle(ctx, now, e.Config.JobThresholds())
}

// BuildSink assembles the configured notification sinks. Every message is
// logged; the outbox and webhooks are added when configured, and the whole
// fan-out is throttled when a rate is set.
func BuildSink(cfg *config.Config, r repo.Repo, log *zap.SugaredLogger) notify.Sink {
	if log == nil {
		log = logger.Nop()
	}
	sinks := notify.Multi{notify.Log{Logger: log.With(logger.FieldComponent, "notify")}}
	if cfg.Notifications.Outbox {
		sinks = append(sinks, notify.Outbox{Repo: r})
	}
	client := &http.Client{Timeout: 5 * time.Second}
	for _, hook := range cfg.Notifications.Webhooks {
		if !hook.Active() {
			continue
		}
		sinks = append(sinks, notify.Webhook{URL: hook.URL, Secret: hook.Secret, Intents: hook.Intents, Client: client})
	}
	if cfg.Notifications.RatePerSecond > 0 {
		return notify.NewThrottled(sinks, cfg.Notifications.RatePerSecond, cfg.Notifications.Burst)
	}
	return sinks
}
