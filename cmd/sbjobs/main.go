package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"sharebook/internal/app"
	"sharebook/internal/config"
	"sharebook/internal/db"
	"sharebook/internal/domain"
	"sharebook/internal/engine"
	"sharebook/internal/ledger"
	"sharebook/internal/logger"
	"sharebook/internal/migrate"
	"sharebook/internal/repo"
	"sharebook/internal/server"
	"sharebook/internal/trigger"
)

var rootCmd = &cobra.Command{
	Use:   "sbjobs",
	Short: "ShareBook background jobs",
	Long: `sbjobs runs the ShareBook donation-lifecycle jobs against a workspace database.
- Reminder: owners who have not chosen a hand-off date are nudged once a day.
- Late donation: reservations past their hand-off due date are flagged once and both parties are told.
- Showcase removal: books listed too long, or late past the grace period, leave the showcase.
Every attempt is written to the job history; a success is never repeated for the same target and period.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SHAREBOOK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("json-logs", false, "write logs as JSON")
	rootCmd.PersistentFlags().CountP("verbose", "v", "log verbosity (-v info, -vv debug)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("json-logs", rootCmd.PersistentFlags().Lookup("json-logs"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(bookCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() (*zap.SugaredLogger, error) {
	return logger.New(viper.GetBool("json-logs"), viper.GetInt("verbose"))
}

func withEnv(ctx context.Context, fn func(context.Context, *app.Env) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	env, err := app.Open(ctx, viper.GetString("workspace"), log)
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(ctx, env)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default sharebook.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path, created, err := config.WriteDefault(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.MigrateContext(cmd.Context(), conn); err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "created": created, "db": db.Path(workspace)})
			}
			if created {
				fmt.Printf("wrote %s\n", path)
			} else {
				fmt.Printf("kept existing %s\n", path)
			}
			fmt.Printf("database ready at %s\n", db.Path(workspace))
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one job cycle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				now := time.Now()
				if at != "" {
					parsed, err := parseTime(at, env)
					if err != nil {
						return err
					}
					now = parsed
				}
				sum, runErr := env.RunCycle(ctx, now)
				if err := printSummary(sum); err != nil {
					return err
				}
				return runErr
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "reference time (RFC3339 or YYYY-MM-DD), defaults to now")
	return cmd
}

func printSummary(sum engine.Summary) error {
	if viper.GetBool("json") {
		return printJSON(sum)
	}
	if sum.CycleID == "" {
		return nil
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("cycle " + sum.CycleID + " @ " + sum.Now.UTC().Format(time.RFC3339))
	tw.AppendHeader(table.Row{"Task", "Eligible", "Success", "Skipped", "Failed"})
	for _, v := range sum.Variants {
		tw.AppendRow(table.Row{v.Kind, v.Eligible, v.Success, v.Skipped, v.Failed})
	}
	success, skipped, failed := sum.Totals()
	tw.AppendFooter(table.Row{"total", "", success, skipped, failed})
	tw.Render()
	return nil
}

func historyCmd() *cobra.Command {
	var f ledger.Filter
	var kind, outcome string
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show job history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TaskKind = domain.TaskKind(kind)
			f.Outcome = domain.Outcome(outcome)
			if kind != "" && !f.TaskKind.Valid() {
				return errors.Newf("unknown task kind %q", kind)
			}
			if outcome != "" && !f.Outcome.Valid() {
				return errors.Newf("unknown outcome %q", outcome)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				items, err := env.Ledger.List(ctx, f)
				if err != nil {
					return err
				}
				return printHistory(items)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "task-kind", "", "reminder, late_donation or showcase_removal")
	cmd.Flags().StringVar(&outcome, "outcome", "", "success, skipped or failed")
	cmd.Flags().StringVar(&f.TargetID, "target-id", "", "target id filter")
	cmd.Flags().StringVar(&f.CycleID, "cycle-id", "", "cycle id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max entries")
	cmd.Flags().Int64Var(&f.Cursor, "cursor", 0, "show entries older than this id")
	return cmd
}

func printHistory(items []domain.HistoryEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Cycle", "Task", "Target", "Period", "Executed", "Outcome", "Details"})
	for _, e := range items {
		tw.AppendRow(table.Row{e.ID, e.CycleID, e.TaskKind, e.TargetID, e.PeriodKey, e.ExecutedAt.Format(time.RFC3339), e.Outcome, e.Details})
	}
	tw.Render()
	return nil
}

func serveCmd() *cobra.Command {
	var addr, basePath, schedule string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and, when a schedule is set, the cron trigger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				authCfg := server.AuthConfig{JWTSecret: viper.GetString("jwt-secret"), Logger: env.Logger}
				if authCfg.JWTSecret == "" {
					return errors.New("SHAREBOOK_JWT_SECRET is required for bearer auth")
				}
				if !cmd.Flags().Changed("schedule") {
					schedule = env.Config.Trigger.Schedule
				}
				srvCfg := server.Config{
					Run:      trigger.Exclusive(env.RunCycle),
					Ledger:   env.Ledger,
					Repo:     env.Repo,
					BasePath: basePath,
					Auth:     authCfg,
					Logger:   env.Logger,
				}
				if schedule != "" {
					loc, err := env.Config.Location()
					if err != nil {
						return err
					}
					sched, err := trigger.New(schedule, loc, env.RunCycle, env.Logger)
					if err != nil {
						return err
					}
					srvCfg.Run = sched.Fire
					srvCfg.NextRun = sched.Next
					sched.Start()
					defer func() {
						stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
						defer cancel()
						if err := sched.Stop(stopCtx); err != nil {
							env.Logger.Warnw("scheduler did not stop cleanly", logger.FieldError, err)
						}
					}()
				}
				handler, err := server.New(srvCfg)
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				env.Logger.Infow("serving", "addr", addr, "base_path", basePath, "schedule", schedule)
				fmt.Printf("Serving ShareBook jobs API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&schedule, "schedule", "", "cron schedule (defaults to trigger.schedule in sharebook.yml)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect sharebook.yml",
		Long:  "sharebook.yml lives in the workspace root and sets thresholds, executor limits, the cron schedule and notification sinks. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate sharebook.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	usr := &cobra.Command{Use: "user", Short: "Manage users"}
	var name, email string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				u, err := env.Lifecycle.CreateUser(ctx, name, email)
				if err != nil {
					return err
				}
				return printJSON(u)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "display name")
	create.Flags().StringVar(&email, "email", "", "email address")
	_ = create.MarkFlagRequired("name")
	_ = create.MarkFlagRequired("email")
	usr.AddCommand(create)
	return usr
}

func bookCmd() *cobra.Command {
	bk := &cobra.Command{Use: "book", Short: "Manage books and reservations"}
	bk.AddCommand(bookCreateCmd())
	bk.AddCommand(bookListCmd())
	bk.AddCommand(bookRequestCmd())
	bk.AddCommand(bookChooseCmd())
	bk.AddCommand(bookConfirmCmd())
	return bk
}

func bookCreateCmd() *cobra.Command {
	var owner, title, author string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List a book on the showcase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				b, err := env.Lifecycle.ListBook(ctx, owner, title, author)
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&author, "author", "", "author")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func bookListCmd() *cobra.Command {
	var f repo.BookFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List books",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Status = domain.BookStatus(status)
			if status != "" && !f.Status.Valid() {
				return errors.Newf("unknown status %q", status)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				books, err := env.Repo.ListBooks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(books)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Author", "Owner", "Status", "Listed"})
				for _, b := range books {
					tw.AppendRow(table.Row{b.ID, b.Title, b.Author, b.OwnerID, b.Status, b.ListedAt.Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "available, reserved, donated or removed")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max books")
	return cmd
}

func bookRequestCmd() *cobra.Command {
	var bookID, requester string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Reserve a book for a requester",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Lifecycle.Request(ctx, bookID, requester)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&bookID, "book", "", "book id")
	cmd.Flags().StringVar(&requester, "requester", "", "requester user id")
	_ = cmd.MarkFlagRequired("book")
	_ = cmd.MarkFlagRequired("requester")
	return cmd
}

func bookChooseCmd() *cobra.Command {
	var resID, date string
	cmd := &cobra.Command{
		Use:   "choose",
		Short: "Record the hand-off date chosen by the owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				chosen, err := parseTime(date, env)
				if err != nil {
					return err
				}
				res, err := env.Lifecycle.ChooseDate(ctx, resID, chosen)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&resID, "reservation", "", "reservation id")
	cmd.Flags().StringVar(&date, "date", "", "hand-off date (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("reservation")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func bookConfirmCmd() *cobra.Command {
	var resID string
	cmd := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm a hand-off, marking the book donated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				res, err := env.Lifecycle.Confirm(ctx, resID)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&resID, "reservation", "", "reservation id")
	_ = cmd.MarkFlagRequired("reservation")
	return cmd
}

func apikeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}

	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				key, plain, err := env.Repo.NewAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")

	var filterActor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				keys, err := env.Repo.ListAPIKeys(ctx, filterActor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&filterActor, "actor", "", "actor filter")

	var id string
	del := &cobra.Command{
		Use:   "delete",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *app.Env) error {
				if err := env.Repo.DeleteAPIKey(ctx, id); err != nil {
					return err
				}
				fmt.Println("deleted", id)
				return nil
			})
		},
	}
	del.Flags().StringVar(&id, "id", "", "key id")
	_ = del.MarkFlagRequired("id")

	ak.AddCommand(create, list, del)
	return ak
}

func tokenCmd() *cobra.Command {
	tk := &cobra.Command{Use: "token", Short: "Mint bearer tokens for the HTTP API"}
	var subject string
	var ttl time.Duration
	create := &cobra.Command{
		Use:   "create",
		Short: "Sign a JWT with SHAREBOOK_JWT_SECRET",
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	create.Flags().StringVar(&subject, "subject", "", "token subject")
	create.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "validity, 0 for no expiry")
	_ = create.MarkFlagRequired("subject")
	tk.AddCommand(create)
	return tk
}

// parseTime accepts RFC3339 or a bare date, read in the configured timezone.
func parseTime(s string, env *app.Env) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	loc, err := env.Config.Location()
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02", s, loc)
	if err != nil {
		return time.Time{}, errors.Newf("invalid time %q: expected RFC3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
