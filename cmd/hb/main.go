package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"healthboard/internal/app"
	"healthboard/internal/config"
	"healthboard/internal/domain"
	"healthboard/internal/engine"
	"healthboard/internal/repo"
	"healthboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hb",
	Short: "Healthboard CLI",
	Long: `Healthboard aggregates a task tracker into a project health dashboard.
- Projects: the team's projects with idle days, due state and a communication
  status derived from the latest message (active, attention, stale).
- Tasks: a project's tasks, each with the messages that concern it; when a task
  has none, related project messages are found by relevance scoring.
- Requests: the assignment queue of incoming project requests.
- Cache: upstream responses are cached per category and dropped by tag on writes.
Configuration lives in healthboard.yml; secrets come from HEALTHBOARD_* variables.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HEALTHBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(projectsCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(requestsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(tokenCmd())
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadConfig reads healthboard.yml and applies HEALTHBOARD_* overrides for
// credentials and endpoints.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("upstream-base-url"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := viper.GetString("api-key"); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := viper.GetString("username"); v != "" {
		cfg.Upstream.Username = v
	}
	if v := viper.GetString("password"); v != "" {
		cfg.Upstream.Password = v
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Broadcast.RedisURL = v
	}
	return cfg, cfg.Validate()
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rt, err := app.New(ctx, viper.GetString("workspace"), cfg, newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rt.RunBackground(ctx)
				handler, err := server.New(server.Config{
					Engine:   rt.Engine,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
					Audit:    rt.Repo,
					Logger:   rt.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				rt.Logger.Info("serving healthboard api",
					"addr", addr,
					"base_path", basePath,
					"audit", rt.Repo != nil,
					"broadcast", rt.Broadcast != nil)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:3001", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	return cmd
}

func projectsCmd() *cobra.Command {
	var manager, sortBy string
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "Show the project health table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				t, err := rt.Engine.BuildProjectTable(ctx, engine.ProjectFilter{Manager: manager}, sortBy)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(t)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Title", "Manager", "Status", "Idle", "Due", "Last Message", "Comm", "Flag"})
				for _, r := range t.Rows {
					flag := r.NeedsStatusUpdateReason
					if r.Error {
						flag = "load error"
					}
					tw.AppendRow(table.Row{r.Number, r.Title, r.Owner, r.CustomStatus, r.DaysIdle, dueLabel(r), ago(r.LastMessageDate), r.CommunicationStatus, flag})
				}
				tw.AppendFooter(table.Row{"", fmt.Sprintf("%d projects", t.TotalProjects), "", "", "", "", "", "", fmt.Sprintf("%.2fs", t.LoadTimeSeconds)})
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&manager, "manager", "", "manager id or name")
	cmd.Flags().StringVar(&sortBy, "sort", engine.SortIdle, "sort order: "+strings.Join(engine.Sorts, ", "))
	return cmd
}

func dueLabel(r domain.ProjectRow) string {
	if r.DaysUntilDue == nil {
		return "-"
	}
	if r.IsOverdue {
		return fmt.Sprintf("%dd late", -*r.DaysUntilDue)
	}
	return fmt.Sprintf("in %dd", *r.DaysUntilDue)
}

func ago(date string) string {
	t, ok := domain.ParseDate(date, time.Local)
	if !ok {
		return "-"
	}
	return humanize.Time(t)
}

func tasksCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "List a project's tasks with message provenance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid project id %q", args[0])
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				list, err := rt.Engine.BuildTaskList(ctx, projectID, offset, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Title", "Status", "Assigned", "Due", "Messages", "Source"})
				for _, t := range list.Tasks {
					tw.AppendRow(table.Row{t.TaskNumber, t.Title, t.Status, t.AssignedTo, t.DueDateStatus, t.MessageCount, t.MessageSource})
				}
				tw.Render()
				fmt.Printf("showing %d of %d tasks", list.DisplayedTasks, list.TotalTasks)
				if list.NextOffset != nil {
					fmt.Printf(" (next: --offset %d)", *list.NextOffset)
				}
				fmt.Println()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "first task to show")
	cmd.Flags().IntVar(&limit, "limit", engine.DefaultTaskPageSize, "page size")
	return cmd
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requests",
		Short: "Show the assignment queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				q, err := rt.Engine.AssignmentQueue(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(q)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Requester", "Due", "Waiting", "Assignment"})
				for _, r := range q.Requests {
					due := r.DueDate
					if due == "" {
						due = "-"
					}
					tw.AppendRow(table.Row{r.ID, r.Title, r.RequesterName, due, fmt.Sprintf("%d bd", r.BusinessDaysWaiting), r.AssignmentStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect healthboard.yml",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show loaded config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			masked := *cfg
			for _, s := range []*string{&masked.Upstream.APIKey, &masked.Upstream.Password} {
				if *s != "" {
					*s = "****"
				}
			}
			return printJSON(masked)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				msg := ""
				if err != nil {
					msg = err.Error()
				}
				return printJSON(map[string]any{"ok": err == nil, "error": msg})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default healthboard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Inspect writes sent upstream"}
	cmd.AddCommand(auditTailCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var n int
	var action, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := app.OpenAudit(cmd.Context(), viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := repo.Repo{DB: conn}
			items, err := r.LatestEvents(cmd.Context(), n, repo.EventFilter{Action: action, EntityKind: entityKind, EntityID: entityID})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Time", "Action", "Entity", "Actor", "Payload"})
			for _, ev := range items {
				tw.AppendRow(table.Row{ev.TS, ev.Action, ev.EntityKind + ":" + ev.EntityID, ev.Actor, ev.Payload})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&action, "action", "", "action filter, e.g. task.complete")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for write routes (needs HEALTHBOARD_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("HEALTHBOARD_JWT_SECRET is not set")
			}
			token, err := server.IssueToken(secret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "actor recorded in the audit trail")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
