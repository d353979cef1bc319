package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"clockline/internal/app"
	"clockline/internal/config"
	"clockline/internal/db"
	"clockline/internal/engine"
	"clockline/internal/repo"
	"clockline/internal/server"
	"clockline/internal/timecalc"
	"clockline/internal/timer"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Clockline CLI",
	Long: `Clockline tracks the time you spend on tasks and turns it into daily reports.
- Tasks come from the issue tracker sync ('cl sync') or are created locally.
- 'cl timer start' clocks you in on one task; 'cl timer stop' clocks you out
  with a comment. Only one entry runs at a time.
- An entry left running over midnight is split so each day keeps its own time.
- Closed entries mirror to a spreadsheet when export is configured.
- 'cl report' sums a day per task; 'cl serve' exposes the same operations
  over HTTP.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CLOCKLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "", "user id (overrides config)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(timerCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(entryCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default clockline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func timerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timer",
		Short: "Clock in and out",
		Long:  "The timer clocks you in on one task at a time. Stopping records a comment; a timer left running across midnight is split per day.",
	}
	cmd.AddCommand(timerStartCmd())
	cmd.AddCommand(timerStopCmd())
	cmd.AddCommand(timerStatusCmd())
	cmd.AddCommand(timerRunCmd())
	return cmd
}

func timerStartCmd() *cobra.Command {
	var taskID string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start clocking a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.StartEntry(ctx, e.Config.User.ID, taskID)
				if err != nil {
					if errors.Is(err, repo.ErrConflict) {
						return fmt.Errorf("an entry is already running; stop it first")
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				fmt.Printf("Started %s on task %s (day %s)\n", entry.ID, entry.TaskID, entry.Day)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "task id")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func timerStopCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entry, err := e.StopOpenEntry(ctx, e.Config.User.ID, comment)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entry)
				}
				fmt.Printf("Stopped %s after %s\n", entry.ID, formatDuration(entry.Duration(time.Now())))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "what you worked on")
	return cmd
}

func timerStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the timer state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				open, err := e.Recover(ctx, e.Config.User.ID)
				if err != nil {
					return err
				}
				if open == nil {
					if viper.GetBool("json") {
						return printJSON(map[string]string{"state": "idle"})
					}
					fmt.Println("idle")
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"state": "running", "entry": open})
				}
				fmt.Printf("running %s on task %s for %s (day %s)\n",
					open.ID, open.TaskID, formatDuration(open.Duration(time.Now())), open.Day)
				return nil
			})
		},
	}
	return cmd
}

func timerRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Tick the running timer until interrupted",
		Long:  "Resumes the open entry and ticks once a second, splitting at midnight. Stop it with Ctrl-C or 'cl timer stop' from another shell.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := timer.New(ctx, e, e.Config.User.ID, e.Config.Zone())
				if err != nil {
					return err
				}
				if c.State() != timer.Running {
					return fmt.Errorf("timer is not running; use 'cl timer start'")
				}
				entry, _ := c.Entry()
				fmt.Printf("ticking entry %s on task %s\n", entry.ID, entry.TaskID)
				runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer cancel()
				if err := c.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				fmt.Printf("elapsed %s\n", formatDuration(c.Elapsed()))
				return nil
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskCreateCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List clockable tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListActiveTasks(ctx, e.Config.User.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Team", "Status"})
				for _, t := range tasks {
					status := "local"
					if t.ExternalStatus != nil {
						status = *t.ExternalStatus
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.TeamName, status})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func taskCreateCmd() *cobra.Command {
	var name, color string
	var private bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a local task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				assignee := ""
				if private {
					assignee = e.Config.User.ID
				}
				t, err := e.CreateTask(ctx, name, color, assignee)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "task name")
	cmd.Flags().StringVar(&color, "color", "", "display color")
	cmd.Flags().BoolVar(&private, "private", false, "visible only to you")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func entryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Manage time entries",
	}
	cmd.AddCommand(entryListCmd())
	cmd.AddCommand(entryEditCmd())
	cmd.AddCommand(entryDeleteCmd())
	return cmd
}

func entryListCmd() *cobra.Command {
	var f repo.EntryFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f.UserID = e.Config.User.ID
				entries, err := e.Repo.ListEntries(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				now := time.Now()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Day", "Task", "Duration", "Comment"})
				for _, entry := range entries {
					dur := formatDuration(entry.Duration(now))
					if entry.Open() {
						dur += " (running)"
					}
					tw.AppendRow(table.Row{entry.ID, entry.Day, entry.TaskID, dur, entry.Comment})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Day, "day", "", "day filter (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "max entries")
	return cmd
}

func entryEditCmd() *cobra.Command {
	var id, taskID, start, end, comment string
	cmd := &cobra.Command{
		Use:   "edit",
		Short: "Edit an entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := engine.EntryUpdateOptions{ID: id}
			if cmd.Flags().Changed("task") {
				opts.TaskID = &taskID
			}
			if cmd.Flags().Changed("comment") {
				opts.Comment = &comment
			}
			if cmd.Flags().Changed("start") {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("invalid --start: %w", err)
				}
				opts.StartedAt = &t
			}
			if cmd.Flags().Changed("end") {
				t, err := time.Parse(time.RFC3339, end)
				if err != nil {
					return fmt.Errorf("invalid --end: %w", err)
				}
				opts.EndedAt = &t
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.UserID = e.Config.User.ID
				entry, err := e.UpdateEntry(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(entry)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "entry id")
	cmd.Flags().StringVar(&taskID, "task", "", "move to task")
	cmd.Flags().StringVar(&start, "start", "", "start time (RFC3339)")
	cmd.Flags().StringVar(&end, "end", "", "end time (RFC3339)")
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "comment")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func entryDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteEntry(ctx, e.Config.User.ID, args[0])
			})
		},
	}
	return cmd
}

func reportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [day]",
		Short: "Daily report",
		Long:  "Sums the day's entries per task. Defaults to today in your configured zone.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				day := timecalc.Date(time.Now(), e.Config.Zone())
				if len(args) == 1 {
					day = args[0]
				}
				rep, err := e.Report(ctx, e.Config.User.ID, day)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Team", "Entries", "Time"})
				for _, line := range rep.Lines {
					tw.AppendRow(table.Row{line.TaskName, line.TeamName, line.Entries,
						formatDuration(time.Duration(line.Seconds) * time.Second)})
				}
				tw.AppendFooter(table.Row{"Total", "", "",
					formatDuration(time.Duration(rep.TotalSeconds) * time.Second)})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull tracker issues into the task catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				client := app.IssueClient(e.Config)
				if client == nil {
					return fmt.Errorf("no tracker API key; set %s", e.Config.Linear.APIKeyEnv)
				}
				issues, err := client.Issues(ctx, e.Config.Linear.Team)
				if err != nil {
					return err
				}
				n, err := e.SyncIssues(ctx, issues)
				if err != nil {
					return err
				}
				fmt.Printf("Synced %d issues\n", n)
				return nil
			})
		},
	}
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Spreadsheet mirror",
	}
	cmd.AddCommand(exportPushCmd())
	return cmd
}

func exportPushCmd() *cobra.Command {
	var day string
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Re-push a day's closed entries to the spreadsheet",
		Long:  "Mirror writes are best effort, so a sheet outage can drop rows. This replays every closed entry of a day; upserts are idempotent per entry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if e.Export == nil {
					return fmt.Errorf("export is not configured; enable it in clockline.yml and set the token")
				}
				if day == "" {
					day = timecalc.Date(time.Now(), e.Config.Zone())
				}
				entries, err := e.Repo.ListEntries(ctx, repo.EntryFilters{UserID: e.Config.User.ID, Day: day})
				if err != nil {
					return err
				}
				pushed := 0
				for _, entry := range entries {
					if entry.Open() {
						continue
					}
					row, err := e.ExportRow(ctx, entry)
					if err != nil {
						return err
					}
					if err := e.Export.UpsertRow(ctx, row); err != nil {
						return fmt.Errorf("push entry %s: %w", entry.ID, err)
					}
					pushed++
				}
				fmt.Printf("Pushed %d rows for %s\n", pushed, day)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&day, "day", "", "day to push (YYYY-MM-DD, defaults to today)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				raw, key, err := e.CreateAPIKey(ctx, e.Config.User.ID, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": raw})
				}
				fmt.Printf("Created key %s\n%s\n(store it now; only the hash is kept)\n", key.ID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, e.Config.User.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.User.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.ResolveConfig(workspace, viper.GetString("user"))
			if err != nil {
				return err
			}
			e, conn, err := app.OpenEngine(cmd.Context(), workspace, cfg)
			if err != nil {
				return err
			}
			defer conn.Close()
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("CLOCKLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("CLOCKLINE_JWT_SECRET is required for bearer auth")
			}
			scfg := server.Config{Engine: e, BasePath: basePath, Auth: authCfg}
			if client := app.IssueClient(cfg); client != nil {
				scfg.Issues = client
			}
			handler, err := server.New(scfg)
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Clockline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.ResolveConfig(workspace, viper.GetString("user"))
	if err != nil {
		return err
	}
	e, conn, err := app.OpenEngine(ctx, workspace, cfg)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, e)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
