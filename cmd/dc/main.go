package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"delaycatcher/internal/config"
	"delaycatcher/internal/db"
	"delaycatcher/internal/engine"
	"delaycatcher/internal/migrate"
	"delaycatcher/internal/repo"
	"delaycatcher/internal/server"
	"delaycatcher/internal/sink"
	"delaycatcher/internal/upstream"
)

const eventsSyncKey = "events.sync"

var rootCmd = &cobra.Command{
	Use:   "dc",
	Short: "Delaycatcher CLI",
	Long: `Delaycatcher watches a tracked project for due-date slips and missing
delay reasons. It keeps a local snapshot of every task, classifies each
due-date or reason transition, bumps the delay counter exactly once per
distinct change, fills in "Awaiting identify" where the reason is blank, and
forwards the finalized record to the configured sink.`,
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
	viper.SetEnvPrefix("DELAYCATCHER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(snapshotCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(webhookCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RunPass(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	var interval int
	var useEvents bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the project continuously",
		Long: `Runs reconciliation passes on an interval. With --events the watcher
long-polls the upstream event stream between passes and reconciles only the
tasks the stream names, falling back to a full pass when the sync token is
reset.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if interval <= 0 {
					interval = e.Config.Poll.IntervalSeconds
				}
				if interval <= 0 {
					interval = 300
				}
				if useEvents {
					return watchEvents(ctx, e)
				}
				return watchInterval(ctx, e, time.Duration(interval)*time.Second)
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "seconds between passes (default from config)")
	cmd.Flags().BoolVar(&useEvents, "events", false, "long-poll the upstream event stream instead of full passes")
	return cmd
}

func watchInterval(ctx context.Context, e *engine.Engine, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := e.RunPass(ctx)
		if err != nil {
			fmt.Printf("pass failed: %v\n", err)
		} else {
			fmt.Printf("pass %s: fetched=%d committed=%d baselined=%d failed=%d\n",
				res.PassID, res.Fetched, res.Committed, res.Baselined, res.Failed)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func watchEvents(ctx context.Context, e *engine.Engine) error {
	up, ok := e.Upstream.(*upstream.Client)
	if !ok {
		return fmt.Errorf("event watch requires the HTTP upstream client")
	}
	project := e.Config.Upstream.Project
	timeout := e.Config.Poll.EventTimeoutSecond
	if timeout <= 0 {
		timeout = 30
	}
	sync, err := e.Repo.GetKV(ctx, eventsSyncKey)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		evs, newSync, err := up.PollEvents(ctx, project, sync, timeout)
		if errors.Is(err, upstream.ErrSyncReset) {
			// The token expired. The reset reply already carries a fresh
			// token, so seed the stream with it and let one full pass cover
			// whatever was missed in between.
			sync = newSync
			if sync == "" {
				if err := e.Repo.DeleteKV(ctx, eventsSyncKey); err != nil {
					return err
				}
			} else if err := e.Repo.SetKV(ctx, eventsSyncKey, sync); err != nil {
				return err
			}
			if _, err := e.RunPass(ctx); err != nil {
				fmt.Printf("catch-up pass failed: %v\n", err)
			}
			continue
		}
		if err != nil {
			fmt.Printf("poll events: %v\n", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}
		sync = newSync
		if err := e.Repo.SetKV(ctx, eventsSyncKey, sync); err != nil {
			return err
		}
		seen := make(map[string]struct{})
		for _, ev := range evs {
			if !upstream.Relevant(ev) || ev.Resource.GID == "" {
				continue
			}
			seen[ev.Resource.GID] = struct{}{}
		}
		for taskID := range seen {
			rec, err := up.GetTask(ctx, taskID)
			if err != nil {
				fmt.Printf("fetch task %s: %v\n", taskID, err)
				continue
			}
			if _, err := e.ProcessTask(ctx, rec); err != nil {
				fmt.Printf("task %s: %v\n", taskID, err)
			}
		}
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("DELAYCATCHER_JWT_SECRET")}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DELAYCATCHER_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Delaycatcher API on http://%s%s (webhook receiver at /hooks/tasks)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func snapshotCmd() *cobra.Command {
	snap := &cobra.Command{
		Use:   "snapshot",
		Short: "Inspect tracked task snapshots",
	}
	snap.AddCommand(snapshotListCmd())
	snap.AddCommand(snapshotShowCmd())
	return snap
}

func snapshotListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSnapshots(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Name", "Due", "First Due", "Reason", "Delays"})
				for _, s := range items {
					tw.AppendRow(table.Row{
						s.TaskID, s.Name, strOrDash(s.DueOn), strOrDash(s.FirstDueOn),
						strOrDash(s.DelayReason), s.DelayCount,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func snapshotShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task_id>",
		Short: "Show one snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSnapshot(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func webhookCmd() *cobra.Command {
	hook := &cobra.Command{
		Use:   "webhook",
		Short: "Manage upstream webhooks",
	}
	hook.AddCommand(webhookRegisterCmd())
	hook.AddCommand(webhookListCmd())
	hook.AddCommand(webhookDeleteCmd())
	return hook
}

func webhookRegisterCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a webhook for the tracked project",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" {
				return fmt.Errorf("--target required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				up, ok := e.Upstream.(*upstream.Client)
				if !ok {
					return fmt.Errorf("webhook management requires the HTTP upstream client")
				}
				w, err := up.CreateWebhook(ctx, e.Config.Upstream.Project, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "public URL of this server's /hooks/tasks endpoint")
	return cmd
}

func webhookListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				up, ok := e.Upstream.(*upstream.Client)
				if !ok {
					return fmt.Errorf("webhook management requires the HTTP upstream client")
				}
				workspace := e.Config.Upstream.Workspace
				if workspace == "" {
					return fmt.Errorf("config.upstream.workspace is required to list webhooks")
				}
				hooks, err := up.ListWebhooks(ctx, workspace)
				if err != nil {
					return err
				}
				return printJSONOrTable(hooks)
			})
		},
	}
	return cmd
}

func webhookDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <gid>",
		Short: "Delete a webhook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				up, ok := e.Upstream.(*upstream.Client)
				if !ok {
					return fmt.Errorf("webhook management requires the HTTP upstream client")
				}
				return up.DeleteWebhook(ctx, args[0])
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default delaycatcher.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(project)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "upstream project gid")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

// --- helpers ---

// buildEngine wires the real upstream and sink clients. A missing credential
// is fatal here rather than surfacing as auth failures on every pass.
func buildEngine(conn *sql.DB, cfg *config.Config) (*engine.Engine, error) {
	token := os.Getenv("DELAYCATCHER_UPSTREAM_TOKEN")
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("DELAYCATCHER_UPSTREAM_TOKEN is required")
	}
	if strings.TrimSpace(cfg.Sink.URL) == "" {
		return nil, fmt.Errorf("config.sink.url is required; set it in %s", config.Path(viper.GetString("workspace")))
	}
	timeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	up := upstream.New(upstream.Options{
		BaseURL:     cfg.Upstream.BaseURL,
		Token:       token,
		CountField:  cfg.Upstream.DelayCountField,
		ReasonField: cfg.Upstream.DelayReasonField,
		HTTPClient:  &http.Client{Timeout: timeout},
	})
	sinkTimeout := time.Duration(cfg.Sink.TimeoutSeconds) * time.Second
	if sinkTimeout <= 0 {
		sinkTimeout = 10 * time.Second
	}
	snk := sink.New(sink.Options{
		URL:        cfg.Sink.URL,
		Secret:     cfg.Sink.Secret,
		HTTPClient: &http.Client{Timeout: sinkTimeout},
	})
	return engine.New(conn, cfg, up, snk), nil
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e, err := buildEngine(conn, cfg)
	if err != nil {
		return err
	}
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func strOrDash(v *string) string {
	if v == nil || *v == "" {
		return "-"
	}
	return *v
}
