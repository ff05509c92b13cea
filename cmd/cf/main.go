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

	"collabflow/internal/app"
	"collabflow/internal/config"
	"collabflow/internal/db"
	"collabflow/internal/engine"
	"collabflow/internal/migrate"
	"collabflow/internal/monitor"
	"collabflow/internal/repo"
	"collabflow/internal/server"
	"collabflow/internal/sla"
	"collabflow/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "cf",
	Short: "Collabflow CLI",
	Long: `Collabflow tracks influencer-collaboration fulfillment records through
their status lifecycle with per-stage SLA deadlines.
- Workspace: your .collabflow directory with the database; plans and SLA
  rules are stored in the DB and imported from collabflow.yml.
- Plan: a named topology (with or without a sample stage) plus SLA rules
  giving each stage a duration budget in hours.
- Record: one collaboration being fulfilled; moves strictly forward along
  its plan's stage sequence, or out via cancelled.
- Status log: append-only ledger of every transition with planned vs
  actual stage duration and overdue accounting.
- Monitoring: overview, overdue list, stats, and a combined report,
  derived from live deadlines at read time.`,
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
	viper.SetEnvPrefix("COLLABFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("operator-id", "local-user", "operator identifier")
	rootCmd.PersistentFlags().Bool("force", false, "bypass transition validation")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("operator-id", rootCmd.PersistentFlags().Lookup("operator-id"))
	_ = viper.BindPFlag("force", rootCmd.PersistentFlags().Lookup("force"))
}

func registerCommands() {
	rootCmd.AddCommand(recordCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- record ---

func recordCmd() *cobra.Command {
	rec := &cobra.Command{Use: "record", Short: "Manage fulfillment records"}
	rec.AddCommand(recordCreateCmd())
	rec.AddCommand(recordShowCmd())
	rec.AddCommand(recordListCmd())
	rec.AddCommand(recordTransitionCmd())
	rec.AddCommand(recordLogCmd())
	return rec
}

func recordCreateCmd() *cobra.Command {
	var planID, subject, priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a fulfillment record",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.CreateRecord(ctx, engine.CreateRecordOptions{
					PlanID:     planID,
					Subject:    subject,
					Priority:   priority,
					OperatorID: viper.GetString("operator-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&subject, "subject", "", "record subject")
	cmd.Flags().StringVar(&priority, "priority", "medium", "priority (high|medium|low)")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func recordShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <record-id>",
		Short: "Show record status, next possible statuses and current SLA",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				info, err := e.GetStatusInfo(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(info)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRow(table.Row{"ID", info.Record.ID})
				tw.AppendRow(table.Row{"Plan", info.Plan.Name})
				tw.AppendRow(table.Row{"Subject", info.Record.Subject})
				tw.AppendRow(table.Row{"Status", info.Record.CurrentStatus})
				tw.AppendRow(table.Row{"Record status", info.Record.RecordStatus})
				tw.AppendRow(table.Row{"Priority", info.Record.Priority})
				tw.AppendRow(table.Row{"Stage started", time.Unix(info.Record.StageStartTime, 0).UTC().Format(time.RFC3339)})
				tw.AppendRow(table.Row{"Stage deadline", formatDeadline(info.Record.StageDeadline)})
				tw.AppendRow(table.Row{"Next possible", strings.Join(statusNames(info.NextPossible), ", ")})
				tw.AppendRow(table.Row{"Current SLA", formatResolution(info.CurrentSLA)})
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func recordListCmd() *cobra.Command {
	var f repo.RecordFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List fulfillment records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Plan", "Subject", "Status", "Priority", "Deadline", "Record status"})
				for _, rec := range items {
					tw.AppendRow(table.Row{rec.ID, rec.PlanID, rec.Subject, rec.CurrentStatus, rec.Priority, formatDeadline(rec.StageDeadline), rec.RecordStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.PlanID, "plan", "", "plan filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "current status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.RecordStatus, "record-status", "", "record status filter (active|completed|cancelled)")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func recordTransitionCmd() *cobra.Command {
	var reason, remarks string
	cmd := &cobra.Command{
		Use:   "transition <record-id> <to-status>",
		Short: "Transition a record to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				mode := engine.Normal
				if viper.GetBool("force") {
					mode = engine.Forced
				}
				res, err := e.Transition(ctx, engine.TransitionRequest{
					RecordID:   args[0],
					To:         status.Status(args[1]),
					Mode:       mode,
					Reason:     reason,
					Remarks:    remarks,
					OperatorID: viper.GetString("operator-id"),
				})
				if err != nil {
					var illegal engine.IllegalTransitionError
					if errors.As(err, &illegal) {
						return fmt.Errorf("%w (allowed next: %s)", err, strings.Join(statusNames(illegal.Suggested), ", "))
					}
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("record %s: %s -> %s", res.Record.ID, res.LogEntry.FromStatusOrEmpty(), res.Record.CurrentStatus)
				if res.LogEntry.IsOverdue {
					fmt.Printf(" (stage overdue by %.1fh)", res.LogEntry.OverdueHours)
				}
				fmt.Println()
				if len(res.NextPossible) > 0 {
					fmt.Println("next possible:", strings.Join(statusNames(res.NextPossible), ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual", "change reason (manual|system)")
	cmd.Flags().StringVar(&remarks, "remarks", "", "free-form remarks")
	return cmd
}

func recordLogCmd() *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "log <record-id>",
		Short: "Show a record's status log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.ListLogByRecord(ctx, args[0], page, pageSize)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Planned h", "Actual h", "Overdue", "Reason", "Operator", "At"})
				for _, e := range entries {
					overdue := ""
					if e.IsOverdue {
						overdue = fmt.Sprintf("+%.1fh", e.OverdueHours)
					}
					tw.AppendRow(table.Row{e.FromStatusOrEmpty(), e.ToStatus, formatHoursPtr(e.PlannedDurationHours), fmt.Sprintf("%.1f", e.ActualDurationHours), overdue, e.ChangeReason, e.OperatorID, e.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "entries per page")
	return cmd
}

// --- plan ---

func planCmd() *cobra.Command {
	pl := &cobra.Command{Use: "plan", Short: "Inspect fulfillment plans"}
	pl.AddCommand(planListCmd())
	pl.AddCommand(planShowCmd())
	return pl
}

func planListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListPlans(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Requires sample", "Initial status"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.RequiresSample, p.InitialStatus})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <plan-id>",
		Short: "Show a plan's stage sequence and SLA rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plan, err := r.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				rules, err := r.ListSLARules(ctx, plan.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"plan": plan, "sla_rules": rules})
				}
				seq := status.ForPlan(plan.RequiresSample).Sequence()
				fmt.Printf("%s (%s)\n", plan.Name, plan.ID)
				fmt.Println("stages:", strings.Join(statusNames(seq), " -> "))
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Hours"})
				for _, rule := range rules {
					from := "(creation)"
					if rule.FromStatus != nil {
						from = *rule.FromStatus
					}
					tw.AppendRow(table.Row{from, rule.ToStatus, formatHoursPtr(rule.DurationHours)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

// --- monitor ---

func monitorCmd() *cobra.Command {
	mon := &cobra.Command{Use: "monitor", Short: "SLA monitoring views"}
	mon.AddCommand(monitorViewCmd("overview", "Aggregate on-time and overdue counts", func(ctx context.Context, m monitor.Monitor) (any, error) {
		return m.Overview(ctx)
	}))
	mon.AddCommand(monitorViewCmd("overdue", "List overdue and at-risk records", func(ctx context.Context, m monitor.Monitor) (any, error) {
		return m.OverdueList(ctx)
	}))
	mon.AddCommand(monitorViewCmd("stats", "Stage statistics by status and priority", func(ctx context.Context, m monitor.Monitor) (any, error) {
		return m.Stats(ctx)
	}))
	mon.AddCommand(monitorViewCmd("report", "Combined monitoring report", func(ctx context.Context, m monitor.Monitor) (any, error) {
		return m.Report(ctx)
	}))
	return mon
}

func monitorViewCmd(name, short string, fn func(context.Context, monitor.Monitor) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMonitor(cmd.Context(), func(ctx context.Context, m monitor.Monitor) error {
				out, err := fn(ctx, m)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

// --- config ---

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage plan and SLA configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default collabflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import plans and SLA rules from a YAML file into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if file == "" {
				file = config.Path(workspace)
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			tbl, err := app.SyncConfig(cmd.Context(), conn, cfg)
			if err != nil {
				return err
			}
			fmt.Printf("imported %d plans, %d SLA rules from %s\n", len(cfg.Plans), tbl.Len(), file)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "config file path (defaults to workspace collabflow.yml)")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the workspace config",
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

// --- seed ---

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Import the default config and create demo records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				operator := viper.GetString("operator-id")
				subjects := []struct {
					plan, subject, priority string
				}{
					{"standard", "creator-aurora x spring-lineup", "high"},
					{"standard", "creator-basil x summer-lineup", "medium"},
					{"lite", "creator-cedar x digital-pack", "low"},
				}
				for _, s := range subjects {
					rec, err := e.CreateRecord(ctx, engine.CreateRecordOptions{
						PlanID:     s.plan,
						Subject:    s.subject,
						Priority:   s.priority,
						OperatorID: operator,
					})
					if err != nil {
						return err
					}
					fmt.Printf("seeded record %s (%s, %s)\n", rec.ID, s.plan, rec.CurrentStatus)
				}
				return nil
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacy bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := openDB(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg, tbl, err := loadTable(cmd.Context(), conn, workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, tbl)
			m := monitor.New(repo.Repo{DB: conn}, cfg.Monitor)
			authCfg := server.AuthConfig{
				JWTSecret:                 os.Getenv("COLLABFLOW_JWT_SECRET"),
				AllowLegacyOperatorHeader: allowLegacy,
			}
			if authCfg.JWTSecret == "" && !allowLegacy {
				return fmt.Errorf("COLLABFLOW_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, Monitor: m, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Collabflow API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8787", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-operator-header", false, "accept X-Operator-Id instead of a bearer token")
	return cmd
}

// --- helpers ---

func openDB(workspace string) (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// loadTable syncs the workspace config into the DB when present, else
// falls back to rules already imported or the built-in defaults.
func loadTable(ctx context.Context, conn *sql.DB, workspace string) (*config.Config, *sla.Table, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	tbl, err := app.SyncConfig(ctx, conn, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, tbl, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, tbl, err := loadTable(ctx, conn, workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, tbl))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func withMonitor(ctx context.Context, fn func(context.Context, monitor.Monitor) error) error {
	workspace := viper.GetString("workspace")
	conn, err := openDB(workspace)
	if err != nil {
		return err
	}
	defer conn.Close()
	cfg, _, err := loadTable(ctx, conn, workspace)
	if err != nil {
		return err
	}
	return fn(ctx, monitor.New(repo.Repo{DB: conn}, cfg.Monitor))
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

func statusNames(in []status.Status) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func formatDeadline(deadline *int64) string {
	if deadline == nil {
		return "-"
	}
	return time.Unix(*deadline, 0).UTC().Format(time.RFC3339)
}

func formatHoursPtr(h *float64) string {
	if h == nil {
		return "-"
	}
	return fmt.Sprintf("%.1f", *h)
}

func formatResolution(res sla.Resolution) string {
	switch res.Kind {
	case sla.Bounded:
		return fmt.Sprintf("%.1fh", res.Hours)
	default:
		return res.Kind.String()
	}
}
