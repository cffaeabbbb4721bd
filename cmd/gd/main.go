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
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"gitdone/internal/app"
	"gitdone/internal/config"
	"gitdone/internal/db"
	"gitdone/internal/domain"
	"gitdone/internal/engine"
	"gitdone/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "gd",
	Short: "GitDone CLI",
	Long: `GitDone coordinates multi-vendor workflows through magic links.
Core concepts:
- Event: a workflow owned by one person, made of ordered steps.
- Step: one vendor's piece of work; it can start when the flow type allows it.
- Flow type: sequential (one after another), non_sequential (all at once) or hybrid (grouped by sequence number).
- Magic link: a one-time completion link mailed to a vendor. Submitting it records evidence and a ledger commit.
- Management link: a reusable owner link with permissions to view, edit, add steps and send reminders.
- Time limit: a step that is not completed in time is marked timed_out and the flow moves on.
- Ledger: a hash-chained record of completions per event; verify it with 'gd ledger verify'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("GITDONE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(manageCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(recoverCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default gitdone.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o600); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate gitdone.yml with environment overrides applied",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := app.LoadConfig(viper.GetString("workspace"), viper.GetViper()); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{Use: "event", Short: "Manage events"}
	ev.AddCommand(eventCreateCmd())
	ev.AddCommand(eventShowCmd())
	ev.AddCommand(eventListCmd())
	ev.AddCommand(eventTimelineCmd())
	ev.AddCommand(eventExportCmd())
	return ev
}

func eventCreateCmd() *cobra.Command {
	var name, owner, flowType string
	var steps []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an event and send links for the steps that can start",
		Example: `  gd event create --name "Wedding" --owner alice@example.com --flow sequential \
    --step "Catering:chef@example.com:48h" --step "Flowers:florist@example.com"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			specs := make([]domain.StepSpec, 0, len(steps))
			for _, raw := range steps {
				spec, err := parseStepFlag(raw)
				if err != nil {
					return err
				}
				specs = append(specs, spec)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.CreateEvent(ctx, engine.CreateEventInput{
					Name:       name,
					OwnerEmail: owner,
					FlowType:   domain.FlowType(flowType),
					Steps:      specs,
				})
				if err != nil {
					return err
				}
				return printEvent(view)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "event name")
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	cmd.Flags().StringVar(&flowType, "flow", string(domain.FlowSequential), "flow type (sequential, non_sequential, hybrid)")
	cmd.Flags().StringArrayVar(&steps, "step", nil, "step as name:vendor[:time_limit[:sequence]] (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func eventShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event with its steps and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				view, err := e.GetEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printEvent(view)
			})
		},
	}
}

func eventListCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List events owned by an email",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				views, err := e.ListEventsByOwner(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Flow", "Status", "Progress"})
				for _, v := range views {
					tw.AppendRow(table.Row{v.ID, v.Name, v.FlowType, v.Status, fmt.Sprintf("%d%%", v.Progress.Percent)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func eventTimelineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timeline <event-id>",
		Short: "Show ledger commits in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.Timeline(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Step", "Vendor", "Files", "Hash"})
				for _, c := range entries {
					tw.AppendRow(table.Row{
						c.Timestamp.UTC().Format(time.RFC3339),
						c.StepName,
						c.VendorEmail,
						len(c.Files),
						shortHash(c.Hash),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func eventExportCmd() *cobra.Command {
	var format, output string
	cmd := &cobra.Command{
		Use:     "export <event-id>",
		Short:   "Export an event with its ledger as json or csv",
		Args:    cobra.ExactArgs(1),
		Example: `  gd event export 3f2c... --format csv --output wedding.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				out, err := e.Export(ctx, args[0], format)
				if err != nil {
					return err
				}
				if output == "" {
					_, err = os.Stdout.Write(out.Body)
					return err
				}
				if output == "." {
					output = out.Filename
				}
				if err := os.WriteFile(output, out.Body, 0o644); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "wrote %s\n", output)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", engine.ExportJSON, "export format (json, csv)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout; \".\" uses the suggested name")
	return cmd
}

func stepCmd() *cobra.Command {
	st := &cobra.Command{Use: "step", Short: "Manage steps"}
	st.AddCommand(stepAddCmd())
	return st
}

func stepAddCmd() *cobra.Command {
	var spec domain.StepSpec
	cmd := &cobra.Command{
		Use:   "add <event-id>",
		Short: "Append a step to an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				step, err := e.AddStep(ctx, args[0], spec)
				if err != nil {
					return err
				}
				return printJSONOrTable(step)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Name, "name", "", "step name")
	cmd.Flags().StringVar(&spec.VendorEmail, "vendor", "", "vendor email")
	cmd.Flags().StringVar(&spec.Description, "description", "", "description")
	cmd.Flags().StringVar(&spec.TimeLimit, "time-limit", "", "time limit, e.g. 30m, 2h, 3d, 1w")
	cmd.Flags().IntVar(&spec.Sequence, "sequence", 0, "hybrid sequence group (0 = next)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("vendor")
	return cmd
}

func tokenCmd() *cobra.Command {
	tk := &cobra.Command{Use: "token", Short: "Completion links"}
	tk.AddCommand(tokenSendCmd())
	tk.AddCommand(tokenStatusCmd())
	return tk
}

func tokenSendCmd() *cobra.Command {
	var vendor string
	cmd := &cobra.Command{
		Use:   "send <event-id> <step-id>",
		Short: "Send a fresh completion link to a step's vendor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				issued, err := e.IssueStepToken(ctx, args[0], args[1], vendor)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"token":      issued.Token,
					"expires_at": issued.Claims.ExpiresAt.Time,
				})
			})
		},
	}
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor email the step is assigned to")
	_ = cmd.MarkFlagRequired("vendor")
	return cmd
}

func tokenStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <token>",
		Short: "Report whether a link is valid, used or expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				st, err := e.TokenStatus(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(st)
			})
		},
	}
}

func manageCmd() *cobra.Command {
	m := &cobra.Command{Use: "manage", Short: "Owner management links"}
	m.AddCommand(manageLinksCmd())
	m.AddCommand(manageRemindCmd())
	return m
}

func manageLinksCmd() *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "links",
		Short: "Issue and send management links for every event of an owner",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				links, err := e.SendManagementLinks(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(links)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Name", "URL", "Expires"})
				for _, l := range links {
					tw.AppendRow(table.Row{l.EventID, l.EventName, l.URL, l.ExpiresAt.UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "owner email")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func manageRemindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind <management-token>",
		Short: "Re-send completion links for every open step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.SendReminders(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"sent": n})
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	l := &cobra.Command{Use: "ledger", Short: "Completion ledger"}
	l.AddCommand(&cobra.Command{
		Use:   "verify <event-id>",
		Short: "Recompute the hash chain of an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				n, err := e.VerifyLedger(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"event_id": args[0], "entries": n, "valid": true})
			})
		},
	})
	return l
}

func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Fire overdue deadlines and re-trigger stalled events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Recover(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace, viper.GetViper())
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			logger := newLogger()
			rt, err := app.Open(cmd.Context(), workspace, cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.Engine.Recover(cmd.Context())
			if err != nil {
				return err
			}
			logger.Info("recovered deadlines", "deadlines", report.Deadlines, "rearmed", report.Rearmed, "triggered", report.Triggered)

			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: cfg.Server.BasePath,
				RateLimit: server.RateLimitConfig{
					RPS:   cfg.Server.RateLimit.RPS,
					Burst: cfg.Server.RateLimit.Burst,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			hooks := server.NewWebhookDispatcher(rt.Engine.Repo, cfg.Webhooks, logger)
			go hooks.Run(cmd.Context())

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving GitDone API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path (overrides config)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := app.LoadConfig(workspace, viper.GetViper())
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, workspace, cfg, newLogger())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

func newLogger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// parseStepFlag reads name:vendor[:time_limit[:sequence]].
func parseStepFlag(raw string) (domain.StepSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return domain.StepSpec{}, fmt.Errorf("invalid --step %q: want name:vendor[:time_limit[:sequence]]", raw)
	}
	spec := domain.StepSpec{
		Name:        strings.TrimSpace(parts[0]),
		VendorEmail: strings.TrimSpace(parts[1]),
	}
	if len(parts) > 2 {
		spec.TimeLimit = strings.TrimSpace(parts[2])
	}
	if len(parts) > 3 {
		if _, err := fmt.Sscanf(strings.TrimSpace(parts[3]), "%d", &spec.Sequence); err != nil {
			return domain.StepSpec{}, fmt.Errorf("invalid --step %q: sequence must be a number", raw)
		}
	}
	return spec, nil
}

func printEvent(v engine.EventView) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Printf("%s  %s  (%s, %s)  %d%% complete\n", v.ID, v.Name, v.FlowType, v.Status, v.Progress.Percent)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Seq", "Name", "Vendor", "Status", "Limit"})
	for _, s := range v.Steps {
		tw.AppendRow(table.Row{s.ID, s.Sequence, s.Name, s.VendorEmail, s.Status, s.TimeLimit})
	}
	tw.Render()
	return nil
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
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
