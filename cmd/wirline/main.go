package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"wirline/internal/app"
	"wirline/internal/config"
	"wirline/internal/db"
	"wirline/internal/domain"
	"wirline/internal/engine"
	"wirline/internal/migrate"
	"wirline/internal/repo"
	"wirline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "wirline",
	Short: "Wirline CLI",
	Long: `Wirline runs work inspection requests (WIRs) for construction projects.
A contractor raises a WIR against checklists from the project catalog, picks an
eligible inspector for the planned date, and submits. The inspector fills the
checklist runner and recommends; the head of department (HOD) reviews and
approves or rejects. Who may do what comes from a deny-only permission matrix
resolved per user per calendar date.`,
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
	viper.SetEnvPrefix("WIRLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().String("project", "", "project id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(wirCmd())
	rootCmd.AddCommand(membershipCmd())
	rootCmd.AddCommand(permCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func projectCreateCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create project with the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.CreateProject(ctx, r, id, nil, viper.GetString("user-id")); err != nil {
					return err
				}
				p, err := r.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id")
	return cmd
}

func projectConfigCmd() *cobra.Command {
	cfgCmd := &cobra.Command{Use: "config", Short: "Manage project config"}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show stored project config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}

	var file string
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import config from a YAML file and re-seed role matrices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			cfg, err := config.FromFile(file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				if err := app.ImportConfig(ctx, e.Repo, projectID, cfg); err != nil {
					return err
				}
				fmt.Println("config imported")
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&file, "file", "", "path to wirline.yml")

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default wirline.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = "my-project"
			}
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}

	cfgCmd.AddCommand(show, importCmd, initCmd)
	return cfgCmd
}

func wirCmd() *cobra.Command {
	wir := &cobra.Command{Use: "wir", Short: "Manage work inspection requests"}
	wir.AddCommand(wirRaiseCmd())
	wir.AddCommand(wirListCmd())
	wir.AddCommand(wirShowCmd())
	wir.AddCommand(wirSubmitCmd())
	wir.AddCommand(wirRecommendCmd())
	wir.AddCommand(wirApproveCmd())
	wir.AddCommand(wirRejectCmd())
	wir.AddCommand(wirRescheduleCmd())
	wir.AddCommand(wirHistoryCmd())
	wir.AddCommand(wirRunnerCmd())
	return wir
}

func wirRaiseCmd() *cobra.Command {
	var title, discipline, date, timeOfDay, location string
	var checklists []string
	cmd := &cobra.Command{
		Use:   "raise",
		Short: "Raise a WIR draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				w, err := e.RaiseWir(ctx, projectID, viper.GetString("user-id"), engine.WirCreateOptions{
					Title:        title,
					Discipline:   discipline,
					PlannedDate:  date,
					PlannedTime:  timeOfDay,
					Location:     location,
					ChecklistIDs: checklists,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&discipline, "discipline", "", "discipline, e.g. civil")
	cmd.Flags().StringVar(&date, "date", "", "planned date YYYY-MM-DD")
	cmd.Flags().StringVar(&timeOfDay, "time", "", "planned time HH:MM")
	cmd.Flags().StringVar(&location, "location", "", "location on site")
	cmd.Flags().StringSliceVar(&checklists, "checklist", nil, "checklist id (repeatable)")
	return cmd
}

func wirListCmd() *cobra.Command {
	var status, discipline, bic string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List WIRs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.ListWirs(ctx, viper.GetString("user-id"), repo.WirFilters{
					ProjectID:   projectID,
					Status:      status,
					Discipline:  discipline,
					BallInCourt: bic,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Discipline", "Date", "Status", "BIC", "Inspector", "HOD"})
				for _, w := range items {
					tw.AppendRow(table.Row{
						w.ID, w.Title, w.Discipline, w.PlannedDate, w.Status,
						strOr(w.BallInCourt, "-"), strOr(w.InspectorID, "-"), strOr(w.HodID, "-"),
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&discipline, "discipline", "", "filter by discipline")
	cmd.Flags().StringVar(&bic, "ball-in-court", "", "filter by ball in court (inspector|hod)")
	return cmd
}

func wirShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one WIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.GetWir(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
}

func wirSubmitCmd() *cobra.Command {
	var inspector string
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Dispatch and submit a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inspector == "" {
				return fmt.Errorf("--inspector required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.Submit(ctx, args[0], viper.GetString("user-id"), inspector)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&inspector, "inspector", "", "inspector user id")
	return cmd
}

func wirRecommendCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "recommend <id>",
		Short: "Recommend a submitted WIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.Recommend(ctx, args[0], viper.GetString("user-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func wirApproveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a recommended WIR",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.Approve(ctx, args[0], viper.GetString("user-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "optional comment")
	return cmd
}

func wirRejectCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a recommended WIR (comment required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.Reject(ctx, args[0], viper.GetString("user-id"), comment)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "rejection reason")
	return cmd
}

func wirRescheduleCmd() *cobra.Command {
	var date, timeOfDay, note string
	cmd := &cobra.Command{
		Use:   "reschedule <id>",
		Short: "Move the planned inspection slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				w, err := e.Reschedule(ctx, args[0], viper.GetString("user-id"), date, timeOfDay, note)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "new date YYYY-MM-DD")
	cmd.Flags().StringVar(&timeOfDay, "time", "", "new time HH:MM")
	cmd.Flags().StringVar(&note, "note", "", "reason for the move, recorded in the audit trail")
	return cmd
}

func wirHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				items, err := e.History(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Action", "Actor", "From", "To", "Notes"})
				for _, h := range items {
					tw.AppendRow(table.Row{h.Seq, h.TS, h.Action, h.ActorID, h.FromStatus, h.ToStatus, h.Notes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func wirRunnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner <id>",
		Short: "Show the checklist runner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, _ string) error {
				items, err := e.RunnerState(ctx, args[0], viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Checklist", "Item", "Description", "Insp", "Measurement", "HOD Remark"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ChecklistID, it.CatalogItemID, it.Description, strOr(it.InspStatus, "-"), it.Measurement, it.HodRemark})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func membershipCmd() *cobra.Command {
	mem := &cobra.Command{Use: "membership", Short: "Manage membership windows"}

	var user, role, from, to string
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a membership window",
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" || role == "" {
				return fmt.Errorf("--user and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				if !cfg.HasRole(role) {
					return fmt.Errorf("unknown role %s", role)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				m := membershipWindow(projectID, user, role, from, to, now)
				if err := e.Repo.InsertMembership(ctx, m); err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	add.Flags().StringVar(&user, "user", "", "user id")
	add.Flags().StringVar(&role, "role", "", "role name from the project config")
	add.Flags().StringVar(&from, "from", "", "valid from YYYY-MM-DD (inclusive)")
	add.Flags().StringVar(&to, "to", "", "valid to YYYY-MM-DD (inclusive)")

	var listRole string
	list := &cobra.Command{
		Use:   "list",
		Short: "List membership windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.ListMemberships(ctx, projectID, listRole, "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Role", "From", "To"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.UserID, m.Role, strOr(m.ValidFrom, "-"), strOr(m.ValidTo, "-")})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&listRole, "role", "", "filter by role")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a membership window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				return e.Repo.DeleteMembership(ctx, projectID, args[0])
			})
		},
	}

	mem.AddCommand(add, list, remove)
	return mem
}

func permCmd() *cobra.Command {
	perm := &cobra.Command{Use: "perm", Short: "Inspect and adjust permissions"}

	var subject, date string
	show := &cobra.Command{
		Use:   "show",
		Short: "Effective permissions for a user or role on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				subject = viper.GetString("user-id")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				perms, err := e.EffectivePermissionsFor(ctx, projectID, subject, date)
				if err != nil {
					return err
				}
				role, _, err := e.ActingRoleFor(ctx, projectID, subject, date)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"subject":     subject,
					"date":        e.NormalizeDate(date),
					"permissions": perms,
					"acting_role": role,
				})
			})
		},
	}
	show.Flags().StringVar(&subject, "subject", "", "user id or role name (defaults to --user-id)")
	show.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (defaults to today)")

	var elDate string
	eligible := &cobra.Command{
		Use:   "eligible",
		Short: "Eligible acting candidates on a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				candidates, err := e.EligibleCandidates(ctx, projectID, elDate)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(candidates)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"User", "Acting Role", "View", "Review", "Approve"})
				for _, c := range candidates {
					tw.AppendRow(table.Row{c.UserID, c.ActingRole, c.Permissions.View, c.Permissions.Review, c.Permissions.Approve})
				}
				tw.Render()
				return nil
			})
		},
	}
	eligible.Flags().StringVar(&elDate, "date", "", "date YYYY-MM-DD (defaults to today)")

	var denyUser string
	var denyActions []string
	deny := &cobra.Command{
		Use:   "deny",
		Short: "Set deny overrides for a user (replaces existing cells)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if denyUser == "" {
				return fmt.Errorf("--user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
				if err != nil {
					return err
				}
				cells := map[string]map[string]string{cfg.Module(): {}}
				for _, action := range denyActions {
					cells[cfg.Module()][action] = "deny"
				}
				if err := e.Repo.ReplaceOverrides(ctx, projectID, denyUser, cells); err != nil {
					return err
				}
				fmt.Println("overrides updated")
				return nil
			})
		},
	}
	deny.Flags().StringVar(&denyUser, "user", "", "user id")
	deny.Flags().StringSliceVar(&denyActions, "action", nil, "action to deny: view, raise, review, approve (repeatable)")

	perm.AddCommand(show, eligible, deny)
	return perm
}

func logCmd() *cobra.Command {
	logC := &cobra.Command{Use: "log", Short: "Event log"}
	var limit int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine, projectID string) error {
				items, err := e.Repo.LatestEvents(ctx, limit, projectID, "", "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&limit, "limit", 20, "number of events")
	logC.AddCommand(tail)
	return logC
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			if _, _, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), viper.GetString("user-id"), r); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{
				JWTSecret:       os.Getenv("WIRLINE_JWT_SECRET"),
				DevLoginEnabled: devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("WIRLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Wirline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated dev token endpoint")
	return cmd
}

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine, string) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	projectID, _, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), viper.GetString("user-id"), r)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn), projectID)
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

func membershipWindow(projectID, user, role, from, to, now string) domain.MembershipWindow {
	m := domain.MembershipWindow{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		UserID:    user,
		Role:      role,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if from != "" {
		m.ValidFrom = &from
	}
	if to != "" {
		m.ValidTo = &to
	}
	return m
}

func strOr(v *string, fallback string) string {
	if v == nil || *v == "" {
		return fallback
	}
	return *v
}
