package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reportline/internal/app"
	"reportline/internal/config"
	"reportline/internal/creds"
	"reportline/internal/db"
	"reportline/internal/domain"
	"reportline/internal/engine"
	"reportline/internal/migrate"
	"reportline/internal/repo"
	"reportline/internal/server"
	"reportline/internal/sheets"
	"reportline/internal/syncer"
)

var rootCmd = &cobra.Command{
	Use:   "rl",
	Short: "Reportline CLI",
	Long: `Reportline tracks ministry compliance-indicator submissions.
Submissions carry a reported value for an indicator and period and flow
draft -> pending -> validated/observed/rejected. Observed submissions can be
edited and re-submitted. Validated submissions can be published, which
replicates them to the external reporting store (one table per ministry,
one row per indicator/period/ministry triple).`,
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
	_ = godotenv.Load(filepath.Join(viper.GetString("workspace"), ".env"))
	viper.SetEnvPrefix("REPORTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("reviewer", false, "act with reviewer role")
	rootCmd.PersistentFlags().String("ministry", "", "actor ministry scope")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("reviewer", rootCmd.PersistentFlags().Lookup("reviewer"))
	_ = viper.BindPFlag("ministry", rootCmd.PersistentFlags().Lookup("ministry"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(credsCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() domain.Actor {
	return domain.Actor{
		ID:         viper.GetString("actor-id"),
		Reviewer:   viper.GetBool("reviewer"),
		MinistryID: viper.GetString("ministry"),
	}
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		Long:  "Creates .reportline with the database and writes a default reportline.yml if none exists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if err := app.SeedCatalog(cmd.Context(), repo.Repo{DB: conn}, cfg); err != nil {
				return err
			}
			fmt.Printf("Workspace ready at %s\n", db.Path(workspace))
			return nil
		},
	}
	return cmd
}

func catalogCmd() *cobra.Command {
	cat := &cobra.Command{
		Use:   "catalog",
		Short: "Reference catalog (ministries, commitment lines, indicators)",
		Long:  "The catalog is owned upstream and seeded from reportline.yml. Submissions must reference catalog entries.",
	}
	cat.AddCommand(catalogImportCmd())
	cat.AddCommand(catalogMinistriesCmd())
	cat.AddCommand(catalogLinesCmd())
	cat.AddCommand(catalogIndicatorsCmd())
	return cat
}

func catalogImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import catalog from a YAML config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.SeedCatalog(ctx, r, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg.Catalog)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func catalogMinistriesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ministries",
		Short: "List ministries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListMinistries(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Short"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.ID, m.Name, m.ShortName})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func catalogLinesCmd() *cobra.Command {
	var ministryID string
	cmd := &cobra.Command{
		Use:   "lines",
		Short: "List commitment lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCommitmentLines(ctx, ministryID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&ministryID, "ministry", "", "ministry filter")
	return cmd
}

func catalogIndicatorsCmd() *cobra.Command {
	var lineID string
	cmd := &cobra.Command{
		Use:   "indicators",
		Short: "List indicators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIndicators(ctx, lineID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&lineID, "line", "", "commitment line filter")
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{
		Use:   "submission",
		Short: "Manage indicator submissions",
		Long:  "Submissions flow draft -> pending -> validated/observed/rejected. At most one pending or validated submission may exist per indicator, period and ministry.",
	}
	sub.AddCommand(submissionCreateCmd())
	sub.AddCommand(submissionListCmd())
	sub.AddCommand(submissionShowCmd())
	sub.AddCommand(submissionEditCmd())
	sub.AddCommand(submissionDeleteCmd())
	sub.AddCommand(submissionSubmitCmd())
	sub.AddCommand(submissionReviewCmd())
	sub.AddCommand(submissionPublishCmd())
	sub.AddCommand(submissionSyncCmd())
	return sub
}

func submissionCreateCmd() *cobra.Command {
	var opts engine.SubmissionCreateOptions
	var target float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("target") {
				opts.Target = &target
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Create(ctx, opts, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "submission id (optional)")
	cmd.Flags().StringVar(&opts.MinistryID, "ministry-id", "", "ministry id")
	cmd.Flags().StringVar(&opts.CommitmentLineID, "line", "", "commitment line id")
	cmd.Flags().StringVar(&opts.IndicatorID, "indicator", "", "indicator id")
	cmd.Flags().StringVar(&opts.Period, "period", "", "reporting period, e.g. 2026 or 2026-Q1")
	cmd.Flags().Float64Var(&opts.Value, "value", 0, "reported value")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "unit (defaults to indicator unit)")
	cmd.Flags().Float64Var(&target, "target", 0, "target value")
	cmd.Flags().StringVar(&opts.Source, "source", "", "data source")
	cmd.Flags().StringVar(&opts.Responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&opts.ResponsibleEmail, "responsible-email", "", "responsible email")
	cmd.Flags().StringVar(&opts.Notes, "notes", "", "submitter notes")
	_ = cmd.MarkFlagRequired("ministry-id")
	_ = cmd.MarkFlagRequired("line")
	_ = cmd.MarkFlagRequired("indicator")
	_ = cmd.MarkFlagRequired("period")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func submissionListCmd() *cobra.Command {
	var f repo.SubmissionFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSubmissions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Indicator", "Period", "Ministry", "Value", "State", "Published"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.IndicatorID, s.Period, s.MinistryID, s.Value, s.State, s.Published})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.MinistryID, "ministry-id", "", "ministry filter")
	cmd.Flags().StringVar(&f.IndicatorID, "indicator", "", "indicator filter")
	cmd.Flags().StringVar(&f.Period, "period", "", "period filter")
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	return cmd
}

func submissionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func submissionEditCmd() *cobra.Command {
	var period, unit, source, responsible, email, notes string
	var value, target float64
	var clearTarget bool
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a draft or observed submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch engine.SubmissionEditOptions
			if cmd.Flags().Changed("period") {
				patch.Period = &period
			}
			if cmd.Flags().Changed("value") {
				patch.Value = &value
			}
			if cmd.Flags().Changed("unit") {
				patch.Unit = &unit
			}
			if cmd.Flags().Changed("target") {
				patch.Target = &target
			}
			patch.ClearTarget = clearTarget
			if cmd.Flags().Changed("source") {
				patch.Source = &source
			}
			if cmd.Flags().Changed("responsible") {
				patch.Responsible = &responsible
			}
			if cmd.Flags().Changed("responsible-email") {
				patch.ResponsibleEmail = &email
			}
			if cmd.Flags().Changed("notes") {
				patch.Notes = &notes
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Edit(ctx, args[0], actor(), patch)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "reporting period")
	cmd.Flags().Float64Var(&value, "value", 0, "reported value")
	cmd.Flags().StringVar(&unit, "unit", "", "unit")
	cmd.Flags().Float64Var(&target, "target", 0, "target value")
	cmd.Flags().BoolVar(&clearTarget, "clear-target", false, "remove the target")
	cmd.Flags().StringVar(&source, "source", "", "data source")
	cmd.Flags().StringVar(&responsible, "responsible", "", "responsible person")
	cmd.Flags().StringVar(&email, "responsible-email", "", "responsible email")
	cmd.Flags().StringVar(&notes, "notes", "", "submitter notes")
	return cmd
}

func submissionDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a draft (owner) or pending (reviewer) submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Delete(ctx, args[0], actor())
			})
		},
	}
	return cmd
}

func submissionSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <id>",
		Short: "Submit for review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Submit(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func submissionReviewCmd() *cobra.Command {
	var decision, notes string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Review a pending submission (requires --reviewer)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Review(ctx, args[0], actor(), decision, notes)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "validated, observed or rejected")
	cmd.Flags().StringVar(&notes, "notes", "", "reviewer notes")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func submissionPublishCmd() *cobra.Command {
	var unpublish bool
	cmd := &cobra.Command{
		Use:   "publish <id>",
		Short: "Publish a validated submission to the reporting store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st stack) error {
				s, err := st.engine.SetPublished(ctx, args[0], actor(), !unpublish)
				if err != nil {
					return err
				}
				// CLI invocations are short-lived, so replicate inline instead
				// of through the background queue.
				if unpublish {
					err = st.syncer.RemoveRow(ctx, s)
				} else {
					err = st.syncer.PublishRow(ctx, s)
				}
				if err != nil {
					fmt.Fprintf(os.Stderr, "warning: replication failed: %v (retry with rl submission publish)\n", err)
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().BoolVar(&unpublish, "unpublish", false, "withdraw from the reporting store")
	return cmd
}

func submissionSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync <id>",
		Short: "Show last replication attempt for a submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st stack) error {
				if _, err := st.engine.Repo.GetSubmission(ctx, args[0]); err != nil {
					return err
				}
				status, err := st.syncer.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
	return cmd
}

func credsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "creds",
		Short: "Reporting store credential rotation",
		Long:  "The long-lived credential expires after roughly 180 days. Check estimates remaining validity and rotates when it drops below the threshold.",
	}
	c.AddCommand(credsCheckCmd())
	c.AddCommand(credsRotateCmd())
	return c
}

func credsCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check credential validity and rotate if near expiry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			m := credsManager(cfg)
			cred, err := m.Store.Load()
			if err != nil {
				return err
			}
			remaining := m.Remaining(cred)
			if err := m.Check(cmd.Context()); err != nil {
				return err
			}
			out := map[string]any{
				"created_at":     cred.CreatedAt,
				"remaining_days": int(remaining.Hours() / 24),
			}
			if viper.GetBool("json") {
				return printJSON(out)
			}
			fmt.Printf("Credential created %s, ~%d days of validity remaining\n",
				cred.CreatedAt.Format("2006-01-02"), int(remaining.Hours()/24))
			return nil
		},
	}
	return cmd
}

func credsRotateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the credential now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			m := credsManager(cfg)
			if err := m.Rotate(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("rotation OK")
			return nil
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys for the HTTP server",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	var reviewer bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the key once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := make([]byte, 24)
			if _, err := rand.Read(raw); err != nil {
				return err
			}
			key := "rlk_" + hex.EncodeToString(raw)
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				err := r.InsertAPIKey(ctx, nil, domain.APIKey{
					ID:       uuid.New().String(),
					ActorID:  viper.GetString("actor-id"),
					Name:     name,
					KeyHash:  repo.HashAPIKey(key),
					Reviewer: reviewer,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"key": key})
				}
				fmt.Printf("API key (store it now, it is not retrievable later): %s\n", key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().BoolVar(&reviewer, "grant-reviewer", false, "grant reviewer role to this key")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				for i := range keys {
					keys[i].KeyHash = ""
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Audit log",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var objectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, n, objectID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&objectID, "object-id", "", "object id filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st stack) error {
				authCfg := server.AuthConfig{
					JWTSecret:              st.config.Server.JWTSecret,
					AllowLegacyActorHeader: st.config.Server.AllowLegacyActorHeader,
				}
				if secret := os.Getenv("REPORTLINE_JWT_SECRET"); secret != "" {
					authCfg.JWTSecret = secret
				}
				if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
					return fmt.Errorf("REPORTLINE_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Engine:   st.engine,
					Sync:     st.syncer,
					BasePath: basePath,
					Auth:     authCfg,
				})
				if err != nil {
					return err
				}

				st.syncer.Start(ctx)
				if st.creds != nil {
					st.creds.Run(ctx)
				}

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Reportline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

// --- helpers ---

// stack bundles the wired application pieces for commands that reach past the
// engine into replication and credentials.
type stack struct {
	config *config.Config
	engine engine.Engine
	syncer *syncer.Syncer
	creds  *creds.Manager
}

func withStack(ctx context.Context, fn func(context.Context, stack) error) error {
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
	r := repo.Repo{DB: conn}
	if err := app.SeedCatalog(ctx, r, cfg); err != nil {
		return err
	}

	var tokens sheets.TokenSource
	var manager *creds.Manager
	if cfg.Credentials.TokenURL != "" {
		manager = credsManager(cfg)
		tokens = manager
	}
	store := sheets.NewHTTPStore(cfg.Sheets.Endpoint, cfg.Sheets.Spreadsheet, tokens)
	router := sheets.NewRouter(store, cfg.MaxTableName())
	sy := syncer.New(store, router, r)

	e := engine.New(conn, cfg)
	e.Sync = sy

	return fn(ctx, stack{config: cfg, engine: e, syncer: sy, creds: manager})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withStack(ctx, func(ctx context.Context, st stack) error {
		return fn(ctx, st.engine)
	})
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

func credsManager(cfg *config.Config) *creds.Manager {
	file := cfg.Credentials.File
	if file == "" {
		file = filepath.Join(viper.GetString("workspace"), ".reportline", "credentials.json")
	}
	m := creds.NewManager(&creds.FileStore{Path: file}, cfg.Credentials.TokenURL, cfg.Credentials.ClientID, cfg.Credentials.ClientSecret)
	if cfg.Credentials.MaxLifetimeDays > 0 {
		m.MaxLifetime = time.Duration(cfg.Credentials.MaxLifetimeDays) * 24 * time.Hour
	}
	if cfg.Credentials.RotateThresholdDays > 0 {
		m.RotateThreshold = time.Duration(cfg.Credentials.RotateThresholdDays) * 24 * time.Hour
	}
	return m
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
