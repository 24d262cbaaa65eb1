package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"ecospheres/internal/app"
	"ecospheres/internal/bouquet"
	"ecospheres/internal/config"
	"ecospheres/internal/datagouv"
	"ecospheres/internal/grist"
	"ecospheres/internal/journal"
	"ecospheres/internal/migration"
)

var logger = zap.NewNop()

var rootCmd = &cobra.Command{
	Use:   "es",
	Short: "Ecospheres bouquet tools",
	Long: `es maintains the bouquets (topics) of the data.gouv.fr front-end sites.
- Environments: demo or prod, resolved from the published site config, or a local config file.
- Universe: the tag shared by every bouquet of a site page.
- copy duplicates a bouquet between environments, backup and export save one or all of them locally.
- migrate runs dated, idempotent migrations over the universe; use --dry-run to print the payloads instead.
- universe feed attaches the datasets listed in a Grist document to the universe and creates its bouquets.
- Every run is recorded in .ecospheres/journal.db, view it with 'es journal tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		if viper.GetBool("verbose") {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		l, err := config.Build()
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logger = l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
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
	viper.SetEnvPrefix("ECOSPHERES")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("api-key", config.APIKeyEnv)
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.String("env", "demo", "environment (demo, prod) or path to a config file")
	flags.String("site", "ecospheres", "front-end site")
	flags.String("page", "bouquets", "site page holding the universe query")
	flags.Bool("json", false, "output JSON")
	flags.BoolP("verbose", "v", false, "debug logging")
	flags.Bool("journal", true, "record runs in the journal")
	flags.String("journal-dir", journal.DefaultDir, "journal directory")
	for _, name := range []string{"env", "site", "page", "json", "verbose", "journal", "journal-dir"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(copyCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicCmd())
	rootCmd.AddCommand(universeCmd())
	rootCmd.AddCommand(journalCmd())
}

func copyCmd() *cobra.Command {
	var source, destination string
	var dryRun, yes bool
	cmd := &cobra.Command{
		Use:   "copy <slug>",
		Short: "Copy a bouquet from one environment to another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			site := viper.GetString("site")
			src, err := config.Load(ctx, site, source, viper.GetString("page"), config.Options{})
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			srcClient, err := app.NewClient(src, "", false, logger)
			if err != nil {
				return err
			}
			return withSession(ctx, "copy", destination, !dryRun, dryRun, func(ctx context.Context, s *app.Session) (any, error) {
				c := bouquet.Copier{
					Source:         srcClient,
					SourceBaseURL:  src.BaseURL,
					Destination:    s.Client,
					DestinationTag: s.Env.Universe.Tag(),
					Site:           site,
					Confirm:        confirmOverwrite(yes),
					DryRun:         dryRun,
					Out:            os.Stdout,
					Logger:         logger,
					Journal:        s.Journal,
				}
				res, err := c.Copy(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if !dryRun {
					logger.Info("copied", zap.String("slug", res.Slug), zap.String("id", res.ID), zap.Bool("created", res.Created), zap.Strings("downgraded", res.Downgraded))
				}
				return res, nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "prod", "source environment or config file")
	cmd.Flags().StringVar(&destination, "destination", "demo", "destination environment or config file")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the payload instead of writing it")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "replace an existing destination bouquet without asking")
	return cmd
}

func confirmOverwrite(yes bool) func(string) (bool, error) {
	return func(slug string) (bool, error) {
		if yes {
			return true, nil
		}
		fmt.Fprintf(os.Stderr, "bouquet %s already exists on destination, overwrite? [y/N] ", slug)
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return false, nil
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes", nil
	}
}

func backupCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Save every bouquet of the universe as JSON files",
		RunE: func(cmd *cobra.Command, args []string) error {
			env := viper.GetString("env")
			return withSession(cmd.Context(), "backup", env, true, false, func(ctx context.Context, s *app.Session) (any, error) {
				out := dir
				if out == "" {
					out = bouquet.DefaultBackupDir(s.Env.Site, s.Env.Name)
				}
				b := bouquet.Backup{
					Client:      s.Client,
					UniverseTag: s.Env.Universe.Tag(),
					Dir:         out,
					Logger:      logger,
					Journal:     s.Journal,
				}
				report, err := b.Run(ctx)
				if err != nil {
					return nil, err
				}
				return report, printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (default backup/<site>/<env>)")
	return cmd
}

func exportCmd() *cobra.Command {
	var exportEnv, dir string
	cmd := &cobra.Command{
		Use:   "export <id-or-slug>",
		Short: "Export a bouquet, its factors and their resources as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, err := bouquet.ExportBaseURL(exportEnv)
			if err != nil {
				return err
			}
			x := bouquet.Exporter{
				Client: datagouv.New(baseURL, datagouv.WithLogger(logger)),
				Site:   viper.GetString("site"),
				Dir:    dir,
				Logger: logger,
			}
			report, err := x.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSONOrTable(report)
		},
	}
	cmd.Flags().StringVar(&exportEnv, "export-env", "www", "platform to read from (www, demo)")
	cmd.Flags().StringVar(&dir, "dir", ".", "parent of the export directory")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Run bouquet migrations"}
	cmd.AddCommand(migrateListCmd())
	cmd.AddCommand(migrateRunCmd())
	return cmd
}

func migrateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			items := migration.Registered()
			if viper.GetBool("json") {
				type row struct {
					Name        string `json:"name"`
					Description string `json:"description"`
				}
				rows := make([]row, 0, len(items))
				for _, m := range items {
					rows = append(rows, row{m.Name, m.Description})
				}
				return printJSON(rows)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Description"})
			for _, m := range items {
				tw.AppendRow(table.Row{m.Name, m.Description})
			}
			tw.Render()
			return nil
		},
	}
}

func migrateRunCmd() *cobra.Command {
	var opts migration.Options
	var slugFilter string
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run a migration over the universe",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Site == "" {
				opts.Site = viper.GetString("site")
			}
			p, err := migration.Build(args[0], opts)
			if err != nil {
				return err
			}
			env := viper.GetString("env")
			return withSession(cmd.Context(), "migrate "+args[0], env, !dryRun, dryRun, func(ctx context.Context, s *app.Session) (any, error) {
				r := migration.Runner{
					Client:      s.Client,
					UniverseTag: s.Env.Universe.Tag(),
					Slug:        slugFilter,
					DryRun:      dryRun,
					Out:         os.Stdout,
					Logger:      logger,
					Journal:     s.Journal,
				}
				report, runErr := r.Run(ctx, p)
				if err := printReport(report); err != nil {
					return report, err
				}
				return report, runErr
			})
		},
	}
	cmd.Flags().StringVar(&slugFilter, "slug", "", "only migrate this bouquet")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the payloads instead of writing them")
	cmd.Flags().BoolVar(&opts.Move, "move", false, "remove the migrated source data")
	cmd.Flags().BoolVar(&opts.CleanTags, "clean-tags", false, "drop existing tags other than the universe tag")
	cmd.Flags().StringVar(&opts.LookupPath, "lookup", "", "site config holding the theme slug lookup")
	cmd.Flags().StringVar(&opts.CategoriesPath, "categories", "", "YAML file mapping seasons to bouquet slugs")
	cmd.Flags().StringVar(&opts.Site, "extras-site", "", "extras namespace (defaults to --site)")
	return cmd
}

func printReport(r migration.Report) error {
	if viper.GetBool("json") {
		return printJSON(r)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stderr)
	tw.AppendHeader(table.Row{"Total", "Updated", "Dry run", "Skipped", "Failed"})
	tw.AppendRow(table.Row{r.Total, r.Updated, r.DryRun, r.Skipped, r.Failed})
	tw.Render()
	return nil
}

func topicCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "topic", Short: "Inspect bouquets"}
	cmd.AddCommand(topicListCmd())
	cmd.AddCommand(topicShowCmd())
	cmd.AddCommand(topicAttachCmd())
	return cmd
}

func topicListCmd() *cobra.Command {
	var private bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the bouquets of the universe",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openReadOnly(ctx)
			if err != nil {
				return err
			}
			topics, err := s.Client.ListTopics(ctx, s.Env.Universe.Tag(), private)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(topics)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Slug", "Name", "Private", "Tags"})
			for _, t := range topics {
				tw.AppendRow(table.Row{t.ID, t.Slug, t.Name, t.Private, strings.Join(t.Tags, ",")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "include private bouquets (needs the API key)")
	return cmd
}

func topicShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id-or-slug>",
		Short: "Show a bouquet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openReadOnly(ctx)
			if err != nil {
				return err
			}
			t, err := s.Client.GetTopic(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(t)
		},
	}
}

func topicAttachCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "attach <id-or-slug> <dataset-id>...",
		Short: "Attach datasets to a bouquet",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			env := viper.GetString("env")
			return withSession(cmd.Context(), "topic attach", env, true, false, func(ctx context.Context, s *app.Session) (any, error) {
				t, err := s.Client.GetTopic(ctx, args[0])
				if err != nil {
					return nil, err
				}
				if err := s.Client.AttachDatasets(ctx, t.ID, args[1:]); err != nil {
					return nil, err
				}
				logger.Info("datasets attached", zap.String("slug", t.Slug), zap.Strings("datasets", args[1:]))
				if err := s.Journal.Record(ctx, journal.TopicUpdated, t.ID, t.Slug, map[string]any{"datasets": args[1:]}); err != nil {
					logger.Warn("journal write failed", zap.Error(err))
				}
				return nil, nil
			})
		},
	}
}

func universeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "universe", Short: "Maintain the universe topic"}
	cmd.AddCommand(universeFeedCmd())
	return cmd
}

func universeFeedCmd() *cobra.Command {
	var gristURL, topicID, extrasKey, organization string
	var dryRun bool
	tables := bouquet.DefaultFeedTables()
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Attach datasets and create bouquets from a Grist document",
		RunE: func(cmd *cobra.Command, args []string) error {
			if gristURL == "" {
				return fmt.Errorf("--grist-url required")
			}
			env := viper.GetString("env")
			return withSession(cmd.Context(), "universe feed", env, !dryRun, dryRun, func(ctx context.Context, s *app.Session) (any, error) {
				f := bouquet.Feed{
					Grist:           grist.New(gristURL, logger),
					Client:          s.Client,
					Tables:          tables,
					UniverseTopicID: topicID,
					UniverseTag:     s.Env.Universe.Tag(),
					ExtrasKey:       extrasKey,
					Organization:    organization,
					DryRun:          dryRun,
					Out:             os.Stdout,
					Logger:          logger,
					Journal:         s.Journal,
				}
				if f.UniverseTopicID == "" {
					f.UniverseTopicID = s.Env.Universe.TopicID()
				}
				if f.UniverseTopicID == "" {
					return nil, fmt.Errorf("--universe-topic required: the site config has no universe topic")
				}
				if f.ExtrasKey == "" {
					f.ExtrasKey = s.Env.Site
				}
				report, err := f.Run(ctx)
				if err != nil {
					return report, err
				}
				return report, printJSONOrTable(report)
			})
		},
	}
	cmd.Flags().StringVar(&gristURL, "grist-url", "", "Grist document API URL")
	cmd.Flags().StringVar(&topicID, "universe-topic", "", "universe topic id (defaults to the site config)")
	cmd.Flags().StringVar(&extrasKey, "extras-key", "", "extras namespace of the bouquets (defaults to --site)")
	cmd.Flags().StringVar(&organization, "organization", "", "organization owning the bouquets")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the payloads instead of writing them")
	cmd.Flags().IntVar(&tables.Datasets, "datasets-table", tables.Datasets, "Grist table of platform datasets")
	cmd.Flags().StringVar(&tables.DatasetURLField, "datasets-url-field", tables.DatasetURLField, "dataset URL column")
	cmd.Flags().StringVar(&tables.DatasetTopicField, "datasets-topic-field", tables.DatasetTopicField, "dataset bouquets column")
	cmd.Flags().IntVar(&tables.External, "external-table", tables.External, "Grist table of external datasets")
	cmd.Flags().IntVar(&tables.Topics, "topics-table", tables.Topics, "Grist table of bouquets")
	cmd.Flags().StringVar(&tables.TopicNameField, "topics-name-field", tables.TopicNameField, "bouquet name column")
	cmd.Flags().StringVar(&tables.TopicDescriptionField, "topics-description-field", tables.TopicDescriptionField, "bouquet description column")
	return cmd
}

func journalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "journal", Short: "Inspect recorded runs"}
	cmd.AddCommand(journalTailCmd())
	return cmd
}

func journalTailCmd() *cobra.Command {
	var n int
	var runID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail the events of a run (default: the last one)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := journal.Open(ctx, viper.GetString("journal-dir"))
			if err != nil {
				return err
			}
			defer conn.Close()
			r := journal.Reader{DB: conn}
			var run journal.Run
			if runID != "" {
				run, err = r.GetRun(ctx, runID)
			} else {
				run, err = r.LastRun(ctx)
			}
			if errors.Is(err, journal.ErrNotFound) {
				return fmt.Errorf("no recorded run")
			}
			if err != nil {
				return err
			}
			events, err := r.Tail(ctx, run.ID, n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"run": run, "events": events})
			}
			fmt.Printf("run %s: %s on %s/%s [%s] started %s\n", run.ID, run.Command, run.Site, run.Env, run.Status, run.StartedAt)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Time", "Type", "Topic", "Slug"})
			for _, e := range events {
				tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.TopicID, e.TopicSlug})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	return cmd
}

// --- helpers ---

func sessionOptions(command, env string, write, dryRun bool) app.Options {
	// a missing key is reported by app.Open for write sessions only
	apiKey, _ := config.APIKey(viper.GetViper())
	return app.Options{
		Site:       viper.GetString("site"),
		Env:        env,
		Page:       viper.GetString("page"),
		APIKey:     apiKey,
		Write:      write,
		Journal:    viper.GetBool("journal"),
		JournalDir: viper.GetString("journal-dir"),
		Command:    command,
		DryRun:     dryRun,
		Logger:     logger,
	}
}

// withSession opens a journaled session on env and records fn's outcome.
func withSession(ctx context.Context, command, env string, write, dryRun bool, fn func(context.Context, *app.Session) (any, error)) error {
	s, err := app.Open(ctx, sessionOptions(command, env, write, dryRun))
	if err != nil {
		return err
	}
	summary, runErr := fn(ctx, s)
	if err := s.Close(ctx, runErr, summary); err != nil {
		logger.Warn("failed to close journal run", zap.Error(err))
	}
	return runErr
}

func openReadOnly(ctx context.Context) (*app.Session, error) {
	opts := sessionOptions("", viper.GetString("env"), false, false)
	opts.Journal = false
	return app.Open(ctx, opts)
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
