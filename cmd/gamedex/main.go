package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/TobiSchelling/gamedex/internal/batch"
	"github.com/TobiSchelling/gamedex/internal/config"
	"github.com/TobiSchelling/gamedex/internal/fetch"
	"github.com/TobiSchelling/gamedex/internal/model"
	"github.com/TobiSchelling/gamedex/internal/pipeline"
	"github.com/TobiSchelling/gamedex/internal/server"
	"github.com/TobiSchelling/gamedex/internal/store"
	"github.com/TobiSchelling/gamedex/internal/validate"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	log        = logrus.New()
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "gamedex",
	Short:   "Reconciled game metadata catalog",
	Long:    "gamedex aggregates game metadata referenced by video descriptions across store platforms into one validated catalog, kept fresh by staleness-aware refetching.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env overlays config for platform credentials; absence is fine.
		_ = godotenv.Load()

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		level, err := logrus.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			level = logrus.InfoLevel
		}
		if verbose {
			level = logrus.DebugLevel
		}
		log.SetLevel(level)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("gamedex", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/gamedex/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure platforms, batch sizing, and refresh limits.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		stats := st.GetStats()
		fmt.Printf("Data directory: %s\n\n", cfg.GetDataDir())
		fmt.Println("Catalog:")
		fmt.Printf("  Games: %d\n", stats.Games)
		fmt.Printf("  Demo/full pairs: %d\n", stats.DemoPairs)
		fmt.Printf("  Stubs: %d\n", stats.Stubs)
		fmt.Printf("  Pending removals: %d\n", stats.PendingRemovals)
		fmt.Println("\nFree platforms:")
		fmt.Printf("  Listings: %d\n", stats.FreeGames)
		fmt.Println("\nVideos:")
		fmt.Printf("  Sources: %d\n", stats.VideoSources)
		fmt.Printf("  Videos: %d\n", stats.Videos)
		if !st.LastCommitted().IsZero() {
			fmt.Printf("\nLast committed: %s\n", st.LastCommitted().Format(time.RFC3339))
		}
		return nil
	},
}

// --- update command ---

var (
	dryRun      bool
	updateLimit int
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Run one update cycle: schedule -> fetch -> reconcile -> match -> validate -> commit",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		if updateLimit > 0 {
			cfg.Refresh.MaxUpdatesPerRun = updateLimit
		}

		ctrl := batch.NewController(cfg.Batch.Size, cfg.Batch.Floor, cfg.Batch.ShrinkFactor, log)
		policy := batch.NewPolicy(cfg.Batch.MaxRetries, cfg.BaseDelay(), log)
		bulk := fetch.NewBulkClient(
			cfg.Platforms.Steam.BulkEndpoint,
			time.Duration(cfg.Platforms.Steam.TimeoutSeconds)*time.Second,
			ctrl, policy, log,
		)

		freeFetch := make(map[string]fetch.FreeFetcher)
		for platform, pc := range map[string]config.FreeConfig{
			model.PlatformItch:       cfg.Platforms.Itch,
			model.PlatformCrazyGames: cfg.Platforms.CrazyGames,
		} {
			if !pc.Enabled {
				continue
			}
			f, ok := fetch.NewFreeFetcher(platform, time.Duration(pc.TimeoutSeconds)*time.Second, log)
			if !ok {
				log.WithField("platform", platform).Debug("No fetcher linked for platform, skipping")
				continue
			}
			freeFetch[platform] = f
		}

		pipe := pipeline.New(cfg, st, bulk, freeFetch, log)

		var result *pipeline.Result
		if dryRun {
			result = pipe.DryRun()
		} else {
			result = pipe.Run(context.Background())
		}

		for i, step := range result.Steps {
			fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
			if step.Err != nil {
				fmt.Printf("  Error: %v\n", step.Err)
			} else {
				fmt.Printf("  %s\n", step.Summary)
			}
		}
		return nil
	},
}

func init() {
	updateCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be fetched without executing")
	updateCmd.Flags().IntVar(&updateLimit, "limit", 0, "Cap entities fetched this run (overrides config)")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Run the integrity battery against the on-disk state",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		findings := validate.New(log).Validate(st.Snapshot())
		errs := validate.Errors(findings)

		if len(findings) == 0 {
			fmt.Println("No findings. Store is consistent.")
			return nil
		}
		for _, f := range findings {
			fmt.Println(" ", f)
		}
		fmt.Printf("\n%d findings (%d errors, %d warnings)\n", len(findings), len(errs), len(findings)-len(errs))
		if len(errs) > 0 {
			return fmt.Errorf("store has %d integrity errors", len(errs))
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reconciled catalog read-only over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}

		srv := server.New(cfg, st, log)
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		fmt.Printf("Serving on http://localhost%s\n", addr)
		return http.ListenAndServe(addr, srv.Handler())
	},
}

func openStore() (*store.Store, error) {
	dir := cfg.GetDataDir()
	st, err := store.Open(dir, validate.New(log), log)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return st, nil
}
