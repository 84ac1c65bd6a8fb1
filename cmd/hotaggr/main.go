package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"hotaggr/internal/config"
	"hotaggr/internal/storage"
)

// Shared by all subcommands, initialized in PersistentPreRunE.
var (
	cfgPath string
	verbose bool

	cfg   *config.Config
	store storage.Storage
)

var rootCmd = &cobra.Command{
	Use:   "hotaggr",
	Short: "LLM-driven hot-news event aggregation engine",
	Long: `hotaggr clusters raw news records into real-world events by delegating
similarity judgment to an LLM, then finds and merges near-duplicate events.

Commands operate on a local SQLite database; configuration comes from an
optional YAML file (see 'hotaggr init').`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

		var err error
		if cfgPath != "" {
			cfg, err = config.Load(cfgPath)
			if err != nil {
				return err
			}
		} else {
			cfg = config.Default()
		}

		// init only writes a config file; it must work without a database.
		if cmd.Name() == "init" {
			return nil
		}

		store, err = storage.New(&storage.Config{Path: cfg.Database.Path})
		if err != nil {
			return fmt.Errorf("opening database %s: %w", cfg.Database.Path, err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
