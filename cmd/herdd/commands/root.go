package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/config"
	"github.com/openherd/openherd/pkg/stores"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "herdd",
		Short: "OpenHerd - Cluster Orchestration Engine",
		Long: `OpenHerd manages clusters of homogeneous nodes: it creates,
scales, checks and recovers them through policy-guarded operations.

Operations decompose into dependency-ordered actions executed under
lease-bounded locks, so any number of engine instances can share one
database without stepping on each other.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newInitDBCommand())
	rootCmd.AddCommand(newClusterCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newOperationCommand())
	rootCmd.AddCommand(newStatusCommand())

	return rootCmd
}

// loadConfig reads the configured file or falls back to defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// openStore opens and migrates the configured database.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            cfg.Database.Path,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}
