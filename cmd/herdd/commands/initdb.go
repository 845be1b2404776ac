package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

func newInitDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the database",
		Long:  `Create the database file and apply all schema migrations.`,
		Example: `  # Initialize with the default config
  herdd init

  # Initialize a specific database
  herdd init --config /etc/herd/herd.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			if dir := filepath.Dir(cfg.Database.Path); dir != "." && cfg.Database.Path != ":memory:" {
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("failed to create data directory: %w", err)
				}
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			fmt.Printf("Database initialized at %s\n", cfg.Database.Path)
			return nil
		},
	}
	return cmd
}
