package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine membership",
		Long:  `List the engine instances sharing this database and their liveness.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListEngines(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(records)
			}

			if len(records) == 0 {
				fmt.Println("No engine instances registered")
				return nil
			}
			now := time.Now()
			fmt.Printf("%-40s  %-20s  %-6s  %s\n", "INSTANCE", "HOSTNAME", "STATUS", "LAST HEARTBEAT")
			for _, r := range records {
				fmt.Printf("%-40s  %-20s  %-6s  %s ago\n",
					r.ID, r.Hostname, r.Status, now.Sub(r.LastHeartbeat).Round(time.Second))
			}
			return nil
		},
	}
}
