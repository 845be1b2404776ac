package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/config"
	"github.com/openherd/openherd/pkg/drivers"
	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/policy"
	"github.com/openherd/openherd/pkg/stores"
	"github.com/openherd/openherd/pkg/telemetry"
)

// localService builds a service over the shared database without
// starting its background loops. Submitted operations are picked up by
// whichever running daemon owns the cluster.
func localService(cfg *config.Config, store *stores.SQLiteStore) (*engine.Service, error) {
	logOut, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	logger := logOut.Zerolog()

	svc := engine.NewService(engine.ServiceConfig{
		InstanceID: cfg.Engine.InstanceID,
	}, store, drivers.NewRegistry(logger), policy.NewRegistry(logger), stores.NewEventLog(store, logger), nil, logger)
	return svc, nil
}

func withService(ctx context.Context, fn func(context.Context, *engine.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	svc, err := localService(cfg, store)
	if err != nil {
		return err
	}
	return fn(ctx, svc)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printOperation(op *engine.Operation) {
	if jsonOutput {
		_ = printJSON(op)
		return
	}
	fmt.Printf("Operation %s (%s) submitted with %d action(s)\n", op.ID, op.Type, len(op.ActionIDs))
}

func newClusterCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Manage clusters",
	}

	cmd.AddCommand(newClusterCreateCommand())
	cmd.AddCommand(newClusterListCommand())
	cmd.AddCommand(newClusterGetCommand())
	cmd.AddCommand(newClusterScaleCommand())
	cmd.AddCommand(newClusterResizeCommand())
	cmd.AddCommand(newClusterCheckCommand())
	cmd.AddCommand(newClusterRecoverCommand())
	cmd.AddCommand(newClusterDeleteCommand())
	cmd.AddCommand(newClusterPolicyCommand())

	return cmd
}

func newClusterCreateCommand() *cobra.Command {
	var (
		profileID string
		capacity  int
		minSize   int
		maxSize   int
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a cluster",
		Example: `  # Create a three node cluster
  herdd cluster create web --profile <profile-id> --capacity 3 --min 1 --max 10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.CreateCluster(ctx, &engine.Cluster{
					Name:            args[0],
					ProfileID:       profileID,
					DesiredCapacity: capacity,
					MinSize:         minSize,
					MaxSize:         maxSize,
				})
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&profileID, "profile", "", "profile ID for cluster nodes")
	cmd.Flags().IntVar(&capacity, "capacity", 1, "desired node count")
	cmd.Flags().IntVar(&minSize, "min", 0, "minimum cluster size")
	cmd.Flags().IntVar(&maxSize, "max", -1, "maximum cluster size (-1 for unbounded)")
	_ = cmd.MarkFlagRequired("profile")

	return cmd
}

func newClusterListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clusters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				clusters, err := svc.ListClusters(ctx)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(clusters)
				}
				fmt.Printf("%-36s  %-20s  %-8s  %s\n", "ID", "NAME", "NODES", "STATUS")
				for _, c := range clusters {
					fmt.Printf("%-36s  %-20s  %-8d  %s\n", c.ID, c.Name, len(c.NodeIDs), c.Status)
				}
				return nil
			})
		},
	}
}

func newClusterGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <cluster-id>",
		Short: "Show a cluster and its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				view, err := svc.GetClusterStatus(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(view)
				}
				c := view.Cluster
				fmt.Printf("Cluster %s (%s)\n", c.Name, c.ID)
				fmt.Printf("  Status:   %s (%s)\n", c.Status, c.StatusReason)
				fmt.Printf("  Capacity: %d [%d, %d]\n", c.DesiredCapacity, c.MinSize, c.MaxSize)
				fmt.Printf("  Nodes:\n")
				for _, n := range view.Nodes {
					fmt.Printf("    %-36s  idx=%-4d  %-12s  %s\n", n.ID, n.Index, n.Status, n.PhysicalID)
				}
				return nil
			})
		},
	}
}

func newClusterScaleCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "scale <out|in> <cluster-id>",
		Short: "Scale a cluster out or in",
		Example: `  # Add two nodes
  herdd cluster scale out <cluster-id> --count 2

  # Remove one node
  herdd cluster scale in <cluster-id>`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var opType engine.ActionType
			switch args[0] {
			case "out":
				opType = engine.ActionClusterScaleOut
			case "in":
				opType = engine.ActionClusterScaleIn
			default:
				return fmt.Errorf("scale direction must be out or in, got %q", args[0])
			}

			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.Submit(ctx, args[1], opType, map[string]interface{}{
					engine.InputCount: count,
				})
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of nodes to add or remove")
	return cmd
}

func newClusterResizeCommand() *cobra.Command {
	var capacity int

	cmd := &cobra.Command{
		Use:   "resize <cluster-id>",
		Short: "Resize a cluster to an absolute capacity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.Submit(ctx, args[0], engine.ActionClusterResize, map[string]interface{}{
					engine.InputDesiredCapacity: capacity,
				})
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&capacity, "capacity", 0, "target node count")
	_ = cmd.MarkFlagRequired("capacity")
	return cmd
}

func newClusterCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <cluster-id>",
		Short: "Health-check every node of a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.Submit(ctx, args[0], engine.ActionClusterCheck, nil)
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}
}

func newClusterRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <cluster-id>",
		Short: "Recover the unhealthy nodes of a cluster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.Submit(ctx, args[0], engine.ActionClusterRecover, nil)
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}
}

func newClusterDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <cluster-id>",
		Short: "Delete a cluster and all of its nodes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				op, err := svc.DeleteCluster(ctx, args[0])
				if err != nil {
					return err
				}
				printOperation(op)
				return nil
			})
		},
	}
}

func newClusterPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage cluster policy bindings",
	}

	var (
		priority int
		cooldown time.Duration
		params   map[string]string
	)

	attach := &cobra.Command{
		Use:   "attach <cluster-id> <policy-id>",
		Short: "Bind a policy to a cluster",
		Example: `  # Bound scaling steps with a one minute cooldown
  herdd cluster policy attach <cluster-id> builtin.scaling --param max_step=2 --cooldown 1m`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				binding := &engine.PolicyBinding{
					ClusterID: args[0],
					PolicyID:  args[1],
					Enabled:   true,
					Priority:  priority,
					Cooldown:  cooldown,
					Params:    make(map[string]interface{}, len(params)),
				}
				for k, v := range params {
					binding.Params[k] = parseParamValue(v)
				}
				if err := svc.AttachPolicy(ctx, binding); err != nil {
					return err
				}
				fmt.Printf("Policy %s attached to cluster %s\n", args[1], args[0])
				return nil
			})
		},
	}
	attach.Flags().IntVar(&priority, "priority", 50, "evaluation priority (lower runs first)")
	attach.Flags().DurationVar(&cooldown, "cooldown", 0, "minimum interval between operations")
	attach.Flags().StringToStringVar(&params, "param", nil, "policy parameters (key=value)")

	detach := &cobra.Command{
		Use:   "detach <cluster-id> <policy-id>",
		Short: "Remove a policy binding",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				if err := svc.DetachPolicy(ctx, args[0], args[1]); err != nil {
					return err
				}
				fmt.Printf("Policy %s detached from cluster %s\n", args[1], args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(attach, detach)
	return cmd
}

// parseParamValue keeps numeric and boolean policy parameters typed.
func parseParamValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
