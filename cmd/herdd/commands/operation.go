package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/engine"
)

func newOperationCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "operation",
		Aliases: []string{"op"},
		Short:   "Inspect and cancel operations",
	}

	cmd.AddCommand(newOperationGetCommand())
	cmd.AddCommand(newOperationCancelCommand())

	return cmd
}

func newOperationGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <operation-id>",
		Short: "Show an operation and its actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				status, err := svc.GetOperation(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(status)
				}

				op := status.Operation
				state := "in progress"
				switch {
				case status.Succeeded:
					state = "succeeded"
				case status.Done:
					state = "finished with failures"
				}
				fmt.Printf("Operation %s (%s on cluster %s): %s\n", op.ID, op.Type, op.ClusterID, state)
				for _, a := range status.Actions {
					fmt.Printf("  %-36s  %-18s  %-10s  %s\n", a.ID, a.Name, a.Status, a.StatusReason)
				}
				return nil
			})
		},
	}
}

func newOperationCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <operation-id>",
		Short: "Cancel the pending actions of an operation",
		Long: `Cancel every action of the operation that has not started running.
Actions already executing finish their current driver call; their
dependents are cancelled by the dependency cascade.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				cancelled, err := svc.CancelOperation(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("Cancelled %d action(s)\n", len(cancelled))
				return nil
			})
		},
	}
}
