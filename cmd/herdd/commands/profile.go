package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openherd/openherd/pkg/config"
	"github.com/openherd/openherd/pkg/engine"
)

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage node profiles",
	}

	cmd.AddCommand(newProfileCreateCommand())
	cmd.AddCommand(newProfileGetCommand())

	return cmd
}

func newProfileCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <file.cue>",
		Short: "Register a profile from a CUE document",
		Long: `Parse and validate a CUE profile and register it. Profiles are
immutable: registering a changed body creates a new version with a new
ID, and existing nodes keep the version they were created from.`,
		Example: `  herdd profile create profiles/web.cue`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parser := config.NewProfileParser()
			profile, err := parser.ParseProfileFile(args[0])
			if err != nil {
				return err
			}

			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				if err := svc.CreateProfile(ctx, profile); err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(profile)
				}
				fmt.Printf("Profile %s (%s) registered\n", profile.Name, profile.ID)
				fmt.Printf("  Type:    %s\n", profile.Type)
				fmt.Printf("  Version: %s\n", profile.Version)
				return nil
			})
		},
	}
}

func newProfileGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <profile-id>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, svc *engine.Service) error {
				profile, err := svc.GetProfile(ctx, args[0])
				if err != nil {
					return err
				}
				if jsonOutput {
					return printJSON(profile)
				}
				fmt.Printf("Profile %s (%s)\n", profile.Name, profile.ID)
				fmt.Printf("  Type:    %s\n", profile.Type)
				fmt.Printf("  Version: %s\n", profile.Version)
				fmt.Printf("  Spec:    %s\n", string(profile.Spec))
				return nil
			})
		},
	}
}
