package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/permission"
	"github.com/flemzord/snaphost/internal/snapperm"
)

func permissionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "permissions",
		Short: "Snap permission tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a snap's initial permissions",
		Long: "Parses a JSONC permission map and grants it to a scratch subject, " +
			"reporting the targets and caveats a snap would receive.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			granted, err := checkPermissions(data)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Permissions OK (%d targets)\n", len(granted))
			targets := make([]permission.TargetName, 0, len(granted))
			for t := range granted {
				targets = append(targets, t)
			}
			slices.Sort(targets)
			for _, t := range targets {
				fmt.Fprintf(out, "  %s\n", t)
				for _, c := range granted[t].Caveats {
					fmt.Fprintf(out, "    %s: %s\n", c.Type, c.Value)
				}
			}
			return nil
		},
	})
	return cmd
}

// checkPermissions runs the same processing and grant-time validation an
// install does.
func checkPermissions(data []byte) (map[permission.TargetName]permission.Permission, error) {
	initial, err := config.ParsePermissions(data)
	if err != nil {
		return nil, err
	}
	reg, err := snapperm.NewRegistry()
	if err != nil {
		return nil, err
	}
	requested, err := snapperm.ProcessSnapPermissions(reg, initial)
	if err != nil {
		return nil, err
	}
	ctrl := permission.NewController(reg, snapperm.HostHooks{}.Map())
	return ctrl.GrantPermissions("local:permissions-check", requested)
}
