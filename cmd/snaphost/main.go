// Package main is the entry point for the snaphost CLI.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flemzord/snaphost/internal/config"
	"github.com/flemzord/snaphost/internal/core"
	"github.com/flemzord/snaphost/pkg/app"

	_ "github.com/flemzord/snaphost/internal/cronjob"
	_ "github.com/flemzord/snaphost/internal/execution"
	_ "github.com/flemzord/snaphost/internal/execution/process"
	_ "github.com/flemzord/snaphost/internal/execution/remote"
	_ "github.com/flemzord/snaphost/internal/gateway"
	_ "github.com/flemzord/snaphost/internal/maintenance"
	_ "github.com/flemzord/snaphost/internal/snap"
	_ "github.com/flemzord/snaphost/modules/state/sqlite"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "snaphost",
		Short:         "A headless host for sandboxed snaps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), startCmd(), configCmd(), cronCmd(), permissionsCmd(), snapCmd(), serviceCmd())
	return root
}

func runParams(cmd *cobra.Command) app.RunParams {
	cfgPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	logLevel, _ := cmd.Flags().GetString("log-level")
	return app.RunParams{
		ConfigPath: cfgPath,
		DataDir:    dataDir,
		LogLevel:   logLevel,
		Version:    version,
		Commit:     commit,
		Date:       date,
	}
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().String("data-dir", "", "Override the data directory")
	cmd.Flags().String("log-level", "", "Override the log level (debug, info, warn, error)")
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and compiled modules",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "snaphost %s (commit: %s, built: %s)\n", version, commit, date)
			mods := core.Modules()
			if len(mods) == 0 {
				fmt.Fprintln(out, "\nNo compiled modules.")
				return
			}
			fmt.Fprintln(out, "\nCompiled modules:")
			ns := ""
			for _, mod := range mods {
				if mod.ID.Namespace() != ns {
					ns = mod.ID.Namespace()
					fmt.Fprintf(out, "  %s\n", ns)
				}
				fmt.Fprintf(out, "    %s\n", mod.ID.Name())
			}
		},
	}
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start snaphost with all configured modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context(), runParams(cmd))
		},
	}
	addRunFlags(cmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}

			ids := config.Resolve(cfg)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration OK (%d modules, %d snaps)\n", len(ids), len(cfg.Snaps))
			for _, id := range ids {
				fmt.Fprintf(out, "  %s\n", id)
			}
			return nil
		},
	})
	return cmd
}
