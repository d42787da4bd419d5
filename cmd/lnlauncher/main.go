package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command; without a subcommand it behaves like run.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	pathsFlags := &PathsFlags{}
	sweepFlags := &SweepFlags{}

	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	run := createRunCommand(cmd)
	root.RunE = run.RunE

	root.AddCommand(
		run,
		createPathsCommand(cmd, pathsFlags),
		createPortCommand(cmd),
		createSweepCommand(cmd, sweepFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "lnlauncher",
		Short: "Lightning node launcher",
		Long: `lnlauncher starts the embedded node backend, keeps track of the
litd and rgb-lightning-node daemons it brings up, and terminates all of them
when it exits.

Examples:
  lnlauncher                         # same as "lnlauncher run"
  lnlauncher paths --json
  lnlauncher port 8091
  lnlauncher sweep                   # kill daemons left by a crashed run`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")

	return root
}

func createRunCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the backend and supervise it until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(cmd.Context())
		},
	}
}

func createPathsCommand(c command, flags *PathsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paths",
		Short: "Print resolved paths and whether they exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Paths(cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().BoolVar(&flags.JSON, "json", false, "print as JSON")
	return cmd
}

func createPortCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "port [base]",
		Short: "Find a free backend port starting at base",
		Long: `Run the backend port allocator. Without an argument the configured
backend.base_port is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			base := ""
			if len(args) == 1 {
				base = args[0]
			}
			return c.Port(cmd.Context(), cmd.OutOrStdout(), base)
		},
	}
}

func createSweepCommand(c command, flags *SweepFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Terminate daemons left running by an earlier launcher",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sweep(cmd.Context(), cmd.OutOrStdout(), *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Timeout, "timeout", defaultSweepTimeout, "how long to wait for the sweep")
	return cmd
}
