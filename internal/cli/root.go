// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags at release time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// =============================================================================
// ROOT COMMAND
// =============================================================================

// Execute runs the command line against the process streams.
func Execute() error {
	return run(context.Background(), os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

// run builds a fresh command tree, executes it and releases everything the
// command opened.
func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) error {
	a := newApp(in, out, errOut)
	defer a.close()

	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)
	return root.ExecuteContext(ctx)
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "leaf",
		Short: "Private AI chat that runs entirely on your device",
		Long: `leaf runs language models on your own hardware. It uses the GPU when one
is available and falls back to a CPU engine otherwise. Conversations are
stored locally and nothing you type leaves the machine.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runChat(cmd, chatOptions{})
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default $LEAF_HOME/config.toml)")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "log debug output to stderr")
	flags.BoolVar(&a.privacy, "privacy", false, "force privacy mode on for this run")

	root.AddCommand(
		a.chatCmd(),
		a.detectCmd(),
		a.modelsCmd(),
		a.conversationsCmd(),
		a.templatesCmd(),
		a.settingsCmd(),
		a.exportCmd(),
		a.importCmd(),
		a.benchCmd(),
		a.workerCmd(),
		a.configCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		Run: func(cmd *cobra.Command, args []string) {
			a.printf("leaf %s (commit %s, built %s)\n", Version, GitCommit, BuildDate)
		},
	}
}
