// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// NewRootCmd builds the chatcore command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "chatcore",
		Short: "Chat with OpenAI-compatible endpoints from the terminal",
		Long: `chatcore streams answers from any OpenAI-compatible chat-completion endpoint.
Models may call tools; reasoning is shown apart from the answer, and every
conversation is stored locally.`,
		Example: `  chatcore chat
  chatcore ask "What time is it in Tokyo?"
  chatcore history list`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd.ErrOrStderr())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			a.close()
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "Config file (default ~/.chatcore/config.toml)")
	flags.StringVarP(&a.model, "model", "m", "", "Model name (overrides endpoint.model)")
	flags.BoolVarP(&a.debug, "debug", "d", false, "Enable debug logging")
	flags.StringVar(&a.logFilePath, "log-file", "", "Write logs to this file instead of stderr")

	cmd.AddCommand(newChatCmd(a))
	cmd.AddCommand(newAskCmd(a))
	cmd.AddCommand(newHistoryCmd(a))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatcore %s (commit %s, built %s, %s/%s)\n",
				Version, GitCommit, BuildDate, runtime.GOOS, runtime.GOARCH)
		},
	}
}

// Execute runs the root command with args.
func Execute(ctx context.Context, args ...string) error {
	cmd := NewRootCmd()
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}
