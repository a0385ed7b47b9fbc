// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/session"
	"github.com/jeranaias/rigrun-chatcore/internal/storage"
)

func newAskCmd(a *app) *cobra.Command {
	var (
		system string
		noSave bool
		file   string
	)

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question and stream the answer",
		Example: `  chatcore ask "What time is it in UTC?"
  chatcore ask --file main.go "Review this code"
  echo "Summarize" | chatcore ask`,
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := askPrompt(cmd.InOrStdin(), args, file)
			if err != nil {
				return err
			}

			var store storage.Store = storage.NewMemoryStore()
			if !noSave {
				if store, err = a.openStore(); err != nil {
					return fmt.Errorf("open conversation store: %w", err)
				}
			}
			defer store.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runAsk(ctx, a, cmd.OutOrStdout(), store, prompt, system)
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not store the conversation")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Append the contents of a file to the question")
	return cmd
}

// askPrompt builds the question from arguments, an optional file and piped
// stdin.
func askPrompt(stdin io.Reader, args []string, file string) (string, error) {
	prompt := strings.Join(args, " ")
	if prompt == "" && !IsTTY() {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		prompt = string(data)
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", file, err)
		}
		prompt = fmt.Sprintf("%s\n\n```\n%s\n```", prompt, strings.TrimRight(string(data), "\n"))
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("no question given")
	}
	return prompt, nil
}

// runAsk answers one prompt. Cancelling ctx (Ctrl+C) stops the response and
// keeps what arrived.
func runAsk(ctx context.Context, a *app, out io.Writer, store storage.Store, prompt, system string) error {
	opts, err := a.sessionOptions(a.newClient(), store)
	if err != nil {
		return err
	}
	conv := model.NewConversation()
	conv.SystemPrompt = system

	renderer := newStreamRenderer(out, newMarkdownRenderer())
	sess, err := session.New(conv, opts, renderer.callbacks(nil))
	if err != nil {
		return err
	}

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			sess.Stop()
		case <-stopped:
		}
	}()
	defer close(stopped)

	// Ctrl+C goes through Stop so the turn passes through stopping.
	res, err := sess.Submit(context.WithoutCancel(ctx), prompt)
	if err != nil {
		return err
	}
	if res.Cancelled {
		fmt.Fprintln(out, DimStyle.Render("(stopped)"))
	}
	return nil
}
