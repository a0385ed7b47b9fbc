// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/rigrun-chatcore/internal/export"
	"github.com/jeranaias/rigrun-chatcore/internal/history"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/storage"
	"github.com/jeranaias/rigrun-chatcore/internal/telemetry"
	"github.com/jeranaias/rigrun-chatcore/internal/util"
)

func newHistoryCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "history",
		Aliases: []string{"hist"},
		Short:   "Manage stored conversations",
		Long: `Manage stored conversations.

A conversation is referred to by its id, a unique id prefix, or its position
in "history list".`,
	}

	// withStore opens the store for a subcommand.
	withStore := func(fn func(ctx context.Context, store storage.Store, out io.Writer, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return fmt.Errorf("open conversation store: %w", err)
			}
			defer store.Close()
			return fn(cmd.Context(), store, cmd.OutOrStdout(), args)
		}
	}

	var asJSON bool
	show := &cobra.Command{
		Use:   "show <ref>",
		Short: "Print a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store storage.Store, out io.Writer, args []string) error {
			conv, err := storage.Find(ctx, store, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(conv)
			}
			printConversation(out, conv)
			return nil
		}),
	}
	show.Flags().BoolVar(&asJSON, "json", false, "Print the stored JSON")

	var (
		format    string
		outDir    string
		reasoning bool
		noImages  bool
		theme     string
	)
	exportCmd := &cobra.Command{
		Use:   "export <ref>",
		Short: "Export a conversation as Markdown, JSON or HTML",
		Long: `Export a conversation as Markdown, JSON or HTML.

With --output "-" the result is written to stdout instead of a file.`,
		Args: cobra.ExactArgs(1),
		RunE: withStore(func(ctx context.Context, store storage.Store, out io.Writer, args []string) error {
			conv, err := storage.Find(ctx, store, args[0])
			if err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			opts := export.DefaultOptions()
			opts.OutputDir = outDir
			opts.IncludeReasoning = reasoning
			opts.EmbedImages = !noImages
			opts.Theme = theme
			return exportConversation(out, conv, f, opts)
		}),
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "markdown", "Output format: markdown, json or html")
	exportCmd.Flags().StringVarP(&outDir, "output", "o", ".", `Output directory, or "-" for stdout`)
	exportCmd.Flags().BoolVar(&reasoning, "reasoning", false, "Include stored reasoning text")
	exportCmd.Flags().BoolVar(&noImages, "no-images", false, "Reference images by filename instead of embedding them")
	exportCmd.Flags().StringVar(&theme, "theme", "dark", "HTML theme: dark or light")

	cmd.AddCommand(
		&cobra.Command{
			Use:     "list",
			Aliases: []string{"ls"},
			Short:   "List stored conversations, most recent first",
			Args:    cobra.NoArgs,
			RunE: withStore(func(ctx context.Context, store storage.Store, out io.Writer, _ []string) error {
				return listConversations(ctx, store, out, a.metrics)
			}),
		},
		show,
		exportCmd,
		&cobra.Command{
			Use:     "delete <ref>",
			Aliases: []string{"rm"},
			Short:   "Delete a conversation",
			Args:    cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, store storage.Store, out io.Writer, args []string) error {
				conv, err := storage.Find(ctx, store, args[0])
				if err != nil {
					return err
				}
				if err := store.Delete(ctx, conv.ID); err != nil {
					return err
				}
				fmt.Fprintf(out, "Deleted %s (%s)\n", conv.ID, conv.GetTitle())
				return nil
			}),
		},
		&cobra.Command{
			Use:   "repair <ref>",
			Short: "Re-associate orphaned images and validate a conversation",
			Args:  cobra.ExactArgs(1),
			RunE: withStore(func(ctx context.Context, store storage.Store, out io.Writer, args []string) error {
				conv, err := storage.Find(ctx, store, args[0])
				if err != nil {
					return err
				}
				return repairConversation(ctx, store, out, conv, a.metrics)
			}),
		},
	)
	return cmd
}

// listConversations prints a table of stored conversations.
func listConversations(ctx context.Context, store storage.Store, out io.Writer, metrics *telemetry.Metrics) error {
	metas, err := store.List(ctx)
	if err != nil {
		return err
	}
	metrics.SetConversations(len(metas))
	if len(metas) == 0 {
		fmt.Fprintln(out, "No stored conversations.")
		return nil
	}

	const titleWidth = 40
	fmt.Fprintf(out, "%-4s %-13s %s %5s  %s\n", "#", "ID", util.PadWidth("TITLE", titleWidth), "MSGS", "UPDATED")
	for i, m := range metas {
		fmt.Fprintf(out, "%-4s %-13s %s %5d  %s\n",
			strconv.Itoa(i+1),
			shortConvID(m.ID),
			util.PadWidth(util.TruncateWidth(util.SingleLine(m.Title), titleWidth), titleWidth),
			m.MessageCount,
			m.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return nil
}

func shortConvID(id string) string {
	id = strings.TrimPrefix(id, "conv_")
	if len(id) > 13 {
		return id[:13]
	}
	return id
}

// printConversation writes a readable transcript. Images are shown by their
// placeholders, which are already part of the content.
func printConversation(out io.Writer, conv *model.Conversation) {
	fmt.Fprintln(out, TitleStyle.Render(conv.GetTitle()))
	fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("%s · %s · %d messages", conv.ID, conv.Model, len(conv.Messages))))
	if conv.SystemPrompt != "" {
		fmt.Fprintln(out, RoleStyle.Render("System:")+" "+conv.SystemPrompt)
	}

	for _, m := range conv.Messages {
		fmt.Fprintln(out, RenderSeparator())
		label := m.Role.DisplayName()
		if m.Truncated {
			label += " (truncated)"
		}
		fmt.Fprintln(out, RoleStyle.Render(label+":"))
		if m.Reasoning != "" {
			fmt.Fprintln(out, ReasoningStyle.Render(m.Reasoning))
		}
		if m.Content != "" {
			fmt.Fprintln(out, m.Content)
		}
		for _, call := range m.ToolCalls {
			fmt.Fprintln(out, ToolStyle.Render(fmt.Sprintf("→ %s %s", call.Name, call.ArgumentsJSON)))
		}
		for _, img := range conv.ImagesFor(m.ID) {
			fmt.Fprintln(out, DimStyle.Render(fmt.Sprintf("[image %s: %s]", img.Filename, util.TruncateWidth(img.Prompt, 60))))
		}
	}
}

// exportConversation renders conv with the exporter for format and writes it
// to out when OutputDir is "-", or to a new file otherwise.
func exportConversation(out io.Writer, conv *model.Conversation, format export.Format, opts *export.Options) error {
	exp, err := export.New(format, opts)
	if err != nil {
		return err
	}
	if opts.OutputDir == "-" {
		data, err := exp.Export(conv)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
	path, err := export.ToFile(conv, exp, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", SuccessStyle.Render("Exported"), path)
	return nil
}

// repairConversation runs the persistence pass on a stored conversation and
// saves the result.
func repairConversation(ctx context.Context, store storage.Store, out io.Writer, conv *model.Conversation, metrics *telemetry.Metrics) error {
	rec := history.NewReconciler(nil)
	rec.OnRepair = func(a history.RepairAction) { metrics.IncRepair(string(a.Strategy)) }

	moved := rec.Sanitize(conv)
	actions := rec.Repair(conv)
	if err := history.Validate(conv); err != nil {
		fmt.Fprintln(out, ErrorStyle.Render("Invalid history:"))
		fmt.Fprintln(out, err.Error())
		return fmt.Errorf("conversation %s could not be repaired: %w", conv.ID, err)
	}

	for _, a := range actions {
		target := a.MessageID
		if target == "" {
			target = "(no assistant message)"
		}
		fmt.Fprintf(out, "%s %s -> %s [%s]\n", WarningStyle.Render("repaired"), a.Filename, target, a.Strategy)
	}
	if moved == 0 && len(actions) == 0 {
		fmt.Fprintln(out, SuccessStyle.Render("OK")+" nothing to repair")
		return nil
	}
	if err := store.Save(ctx, conv); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %d inline image(s) extracted, %d image(s) re-associated\n", SuccessStyle.Render("Saved"), moved, len(actions))
	return nil
}
