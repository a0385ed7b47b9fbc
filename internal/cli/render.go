// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/jeranaias/rigrun-chatcore/internal/lifecycle"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/session"
	"github.com/jeranaias/rigrun-chatcore/internal/stream"
	"github.com/jeranaias/rigrun-chatcore/internal/util"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// newMarkdownRenderer returns a glamour renderer for the terminal, or nil
// when stdout is not a terminal.
func newMarkdownRenderer() *glamour.TermRenderer {
	if !IsStdoutTTY() {
		return nil
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(markdownStyle()),
		glamour.WithWordWrap(min(GetTerminalWidth()-4, 100)),
	)
	if err != nil {
		return nil
	}
	return r
}

// =============================================================================
// STREAM RENDERER
// =============================================================================

// streamRenderer turns session callbacks into terminal output.
//
// Without a markdown renderer, deltas are written as they arrive. With one,
// visible text is buffered and rendered a block at a time: a block is
// released at a blank line, unless it still has an open code fence or
// inline span.
type streamRenderer struct {
	out io.Writer
	md  *glamour.TermRenderer

	printed string
	pending strings.Builder

	inReasoning bool
	lineOpen    bool
}

func newStreamRenderer(out io.Writer, md *glamour.TermRenderer) *streamRenderer {
	return &streamRenderer{out: out, md: md}
}

// callbacks wires the renderer into a session. onState may be nil.
func (r *streamRenderer) callbacks(onState func(from, to lifecycle.State)) session.Callbacks {
	return session.Callbacks{
		OnResponseStart: func(string, bool) { r.reset() },
		OnVisible:       r.visible,
		OnReasoning:     r.reasoning,
		OnToolCall: func(call model.ToolCallRequest) {
			r.endLine()
			fmt.Fprintln(r.out, ToolStyle.Render(fmt.Sprintf("→ %s %s", call.Name, util.TruncateWidth(call.ArgumentsJSON, 60))))
		},
		OnToolResult: func(call model.ToolCallRequest, content string, failed bool) {
			style := ToolStyle
			if failed {
				style = WarningStyle
			}
			fmt.Fprintln(r.out, style.Render("  ← "+util.TruncateWidth(util.SingleLine(content), 72)))
		},
		OnImage: func(a *model.ImageArtifact) {
			r.endLine()
			fmt.Fprintln(r.out, DimStyle.Render("[image: "+a.Filename+"]"))
		},
		OnFinalized: r.finalize,
		OnNotice: func(notice string) {
			r.endLine()
			fmt.Fprintln(r.out, WarningStyle.Render(notice))
		},
		OnState: onState,
	}
}

func (r *streamRenderer) reset() {
	r.endLine()
	r.printed = ""
	r.pending.Reset()
	r.inReasoning = false
}

func (r *streamRenderer) reasoning(delta string) {
	if !r.inReasoning {
		r.endLine()
		r.inReasoning = true
	}
	r.write(ReasoningStyle.Render(delta))
}

func (r *streamRenderer) visible(delta string, reset bool) {
	if r.inReasoning {
		r.endLine()
		r.inReasoning = false
	}
	if reset {
		// What is already on screen stays when it is still a prefix of the
		// re-classified text; otherwise the answer starts over on a new line.
		r.pending.Reset()
		if strings.HasPrefix(delta, r.printed) {
			delta = delta[len(r.printed):]
		} else {
			r.endLine()
			r.printed = ""
		}
	}
	r.pending.WriteString(delta)

	if r.md == nil {
		r.flushPlain()
		return
	}
	r.flushBlocks()
}

func (r *streamRenderer) flushPlain() {
	text := r.pending.String()
	r.pending.Reset()
	if text == "" {
		return
	}
	r.write(text)
	r.printed += text
}

// flushBlocks renders pending text up to the last blank line that leaves
// no dangling fence or inline span.
func (r *streamRenderer) flushBlocks() {
	text := r.pending.String()
	for idx := strings.LastIndex(text, "\n\n"); idx >= 0; idx = strings.LastIndex(text[:idx], "\n\n") {
		block := text[:idx]
		if stream.GuardSuffix(r.printed+block) != "" {
			continue
		}
		r.renderMarkdown(block)
		r.printed += text[:idx+2]
		r.pending.Reset()
		r.pending.WriteString(text[idx+2:])
		return
	}
}

func (r *streamRenderer) renderMarkdown(text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	out, err := r.md.Render(text)
	if err != nil {
		out = text + "\n"
	}
	r.write(out)
	r.lineOpen = !strings.HasSuffix(out, "\n")
}

// finalize prints whatever is still buffered, with open markdown
// constructs closed for display.
func (r *streamRenderer) finalize(*model.Message) {
	if r.md == nil {
		r.flushPlain()
		r.endLine()
		return
	}
	text := r.pending.String()
	r.pending.Reset()
	r.renderMarkdown(text + stream.GuardSuffix(r.printed+text))
	r.printed += text
	r.endLine()
}

func (r *streamRenderer) write(s string) {
	if s == "" {
		return
	}
	fmt.Fprint(r.out, s)
	r.lineOpen = !strings.HasSuffix(s, "\n")
}

func (r *streamRenderer) endLine() {
	if r.lineOpen {
		fmt.Fprintln(r.out)
		r.lineOpen = false
	}
}
