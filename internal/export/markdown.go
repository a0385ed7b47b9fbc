// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter exports conversations to Markdown format.
type MarkdownExporter struct {
	options *Options
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts}
}

// Export converts a conversation to Markdown format.
func (e *MarkdownExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := checkExportable(conv); err != nil {
		return nil, err
	}

	var sb strings.Builder
	title := conv.GetTitle()

	// YAML frontmatter
	if e.options.IncludeMetadata {
		sb.WriteString("---\n")
		fmt.Fprintf(&sb, "title: %s\n", escapeYAML(title))
		if conv.Model != "" {
			fmt.Fprintf(&sb, "model: %s\n", escapeYAML(conv.Model))
		}
		fmt.Fprintf(&sb, "date: %s\n", conv.CreatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "updated: %s\n", conv.UpdatedAt.Format(time.RFC3339))
		fmt.Fprintf(&sb, "messages: %d\n", len(conv.Messages))
		if len(conv.Images) > 0 {
			fmt.Fprintf(&sb, "images: %d\n", len(conv.Images))
		}
		fmt.Fprintf(&sb, "exported: %s\n", now().Format(time.RFC3339))
		sb.WriteString("generator: chatcore\n")
		sb.WriteString("---\n\n")
	}

	fmt.Fprintf(&sb, "# %s\n\n", escapeMarkdown(title))

	if conv.SystemPrompt != "" {
		sb.WriteString("> **System:** ")
		sb.WriteString(strings.ReplaceAll(strings.TrimSpace(conv.SystemPrompt), "\n", "\n> "))
		sb.WriteString("\n\n")
	}

	for i, msg := range conv.Messages {
		label := "[" + msg.Role.DisplayName() + "]"
		if msg.Truncated {
			label += " (truncated)"
		}
		if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
			fmt.Fprintf(&sb, "### %s <sub>%s</sub>\n\n", label, formatShortTimestamp(msg.Timestamp))
		} else {
			fmt.Fprintf(&sb, "### %s\n\n", label)
		}

		if e.options.IncludeReasoning && msg.Reasoning != "" {
			sb.WriteString("<details><summary>Reasoning</summary>\n\n")
			sb.WriteString(strings.TrimSpace(msg.Reasoning))
			sb.WriteString("\n\n</details>\n\n")
		}

		if msg.Role == model.RoleTool {
			sb.WriteString(e.formatToolResult(msg))
		} else if content := strings.TrimSpace(msg.Content); content != "" {
			sb.WriteString(replacePlaceholders(conv, msg, content, e.renderImage))
			sb.WriteString("\n\n")
		}
		for _, img := range unreferencedImages(conv, msg) {
			sb.WriteString(e.renderImage(img.Filename, img))
			sb.WriteString("\n\n")
		}

		for _, call := range msg.ToolCalls {
			fmt.Fprintf(&sb, "**Tool call** `%s`:\n```json\n%s\n```\n\n", call.Name, call.ArgumentsJSON)
		}

		if i < len(conv.Messages)-1 {
			sb.WriteString("---\n\n")
		}
	}

	sb.WriteString("\n---\n\n")
	fmt.Fprintf(&sb, "*Exported from chatcore on %s*\n", formatTimestamp(now()))

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown"
}

// =============================================================================
// FORMATTING HELPERS
// =============================================================================

func (e *MarkdownExporter) formatToolResult(msg *model.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Result** for `%s`:\n```\n", msg.ToolCallID)
	sb.WriteString(strings.TrimRight(msg.Content, "\n"))
	sb.WriteString("\n```\n\n")
	return sb.String()
}

func (e *MarkdownExporter) renderImage(filename string, img *model.ImageArtifact) string {
	if img == nil || !e.options.EmbedImages || img.URL == "" {
		return fmt.Sprintf("*[image: %s]*", filename)
	}
	return fmt.Sprintf("![%s](%s)", escapeMarkdown(filename), img.URL)
}

// =============================================================================
// ESCAPING HELPERS
// =============================================================================

// escapeMarkdown escapes characters that would break a heading or link text.
func escapeMarkdown(s string) string {
	r := strings.NewReplacer(
		"#", `\#`,
		"*", `\*`,
		"_", `\_`,
		"[", `\[`,
		"]", `\]`,
	)
	return r.Replace(s)
}

// escapeYAML quotes a scalar when it contains YAML-significant characters.
func escapeYAML(s string) string {
	if strings.ContainsAny(s, ":#|>@`\"'[]{}!%&*\n\r\\") || strings.HasPrefix(s, " ") || strings.HasSuffix(s, " ") {
		s = strings.ReplaceAll(s, `\`, `\\`)
		s = strings.ReplaceAll(s, `"`, `\"`)
		s = strings.ReplaceAll(s, "\n", `\n`)
		s = strings.ReplaceAll(s, "\r", `\r`)
		return `"` + s + `"`
	}
	return s
}
