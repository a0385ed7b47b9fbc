// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports conversations to a standalone HTML page with embedded CSS.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

// Export converts a conversation to HTML format.
func (e *HTMLExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := checkExportable(conv); err != nil {
		return nil, err
	}

	theme := e.options.Theme
	if theme != "light" {
		theme = "dark"
	}

	var sb strings.Builder
	sb.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	sb.WriteString("    <meta charset=\"UTF-8\">\n")
	sb.WriteString("    <meta name=\"viewport\" content=\"width=device-width, initial-scale=1.0\">\n")
	fmt.Fprintf(&sb, "    <title>%s</title>\n", html.EscapeString(conv.GetTitle()))
	sb.WriteString("    <meta name=\"generator\" content=\"chatcore\">\n")
	fmt.Fprintf(&sb, "    <meta name=\"date\" content=\"%s\">\n", conv.CreatedAt.Format(time.RFC3339))
	sb.WriteString(htmlCSS)
	sb.WriteString("</head>\n")
	fmt.Fprintf(&sb, "<body class=\"%s-theme\">\n", theme)
	sb.WriteString("    <div class=\"container\">\n")

	if e.options.IncludeMetadata {
		sb.WriteString(e.renderHeader(conv))
	}

	sb.WriteString("        <main class=\"conversation\">\n")
	if conv.SystemPrompt != "" {
		sb.WriteString("            <div class=\"message system-message\">\n")
		sb.WriteString("                <div class=\"message-header\"><span class=\"role-label\">System</span></div>\n")
		fmt.Fprintf(&sb, "                <div class=\"message-content\">%s</div>\n", e.formatContent(conv.SystemPrompt))
		sb.WriteString("            </div>\n")
	}
	for _, msg := range conv.Messages {
		sb.WriteString(e.renderMessage(conv, msg))
	}
	sb.WriteString("        </main>\n")

	sb.WriteString("        <footer class=\"footer\">\n")
	fmt.Fprintf(&sb, "            <p>Exported from <strong>chatcore</strong> on %s</p>\n", formatTimestamp(now()))
	sb.WriteString("        </footer>\n")
	sb.WriteString("    </div>\n</body>\n</html>\n")

	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}

// =============================================================================
// RENDERING FUNCTIONS
// =============================================================================

func (e *HTMLExporter) renderHeader(conv *model.Conversation) string {
	var sb strings.Builder
	sb.WriteString("        <header class=\"header\">\n")
	fmt.Fprintf(&sb, "            <h1>%s</h1>\n", html.EscapeString(conv.GetTitle()))
	sb.WriteString("            <div class=\"metadata\">\n")
	if conv.Model != "" {
		fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Model:</strong> %s</span>\n", html.EscapeString(conv.Model))
	}
	fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Created:</strong> %s</span>\n", formatTimestamp(conv.CreatedAt))
	fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Messages:</strong> %d</span>\n", len(conv.Messages))
	if len(conv.Images) > 0 {
		fmt.Fprintf(&sb, "                <span class=\"meta-item\"><strong>Images:</strong> %d</span>\n", len(conv.Images))
	}
	sb.WriteString("            </div>\n")
	sb.WriteString("        </header>\n")
	return sb.String()
}

func (e *HTMLExporter) renderMessage(conv *model.Conversation, msg *model.Message) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "            <div class=\"message %s-message\">\n", html.EscapeString(string(msg.Role)))
	sb.WriteString("                <div class=\"message-header\">\n")
	label := msg.Role.DisplayName()
	if msg.Truncated {
		label += " (truncated)"
	}
	fmt.Fprintf(&sb, "                    <span class=\"role-label\">%s</span>\n", html.EscapeString(label))
	if e.options.IncludeTimestamps && !msg.Timestamp.IsZero() {
		fmt.Fprintf(&sb, "                    <span class=\"timestamp\">%s</span>\n", formatShortTimestamp(msg.Timestamp))
	}
	sb.WriteString("                </div>\n")

	sb.WriteString("                <div class=\"message-content\">\n")
	if e.options.IncludeReasoning && msg.Reasoning != "" {
		fmt.Fprintf(&sb, "<details class=\"reasoning\"><summary>Reasoning</summary>%s</details>\n", e.formatContent(msg.Reasoning))
	}
	switch {
	case msg.Role == model.RoleTool:
		fmt.Fprintf(&sb, "<p><strong>Result</strong> for <code>%s</code>:</p>\n", html.EscapeString(msg.ToolCallID))
		fmt.Fprintf(&sb, "<pre><code>%s</code></pre>\n", html.EscapeString(msg.Content))
	case msg.Content != "":
		sb.WriteString(e.formatContent(msg.Content))
		sb.WriteString("\n")
		for _, name := range model.PlaceholderFilenames(msg.Content) {
			sb.WriteString(e.renderImage(name, imageFor(conv, msg, name)))
		}
	}
	for _, img := range unreferencedImages(conv, msg) {
		sb.WriteString(e.renderImage(img.Filename, img))
	}
	for _, call := range msg.ToolCalls {
		fmt.Fprintf(&sb, "<p class=\"tool-call\"><strong>Tool call</strong> <code>%s</code></p>\n", html.EscapeString(call.Name))
		fmt.Fprintf(&sb, "<pre><code>%s</code></pre>\n", html.EscapeString(call.ArgumentsJSON))
	}
	sb.WriteString("                </div>\n")
	sb.WriteString("            </div>\n")

	return sb.String()
}

// renderImage emits a figure for an artifact. Only image data URIs are
// embedded; anything else falls back to the filename caption.
func (e *HTMLExporter) renderImage(filename string, img *model.ImageArtifact) string {
	caption := html.EscapeString(filename)
	if img == nil || !e.options.EmbedImages || !model.IsImageDataURI(img.URL) {
		return fmt.Sprintf("<p class=\"image-ref\">[image: %s]</p>\n", caption)
	}
	alt := caption
	if img.Prompt != "" {
		alt = html.EscapeString(img.Prompt)
	}
	return fmt.Sprintf("<figure><img src=\"%s\" alt=\"%s\"><figcaption>%s</figcaption></figure>\n",
		html.EscapeString(img.URL), alt, caption)
}

// =============================================================================
// CONTENT FORMATTING
// =============================================================================

var (
	codeBlockRegex  = regexp.MustCompile("```([a-zA-Z0-9_+-]*)\n([\\s\\S]*?)```")
	inlineCodeRegex = regexp.MustCompile("`([^`\n]+)`")
)

// formatContent escapes text and turns fenced code, inline code and blank-line
// separated paragraphs into HTML.
func (e *HTMLExporter) formatContent(content string) string {
	var blocks []string
	rest := html.EscapeString(content)

	for {
		loc := codeBlockRegex.FindStringSubmatchIndex(rest)
		if loc == nil {
			break
		}
		blocks = append(blocks, paragraphs(rest[:loc[0]])...)
		lang := rest[loc[2]:loc[3]]
		code := strings.TrimRight(rest[loc[4]:loc[5]], "\n")
		langLabel := ""
		if lang != "" {
			langLabel = fmt.Sprintf("<div class=\"code-lang\">%s</div>", lang)
		}
		blocks = append(blocks, fmt.Sprintf("<div class=\"code-block\">%s<pre><code class=\"language-%s\">%s</code></pre></div>", langLabel, lang, code))
		rest = rest[loc[1]:]
	}
	blocks = append(blocks, paragraphs(rest)...)
	return strings.Join(blocks, "\n")
}

// paragraphs splits escaped text on blank lines.
func paragraphs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, "\n\n") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = inlineCodeRegex.ReplaceAllString(p, "<code class=\"inline-code\">$1</code>")
		out = append(out, "<p>"+strings.ReplaceAll(p, "\n", "<br>\n")+"</p>")
	}
	return out
}

// =============================================================================
// EMBEDDED CSS
// =============================================================================

const htmlCSS = `    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }

        :root {
            --font-sans: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", Arial, sans-serif;
            --font-mono: "SF Mono", "Monaco", "Inconsolata", "Fira Code", "Source Code Pro", monospace;
        }

        .dark-theme {
            --bg-primary: #1a1b26;
            --bg-secondary: #24283b;
            --text-primary: #c0caf5;
            --text-muted: #565f89;
            --border-color: #414868;
            --user-bg: #1f2335;
            --assistant-bg: #24283b;
            --code-bg: #1a1b26;
            --accent-blue: #7aa2f7;
            --accent-green: #9ece6a;
            --accent-purple: #bb9af7;
        }

        .light-theme {
            --bg-primary: #ffffff;
            --bg-secondary: #f6f8fa;
            --text-primary: #24292f;
            --text-muted: #8c959f;
            --border-color: #d0d7de;
            --user-bg: #f6f8fa;
            --assistant-bg: #ffffff;
            --code-bg: #f6f8fa;
            --accent-blue: #0969da;
            --accent-green: #1a7f37;
            --accent-purple: #8250df;
        }

        body { font-family: var(--font-sans); background: var(--bg-primary); color: var(--text-primary); line-height: 1.6; }
        .container { max-width: 900px; margin: 0 auto; padding: 32px 24px; }
        .header { border-bottom: 1px solid var(--border-color); padding-bottom: 16px; margin-bottom: 24px; }
        .header h1 { font-size: 1.8em; margin-bottom: 8px; }
        .metadata { display: flex; flex-wrap: wrap; gap: 16px; color: var(--text-muted); font-size: 0.9em; }
        .message { border: 1px solid var(--border-color); border-radius: 8px; padding: 16px; margin-bottom: 16px; }
        .user-message { background: var(--user-bg); border-left: 3px solid var(--accent-blue); }
        .assistant-message { background: var(--assistant-bg); border-left: 3px solid var(--accent-green); }
        .system-message, .tool-message { background: var(--bg-secondary); border-left: 3px solid var(--accent-purple); }
        .message-header { display: flex; justify-content: space-between; margin-bottom: 8px; }
        .role-label { font-weight: 600; }
        .timestamp { color: var(--text-muted); font-size: 0.85em; }
        .message-content p { margin-bottom: 8px; }
        .code-block { background: var(--code-bg); border: 1px solid var(--border-color); border-radius: 6px; margin: 8px 0; overflow-x: auto; }
        .code-lang { font-size: 0.8em; color: var(--text-muted); padding: 4px 12px; border-bottom: 1px solid var(--border-color); }
        pre { padding: 12px; font-family: var(--font-mono); font-size: 0.9em; white-space: pre-wrap; }
        .inline-code { font-family: var(--font-mono); background: var(--code-bg); padding: 1px 4px; border-radius: 4px; }
        .reasoning { color: var(--text-muted); margin-bottom: 8px; }
        figure img { max-width: 100%; border-radius: 6px; }
        figcaption, .image-ref { color: var(--text-muted); font-size: 0.85em; }
        .footer { text-align: center; color: var(--text-muted); font-size: 0.85em; margin-top: 32px; }

        @media print {
            .message { break-inside: avoid; }
        }
    </style>
`
