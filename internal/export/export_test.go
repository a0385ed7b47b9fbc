// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

const pngURI = "data:image/png;base64,iVBORw0KGgo="

func fixedNow(t *testing.T) {
	t.Helper()
	prev := now
	now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { now = prev })
}

func sampleConversation() *model.Conversation {
	conv := model.NewConversation()
	conv.Model = "gpt-4o-mini"
	conv.SystemPrompt = "Be brief."
	conv.AddUserMessage("Draw a cat")

	call := model.ToolCallRequest{ID: "call_1", Name: "generate_image", ArgumentsJSON: `{"prompt":"cat"}`}
	conv.AddMessage(model.NewAssistantMessage("", []model.ToolCallRequest{call}))
	conv.AddMessage(model.NewToolResultMessage("call_1", "Image generated: cat.png"))

	answer := model.NewAssistantMessage("Here it is:\n\n"+model.PlaceholderFor("cat.png")+"\n\nUse `cat.png` freely.", nil)
	answer.Reasoning = "The user wants a cat."
	answer.HasImages = true
	conv.AddMessage(answer)

	img := model.NewImageArtifact(pngURI, "cat.png", "a <cute> cat")
	img.AssociatedMessageID = answer.ID
	conv.AddImages(img)
	return conv
}

// =============================================================================
// FORMATS
// =============================================================================

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"md", FormatMarkdown, false},
		{"Markdown", FormatMarkdown, false},
		{"", FormatMarkdown, false},
		{"json", FormatJSON, false},
		{"htm", FormatHTML, false},
		{"pdf", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNew_Extensions(t *testing.T) {
	for format, ext := range map[Format]string{FormatMarkdown: ".md", FormatJSON: ".json", FormatHTML: ".html"} {
		exp, err := New(format, nil)
		require.NoError(t, err)
		assert.Equal(t, ext, exp.FileExtension())
		assert.NotEmpty(t, exp.MimeType())
	}
	_, err := New("pdf", nil)
	assert.Error(t, err)
}

func TestExport_EmptyConversation(t *testing.T) {
	for _, format := range []Format{FormatMarkdown, FormatJSON, FormatHTML} {
		exp, err := New(format, nil)
		require.NoError(t, err)
		_, err = exp.Export(model.NewConversation())
		assert.ErrorIs(t, err, ErrEmptyConversation, format)
		_, err = exp.Export(nil)
		assert.Error(t, err, format)
	}
}

// =============================================================================
// MARKDOWN
// =============================================================================

func TestMarkdown_Export(t *testing.T) {
	fixedNow(t)
	data, err := NewMarkdownExporter(nil).Export(sampleConversation())
	require.NoError(t, err)
	out := string(data)

	assert.True(t, strings.HasPrefix(out, "---\ntitle: Draw a cat\n"))
	assert.Contains(t, out, "model: gpt-4o-mini\n")
	assert.Contains(t, out, "# Draw a cat\n")
	assert.Contains(t, out, "> **System:** Be brief.")
	assert.Contains(t, out, "### [You]")
	assert.Contains(t, out, "**Tool call** `generate_image`:\n```json\n{\"prompt\":\"cat\"}\n```")
	assert.Contains(t, out, "**Result** for `call_1`:\n```\nImage generated: cat.png\n```")
	assert.Contains(t, out, "![cat.png]("+pngURI+")")
	assert.NotContains(t, out, "[[IMAGE:")
	assert.NotContains(t, out, "The user wants a cat.", "reasoning is off by default")
}

func TestMarkdown_WithoutEmbeddedImagesAndWithReasoning(t *testing.T) {
	fixedNow(t)
	opts := DefaultOptions()
	opts.EmbedImages = false
	opts.IncludeReasoning = true
	opts.IncludeMetadata = false

	data, err := NewMarkdownExporter(opts).Export(sampleConversation())
	require.NoError(t, err)
	out := string(data)

	assert.True(t, strings.HasPrefix(out, "# Draw a cat"))
	assert.Contains(t, out, "*[image: cat.png]*")
	assert.NotContains(t, out, "base64")
	assert.Contains(t, out, "<details><summary>Reasoning</summary>\n\nThe user wants a cat.")
}

func TestMarkdown_UnknownPlaceholderAndTruncated(t *testing.T) {
	conv := model.NewConversation()
	conv.AddUserMessage("hi")
	msg := model.NewAssistantMessage("see "+model.PlaceholderFor("gone.png"), nil)
	msg.Truncated = true
	conv.AddMessage(msg)

	data, err := NewMarkdownExporter(nil).Export(conv)
	require.NoError(t, err)
	assert.Contains(t, string(data), "see *[image: gone.png]*")
	assert.Contains(t, string(data), "[Assistant] (truncated)")
}

func TestExport_OwnedImageWithoutPlaceholder(t *testing.T) {
	conv := model.NewConversation()
	conv.AddUserMessage("draw")
	answer := model.NewAssistantMessage("Here you go.", nil)
	answer.HasImages = true
	conv.AddMessage(answer)
	img := model.NewImageArtifact(pngURI, "cat.png", "")
	img.AssociatedMessageID = answer.ID
	conv.AddImages(img)

	md, err := NewMarkdownExporter(nil).Export(conv)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Here you go.\n\n![cat.png]("+pngURI+")")

	page, err := NewHTMLExporter(nil).Export(conv)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(page), "<img "))
	assert.Equal(t, "Here you go.", answer.Content)
}

func TestEscapeYAML(t *testing.T) {
	assert.Equal(t, "plain title", escapeYAML("plain title"))
	assert.Equal(t, `"a: b"`, escapeYAML("a: b"))
	assert.Equal(t, `"say \"hi\"\nnow"`, escapeYAML("say \"hi\"\nnow"))
}

// =============================================================================
// JSON
// =============================================================================

func TestJSON_Export(t *testing.T) {
	fixedNow(t)
	conv := sampleConversation()
	data, err := NewJSONExporter(nil).Export(conv)
	require.NoError(t, err)

	var env struct {
		Generator    string              `json:"generator"`
		ExportedAt   time.Time           `json:"exported_at"`
		Conversation *model.Conversation `json:"conversation"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "chatcore", env.Generator)
	assert.Equal(t, 2025, env.ExportedAt.Year())
	require.Len(t, env.Conversation.Messages, 4)
	require.Len(t, env.Conversation.Images, 1)
	assert.Equal(t, pngURI, env.Conversation.Images[0].URL)
}

func TestJSON_StripsImageDataWithoutMutating(t *testing.T) {
	conv := sampleConversation()
	opts := DefaultOptions()
	opts.EmbedImages = false

	data, err := NewJSONExporter(opts).Export(conv)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "base64")
	assert.Equal(t, pngURI, conv.Images[0].URL, "source conversation must be untouched")
}

// =============================================================================
// HTML
// =============================================================================

func TestHTML_Export(t *testing.T) {
	fixedNow(t)
	data, err := NewHTMLExporter(nil).Export(sampleConversation())
	require.NoError(t, err)
	out := string(data)

	assert.Contains(t, out, "<title>Draw a cat</title>")
	assert.Contains(t, out, `<body class="dark-theme">`)
	assert.Contains(t, out, `class="message tool-message"`)
	assert.Contains(t, out, `<img src="`+pngURI+`" alt="a &lt;cute&gt; cat">`)
	assert.Contains(t, out, `<code class="inline-code">cat.png</code>`)
	assert.Contains(t, out, "<code>generate_image</code>")
}

func TestHTML_FormatContent(t *testing.T) {
	e := NewHTMLExporter(nil)
	got := e.formatContent("Intro <b>\n\n```go\nfmt.Println(\"x\")\n```\nafter")

	assert.Contains(t, got, "<p>Intro &lt;b&gt;</p>")
	assert.Contains(t, got, `<div class="code-lang">go</div>`)
	assert.Contains(t, got, `<code class="language-go">fmt.Println(&#34;x&#34;)</code>`)
	assert.Contains(t, got, "<p>after</p>")
}

func TestHTML_LightThemeAndNonDataImage(t *testing.T) {
	conv := sampleConversation()
	conv.Images[0].URL = "https://example.com/cat.png"
	opts := DefaultOptions()
	opts.Theme = "light"

	data, err := NewHTMLExporter(opts).Export(conv)
	require.NoError(t, err)
	assert.Contains(t, string(data), `<body class="light-theme">`)
	assert.Contains(t, string(data), `[image: cat.png]`)
	assert.NotContains(t, string(data), "<img")
}

// =============================================================================
// FILES
// =============================================================================

func TestToFile(t *testing.T) {
	fixedNow(t)
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.OutputDir = dir

	path, err := ToFile(sampleConversation(), NewMarkdownExporter(opts), opts)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "conversation_Draw_a_cat_20250601_120000.md"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Draw a cat")
}

func TestToFile_ExportError(t *testing.T) {
	opts := DefaultOptions()
	opts.OutputDir = t.TempDir()
	_, err := ToFile(model.NewConversation(), NewJSONExporter(opts), opts)
	assert.ErrorIs(t, err, ErrEmptyConversation)
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"hello world", "hello_world"},
		{`a/b\c:d*e?f"g<h>i|j`, "a-b-c-d-e-f-g-h-i-j"},
		{"tab\there", "tab_here"},
		{"", "conversation"},
		{strings.Repeat("x", 80), strings.Repeat("x", 50)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFilename(tt.in), tt.in)
	}
}
