// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// ErrEmptyConversation is returned when there is nothing to export.
var ErrEmptyConversation = errors.New("conversation has no messages")

// Exporter converts a conversation into one output format.
type Exporter interface {
	// Export renders the whole conversation.
	Export(conv *model.Conversation) ([]byte, error)

	// FileExtension returns the extension including the dot (".md").
	FileExtension() string

	// MimeType returns the MIME type of the rendered output.
	MimeType() string
}

// Format names an export format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatHTML     Format = "html"
)

// ParseFormat accepts a format name or its common short form.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "md", "markdown", "":
		return FormatMarkdown, nil
	case "json":
		return FormatJSON, nil
	case "html", "htm":
		return FormatHTML, nil
	}
	return "", fmt.Errorf("unknown export format %q (want markdown, json or html)", s)
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// OutputDir is where ToFile writes. Default: current directory.
	OutputDir string

	// IncludeMetadata adds a header with model, dates and counts.
	IncludeMetadata bool

	// IncludeTimestamps adds per-message timestamps.
	IncludeTimestamps bool

	// IncludeReasoning renders stored reasoning text above the answer.
	IncludeReasoning bool

	// EmbedImages replaces image placeholders with the artifact data URI.
	// Otherwise only the filename is shown.
	EmbedImages bool

	// Theme for HTML export ("light" or "dark").
	Theme string
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:         ".",
		IncludeMetadata:   true,
		IncludeTimestamps: true,
		IncludeReasoning:  false,
		EmbedImages:       true,
		Theme:             "dark",
	}
}

// New returns the exporter for format.
func New(format Format, opts *Options) (Exporter, error) {
	switch format {
	case FormatMarkdown:
		return NewMarkdownExporter(opts), nil
	case FormatJSON:
		return NewJSONExporter(opts), nil
	case FormatHTML:
		return NewHTMLExporter(opts), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// now is replaced in tests.
var now = time.Now

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ToFile renders conv and writes it into opts.OutputDir. The file name is
// derived from the title and the export time. Returns the written path.
func ToFile(conv *model.Conversation, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	filename := fmt.Sprintf("conversation_%s_%s%s",
		sanitizeFilename(conv.GetTitle()),
		now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	outputPath := filepath.Join(dir, filename)
	if err := util.AtomicWriteFile(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func checkExportable(conv *model.Conversation) error {
	if conv == nil {
		return errors.New("conversation is nil")
	}
	if conv.IsEmpty() {
		return ErrEmptyConversation
	}
	return nil
}

// sanitizeFilename replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	const maxLen = 50
	if runes := []rune(s); len(runes) > maxLen {
		s = string(runes[:maxLen])
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "conversation"
	}
	return b.String()
}

// imageFor finds the artifact a placeholder in msg refers to. Artifacts owned
// by the message win over same-named ones elsewhere in the conversation.
func imageFor(conv *model.Conversation, msg *model.Message, filename string) *model.ImageArtifact {
	for _, img := range conv.ImagesFor(msg.ID) {
		if img.Filename == filename {
			return img
		}
	}
	for _, img := range conv.Images {
		if img.Filename == filename {
			return img
		}
	}
	return nil
}

// replacePlaceholders rewrites each image placeholder in content with render's
// output. render receives nil when no artifact matches.
func replacePlaceholders(conv *model.Conversation, msg *model.Message, content string, render func(filename string, img *model.ImageArtifact) string) string {
	for _, name := range model.PlaceholderFilenames(content) {
		content = strings.Replace(content, model.PlaceholderFor(name), render(name, imageFor(conv, msg, name)), 1)
	}
	return content
}

// unreferencedImages returns the artifacts owned by msg that have no
// placeholder in its content, such as images attached by a repair pass.
func unreferencedImages(conv *model.Conversation, msg *model.Message) []*model.ImageArtifact {
	var out []*model.ImageArtifact
	for _, img := range conv.ImagesFor(msg.ID) {
		if !strings.Contains(msg.Content, img.Placeholder()) {
			out = append(out, img)
		}
	}
	return out
}

func formatTimestamp(t time.Time) string {
	return t.Format("January 2, 2006 at 3:04 PM")
}

func formatShortTimestamp(t time.Time) string {
	return t.Format("15:04:05")
}
