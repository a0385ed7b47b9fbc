// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// IMAGE ARTIFACT
// =============================================================================

// ImageArtifact is a generated image produced by a tool invocation.
//
// URL holds the data URI. It is kept out of every persisted Message.Content;
// the owning message carries a placeholder token instead.
type ImageArtifact struct {
	ID                  string    `json:"id"`
	URL                 string    `json:"url"`
	Filename            string    `json:"filename"`
	Prompt              string    `json:"prompt,omitempty"`
	Timestamp           time.Time `json:"timestamp"`
	AssociatedMessageID string    `json:"associatedMessageId,omitempty"`
}

// NewImageArtifact creates an unassociated artifact stamped with the current time.
func NewImageArtifact(url, filename, prompt string) *ImageArtifact {
	return &ImageArtifact{
		ID:        uuid.NewString(),
		URL:       url,
		Filename:  filename,
		Prompt:    prompt,
		Timestamp: time.Now(),
	}
}

// Associated reports whether the artifact has an owning message.
func (a *ImageArtifact) Associated() bool {
	return a.AssociatedMessageID != ""
}

// Placeholder returns the content token standing in for this artifact.
func (a *ImageArtifact) Placeholder() string {
	return PlaceholderFor(a.Filename)
}

// =============================================================================
// PLACEHOLDERS
// =============================================================================

// PlaceholderFor renders the placeholder token for filename.
func PlaceholderFor(filename string) string {
	return fmt.Sprintf("[[IMAGE: %s]]", filename)
}

var placeholderPattern = regexp.MustCompile(`\[\[IMAGE: ([^\]]+)\]\]`)

// PlaceholderFilenames returns the filenames referenced by placeholder tokens
// in content, in order of appearance.
func PlaceholderFilenames(content string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(content, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// inlineImagePattern matches a base64 image data URI.
var inlineImagePattern = regexp.MustCompile(`data:image/([a-zA-Z0-9.+-]+);base64,[A-Za-z0-9+/=\r\n]+`)

// IsImageDataURI reports whether s is entirely a base64 image data URI.
func IsImageDataURI(s string) bool {
	return strings.HasPrefix(s, "data:image/") && strings.Contains(s[:min(len(s), 64)], ";base64,")
}

// ContainsInlineImageData reports whether s embeds a base64 image data URI.
func ContainsInlineImageData(s string) bool {
	return inlineImagePattern.MatchString(s)
}

// ImageExtension returns the file extension for a data URI's media subtype.
func ImageExtension(dataURI string) string {
	m := inlineImagePattern.FindStringSubmatch(dataURI)
	if m == nil {
		return "png"
	}
	switch sub := strings.ToLower(m[1]); sub {
	case "jpeg":
		return "jpg"
	case "svg+xml":
		return "svg"
	default:
		return sub
	}
}

// ReplaceInlineImages rewrites every inline data URI in s using repl, which
// receives the matched URI and returns its replacement.
func ReplaceInlineImages(s string, repl func(uri string) string) string {
	return inlineImagePattern.ReplaceAllStringFunc(s, repl)
}
