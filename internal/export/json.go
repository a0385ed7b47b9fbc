// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter writes the stored conversation wrapped in a small envelope.
// The conversation is always complete so the file can be re-imported; only
// EmbedImages is honored (artifact URLs are blanked when it is off).
type JSONExporter struct {
	options *Options
}

// jsonEnvelope is the top-level JSON document.
type jsonEnvelope struct {
	Generator    string              `json:"generator"`
	ExportedAt   time.Time           `json:"exported_at"`
	Conversation *model.Conversation `json:"conversation"`
}

// NewJSONExporter creates a new JSON exporter.
func NewJSONExporter(opts *Options) *JSONExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &JSONExporter{options: opts}
}

// Export converts a conversation to indented JSON.
func (e *JSONExporter) Export(conv *model.Conversation) ([]byte, error) {
	if err := checkExportable(conv); err != nil {
		return nil, err
	}

	out := conv
	if !e.options.EmbedImages && len(conv.Images) > 0 {
		out = conv.Clone()
		for _, img := range out.Images {
			img.URL = ""
		}
	}

	data, err := json.MarshalIndent(jsonEnvelope{
		Generator:    "chatcore",
		ExportedAt:   now().UTC(),
		Conversation: out,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
