// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// IMAGE EXTRACTION
// =============================================================================

// extractImages normalizes a tool result to plain JSON values and replaces
// every image payload with its placeholder token. A string value that is a
// base64 image data URI counts as an image, as does any b64_json field.
//
// Filenames come from a sibling "filename" key, else a generated one. Prompts
// come from a sibling "prompt" or "revised_prompt" key, else fallbackPrompt.
func extractImages(result any, fallbackPrompt string) (any, []*model.ImageArtifact, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tool result: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, nil, fmt.Errorf("decode tool result: %w", err)
	}

	x := &imageExtractor{fallbackPrompt: fallbackPrompt}
	return x.walk(v, nil), x.artifacts, nil
}

type imageExtractor struct {
	fallbackPrompt string
	artifacts      []*model.ImageArtifact
}

func (x *imageExtractor) walk(v any, parent map[string]any) any {
	switch t := v.(type) {
	case map[string]any:
		// Sorted keys keep artifact order stable across runs.
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if k == "b64_json" {
				if s, ok := t[k].(string); ok && s != "" {
					t[k] = x.capture(dataURIFromBase64(s), t)
					continue
				}
			}
			t[k] = x.walk(t[k], t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = x.walk(t[i], nil)
		}
		return t
	case string:
		if model.IsImageDataURI(t) {
			return x.capture(t, parent)
		}
		if model.ContainsInlineImageData(t) {
			return model.ReplaceInlineImages(t, func(uri string) string {
				return x.capture(uri, nil)
			})
		}
		return t
	default:
		return v
	}
}

func (x *imageExtractor) capture(uri string, siblings map[string]any) string {
	filename := stringField(siblings, "filename")
	if filename == "" || x.taken(filename) {
		filename = fmt.Sprintf("image_%s.%s", randomHex(4), model.ImageExtension(uri))
	}
	prompt := stringField(siblings, "prompt")
	if prompt == "" {
		prompt = stringField(siblings, "revised_prompt")
	}
	if prompt == "" {
		prompt = x.fallbackPrompt
	}

	artifact := model.NewImageArtifact(uri, filename, prompt)
	x.artifacts = append(x.artifacts, artifact)
	return artifact.Placeholder()
}

func (x *imageExtractor) taken(filename string) bool {
	for _, a := range x.artifacts {
		if a.Filename == filename {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func dataURIFromBase64(b64 string) string {
	if model.IsImageDataURI(b64) {
		return b64
	}
	return "data:image/png;base64," + b64
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
