// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"errors"
	"fmt"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// ErrInvalidHistory is wrapped by every invariant violation Validate reports.
var ErrInvalidHistory = errors.New("invalid history")

// Validate checks the conversation invariants and returns all violations
// joined into one error:
//   - message ids are non-empty and unique
//   - roles are known
//   - a tool result answers a call of the closest preceding assistant message,
//     with only tool results in between
//   - no content holds inline base64 image data
//   - every artifact belongs to an existing message, which has HasImages set
func Validate(conv *model.Conversation) error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidHistory}, args...)...))
	}

	seen := make(map[string]bool, len(conv.Messages))
	var openCalls map[string]bool
	for i, m := range conv.Messages {
		switch {
		case m.ID == "":
			fail("message %d has no id", i)
		case seen[m.ID]:
			fail("message id %s is reused", m.ID)
		}
		seen[m.ID] = true

		if !m.Role.Valid() {
			fail("message %s has unknown role %q", m.ID, m.Role)
		}

		switch m.Role {
		case model.RoleAssistant:
			openCalls = make(map[string]bool, len(m.ToolCalls))
			for _, c := range m.ToolCalls {
				openCalls[c.ID] = true
			}
		case model.RoleTool:
			if m.ToolCallID == "" || !openCalls[m.ToolCallID] {
				fail("tool message %s answers unknown call %q", m.ID, m.ToolCallID)
			}
		default:
			openCalls = nil
		}

		if model.ContainsInlineImageData(m.Content) {
			fail("message %s contains inline image data", m.ID)
		}
	}

	owners := make(map[string]bool)
	for _, a := range conv.Images {
		if !a.Associated() {
			fail("image %s has no owning message", a.Filename)
			continue
		}
		if !seen[a.AssociatedMessageID] {
			fail("image %s belongs to missing message %s", a.Filename, a.AssociatedMessageID)
			continue
		}
		owners[a.AssociatedMessageID] = true
	}
	for _, m := range conv.Messages {
		if owners[m.ID] && !m.HasImages {
			fail("message %s owns images but hasImages is false", m.ID)
		}
	}

	return errors.Join(errs...)
}
