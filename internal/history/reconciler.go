// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package history

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// TYPES
// =============================================================================

// Final is the finished output of one turn.
type Final struct {
	// PreallocatedID is used as the message id when set.
	PreallocatedID string

	Visible   string
	Reasoning string

	// Artifacts are the images produced during the turn. Those without an
	// owner are given to the committed message.
	Artifacts []*model.ImageArtifact

	// TurnMessages are the tool-call and tool-result messages the turn
	// appended before its final answer.
	TurnMessages []*model.Message

	// Truncated marks a response cut short by cancellation or a broken stream.
	Truncated bool
}

// Reconciler merges turn output into conversations.
type Reconciler struct {
	logger *slog.Logger

	// OnRepair, when set, receives every repair action.
	OnRepair func(RepairAction)

	now func() time.Time
}

// NewReconciler creates a reconciler. A nil logger uses slog.Default().
func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{logger: logger, now: time.Now}
}

// =============================================================================
// COMMIT
// =============================================================================

// Commit appends the turn's messages and its final answer to conv and returns
// the committed answer. It returns nil when the final answer would be empty
// and no image needs an owner, which happens when a turn is cancelled before
// anything arrived.
func (r *Reconciler) Commit(conv *model.Conversation, f Final) *model.Message {
	for _, m := range f.TurnMessages {
		if owned := ownedBy(f.Artifacts, m.ID); len(owned) > 0 && m.Role == model.RoleAssistant {
			m.Content = EmbedPlaceholders(m.Content, owned)
			m.HasImages = true
		}
		conv.AddMessage(m)
	}

	pending := 0
	for _, a := range f.Artifacts {
		if !a.Associated() {
			pending++
		}
	}

	if f.Visible == "" && f.Reasoning == "" && pending == 0 {
		conv.AddImages(f.Artifacts...)
		return nil
	}

	id := f.PreallocatedID
	if id == "" {
		id = model.NewID()
	}
	msg := &model.Message{
		ID:        id,
		Role:      model.RoleAssistant,
		Timestamp: r.now(),
		Content:   f.Visible,
		Reasoning: f.Reasoning,
		Truncated: f.Truncated,
	}

	for _, a := range f.Artifacts {
		if !a.Associated() {
			a.AssociatedMessageID = id
		}
	}
	if owned := ownedBy(f.Artifacts, id); len(owned) > 0 {
		msg.Content = EmbedPlaceholders(msg.Content, owned)
		msg.HasImages = true
	}

	conv.AddImages(f.Artifacts...)
	conv.AddMessage(msg)

	r.logger.Debug("turn committed",
		"conversation", conv.ID, "message", id,
		"turn_messages", len(f.TurnMessages), "images", len(f.Artifacts),
		"truncated", f.Truncated)
	return msg
}

// EmbedPlaceholders prepends the placeholder of every artifact whose token is
// not already in content. Applying it twice yields the same content.
func EmbedPlaceholders(content string, artifacts []*model.ImageArtifact) string {
	var missing []string
	for _, a := range artifacts {
		token := a.Placeholder()
		if strings.Contains(content, token) || containsString(missing, token) {
			continue
		}
		missing = append(missing, token)
	}
	if len(missing) == 0 {
		return content
	}
	prefix := strings.Join(missing, "\n")
	if content == "" {
		return prefix
	}
	return prefix + "\n\n" + content
}

func ownedBy(artifacts []*model.ImageArtifact, messageID string) []*model.ImageArtifact {
	var owned []*model.ImageArtifact
	for _, a := range artifacts {
		if a.AssociatedMessageID == messageID {
			owned = append(owned, a)
		}
	}
	return owned
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// =============================================================================
// PERSISTENCE PASS
// =============================================================================

// Reconcile prepares conv for persistence: inline image data is moved into
// artifacts, orphaned artifacts are repaired and the invariants are checked.
func (r *Reconciler) Reconcile(conv *model.Conversation) ([]RepairAction, error) {
	if n := r.Sanitize(conv); n > 0 {
		r.logger.Warn("inline image data moved out of message content",
			"conversation", conv.ID, "images", n)
	}
	actions := r.Repair(conv)
	if err := Validate(conv); err != nil {
		return actions, fmt.Errorf("conversation %s: %w", conv.ID, err)
	}
	return actions, nil
}

// Sanitize rewrites inline base64 image data in message content into
// artifacts owned by that message. It returns the number of images moved.
func (r *Reconciler) Sanitize(conv *model.Conversation) int {
	moved := 0
	for _, m := range conv.Messages {
		if !model.ContainsInlineImageData(m.Content) {
			continue
		}
		m.Content = model.ReplaceInlineImages(m.Content, func(uri string) string {
			filename := fmt.Sprintf("image_%s.%s", shortID(), model.ImageExtension(uri))
			a := model.NewImageArtifact(uri, filename, "")
			a.Timestamp = m.Timestamp
			a.AssociatedMessageID = m.ID
			conv.AddImages(a)
			moved++
			return a.Placeholder()
		})
		m.HasImages = true
	}
	return moved
}

func shortID() string {
	return strings.ReplaceAll(model.NewID(), "-", "")[:8]
}
