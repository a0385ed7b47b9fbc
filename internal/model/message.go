// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	case RoleSystem:
		return "System"
	case RoleTool:
		return "Tool"
	default:
		return string(r)
	}
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// =============================================================================
// TOOL CALL REQUEST
// =============================================================================

// ToolCallRequest is a tool invocation requested by the model inside an
// assistant message. ID is the correlation key echoed by the tool result.
type ToolCallRequest struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"argumentsJson"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a conversation.
//
// Content may only change while the message is the active stream target.
// Once committed to a conversation it is treated as immutable.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`

	// Tool calling
	ToolCalls  []ToolCallRequest `json:"toolCalls,omitempty"`
	ToolCallID string            `json:"toolCallId,omitempty"`

	// HasImages is set when at least one ImageArtifact is associated.
	HasImages bool `json:"hasImages,omitempty"`

	// Truncated marks a message committed from a cancelled or broken stream.
	Truncated bool `json:"truncated,omitempty"`
}

// NewID returns a fresh message identifier.
func NewID() string {
	return uuid.NewString()
}

// NewMessage creates a new message with a generated ID.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) *Message {
	return NewMessage(RoleUser, content)
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) *Message {
	return NewMessage(RoleSystem, content)
}

// NewAssistantMessage creates an assistant message, optionally carrying tool calls.
func NewAssistantMessage(content string, calls []ToolCallRequest) *Message {
	msg := NewMessage(RoleAssistant, content)
	if len(calls) > 0 {
		msg.ToolCalls = append([]ToolCallRequest(nil), calls...)
	}
	return msg
}

// NewToolResultMessage creates a tool result message answering toolCallID.
func NewToolResultMessage(toolCallID, content string) *Message {
	msg := NewMessage(RoleTool, content)
	msg.ToolCallID = toolCallID
	return msg
}

// =============================================================================
// HELPERS
// =============================================================================

// HasToolCalls reports whether the message requests any tool invocation.
func (m *Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// HasText reports whether the message carries non-whitespace content.
func (m *Message) HasText() bool {
	return strings.TrimSpace(m.Content) != ""
}

// Preview returns a single-line prefix of the content of at most maxLen runes.
func (m *Message) Preview(maxLen int) string {
	content := strings.Join(strings.Fields(m.Content), " ")
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.ToolCalls != nil {
		c.ToolCalls = append([]ToolCallRequest(nil), m.ToolCalls...)
	}
	return &c
}
