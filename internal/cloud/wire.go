// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"encoding/json"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// ToolSpec describes a callable tool in OpenAI function-calling form.
type ToolSpec struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec is the function part of a ToolSpec.
type FunctionSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Request is one model call.
type Request struct {
	// Model overrides the client's default model when set.
	Model string

	Messages []*model.Message
	Tools    []ToolSpec

	// DisableTools sends tool_choice "none" with the tool list, forcing a
	// plain text answer. Without tools neither field is sent.
	DisableTools bool

	// OnStreaming is called once the response headers confirm an event stream.
	OnStreaming func()
}

// ChatMessage is a message in wire form.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatToolCall is a tool call in wire form.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatFunctionCall `json:"function"`
}

// ChatFunctionCall holds the function name and its JSON arguments.
// Arguments is a JSON string on the wire; some servers send an object.
type ChatFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatRequest represents a request to the chat completions endpoint.
type ChatRequest struct {
	Model      string        `json:"model"`
	Messages   []ChatMessage `json:"messages"`
	Stream     bool          `json:"stream"`
	Tools      []ToolSpec    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

// ChatResponse represents a non-streaming response.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role             string         `json:"role"`
			Content          string         `json:"content"`
			ReasoningContent string         `json:"reasoning_content"`
			Reasoning        string         `json:"reasoning"`
			ToolCalls        []ChatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// =============================================================================
// CONVERSION
// =============================================================================

// ToChatMessages converts conversation messages to wire form. Reasoning is
// never sent back to the model.
func ToChatMessages(msgs []*model.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{
			Role:       m.Role.String(),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args := tc.ArgumentsJSON
			if args == "" {
				args = "{}"
			}
			encoded, _ := json.Marshal(args)
			cm.ToolCalls = append(cm.ToolCalls, ChatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      tc.Name,
					Arguments: encoded,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

// toToolCallRequests converts wire tool calls to model form.
func toToolCallRequests(calls []ChatToolCall) []model.ToolCallRequest {
	out := make([]model.ToolCallRequest, 0, len(calls))
	for _, tc := range calls {
		out = append(out, model.ToolCallRequest{
			ID:            tc.ID,
			Name:          tc.Function.Name,
			ArgumentsJSON: argumentsString(tc.Function.Arguments),
		})
	}
	return out
}

// argumentsString unwraps a JSON-string argument payload and passes object
// payloads through as-is.
func argumentsString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
