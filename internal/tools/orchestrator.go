// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jeranaias/rigrun-chatcore/internal/cloud"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/stream"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// DefaultMaxIterations is the default number of tool rounds per turn.
const DefaultMaxIterations = 10

// DefaultSummarizePrompt is appended as a system message once the ceiling is hit.
const DefaultSummarizePrompt = "You have reached the maximum number of tool calls for this turn. " +
	"Do not call any more tools. Summarize what you have found so far and give your final answer."

// ErrTurnFailed wraps unexpected failures caught at the orchestrator boundary.
var ErrTurnFailed = errors.New("turn failed")

// Tool result error types.
const (
	ErrorTypeTool             = "tool_error"
	ErrorTypeUnknownTool      = "unknown_tool"
	ErrorTypeInvalidArguments = "invalid_arguments"
	ErrorTypeCancelled        = "cancelled"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// Model performs one chat-completion call, writing the response into acc.
// On cancellation or a broken stream acc keeps whatever arrived.
type Model interface {
	Complete(ctx context.Context, req cloud.Request, acc *stream.Accumulator) error
}

// Events receives progress from a running turn. All hooks are optional and
// are called on the turn's goroutine.
type Events struct {
	// OnModelCall fires before each model call. A new response starts, so
	// the render layer should reset its streaming view.
	OnModelCall func(call int, toolsDisabled bool)

	// OnStreaming fires when the response headers confirm an event stream.
	OnStreaming func()

	// OnUpdate receives visible and reasoning deltas.
	OnUpdate func(stream.Update)

	OnToolCall   func(call model.ToolCallRequest)
	OnToolResult func(call model.ToolCallRequest, content string, failed bool)
	OnImage      func(artifact *model.ImageArtifact)
}

// Config controls the loop.
type Config struct {
	// MaxIterations is the tool-round ceiling. Zero means DefaultMaxIterations.
	MaxIterations int

	// SummarizePrompt replaces DefaultSummarizePrompt when set.
	SummarizePrompt string

	// Model overrides the transport's default model when set.
	Model string
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.SummarizePrompt == "" {
		c.SummarizePrompt = DefaultSummarizePrompt
	}
	return c
}

// =============================================================================
// TURN
// =============================================================================

// TurnState is the orchestrator's position within a turn.
type TurnState int

const (
	StateDraft TurnState = iota
	StateAwaitingModel
	StateToolsRequested
	StateFinal
)

func (s TurnState) String() string {
	switch s {
	case StateDraft:
		return "draft"
	case StateAwaitingModel:
		return "awaiting_model"
	case StateToolsRequested:
		return "tools_requested"
	case StateFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Turn is what one user turn produced.
type Turn struct {
	// Messages holds the assistant tool-call messages and tool results
	// appended during the turn, in order. The final answer is not included;
	// it stays in Final until the reconciler commits it.
	Messages []*model.Message

	// Final is the last model response. It is nil when the turn was cancelled
	// between a tool round and the next model call.
	Final *stream.Accumulator

	// Artifacts are all images produced by tools during the turn.
	Artifacts []*model.ImageArtifact

	ModelCalls int
	Iterations int

	// ForcedFinal is set when the ceiling was reached and the answer was
	// requested with tools disabled.
	ForcedFinal bool

	// Cancelled is set when the context was cancelled. It is not an error.
	Cancelled bool

	// Interrupted holds the stream error when the connection broke after
	// content had arrived. Final keeps the partial response.
	Interrupted error

	State TurnState
}

// lastAssistantWithText returns the most recent assistant message of the
// turn that has text content. Earlier turns are not scanned; artifacts left
// without an owner go to the reconciler.
func (t *Turn) lastAssistantWithText() *model.Message {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if m := t.Messages[i]; m.Role == model.RoleAssistant && m.HasText() {
			return m
		}
	}
	return nil
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator runs the bounded tool-calling loop for one turn at a time.
type Orchestrator struct {
	model    Model
	registry *Registry
	logger   *slog.Logger

	mu  sync.RWMutex
	cfg Config
}

// NewOrchestrator creates an orchestrator. A nil registry behaves as empty.
func NewOrchestrator(m Model, registry *Registry, cfg Config, logger *slog.Logger) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		model:    m,
		registry: registry,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// Configure replaces the loop settings. A running turn keeps the settings it
// started with.
func (o *Orchestrator) Configure(cfg Config) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg = cfg.withDefaults()
}

// Config returns the current settings.
func (o *Orchestrator) Config() Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// Registry returns the tool registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Run executes one turn over history, which must end with the user's message.
// history is not modified.
//
// Cancellation is checked before every model call and every tool dispatch.
// Tools already dispatched run to completion. Transport errors are returned;
// cancellation, broken streams and the ceiling are reported on the Turn.
func (o *Orchestrator) Run(ctx context.Context, history []*model.Message, events Events) (turn *Turn, err error) {
	cfg := o.Config()
	turn = &Turn{State: StateDraft}

	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("turn panicked", "panic", r, "state", turn.State.String())
			turn.State = StateFinal
			err = fmt.Errorf("%w: %v", ErrTurnFailed, r)
		}
	}()

	msgs := make([]*model.Message, len(history), len(history)+8)
	copy(msgs, history)
	specs := o.registry.Specs()

	for {
		if ctx.Err() != nil {
			turn.Cancelled = true
			turn.State = StateFinal
			return turn, nil
		}

		forced := turn.Iterations >= cfg.MaxIterations
		if forced {
			// The summarize instruction goes to the model only; it is not
			// part of the conversation.
			msgs = append(msgs, model.NewSystemMessage(cfg.SummarizePrompt))
			turn.ForcedFinal = true
			o.logger.Warn("tool ceiling reached, requesting final answer",
				"iterations", turn.Iterations, "ceiling", cfg.MaxIterations)
		}

		req := cloud.Request{
			Model:        cfg.Model,
			Messages:     msgs,
			Tools:        specs,
			DisableTools: forced,
			OnStreaming:  events.OnStreaming,
		}

		acc := stream.NewAccumulator()
		acc.OnUpdate = events.OnUpdate
		acc.AddImages(turn.Artifacts...)
		turn.Final = acc
		turn.State = StateAwaitingModel
		turn.ModelCalls++
		if events.OnModelCall != nil {
			events.OnModelCall(turn.ModelCalls, forced)
		}

		if err := o.model.Complete(ctx, req, acc); err != nil {
			var streamErr *cloud.StreamError
			switch {
			case ctx.Err() != nil || errors.Is(err, context.Canceled):
				turn.Cancelled = true
				turn.State = StateFinal
				return turn, nil
			case errors.As(err, &streamErr):
				o.logger.Warn("stream interrupted", "error", err, "partial_len", len(acc.RawVisible()))
				turn.Interrupted = err
				turn.State = StateFinal
				return turn, nil
			default:
				turn.State = StateFinal
				return turn, fmt.Errorf("model call %d: %w", turn.ModelCalls, err)
			}
		}

		calls := acc.ToolCalls()
		if forced || len(calls) == 0 {
			if forced && len(calls) > 0 {
				o.logger.Warn("ignoring tool calls in forced final answer", "count", len(calls))
			}
			turn.State = StateFinal
			o.logger.Info("turn finished",
				"model_calls", turn.ModelCalls, "iterations", turn.Iterations,
				"forced", turn.ForcedFinal, "images", len(turn.Artifacts))
			return turn, nil
		}

		turn.State = StateToolsRequested
		turn.Iterations++
		calls = ensureCallIDs(calls)

		sep := acc.Separate(true)
		assistant := model.NewAssistantMessage(sep.Visible, calls)
		if sep.HasReasoning {
			assistant.Reasoning = sep.Reasoning
		}
		turn.Messages = append(turn.Messages, assistant)
		msgs = append(msgs, assistant)
		// The response now lives in the conversation.
		turn.Final = nil

		for i, call := range calls {
			if ctx.Err() != nil {
				for _, skipped := range calls[i:] {
					result := model.NewToolResultMessage(skipped.ID,
						errorContent(skipped.Name, ErrorTypeCancelled, "request cancelled before the tool ran"))
					turn.Messages = append(turn.Messages, result)
				}
				turn.Cancelled = true
				turn.State = StateFinal
				return turn, nil
			}

			content := o.invoke(ctx, call, turn, events)
			result := model.NewToolResultMessage(call.ID, content)
			turn.Messages = append(turn.Messages, result)
			msgs = append(msgs, result)
		}
	}
}

// invoke runs one tool call and returns the tool message content. Failures
// are encoded as structured error objects.
func (o *Orchestrator) invoke(ctx context.Context, call model.ToolCallRequest, turn *Turn, events Events) (content string) {
	if events.OnToolCall != nil {
		events.OnToolCall(call)
	}
	failed := true
	defer func() {
		if events.OnToolResult != nil {
			events.OnToolResult(call, content, failed)
		}
	}()

	tool, ok := o.registry.Get(call.Name)
	if !ok {
		o.logger.Warn("unknown tool requested", "tool", call.Name)
		return errorContent(call.Name, ErrorTypeUnknownTool, "unknown tool: "+call.Name)
	}

	args, repaired, err := parseArguments(call.ArgumentsJSON)
	if err != nil {
		o.logger.Warn("tool arguments rejected", "tool", call.Name, "error", err)
		return errorContent(call.Name, ErrorTypeInvalidArguments, err.Error())
	}
	if repaired {
		o.logger.Debug("tool arguments repaired", "tool", call.Name)
	}
	if err := ValidateToolArgs(tool.Schema, args); err != nil {
		return errorContent(call.Name, ErrorTypeInvalidArguments, err.Error())
	}

	// A stop request does not abort a dispatched tool.
	result, err := safeInvoke(context.WithoutCancel(ctx), tool.Handler, args)
	if err != nil {
		o.logger.Warn("tool failed", "tool", call.Name, "error", err)
		return errorContent(call.Name, ErrorTypeTool, err.Error())
	}

	prompt, _ := args["prompt"].(string)
	cleaned, artifacts, err := extractImages(result, prompt)
	if err != nil {
		return errorContent(call.Name, ErrorTypeTool, err.Error())
	}
	if len(artifacts) > 0 {
		owner := turn.lastAssistantWithText()
		for _, a := range artifacts {
			if owner != nil {
				a.AssociatedMessageID = owner.ID
			}
			turn.Artifacts = append(turn.Artifacts, a)
			if events.OnImage != nil {
				events.OnImage(a)
			}
		}
		if owner != nil {
			owner.HasImages = true
		}
	}

	data, err := json.Marshal(cleaned)
	if err != nil {
		return errorContent(call.Name, ErrorTypeTool, "encode result: "+err.Error())
	}
	failed = false
	return string(data)
}

func safeInvoke(ctx context.Context, h Handler, args map[string]any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return h.Invoke(ctx, args)
}

// errorContent renders the structured error object sent back to the model.
func errorContent(tool, errType, message string) string {
	data, _ := json.Marshal(map[string]string{
		"error": message,
		"tool":  tool,
		"type":  errType,
	})
	return string(data)
}

// ensureCallIDs fills in ids for calls the model sent without one, so every
// tool result can be correlated.
func ensureCallIDs(calls []model.ToolCallRequest) []model.ToolCallRequest {
	for i := range calls {
		if calls[i].ID == "" {
			calls[i].ID = "call_" + randomHex(4)
		}
	}
	return calls
}
