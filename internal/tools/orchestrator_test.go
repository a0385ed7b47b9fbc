// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatcore/internal/cloud"
	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type fakeModel struct {
	mu       sync.Mutex
	requests []cloud.Request
	respond  func(call int, req cloud.Request, acc *stream.Accumulator) error
}

func (f *fakeModel) Complete(ctx context.Context, req cloud.Request, acc *stream.Accumulator) error {
	f.mu.Lock()
	snapshot := req
	snapshot.Messages = append([]*model.Message(nil), req.Messages...)
	f.requests = append(f.requests, snapshot)
	n := len(f.requests)
	f.mu.Unlock()
	return f.respond(n, req, acc)
}

func (f *fakeModel) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeModel) request(i int) cloud.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func toolCall(id, name, args string) model.ToolCallRequest {
	return model.ToolCallRequest{ID: id, Name: name, ArgumentsJSON: args}
}

func echoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Description: "Echo the text back",
		Schema: Schema{Parameters: []Parameter{
			{Name: "text", Type: "string", Required: true},
		}},
		Handler: HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"echo": args["text"]}, nil
		}),
	}
}

func newTestOrchestrator(t *testing.T, m Model, cfg Config, tools ...*Tool) *Orchestrator {
	t.Helper()
	r := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, r.Register(tool))
	}
	return NewOrchestrator(m, r, cfg, nil)
}

func userHistory(content string) []*model.Message {
	return []*model.Message{model.NewUserMessage(content)}
}

func decodeContent(t *testing.T, content string) map[string]any {
	t.Helper()
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(content), &v))
	return v
}

// =============================================================================
// PLAIN TURNS
// =============================================================================

func TestRun_NoToolsSingleCall(t *testing.T) {
	fm := &fakeModel{respond: func(_ int, req cloud.Request, acc *stream.Accumulator) error {
		acc.AppendContent("He")
		acc.AppendContent("llo")
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{})

	var visible strings.Builder
	turn, err := orch.Run(context.Background(), userHistory("hi"), Events{
		OnUpdate: func(u stream.Update) { visible.WriteString(u.VisibleDelta) },
	})
	require.NoError(t, err)

	assert.Equal(t, 1, fm.calls())
	assert.Empty(t, fm.request(0).Tools)
	assert.False(t, fm.request(0).DisableTools)
	assert.Equal(t, StateFinal, turn.State)
	assert.Empty(t, turn.Messages)
	require.NotNil(t, turn.Final)
	assert.Equal(t, "Hello", turn.Final.RawVisible())
	assert.Equal(t, "Hello", visible.String())
}

func TestRun_ToolRoundTrip(t *testing.T) {
	fm := &fakeModel{respond: func(call int, req cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("call_1", "echo", `{"text":"ping"}`)})
			return nil
		}
		acc.AppendContent("done")
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{Model: "test-model"}, echoTool())

	var seen []string
	turn, err := orch.Run(context.Background(), userHistory("echo ping"), Events{
		OnToolResult: func(call model.ToolCallRequest, content string, failed bool) {
			assert.False(t, failed)
			seen = append(seen, call.Name)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, 2, turn.ModelCalls)
	assert.Equal(t, 1, turn.Iterations)
	assert.False(t, turn.ForcedFinal)
	assert.Equal(t, []string{"echo"}, seen)

	require.Len(t, turn.Messages, 2)
	assistant, result := turn.Messages[0], turn.Messages[1]
	assert.Equal(t, model.RoleAssistant, assistant.Role)
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "call_1", assistant.ToolCalls[0].ID)
	assert.Equal(t, model.RoleTool, result.Role)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.JSONEq(t, `{"echo":"ping"}`, result.Content)

	second := fm.request(1)
	assert.Equal(t, "test-model", second.Model)
	require.Len(t, second.Messages, 3)
	assert.Equal(t, result.ID, second.Messages[2].ID)
	require.Len(t, second.Tools, 1)
	assert.Equal(t, "echo", second.Tools[0].Function.Name)

	assert.Equal(t, "done", turn.Final.RawVisible())
}

func TestRun_HistoryNotModified(t *testing.T) {
	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("c1", "echo", `{"text":"x"}`)})
		}
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, echoTool())
	history := userHistory("hi")

	_, err := orch.Run(context.Background(), history, Events{})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

// =============================================================================
// CEILING
// =============================================================================

func alwaysToolModel() *fakeModel {
	return &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		acc.AppendContent(fmt.Sprintf("round %d", call))
		acc.SetToolCalls([]model.ToolCallRequest{toolCall(fmt.Sprintf("call_%d", call), "echo", `{"text":"again"}`)})
		return nil
	}}
}

func TestRun_CeilingBoundsModelCalls(t *testing.T) {
	fm := alwaysToolModel()
	orch := newTestOrchestrator(t, fm, Config{MaxIterations: 3}, echoTool())

	turn, err := orch.Run(context.Background(), userHistory("loop forever"), Events{})
	require.NoError(t, err)

	assert.Equal(t, 4, fm.calls())
	assert.Equal(t, 4, turn.ModelCalls)
	assert.Equal(t, 3, turn.Iterations)
	assert.True(t, turn.ForcedFinal)
	assert.Equal(t, StateFinal, turn.State)

	last := fm.request(3)
	assert.True(t, last.DisableTools)
	require.Len(t, last.Tools, 1, "tool_choice none needs the tool list alongside it")
	final := last.Messages[len(last.Messages)-1]
	assert.Equal(t, model.RoleSystem, final.Role)
	assert.Equal(t, DefaultSummarizePrompt, final.Content)

	// Three rounds of assistant + tool result; the summarize message is not kept.
	assert.Len(t, turn.Messages, 6)
	for _, m := range turn.Messages {
		assert.NotEqual(t, model.RoleSystem, m.Role)
	}
	assert.Equal(t, "round 4", turn.Final.RawVisible())
}

func TestRun_DefaultCeiling(t *testing.T) {
	fm := alwaysToolModel()
	orch := newTestOrchestrator(t, fm, Config{}, echoTool())

	turn, err := orch.Run(context.Background(), userHistory("loop"), Events{})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations+1, fm.calls())
	assert.True(t, turn.ForcedFinal)
}

func TestRun_CustomSummarizePrompt(t *testing.T) {
	fm := alwaysToolModel()
	orch := newTestOrchestrator(t, fm, Config{MaxIterations: 1, SummarizePrompt: "wrap it up"}, echoTool())

	_, err := orch.Run(context.Background(), userHistory("loop"), Events{})
	require.NoError(t, err)
	last := fm.request(1)
	assert.Equal(t, "wrap it up", last.Messages[len(last.Messages)-1].Content)
}

func TestConfigure_AppliesToNextTurn(t *testing.T) {
	fm := alwaysToolModel()
	orch := newTestOrchestrator(t, fm, Config{MaxIterations: 5}, echoTool())
	orch.Configure(Config{MaxIterations: 2})

	assert.Equal(t, 2, orch.Config().MaxIterations)
	assert.Equal(t, DefaultSummarizePrompt, orch.Config().SummarizePrompt)

	_, err := orch.Run(context.Background(), userHistory("loop"), Events{})
	require.NoError(t, err)
	assert.Equal(t, 3, fm.calls())
}

// =============================================================================
// TOOL FAILURES
// =============================================================================

func TestRun_ToolsRunSequentiallyAndFailuresContinue(t *testing.T) {
	var order []string
	record := func(name string, fail bool) *Tool {
		return &Tool{
			Name: name,
			Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
				order = append(order, name)
				if fail {
					return nil, errors.New("disk on fire")
				}
				return "ok", nil
			}),
		}
	}

	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{
				toolCall("a", "first", `{}`),
				toolCall("b", "broken", `{}`),
				toolCall("c", "third", `{}`),
			})
			return nil
		}
		acc.AppendContent("recovered")
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{},
		record("first", false), record("broken", true), record("third", false))

	var failures int
	turn, err := orch.Run(context.Background(), userHistory("go"), Events{
		OnToolResult: func(_ model.ToolCallRequest, _ string, failed bool) {
			if failed {
				failures++
			}
		},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "broken", "third"}, order)
	assert.Equal(t, 1, failures)
	require.Len(t, turn.Messages, 4)
	assert.Equal(t, `"ok"`, turn.Messages[1].Content)

	errObj := decodeContent(t, turn.Messages[2].Content)
	assert.Equal(t, "disk on fire", errObj["error"])
	assert.Equal(t, "broken", errObj["tool"])
	assert.Equal(t, ErrorTypeTool, errObj["type"])
	assert.Equal(t, "b", turn.Messages[2].ToolCallID)

	assert.Equal(t, `"ok"`, turn.Messages[3].Content)
	assert.Equal(t, "recovered", turn.Final.RawVisible())
}

func TestRun_ToolErrorResults(t *testing.T) {
	panicky := &Tool{
		Name: "panicky",
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			panic("boom")
		}),
	}
	unserializable := &Tool{
		Name: "chan",
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			return make(chan int), nil
		}),
	}

	tests := []struct {
		name     string
		call     model.ToolCallRequest
		wantType string
		wantMsg  string
	}{
		{"unknown tool", toolCall("1", "nope", `{}`), ErrorTypeUnknownTool, "unknown tool: nope"},
		{"arguments not an object", toolCall("2", "echo", `[1,2]`), ErrorTypeInvalidArguments, "invalid tool arguments"},
		{"missing required argument", toolCall("3", "echo", `{}`), ErrorTypeInvalidArguments, "text: missing required argument"},
		{"wrong argument type", toolCall("4", "echo", `{"text":5}`), ErrorTypeInvalidArguments, "text: expected string type"},
		{"handler panics", toolCall("5", "panicky", `{}`), ErrorTypeTool, "tool panicked: boom"},
		{"result not serializable", toolCall("6", "chan", `{}`), ErrorTypeTool, "encode tool result"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
				if call == 1 {
					acc.SetToolCalls([]model.ToolCallRequest{tt.call})
				}
				return nil
			}}
			orch := newTestOrchestrator(t, fm, Config{}, echoTool(), panicky, unserializable)

			turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
			require.NoError(t, err)
			require.Len(t, turn.Messages, 2)
			assert.Equal(t, 2, turn.ModelCalls)

			errObj := decodeContent(t, turn.Messages[1].Content)
			assert.Equal(t, tt.wantType, errObj["type"])
			assert.Equal(t, tt.call.Name, errObj["tool"])
			assert.Contains(t, errObj["error"], tt.wantMsg)
		})
	}
}

func TestRun_RepairsMalformedArguments(t *testing.T) {
	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("r", "echo", `{"text": "fixed"`)})
		}
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, echoTool())

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.NoError(t, err)
	require.Len(t, turn.Messages, 2)
	assert.JSONEq(t, `{"echo":"fixed"}`, turn.Messages[1].Content)
}

func TestRun_GeneratesMissingCallIDs(t *testing.T) {
	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("", "echo", `{"text":"x"}`)})
		}
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, echoTool())

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.NoError(t, err)
	require.Len(t, turn.Messages, 2)
	id := turn.Messages[0].ToolCalls[0].ID
	assert.Regexp(t, `^call_[0-9a-f]{8}$`, id)
	assert.Equal(t, id, turn.Messages[1].ToolCallID)
}

// =============================================================================
// IMAGES
// =============================================================================

func drawTool() *Tool {
	return &Tool{
		Name: "draw",
		Schema: Schema{Parameters: []Parameter{
			{Name: "prompt", Type: "string", Required: true},
		}},
		Handler: HandlerFunc(func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"b64_json": "aGVsbG8=",
				"filename": "cat.png",
			}, nil
		}),
	}
}

func TestRun_ImageResultsBecomePlaceholders(t *testing.T) {
	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.AppendContent("Drawing a cat for you.")
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("d1", "draw", `{"prompt":"a cat"}`)})
			return nil
		}
		acc.AppendContent("Here it is.")
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, drawTool())

	var events []*model.ImageArtifact
	turn, err := orch.Run(context.Background(), userHistory("draw a cat"), Events{
		OnImage: func(a *model.ImageArtifact) { events = append(events, a) },
	})
	require.NoError(t, err)

	require.Len(t, turn.Artifacts, 1)
	art := turn.Artifacts[0]
	assert.Equal(t, "cat.png", art.Filename)
	assert.Equal(t, "a cat", art.Prompt)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", art.URL)
	assert.Equal(t, []*model.ImageArtifact{art}, events)

	assistant, result := turn.Messages[0], turn.Messages[1]
	assert.Equal(t, assistant.ID, art.AssociatedMessageID)
	assert.True(t, assistant.HasImages)
	assert.Contains(t, result.Content, "[[IMAGE: cat.png]]")
	assert.NotContains(t, result.Content, "aGVsbG8=")

	// The final response accumulator carries the turn's images.
	assert.Equal(t, turn.Artifacts, turn.Final.Images())

	// The resent history never carries raw image data.
	for _, m := range fm.request(1).Messages {
		assert.False(t, model.ContainsInlineImageData(m.Content))
	}
}

func TestRun_ImageAssociationDeferredWithoutText(t *testing.T) {
	fm := &fakeModel{respond: func(call int, _ cloud.Request, acc *stream.Accumulator) error {
		if call == 1 {
			acc.SetToolCalls([]model.ToolCallRequest{toolCall("d1", "draw", `{"prompt":"a dog"}`)})
			return nil
		}
		acc.AppendContent("Done.")
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, drawTool())

	turn, err := orch.Run(context.Background(), userHistory("draw a dog"), Events{})
	require.NoError(t, err)

	require.Len(t, turn.Artifacts, 1)
	assert.False(t, turn.Artifacts[0].Associated())
	assert.Equal(t, "a dog", turn.Artifacts[0].Prompt)
	assert.False(t, turn.Messages[0].HasImages)
}

// =============================================================================
// CANCELLATION AND FAILURES
// =============================================================================

func TestRun_CancelledBeforeStart(t *testing.T) {
	fm := &fakeModel{respond: func(int, cloud.Request, *stream.Accumulator) error { return nil }}
	orch := newTestOrchestrator(t, fm, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	turn, err := orch.Run(ctx, userHistory("x"), Events{})
	require.NoError(t, err)
	assert.True(t, turn.Cancelled)
	assert.Equal(t, 0, fm.calls())
	assert.Nil(t, turn.Final)
}

func TestRun_CancelledMidStreamKeepsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fm := &fakeModel{respond: func(_ int, _ cloud.Request, acc *stream.Accumulator) error {
		acc.AppendContent("Hello wor")
		cancel()
		return ctx.Err()
	}}
	orch := newTestOrchestrator(t, fm, Config{}, echoTool())

	turn, err := orch.Run(ctx, userHistory("x"), Events{})
	require.NoError(t, err)
	assert.True(t, turn.Cancelled)
	require.NotNil(t, turn.Final)
	assert.Equal(t, "Hello wor", turn.Final.RawVisible())
}

func TestRun_CancelStopsFurtherToolDispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerCtxErr error
	var ran []string
	stopper := &Tool{
		Name: "stopper",
		Handler: HandlerFunc(func(hctx context.Context, _ map[string]any) (any, error) {
			ran = append(ran, "stopper")
			cancel()
			handlerCtxErr = hctx.Err()
			return "stopped", nil
		}),
	}
	next := &Tool{
		Name: "next",
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			ran = append(ran, "next")
			return "ran", nil
		}),
	}

	fm := &fakeModel{respond: func(_ int, _ cloud.Request, acc *stream.Accumulator) error {
		acc.SetToolCalls([]model.ToolCallRequest{
			toolCall("s", "stopper", `{}`),
			toolCall("n", "next", `{}`),
		})
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{}, stopper, next)

	turn, err := orch.Run(ctx, userHistory("x"), Events{})
	require.NoError(t, err)

	assert.True(t, turn.Cancelled)
	assert.Equal(t, 1, fm.calls())
	assert.Equal(t, []string{"stopper"}, ran)
	assert.NoError(t, handlerCtxErr, "dispatched tools are not aborted")
	assert.Nil(t, turn.Final)

	require.Len(t, turn.Messages, 3)
	assert.Equal(t, `"stopped"`, turn.Messages[1].Content)
	skipped := decodeContent(t, turn.Messages[2].Content)
	assert.Equal(t, ErrorTypeCancelled, skipped["type"])
	assert.Equal(t, "n", turn.Messages[2].ToolCallID)
}

func TestRun_StreamInterrupted(t *testing.T) {
	fm := &fakeModel{respond: func(_ int, _ cloud.Request, acc *stream.Accumulator) error {
		acc.AppendContent("partial")
		return &cloud.StreamError{Partial: "partial", Err: io.ErrUnexpectedEOF}
	}}
	orch := newTestOrchestrator(t, fm, Config{})

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.NoError(t, err)
	require.Error(t, turn.Interrupted)
	assert.ErrorIs(t, turn.Interrupted, io.ErrUnexpectedEOF)
	assert.False(t, turn.Cancelled)
	assert.Equal(t, "partial", turn.Final.RawVisible())
}

func TestRun_TransportErrorReturned(t *testing.T) {
	fm := &fakeModel{respond: func(int, cloud.Request, *stream.Accumulator) error {
		return &cloud.APIError{Status: 401, Message: "bad key"}
	}}
	orch := newTestOrchestrator(t, fm, Config{})

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.Error(t, err)
	var apiErr *cloud.APIError
	assert.ErrorAs(t, err, &apiErr)
	assert.Equal(t, StateFinal, turn.State)
}

func TestRun_PanicBecomesTurnFailure(t *testing.T) {
	fm := &fakeModel{respond: func(int, cloud.Request, *stream.Accumulator) error {
		panic("unexpected")
	}}
	orch := newTestOrchestrator(t, fm, Config{})

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.ErrorIs(t, err, ErrTurnFailed)
	require.NotNil(t, turn)
	assert.Equal(t, StateFinal, turn.State)
}

func TestRun_ForcedFinalIgnoresToolCalls(t *testing.T) {
	var ran int
	counting := &Tool{
		Name: "count",
		Handler: HandlerFunc(func(context.Context, map[string]any) (any, error) {
			ran++
			return ran, nil
		}),
	}
	fm := &fakeModel{respond: func(_ int, _ cloud.Request, acc *stream.Accumulator) error {
		acc.SetToolCalls([]model.ToolCallRequest{toolCall("", "count", `{}`)})
		return nil
	}}
	orch := newTestOrchestrator(t, fm, Config{MaxIterations: 2}, counting)

	turn, err := orch.Run(context.Background(), userHistory("x"), Events{})
	require.NoError(t, err)
	assert.Equal(t, 2, ran)
	assert.Equal(t, 3, turn.ModelCalls)
	assert.True(t, turn.ForcedFinal)
}

func TestTurnState_String(t *testing.T) {
	assert.Equal(t, "draft", StateDraft.String())
	assert.Equal(t, "awaiting_model", StateAwaitingModel.String())
	assert.Equal(t, "tools_requested", StateToolsRequested.String())
	assert.Equal(t, "final", StateFinal.String())
	assert.Equal(t, "unknown", TurnState(42).String())
}
