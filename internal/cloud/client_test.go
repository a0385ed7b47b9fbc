// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/stream"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func sseHandler(t *testing.T, lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
			flusher.Flush()
		}
	}
}

func userRequest(content string) Request {
	return Request{Messages: []*model.Message{model.NewUserMessage(content)}}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestComplete_Streaming(t *testing.T) {
	var got ChatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		sseHandler(t,
			`{"choices":[{"delta":{"content":"He"}}]}`,
			`{"choices":[{"delta":{"content":"llo"}}]}`,
			`[DONE]`,
		)(w, r)
	}))
	defer server.Close()

	client := NewClient(server.URL, "sk-test").WithModel("test-model")
	acc := stream.NewAccumulator()
	var streaming atomic.Bool
	req := userRequest("hi")
	req.OnStreaming = func() { streaming.Store(true) }

	require.NoError(t, client.Complete(context.Background(), req, acc))
	assert.True(t, streaming.Load())
	assert.Equal(t, "Hello", acc.RawVisible())
	assert.Equal(t, "test-model", got.Model)
	assert.True(t, got.Stream)
	assert.Empty(t, got.Tools)
}

func TestComplete_StreamedToolCalls(t *testing.T) {
	server := httptest.NewServer(sseHandler(t,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"lookup","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`[DONE]`,
	))
	defer server.Close()

	acc := stream.NewAccumulator()
	req := userRequest("hi")
	req.Tools = []ToolSpec{{Type: "function", Function: FunctionSpec{Name: "lookup"}}}
	require.NoError(t, NewClient(server.URL, "").Complete(context.Background(), req, acc))

	calls := acc.ToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, `{"q":"go"}`, calls[0].ArgumentsJSON)
	assert.Equal(t, "tool_calls", acc.FinishReason())
}

func TestComplete_MalformedLineContinues(t *testing.T) {
	server := httptest.NewServer(sseHandler(t,
		`{"choices":[{"delta":{"content":"a"}}]}`,
		`{broken`,
		`{"choices":[{"delta":{"content":"b"}}]}`,
		`[DONE]`,
	))
	defer server.Close()

	var malformed atomic.Int32
	client := NewClient(server.URL, "").WithMalformedHook(func(string, error) { malformed.Add(1) })
	acc := stream.NewAccumulator()

	require.NoError(t, client.Complete(context.Background(), userRequest("x"), acc))
	assert.Equal(t, "ab", acc.RawVisible())
	assert.Equal(t, int32(1), malformed.Load())
}

func TestComplete_MidStreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Partial\"}}]}\n\n")
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}))
	defer server.Close()

	acc := stream.NewAccumulator()
	err := NewClient(server.URL, "").Complete(context.Background(), userRequest("x"), acc)

	var se *StreamError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "Partial", se.Partial)
	assert.Equal(t, "Partial", acc.RawVisible())
}

func TestComplete_CancelKeepsPartial(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hello wor\"}}]}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	acc := stream.NewAccumulator()
	acc.OnUpdate = func(u stream.Update) {
		if u.Separation.Visible == "Hello wor" {
			cancel()
		}
	}

	err := NewClient(server.URL, "").Complete(ctx, userRequest("x"), acc)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Hello wor", acc.RawVisible())
}

func TestBuildRequest_ToolChoice(t *testing.T) {
	specs := []ToolSpec{{Type: "function", Function: FunctionSpec{Name: "lookup"}}}
	tests := []struct {
		name       string
		tools      []ToolSpec
		disable    bool
		wantChoice string
		wantTools  bool
	}{
		{"tools offered", specs, false, "auto", true},
		{"tools disabled keeps list", specs, true, "none", true},
		{"no tools", nil, false, "", false},
		{"disabled without tools", nil, true, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]json.RawMessage
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
				w.Header().Set("Content-Type", "application/json")
				io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
			}))
			defer server.Close()

			req := userRequest("x")
			req.Tools = tt.tools
			req.DisableTools = tt.disable
			require.NoError(t, NewClient(server.URL, "").WithStreaming(false).Complete(context.Background(), req, stream.NewAccumulator()))

			_, hasTools := body["tools"]
			assert.Equal(t, tt.wantTools, hasTools)
			choice, hasChoice := body["tool_choice"]
			if tt.wantChoice == "" {
				assert.False(t, hasChoice, "tool_choice without tools is rejected by the API")
				return
			}
			assert.JSONEq(t, `"`+tt.wantChoice+`"`, string(choice))
		})
	}
}

// =============================================================================
// JSON RESPONSE TESTS
// =============================================================================

func TestComplete_JSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.False(t, req.Stream)
		assert.Equal(t, "none", req.ToolChoice)
		require.Len(t, req.Tools, 1)
		assert.Equal(t, "f", req.Tools[0].Function.Name)

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"42",
			"reasoning_content":"counted",
			"tool_calls":[
				{"id":"a","type":"function","function":{"name":"f","arguments":"{\"x\":1}"}},
				{"id":"b","type":"function","function":{"name":"g","arguments":{"y":2}}}
			]},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, "").WithStreaming(false)
	acc := stream.NewAccumulator()
	req := userRequest("x")
	req.DisableTools = true
	req.Tools = []ToolSpec{{Type: "function", Function: FunctionSpec{Name: "f"}}}

	require.NoError(t, client.Complete(context.Background(), req, acc))
	sep := acc.Separate(true)
	assert.Equal(t, "42", sep.Visible)
	assert.Equal(t, "counted", sep.Reasoning)

	calls := acc.ToolCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, `{"x":1}`, calls[0].ArgumentsJSON)
	assert.Equal(t, `{"y":2}`, calls[1].ArgumentsJSON)
}

// =============================================================================
// ERROR TESTS
// =============================================================================

func TestComplete_NotConfigured(t *testing.T) {
	err := NewClient("", "").Complete(context.Background(), userRequest("x"), stream.NewAccumulator())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestComplete_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   error
	}{
		{http.StatusUnauthorized, `{"error":{"message":"bad key","code":"invalid_api_key"}}`, ErrAuthFailed},
		{http.StatusNotFound, `{"error":{"message":"no such model"}}`, ErrModelNotFound},
		{http.StatusPaymentRequired, ``, ErrInsufficientCredits},
		{http.StatusBadRequest, `{"error":{"message":"bad","code":400}}`, ErrBadRequest},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			}))
			defer server.Close()

			acc := stream.NewAccumulator()
			err := NewClient(server.URL, "").Complete(context.Background(), userRequest("x"), acc)

			assert.ErrorIs(t, err, tt.want)
			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, int32(1), calls.Load(), "non-retryable status must not be retried")
			assert.True(t, acc.Empty())
		})
	}
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		sseHandler(t, `{"choices":[{"delta":{"content":"ok"}}]}`, `[DONE]`)(w, r)
	}))
	defer server.Close()

	acc := stream.NewAccumulator()
	require.NoError(t, NewClient(server.URL, "").WithMaxRetries(1).Complete(context.Background(), userRequest("x"), acc))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "ok", acc.RawVisible())
}

func TestComplete_RetryBudgetExhausted(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	err := NewClient(server.URL, "").WithMaxRetries(0).Complete(context.Background(), userRequest("x"), stream.NewAccumulator())
	assert.ErrorIs(t, err, ErrServerError)
}

func TestCallHookOutcomes(t *testing.T) {
	server := httptest.NewServer(sseHandler(t, `{"choices":[{"delta":{"content":"x"}}]}`, `[DONE]`))
	defer server.Close()

	var outcomes []string
	client := NewClient(server.URL, "").WithCallHook(func(o string) { outcomes = append(outcomes, o) })
	require.NoError(t, client.Complete(context.Background(), userRequest("x"), stream.NewAccumulator()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := client.Complete(ctx, userRequest("x"), stream.NewAccumulator())
	require.Error(t, err)

	assert.Equal(t, []string{"ok", "cancelled"}, outcomes)
}

// =============================================================================
// UNIT TESTS
// =============================================================================

func TestCalculateBackoff(t *testing.T) {
	c := NewClient("http://localhost", "")
	assert.Equal(t, 500*time.Millisecond, c.calculateBackoff(0))
	assert.Equal(t, time.Second, c.calculateBackoff(1))
	assert.Equal(t, retryMaxDelay, c.calculateBackoff(10))
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

func TestIsEventStream(t *testing.T) {
	assert.True(t, isEventStream("text/event-stream"))
	assert.True(t, isEventStream("text/event-stream; charset=utf-8"))
	assert.False(t, isEventStream("application/json"))
}

func TestToChatMessages(t *testing.T) {
	assistant := model.NewAssistantMessage("", []model.ToolCallRequest{{ID: "c1", Name: "f", ArgumentsJSON: `{"a":1}`}})
	assistant.Reasoning = "hidden"
	msgs := ToChatMessages([]*model.Message{
		assistant,
		model.NewToolResultMessage("c1", `{"ok":true}`),
	})

	require.Len(t, msgs, 2)
	require.Len(t, msgs[0].ToolCalls, 1)
	assert.Equal(t, `"{\"a\":1}"`, string(msgs[0].ToolCalls[0].Function.Arguments))
	assert.Equal(t, "c1", msgs[1].ToolCallID)
	assert.Equal(t, "tool", msgs[1].Role)

	raw, err := json.Marshal(msgs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "hidden")
}

func TestSetModelConcurrent(t *testing.T) {
	c := NewClient("http://localhost", "")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.SetModel(fmt.Sprintf("m-%d", i))
		}
		close(done)
	}()
	for i := 0; i < 100; i++ {
		_ = c.Model()
	}
	<-done
	assert.Equal(t, "m-99", c.Model())
	c.SetModel("  ")
	assert.Equal(t, "m-99", c.Model())
}

func TestStreamErrorUnwrap(t *testing.T) {
	inner := errors.New("reset")
	err := &StreamError{Partial: "abc", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "3 chars")
}
