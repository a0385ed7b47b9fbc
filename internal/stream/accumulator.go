// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"sort"
	"strings"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// ACCUMULATOR
// =============================================================================

// Update describes how the rendered projection changed after a delta.
type Update struct {
	// VisibleDelta is the text appended to the visible answer. When Reset is
	// set the visible answer was re-classified and VisibleDelta holds all of it.
	VisibleDelta string
	Reset        bool

	// ReasoningDelta is the text appended to the reasoning span.
	ReasoningDelta string

	// Separation is the full projection after the delta.
	Separation Separation
}

// Accumulator collects one in-flight response: raw visible text, raw
// out-of-band reasoning, streamed tool calls and the images produced
// during the turn. It is owned by a single goroutine.
type Accumulator struct {
	visible   strings.Builder
	reasoning strings.Builder
	oob       bool

	tools     map[int]*toolCallBuilder
	toolOrder []int

	images []*model.ImageArtifact

	finishReason string
	last         Separation

	// OnUpdate, when set, receives the projection change after every delta.
	OnUpdate func(Update)
}

type toolCallBuilder struct {
	id   string
	name string
	args strings.Builder
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{tools: make(map[int]*toolCallBuilder)}
}

// Apply folds one streamed chunk into the accumulator.
func (a *Accumulator) Apply(chunk Chunk) {
	delta, finish := chunk.First()
	if finish != "" {
		a.finishReason = finish
	}
	for _, tc := range delta.ToolCalls {
		a.AddToolCallDelta(tc)
	}

	reasoning := delta.ReasoningContent
	if reasoning == "" {
		reasoning = delta.Reasoning
	}
	if reasoning == "" && delta.Content == "" {
		return
	}
	if reasoning != "" {
		a.oob = true
		a.reasoning.WriteString(reasoning)
	}
	a.visible.WriteString(delta.Content)
	a.notify()
}

// AppendContent appends raw answer text.
func (a *Accumulator) AppendContent(s string) {
	if s == "" {
		return
	}
	a.visible.WriteString(s)
	a.notify()
}

// AppendReasoning appends out-of-band reasoning text. Once any arrives, tag
// parsing is skipped for the rest of the response.
func (a *Accumulator) AppendReasoning(s string) {
	if s == "" {
		return
	}
	a.oob = true
	a.reasoning.WriteString(s)
	a.notify()
}

// AddToolCallDelta merges a tool-call fragment by index.
func (a *Accumulator) AddToolCallDelta(tc ToolCallDelta) {
	b, ok := a.tools[tc.Index]
	if !ok {
		b = &toolCallBuilder{}
		a.tools[tc.Index] = b
		a.toolOrder = append(a.toolOrder, tc.Index)
	}
	if tc.ID != "" {
		b.id = tc.ID
	}
	if tc.Function.Name != "" {
		b.name = tc.Function.Name
	}
	b.args.WriteString(tc.Function.Arguments)
}

// SetToolCalls replaces the streamed tool calls with complete ones, as
// delivered by a non-streaming response.
func (a *Accumulator) SetToolCalls(calls []model.ToolCallRequest) {
	a.tools = make(map[int]*toolCallBuilder, len(calls))
	a.toolOrder = a.toolOrder[:0]
	for i, c := range calls {
		b := &toolCallBuilder{id: c.ID, name: c.Name}
		b.args.WriteString(c.ArgumentsJSON)
		a.tools[i] = b
		a.toolOrder = append(a.toolOrder, i)
	}
}

// SetFinishReason records the finish reason of the response.
func (a *Accumulator) SetFinishReason(reason string) {
	a.finishReason = reason
}

// AddImages attaches artifacts produced during the turn.
func (a *Accumulator) AddImages(images ...*model.ImageArtifact) {
	a.images = append(a.images, images...)
}

// =============================================================================
// PROJECTIONS
// =============================================================================

// RawVisible returns the answer text exactly as received.
func (a *Accumulator) RawVisible() string {
	return a.visible.String()
}

// RawReasoning returns the out-of-band reasoning text.
func (a *Accumulator) RawReasoning() string {
	return a.reasoning.String()
}

// HasOutOfBandReasoning reports whether a reasoning field was streamed.
func (a *Accumulator) HasOutOfBandReasoning() bool {
	return a.oob
}

// Empty reports whether nothing renderable or callable has arrived.
func (a *Accumulator) Empty() bool {
	return a.visible.Len() == 0 && a.reasoning.Len() == 0 && len(a.tools) == 0
}

// Images returns the artifacts attached to this response.
func (a *Accumulator) Images() []*model.ImageArtifact {
	return a.images
}

// FinishReason returns the last finish reason seen.
func (a *Accumulator) FinishReason() string {
	return a.finishReason
}

// Separate projects the raw text into visible answer and reasoning.
func (a *Accumulator) Separate(final bool) Separation {
	return Separate(a.visible.String(), SeparateOptions{
		Reasoning: a.reasoning.String(),
		OutOfBand: a.oob,
		Final:     final,
	})
}

// ToolCalls returns the accumulated tool calls ordered by stream index.
// Calls without a name are dropped.
func (a *Accumulator) ToolCalls() []model.ToolCallRequest {
	order := append([]int(nil), a.toolOrder...)
	sort.SliceStable(order, func(i, j int) bool { return order[i] < order[j] })

	calls := make([]model.ToolCallRequest, 0, len(order))
	for _, idx := range order {
		b := a.tools[idx]
		if b.name == "" {
			continue
		}
		calls = append(calls, model.ToolCallRequest{
			ID:            b.id,
			Name:          b.name,
			ArgumentsJSON: b.args.String(),
		})
	}
	return calls
}

func (a *Accumulator) notify() {
	next := a.Separate(false)
	prev := a.last
	a.last = next
	if a.OnUpdate == nil {
		return
	}

	u := Update{Separation: next}
	if strings.HasPrefix(next.Visible, prev.Visible) {
		u.VisibleDelta = next.Visible[len(prev.Visible):]
	} else {
		u.Reset = true
		u.VisibleDelta = next.Visible
	}
	if strings.HasPrefix(next.Reasoning, prev.Reasoning) {
		u.ReasoningDelta = next.Reasoning[len(prev.Reasoning):]
	} else {
		u.ReasoningDelta = next.Reasoning
	}
	if u.VisibleDelta == "" && u.ReasoningDelta == "" && !u.Reset {
		return
	}
	a.OnUpdate(u)
}
