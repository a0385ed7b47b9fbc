// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import "strings"

// =============================================================================
// REASONING MARKERS
// =============================================================================

const (
	thinkOpen  = "<think>"
	thinkClose = "</think>"

	thoughtOpen   = "<|begin_of_thought|>"
	thoughtClose  = "<|end_of_thought|>"
	solutionOpen  = "<|begin_of_solution|>"
	solutionClose = "<|end_of_solution|>"
)

// Grammar identifies how reasoning was told apart from the answer.
type Grammar int

const (
	// GrammarNone means no reasoning markers were found.
	GrammarNone Grammar = iota
	// GrammarThink is <think>...</think>.
	GrammarThink
	// GrammarThought is <|begin_of_thought|>...<|begin_of_solution|>...
	GrammarThought
	// GrammarOutOfBand means the transport sent a separate reasoning field.
	GrammarOutOfBand
)

// String returns the grammar name.
func (g Grammar) String() string {
	switch g {
	case GrammarThink:
		return "think"
	case GrammarThought:
		return "thought"
	case GrammarOutOfBand:
		return "out-of-band"
	default:
		return "none"
	}
}

// =============================================================================
// SEPARATION
// =============================================================================

// Separation is the visible answer and reasoning split of a response.
type Separation struct {
	Visible      string
	Reasoning    string
	HasReasoning bool
	Grammar      Grammar
}

// SeparateOptions controls Separate.
type SeparateOptions struct {
	// Reasoning is the text of an out-of-band reasoning channel.
	Reasoning string
	// OutOfBand disables tag parsing: the raw text is all visible.
	OutOfBand bool
	// Final releases text withheld because it might be the start of a marker.
	Final bool
}

// Separate splits raw accumulated text into visible answer and reasoning.
//
// It is re-run on the whole text after every delta. Exactly one grammar is
// applied, chosen by the earliest marker; an out-of-band reasoning channel
// overrides both. Unterminated spans are classified tentatively and settle
// as more text arrives.
func Separate(raw string, opts SeparateOptions) Separation {
	if opts.OutOfBand {
		return Separation{
			Visible:      raw,
			Reasoning:    opts.Reasoning,
			HasReasoning: opts.Reasoning != "",
			Grammar:      GrammarOutOfBand,
		}
	}

	think := firstIndex(raw, thinkOpen, thinkClose)
	thought := strings.Index(raw, thoughtOpen)

	switch {
	case think >= 0 && (thought < 0 || think < thought):
		return separateThink(raw, opts.Final)
	case thought >= 0:
		return separateThought(raw, opts.Final)
	}

	visible := raw
	if !opts.Final {
		visible = trimPartialMarker(visible, thinkOpen, thoughtOpen)
	}
	return Separation{Visible: visible}
}

// separateThink applies the <think> grammar. A closing tag with no opener
// marks everything before it as reasoning.
func separateThink(raw string, final bool) Separation {
	var visible strings.Builder
	var spans []string
	rest := raw

	ci := strings.Index(rest, thinkClose)
	oi := strings.Index(rest, thinkOpen)
	if ci >= 0 && (oi < 0 || ci < oi) {
		spans = append(spans, rest[:ci])
		rest = rest[ci+len(thinkClose):]
	}

	open := false
	for {
		oi := strings.Index(rest, thinkOpen)
		if oi < 0 {
			visible.WriteString(rest)
			break
		}
		visible.WriteString(rest[:oi])
		rest = rest[oi+len(thinkOpen):]

		ci := strings.Index(rest, thinkClose)
		if ci < 0 {
			span := rest
			if !final {
				span = trimPartialMarker(span, thinkClose)
			}
			spans = append(spans, span)
			open = true
			break
		}
		spans = append(spans, rest[:ci])
		rest = rest[ci+len(thinkClose):]
	}

	vis := visible.String()
	if !final && !open {
		vis = trimPartialMarker(vis, thinkOpen)
	}
	return Separation{
		Visible:      strings.TrimSpace(vis),
		Reasoning:    joinSpans(spans),
		HasReasoning: true,
		Grammar:      GrammarThink,
	}
}

// separateThought applies the begin_of_thought/begin_of_solution grammar.
// Only the solution span is visible; text outside it is dropped.
func separateThought(raw string, final bool) Separation {
	body := raw[strings.Index(raw, thoughtOpen)+len(thoughtOpen):]

	end := len(body)
	closeIdx := strings.Index(body, thoughtClose)
	solIdx := strings.Index(body, solutionOpen)
	if closeIdx >= 0 {
		end = closeIdx
	}
	if solIdx >= 0 && solIdx < end {
		end = solIdx
	}
	reasoning := body[:end]
	if !final && end == len(body) {
		reasoning = trimPartialMarker(reasoning, thoughtClose, solutionOpen)
	}

	// Nothing is visible until a solution span starts, even at the end of
	// the stream.
	var visible string
	if solIdx >= 0 {
		visible = body[solIdx+len(solutionOpen):]
		if e := strings.Index(visible, solutionClose); e >= 0 {
			visible = visible[:e]
		} else if !final {
			visible = trimPartialMarker(visible, solutionClose)
		}
	}

	return Separation{
		Visible:      strings.TrimSpace(visible),
		Reasoning:    strings.TrimSpace(reasoning),
		HasReasoning: true,
		Grammar:      GrammarThought,
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// firstIndex returns the smallest index of any of the markers, or -1.
func firstIndex(s string, markers ...string) int {
	best := -1
	for _, m := range markers {
		if i := strings.Index(s, m); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// trimPartialMarker removes a trailing proper prefix of any marker from s,
// so "answer <thi" renders as "answer " until the next delta decides it.
func trimPartialMarker(s string, markers ...string) string {
	cut := 0
	for _, m := range markers {
		for n := len(m) - 1; n > cut; n-- {
			if strings.HasSuffix(s, m[:n]) {
				cut = n
				break
			}
		}
	}
	return s[:len(s)-cut]
}

func joinSpans(spans []string) string {
	parts := make([]string, 0, len(spans))
	for _, s := range spans {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}
