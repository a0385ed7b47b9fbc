// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
)

// =============================================================================
// FRAME CONSTANTS
// =============================================================================

// DoneSentinel is the payload that terminates an OpenAI-compatible stream.
const DoneSentinel = "[DONE]"

// MaxLineSize caps a single buffered SSE line. Tool argument fragments and
// reasoning deltas stay far below this.
const MaxLineSize = 4 * 1024 * 1024

// readBufferSize is the size of each read from the underlying transport.
const readBufferSize = 32 * 1024

// ErrLineTooLong is returned when a line exceeds MaxLineSize without a newline.
var ErrLineTooLong = errors.New("sse line exceeds maximum size")

// =============================================================================
// CHUNK TYPES
// =============================================================================

// Chunk is one decoded streaming event.
type Chunk struct {
	ID      string      `json:"id,omitempty"`
	Model   string      `json:"model,omitempty"`
	Choices []Choice    `json:"choices"`
	Error   *ChunkError `json:"error,omitempty"`
}

// Choice is a single choice inside a chunk.
type Choice struct {
	Index        int    `json:"index"`
	Delta        Delta  `json:"delta"`
	FinishReason string `json:"finish_reason,omitempty"`
}

// Delta carries the incremental fields of a choice.
type Delta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	Reasoning        string          `json:"reasoning,omitempty"`
	ToolCalls        []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call, keyed by Index.
type ToolCallDelta struct {
	Index    int           `json:"index"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta holds the name and an argument fragment of a tool call.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ChunkError is an in-band error object some servers emit mid-stream.
type ChunkError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message"`
}

// First returns the first choice's delta and finish reason.
func (c *Chunk) First() (Delta, string) {
	if len(c.Choices) == 0 {
		return Delta{}, ""
	}
	return c.Choices[0].Delta, c.Choices[0].FinishReason
}

// =============================================================================
// DECODER (PUSH SIDE)
// =============================================================================

// Decoder splits SSE bytes into data payloads. Feed it chunks in arrival
// order; it buffers any trailing partial line until the next Write.
// The zero value is ready to use.
type Decoder struct {
	buf  []byte
	done bool
	err  error
}

// Write consumes p and returns the payload of every complete data line.
// Nothing is returned once the [DONE] sentinel has been seen.
func (d *Decoder) Write(p []byte) []string {
	if d.done || d.err != nil {
		return nil
	}
	d.buf = append(d.buf, p...)

	var out []string
	off := 0
	for {
		i := bytes.IndexByte(d.buf[off:], '\n')
		if i < 0 {
			break
		}
		line := d.buf[off : off+i]
		off += i + 1

		payload, ok := parseLine(line)
		if !ok {
			continue
		}
		if payload == DoneSentinel {
			d.done = true
			d.buf = nil
			return out
		}
		out = append(out, payload)
	}
	d.buf = append(d.buf[:0], d.buf[off:]...)
	if len(d.buf) > MaxLineSize {
		d.err = ErrLineTooLong
		d.buf = nil
	}
	return out
}

// Flush returns the payload of a final line that arrived without a trailing
// newline. Call it once the transport reports end of body.
func (d *Decoder) Flush() []string {
	if d.done || d.err != nil || len(d.buf) == 0 {
		return nil
	}
	line := d.buf
	d.buf = nil
	payload, ok := parseLine(line)
	if !ok {
		return nil
	}
	if payload == DoneSentinel {
		d.done = true
		return nil
	}
	return []string{payload}
}

// Done reports whether the [DONE] sentinel was seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Err reports a fatal framing error such as ErrLineTooLong.
func (d *Decoder) Err() error {
	return d.err
}

// parseLine extracts the trimmed payload of a data line. Other SSE fields
// (event:, id:, retry:) and comments are ignored.
func parseLine(line []byte) (string, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return "", false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 {
		return "", false
	}
	return string(payload), true
}

// =============================================================================
// FRAME READER (PULL SIDE)
// =============================================================================

// FrameReader pulls parsed chunks from a response body.
//
// The context is checked before each decoded line, so a cancellation is seen
// within one decode step. A malformed line is logged and skipped.
type FrameReader struct {
	r       io.Reader
	dec     Decoder
	buf     []byte
	pending []string
	eof     bool
	logger  *slog.Logger

	malformed int

	// OnMalformed, when set, is called for every undecodable line.
	OnMalformed func(payload string, err error)
}

// NewFrameReader creates a reader over r. A nil logger uses slog.Default().
func NewFrameReader(r io.Reader, logger *slog.Logger) *FrameReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &FrameReader{
		r:      r,
		buf:    make([]byte, readBufferSize),
		logger: logger,
	}
}

// Next returns the next chunk. It returns io.EOF after [DONE] or at the end of
// the body, ctx.Err() when cancelled, and the transport error on read failure.
func (f *FrameReader) Next(ctx context.Context) (Chunk, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Chunk{}, err
		}

		if len(f.pending) > 0 {
			payload := f.pending[0]
			f.pending = f.pending[1:]

			var chunk Chunk
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				f.malformed++
				f.logger.Warn("skipping malformed stream line",
					"error", err, "bytes", len(payload))
				if f.OnMalformed != nil {
					f.OnMalformed(payload, err)
				}
				continue
			}
			return chunk, nil
		}

		if f.dec.Done() || f.eof {
			return Chunk{}, io.EOF
		}

		n, err := f.r.Read(f.buf)
		if n > 0 {
			f.pending = append(f.pending, f.dec.Write(f.buf[:n])...)
			if derr := f.dec.Err(); derr != nil {
				return Chunk{}, derr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				f.eof = true
				f.pending = append(f.pending, f.dec.Flush()...)
				continue
			}
			return Chunk{}, fmt.Errorf("read stream: %w", err)
		}
	}
}

// Chunks returns a lazy sequence over the remaining chunks. The sequence ends
// at io.EOF; any other error is yielded once as the final element.
func (f *FrameReader) Chunks(ctx context.Context) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		for {
			chunk, err := f.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

// Malformed returns the number of lines skipped as undecodable.
func (f *FrameReader) Malformed() int {
	return f.malformed
}

// Done reports whether the [DONE] sentinel was seen.
func (f *FrameReader) Done() bool {
	return f.dec.Done()
}
