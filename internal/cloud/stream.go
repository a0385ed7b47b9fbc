// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/rigrun-chatcore/internal/stream"
)

// processStream reads the SSE body into acc until [DONE] or end of body.
//
// A read failure after content arrived becomes a *StreamError; before any
// content it is a plain transport error.
func (c *Client) processStream(ctx context.Context, body io.Reader, acc *stream.Accumulator) error {
	reader := stream.NewFrameReader(body, c.logger)
	reader.OnMalformed = c.onMalformed

	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return c.streamFailure(acc, err)
		}

		if chunk.Error != nil {
			return c.streamFailure(acc, fmt.Errorf("server reported: %s", chunk.Error.Message))
		}
		acc.Apply(chunk)
	}
}

func (c *Client) streamFailure(acc *stream.Accumulator, err error) error {
	if acc.Empty() {
		return fmt.Errorf("stream failed before any content: %w", err)
	}
	c.logger.Warn("stream interrupted", "error", err, "partial_chars", len(acc.RawVisible()))
	return &StreamError{Partial: acc.RawVisible(), Err: err}
}
