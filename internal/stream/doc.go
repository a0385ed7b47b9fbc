// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes OpenAI-compatible streaming responses.
//
// It covers the three leaf stages between raw response bytes and a render:
//
//   - Decoder and FrameReader turn SSE bytes into parsed Chunk events,
//     independent of how the bytes were split on the wire.
//   - Separate splits accumulated text into the visible answer and the
//     reasoning span (<think> tags, <|begin_of_thought|> markers, or an
//     out-of-band reasoning_content field).
//   - Guard closes dangling code fences and inline code for display.
//
// Accumulator ties them together for one in-flight response.
//
// # Usage
//
//	fr := stream.NewFrameReader(resp.Body, logger)
//	acc := stream.NewAccumulator()
//	for {
//	    chunk, err := fr.Next(ctx)
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    acc.Apply(chunk)
//	}
//	sep := acc.Separate(true)
package stream
