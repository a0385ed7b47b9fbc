// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud is the transport to OpenAI-compatible chat-completion endpoints.
//
// A single POST to {base_url}/chat/completions returns either a JSON body or a
// text/event-stream body. Both are folded into a stream.Accumulator, so callers
// see the same projection regardless of which one the server chose.
//
// # Key Types
//
//   - Client: HTTP client with retry, backoff and an outbound rate limit
//   - Request: messages plus tool specs for one model call
//   - APIError: non-2xx response, unwrapping to a sentinel error
//   - StreamError: the body broke after content had arrived
//
// # Usage
//
//	client := cloud.NewClient("https://api.example.com/v1", apiKey).
//	    WithModel("gpt-4o-mini")
//	acc := stream.NewAccumulator()
//	err := client.Complete(ctx, cloud.Request{Messages: msgs}, acc)
//
// # Errors
//
// Failures before any content arrives are transport errors and carry no
// partial output. A *StreamError means acc holds a usable partial answer.
// Cancellation returns the context error and leaves acc intact.
package cloud
