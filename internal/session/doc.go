// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs chat turns against one conversation.
//
// A Session owns the request lifecycle controller, the tool orchestrator and
// the history reconciler for a single conversation. It is the only object a
// front end needs: Submit runs a turn and Stop cancels it.
//
// # Key Types
//
//   - Session: one conversation with at most one turn in flight
//   - Callbacks: render-layer hooks for deltas, images, notices and state
//   - TurnResult: what a finished turn committed
//
// # Usage
//
//	s, err := session.New(conv, session.Options{Model: client, Registry: reg, Store: store}, session.Callbacks{
//	    OnVisible: func(delta string, reset bool) { ... },
//	})
//	res, err := s.Submit(ctx, "What time is it?")
//
// Stop may be called from any goroutine. A stopped turn commits what it has
// received so far as a truncated message; it is not an error.
package session
