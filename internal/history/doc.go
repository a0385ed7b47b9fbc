// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package history commits finished turns into a conversation and keeps the
// conversation's invariants before it is persisted.
//
// Commit turns the final response of a turn into one immutable assistant
// message, gives unowned images an owner and embeds their placeholders.
// Reconcile runs before every save: it rewrites stray inline image data,
// repairs image associations and validates the result.
//
// The repair pass links an orphaned image to the assistant message closest to
// it in time. This is a heuristic and is logged as such; it is not a
// correctness guarantee when messages share a timestamp.
package history
