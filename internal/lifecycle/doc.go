// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package lifecycle owns the single in-flight chat request.
//
// The Controller is a small state machine (idle, sending, streaming,
// stopping) guarding one cancellation Token. A second request while one is
// busy is rejected with ErrBusy rather than queued. Stop is the single
// parameterless entry point a UI stop control calls.
package lifecycle
