// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tools runs the model's tool-calling loop.
//
// # Key Types
//
//   - Registry: name to Handler map, validated at registration, failing
//     closed on unknown names
//   - Orchestrator: the bounded loop that sends a request, executes the
//     requested tools one after another, appends their results and resends
//   - Turn: everything one user turn produced, ready for the history reconciler
//
// # Loop
//
// Each turn moves Draft -> AwaitingModel -> (ToolsRequested | Final). Tools run
// sequentially in the order the model listed them, because later calls may
// depend on earlier results. A failing tool yields a structured error result
// and the loop goes on. After the iteration ceiling (default 10) a system
// instruction asks the model to wrap up, and one last call is made with tools
// disabled, so a turn makes at most ceiling+1 model calls.
//
// # Images
//
// Base64 image data in a tool result never reaches message content. Each
// image becomes a model.ImageArtifact and the result carries the
// [[IMAGE: filename]] placeholder instead.
package tools
