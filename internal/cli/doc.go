// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the chatcore command-line interface.
//
// # Commands
//
//   - chat: interactive REPL with streaming output (Ctrl+C stops a response)
//   - ask: one question, streamed answer, then exit
//   - history list|show|delete|repair: manage stored conversations
//
// # Global Flags
//
//	--config PATH   config file (default ~/.chatcore/config.toml)
//	--model NAME    override endpoint.model
//	-d, --debug     debug logging
//	--log-file PATH write logs to a file instead of stderr
//
// Output is rendered as markdown with glamour when stdout is a terminal and
// written as plain text otherwise.
package cli
