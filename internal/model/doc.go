// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types shared by the stream decoder,
// the tool orchestrator and the history reconciler.
//
// # Key Types
//
//   - Conversation: ordered messages plus the image artifacts they produced
//   - Message: single message with role, content, reasoning and tool calls
//   - ToolCallRequest: a tool invocation requested by the model
//   - ImageArtifact: a generated image kept out of message content
//   - Role: message role enumeration (user, assistant, system, tool)
//
// # Usage
//
//	conv := model.NewConversation()
//	conv.AddUserMessage("Draw a cat")
//
// Image data never lives in Message.Content. Tools that return images
// produce ImageArtifact records and the content carries a placeholder:
//
//	model.PlaceholderFor("cat.png") // "[[IMAGE: cat.png]]"
package model
