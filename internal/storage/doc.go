// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations and their image artifacts.
//
// # Key Types
//
//   - Store: the four operations the chat core needs (Save, Load, Delete, List)
//   - FileStore: one JSON file per conversation, written atomically
//   - SQLiteStore: a single database file (modernc.org/sqlite, no cgo)
//   - MemoryStore: process-local, for tests and --ephemeral runs
//   - CachedStore: an LRU read cache in front of any Store
//
// # Usage
//
//	store, err := storage.Open(storage.Options{Backend: "sqlite", Dir: dataDir})
//	err = store.Save(ctx, conv)
//	metas, err := store.List(ctx)
//	conv, err := store.Load(ctx, metas[0].ID)
//
// Stores return copies: mutating a loaded conversation never changes what
// is stored until it is saved again.
package storage
