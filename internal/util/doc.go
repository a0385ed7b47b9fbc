// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the store and the CLI.
//
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//   - TruncateWidth, PadWidth: display-width aware text fitting for
//     terminal tables, so CJK and emoji previews line up
//   - SingleLine: collapses whitespace for one-line previews
package util
