// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads chatcore settings.
//
// Supports both TOML and JSON configuration formats, with defaults,
// environment variable overrides and validation.
//
// # Sections
//
//   - endpoint: base URL, API key, model, streaming, timeout, retries, rate limit
//   - tools: tool-round ceiling and the summarize instruction
//   - storage: backend (sqlite, file, memory), data directory, cache size
//   - logging: level and optional log file
//   - metrics: listen address of the Prometheus endpoint
//
// # Configuration Precedence
//
//   - Environment variables (CHATCORE_*)
//   - ~/.chatcore/config.toml
//   - ~/.chatcore/config.json
//   - Built-in defaults
//
// # Hot Reload
//
// Watcher reloads the file when it changes and hands the new Config to
// subscribers. A file that fails to load or validate is ignored and the
// previous settings stay in effect.
package config
