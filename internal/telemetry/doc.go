// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry exposes Prometheus counters for chat turns.
//
// # Key Types
//
//   - Metrics: collectors for turns, model calls, tool calls, malformed
//     stream lines and image association repairs
//
// # Usage
//
//	reg := prometheus.NewRegistry()
//	m := telemetry.MustNewMetrics(reg)
//	m.ObserveTurn("completed", time.Since(start))
//	http.Handle("/metrics", telemetry.Handler(reg))
//
// # Privacy
//
// Only counts and durations are recorded. Prompt and response text never
// leave the process.
package telemetry
