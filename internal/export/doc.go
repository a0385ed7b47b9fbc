// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders stored conversations as Markdown, JSON or HTML.
//
// Image placeholders in message content are resolved against the
// conversation's artifacts: with EmbedImages the data URI is inlined,
// otherwise only the filename is shown.
//
// # Usage
//
//	exp, err := export.New(export.FormatMarkdown, export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	path, err := export.ToFile(conv, exp, opts)
package export
