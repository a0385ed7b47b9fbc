// chatcore - streaming chat with tool calling for OpenAI-compatible endpoints.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jeranaias/rigrun-chatcore/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	if err := cli.Execute(context.Background(), os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, cli.ErrorStyle.Render("Error:"), err)
		os.Exit(1)
	}
}
