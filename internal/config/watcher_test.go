// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[tools]\nmax_tool_iterations = 2\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	got := make(chan *Config, 4)
	w.Subscribe(func(c *Config) { got <- c })
	w.Start()

	writeFile(t, path, "[tools]\nmax_tool_iterations = 5\n")

	select {
	case cfg := <-got:
		require.Equal(t, 5, cfg.Tools.MaxToolIterations)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}
}

func TestWatcher_InvalidFileKeepsPrevious(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "[tools]\nmax_tool_iterations = 2\n")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	got := make(chan *Config, 4)
	w.Subscribe(func(c *Config) { got <- c })
	w.Start()

	writeFile(t, path, "[storage]\nbackend = \"redis\"\n")

	select {
	case cfg := <-got:
		t.Fatalf("invalid config delivered: %+v", cfg)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_CloseIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeFile(t, path, "")

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
