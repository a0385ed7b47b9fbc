// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mattn/go-runewidth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ATOMIC WRITE TESTS
// =============================================================================

func TestAtomicWriteFile_Basic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conv.json")

	require.NoError(t, AtomicWriteFile(path, []byte(`{"id":"a"}`), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, string(data))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
	}
}

func TestAtomicWriteFile_CreatesParentDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file.txt")
	require.NoError(t, AtomicWriteFile(path, []byte("x"), 0600))
	assert.FileExists(t, path)
}

func TestAtomicWriteFile_OverwritesAndLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file.txt")

	require.NoError(t, AtomicWriteFile(path, []byte("first version, longer"), 0644))
	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteFile_EmptyData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, AtomicWriteFile(path, nil, 0644))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestAtomicWriteFile_ParentIsFile(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	err := AtomicWriteFile(filepath.Join(blocker, "child.txt"), []byte("y"), 0644)
	assert.ErrorContains(t, err, "create parent directory")
}

// =============================================================================
// TEXT TESTS
// =============================================================================

func TestTruncateWidth(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		width int
		want  string
	}{
		{"fits", "hello", 10, "hello"},
		{"exact", "hello", 5, "hello"},
		{"ascii cut", "hello world", 8, "hello..."},
		{"zero width", "hello", 0, ""},
		{"tiny width", "hello", 2, "he"},
		{"wide runes", "日本語のテキスト", 7, "日本..."},
		{"empty", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateWidth(tt.in, tt.width)
			assert.Equal(t, tt.want, got)
			assert.LessOrEqual(t, runewidth.StringWidth(got), max(tt.width, 0))
		})
	}
}

func TestPadWidth(t *testing.T) {
	assert.Equal(t, "ab   ", PadWidth("ab", 5))
	assert.Equal(t, "ab...", PadWidth("abcdefgh", 5))
	assert.Equal(t, "日本 ", PadWidth("日本", 5))
	assert.Equal(t, 5, runewidth.StringWidth(PadWidth("日本語のテキスト", 5)))
}

func TestSingleLine(t *testing.T) {
	assert.Equal(t, "a b c", SingleLine("  a\n\tb   c \r\n"))
	assert.Equal(t, "", SingleLine(" \n "))
}
