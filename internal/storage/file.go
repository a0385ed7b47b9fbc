// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
	"github.com/jeranaias/rigrun-chatcore/internal/util"
)

// FileStore keeps one JSON file per conversation.
type FileStore struct {
	// BaseDir is the directory for storing conversations
	BaseDir string

	// MaxConversations limits stored conversations (0 = unlimited)
	MaxConversations int

	mu sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string, maxConversations int) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{BaseDir: baseDir, MaxConversations: maxConversations}, nil
}

// Save writes the conversation atomically.
func (s *FileStore) Save(_ context.Context, conv *model.Conversation) error {
	if err := checkID(conv.ID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0644); err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	if s.MaxConversations > 0 {
		s.enforceLimit()
	}
	return nil
}

// Load reads a conversation by id.
func (s *FileStore) Load(_ context.Context, id string) (*model.Conversation, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

func (s *FileStore) load(id string) (*model.Conversation, error) {
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return nil, err
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Delete removes a conversation file.
func (s *FileStore) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.filePath(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
		}
		return err
	}
	return nil
}

// List loads every file for its metadata. Corrupted files are skipped.
func (s *FileStore) List(_ context.Context) ([]model.ConversationMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list()
}

func (s *FileStore) list() ([]model.ConversationMeta, error) {
	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.ConversationMeta{}, nil
		}
		return nil, err
	}

	metas := make([]model.ConversationMeta, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		conv, err := s.load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			slog.Warn("skipping unreadable conversation file", "file", name, "error", err)
			continue
		}
		metas = append(metas, conv.GetMeta())
	}
	sortMetas(metas)
	return metas, nil
}

// enforceLimit removes the oldest conversations beyond MaxConversations.
func (s *FileStore) enforceLimit() {
	metas, err := s.list()
	if err != nil || len(metas) <= s.MaxConversations {
		return
	}
	for _, m := range metas[s.MaxConversations:] {
		if err := os.Remove(s.filePath(m.ID)); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to prune conversation", "id", m.ID, "error", err)
		}
	}
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}
