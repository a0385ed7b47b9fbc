// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// MemoryStore keeps deep copies of conversations in a map.
type MemoryStore struct {
	mu    sync.RWMutex
	convs map[string]*model.Conversation
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{convs: make(map[string]*model.Conversation)}
}

func (s *MemoryStore) Save(_ context.Context, conv *model.Conversation) error {
	if err := checkID(conv.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.ID] = conv.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return conv.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	delete(s.convs, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]model.ConversationMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]model.ConversationMeta, 0, len(s.convs))
	for _, conv := range s.convs {
		metas = append(metas, conv.GetMeta())
	}
	sortMetas(metas)
	return metas, nil
}

func (s *MemoryStore) Close() error { return nil }
