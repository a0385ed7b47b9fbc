// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// CachedStore puts an LRU cache of decoded conversations in front of a Store.
// Writes go through to the backing store first.
//
// A conversation pruned by the backing store's limit stays readable from the
// cache until it is evicted.
type CachedStore struct {
	inner Store
	cache *lru.Cache[string, *model.Conversation]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedStore wraps inner with a cache holding up to size conversations.
func NewCachedStore(inner Store, size int) (*CachedStore, error) {
	cache, err := lru.New[string, *model.Conversation](size)
	if err != nil {
		return nil, fmt.Errorf("create conversation cache: %w", err)
	}
	return &CachedStore{inner: inner, cache: cache}, nil
}

func (s *CachedStore) Save(ctx context.Context, conv *model.Conversation) error {
	if err := s.inner.Save(ctx, conv); err != nil {
		s.cache.Remove(conv.ID)
		return err
	}
	s.cache.Add(conv.ID, conv.Clone())
	return nil
}

func (s *CachedStore) Load(ctx context.Context, id string) (*model.Conversation, error) {
	if conv, ok := s.cache.Get(id); ok {
		s.hits.Add(1)
		return conv.Clone(), nil
	}
	s.misses.Add(1)

	conv, err := s.inner.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Add(id, conv.Clone())
	return conv, nil
}

func (s *CachedStore) Delete(ctx context.Context, id string) error {
	s.cache.Remove(id)
	return s.inner.Delete(ctx, id)
}

func (s *CachedStore) List(ctx context.Context) ([]model.ConversationMeta, error) {
	return s.inner.List(ctx)
}

func (s *CachedStore) Close() error {
	s.cache.Purge()
	return s.inner.Close()
}

// Stats returns the cache hit and miss counts.
func (s *CachedStore) Stats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}
