// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

// =============================================================================
// STORE INTERFACE
// =============================================================================

// Store persists conversations by id.
type Store interface {
	// Save inserts or replaces the conversation.
	Save(ctx context.Context, conv *model.Conversation) error

	// Load returns the conversation or ErrConversationNotFound.
	Load(ctx context.Context, id string) (*model.Conversation, error)

	// Delete removes the conversation or returns ErrConversationNotFound.
	Delete(ctx context.Context, id string) error

	// List returns metadata for every conversation, most recent first.
	List(ctx context.Context) ([]model.ConversationMeta, error)

	Close() error
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrConversationNotFound is returned when a conversation doesn't exist.
	ErrConversationNotFound = errors.New("conversation not found")

	// ErrInvalidID is returned for ids that are empty or could escape the
	// storage directory.
	ErrInvalidID = errors.New("invalid conversation id")

	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

var validID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

func checkID(id string) error {
	if !validID.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// =============================================================================
// OPEN
// =============================================================================

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendMemory = "memory"
)

// Options selects and configures a backend.
type Options struct {
	// Backend is one of sqlite, file or memory. Empty means sqlite.
	Backend string

	// Dir holds the database or the JSON files.
	Dir string

	// MaxConversations prunes the oldest conversations on save (0 = unlimited).
	MaxConversations int

	// CacheSize wraps the store in an LRU cache of that many conversations
	// (0 = no cache).
	CacheSize int
}

// Open creates the configured store.
func Open(opts Options) (Store, error) {
	var (
		store Store
		err   error
	)
	switch strings.ToLower(opts.Backend) {
	case "", BackendSQLite:
		store, err = NewSQLiteStore(filepath.Join(opts.Dir, "conversations.db"), opts.MaxConversations)
	case BackendFile:
		store, err = NewFileStore(filepath.Join(opts.Dir, "conversations"), opts.MaxConversations)
	case BackendMemory:
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
	if err != nil {
		return nil, err
	}

	if opts.CacheSize > 0 && opts.Backend != BackendMemory {
		return NewCachedStore(store, opts.CacheSize)
	}
	return store, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// sortMetas orders metadata most recent first, breaking ties by id.
func sortMetas(metas []model.ConversationMeta) {
	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].UpdatedAt.Equal(metas[j].UpdatedAt) {
			return metas[i].UpdatedAt.After(metas[j].UpdatedAt)
		}
		return metas[i].ID < metas[j].ID
	})
}

// Find resolves a conversation reference: a full id, a unique id prefix, or a
// 1-based position in List order.
func Find(ctx context.Context, s Store, ref string) (*model.Conversation, error) {
	metas, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	if n, convErr := strconv.Atoi(ref); convErr == nil {
		if n < 1 || n > len(metas) {
			return nil, fmt.Errorf("%w: no conversation at position %d", ErrConversationNotFound, n)
		}
		return s.Load(ctx, metas[n-1].ID)
	}

	var match string
	for _, m := range metas {
		if m.ID == ref {
			return s.Load(ctx, ref)
		}
		if strings.HasPrefix(m.ID, ref) {
			if match != "" {
				return nil, fmt.Errorf("%w: %q is ambiguous", ErrConversationNotFound, ref)
			}
			match = m.ID
		}
	}
	if match == "" {
		return nil, fmt.Errorf("%w: %q", ErrConversationNotFound, ref)
	}
	return s.Load(ctx, match)
}
