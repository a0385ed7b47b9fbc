// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/jeranaias/rigrun-chatcore/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	preview       TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	image_count   INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	data          BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);
`

// SQLiteStore keeps conversations in a single SQLite database. Metadata lives
// in columns so List never decodes message bodies.
type SQLiteStore struct {
	db               *sql.DB
	maxConversations int
}

// NewSQLiteStore opens or creates the database at path. Use ":memory:" for a
// throwaway database.
func NewSQLiteStore(path string, maxConversations int) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, maxConversations: maxConversations}, nil
}

// Save upserts the conversation and prunes the oldest beyond the limit.
func (s *SQLiteStore) Save(ctx context.Context, conv *model.Conversation) error {
	if err := checkID(conv.ID); err != nil {
		return err
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation: %w", err)
	}
	meta := conv.GetMeta()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, title, model, preview, message_count, image_count, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			model = excluded.model,
			preview = excluded.preview,
			message_count = excluded.message_count,
			image_count = excluded.image_count,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		meta.ID, meta.Title, meta.Model, meta.Preview, meta.MessageCount, meta.ImageCount,
		meta.CreatedAt.UnixNano(), meta.UpdatedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}

	if s.maxConversations > 0 {
		_, err = tx.ExecContext(ctx, `
			DELETE FROM conversations WHERE id NOT IN (
				SELECT id FROM conversations ORDER BY updated_at DESC, id ASC LIMIT ?
			)`, s.maxConversations)
		if err != nil {
			return fmt.Errorf("prune conversations: %w", err)
		}
	}
	return tx.Commit()
}

// Load decodes the stored conversation.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*model.Conversation, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM conversations WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Delete removes a conversation.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrConversationNotFound, id)
	}
	return nil
}

// List reads metadata columns only.
func (s *SQLiteStore) List(ctx context.Context) ([]model.ConversationMeta, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, model, preview, message_count, image_count, created_at, updated_at
		FROM conversations ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	metas := make([]model.ConversationMeta, 0)
	for rows.Next() {
		var (
			m                model.ConversationMeta
			created, updated int64
		)
		if err := rows.Scan(&m.ID, &m.Title, &m.Model, &m.Preview,
			&m.MessageCount, &m.ImageCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		m.CreatedAt = time.Unix(0, created)
		m.UpdatedAt = time.Unix(0, updated)
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
