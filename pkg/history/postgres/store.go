// Package postgres provides a PostgreSQL-backed [history.Store].
//
// Chats live in a single chat_history table; the transcript is stored as a
// JSONB array so a chat is always read and written as one unit.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sahayhq/sahay/pkg/history"
)

var _ history.Store = (*Store)(nil)

const ddlChatHistory = `
CREATE TABLE IF NOT EXISTS chat_history (
    id          TEXT         PRIMARY KEY,
    title       TEXT         NOT NULL,
    messages    JSONB        NOT NULL DEFAULT '[]',
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_chat_history_updated_at
    ON chat_history (updated_at DESC);
`

// Migrate creates the chat_history table and its index if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlChatHistory); err != nil {
		return fmt.Errorf("migrate chat_history: %w", err)
	}
	return nil
}

// Store is a [history.Store] backed by PostgreSQL. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping reports whether the database is reachable. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// Save implements [history.Store].
func (s *Store) Save(ctx context.Context, item history.ChatHistoryItem) error {
	if item.ID == "" {
		return errors.New("history store: save: empty id")
	}
	msgs := item.Messages
	if msgs == nil {
		msgs = []history.ChatMessage{}
	}
	raw, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("history store: marshal messages: %w", err)
	}

	const q = `
		INSERT INTO chat_history (id, title, messages, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		    SET title      = EXCLUDED.title,
		        messages   = EXCLUDED.messages,
		        updated_at = now()`

	if _, err := s.pool.Exec(ctx, q, item.ID, item.Title, raw); err != nil {
		return fmt.Errorf("history store: save %q: %w", item.ID, err)
	}
	return nil
}

// Get implements [history.Store].
func (s *Store) Get(ctx context.Context, id string) (history.ChatHistoryItem, error) {
	const q = `
		SELECT id, title, messages, updated_at
		FROM   chat_history
		WHERE  id = $1`

	rows, err := s.pool.Query(ctx, q, id)
	if err != nil {
		return history.ChatHistoryItem{}, fmt.Errorf("history store: get %q: %w", id, err)
	}
	item, err := pgx.CollectExactlyOneRow(rows, scanItem)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.ChatHistoryItem{}, history.ErrNotFound
	}
	if err != nil {
		return history.ChatHistoryItem{}, fmt.Errorf("history store: get %q: %w", id, err)
	}
	return item, nil
}

// List implements [history.Store].
func (s *Store) List(ctx context.Context) ([]history.ChatHistoryItem, error) {
	const q = `
		SELECT id, title, messages, updated_at
		FROM   chat_history
		ORDER  BY updated_at DESC, id DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("history store: list: %w", err)
	}
	return items, nil
}

// Delete implements [history.Store].
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM chat_history WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("history store: delete %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	return nil
}

func scanItem(row pgx.CollectableRow) (history.ChatHistoryItem, error) {
	var (
		item    history.ChatHistoryItem
		raw     []byte
		updated time.Time
	)
	if err := row.Scan(&item.ID, &item.Title, &raw, &updated); err != nil {
		return item, err
	}
	if err := json.Unmarshal(raw, &item.Messages); err != nil {
		return item, fmt.Errorf("unmarshal messages: %w", err)
	}
	item.UpdatedAt = updated
	return item, nil
}
