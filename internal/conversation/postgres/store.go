// Package postgres persists the conversation log in PostgreSQL.
//
// The store is optional: without a DSN the assistant keeps its history in
// memory only. With one, every appended message is written through and the
// most recent history is restored at startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//	history, _ := store.Recent(ctx, 100)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/jarvis/internal/conversation"
)

const ddlMessages = `
CREATE TABLE IF NOT EXISTS conversation_messages (
    seq             BIGSERIAL    PRIMARY KEY,
    id              TEXT         NOT NULL UNIQUE,
    role            TEXT         NOT NULL,
    content         TEXT         NOT NULL,
    timestamp       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    image_url       TEXT         NOT NULL DEFAULT '',
    grounding_links JSONB        NOT NULL DEFAULT '[]'::jsonb
);

CREATE INDEX IF NOT EXISTS idx_conversation_messages_timestamp
    ON conversation_messages (timestamp);
`

// Migrate creates the conversation tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlMessages); err != nil {
		return fmt.Errorf("conversation store: migrate: %w", err)
	}
	return nil
}

// Store is a PostgreSQL-backed message sink.
//
// All operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("conversation store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("conversation store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("conversation store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Save inserts m. Saving the same message ID twice is a no-op.
func (s *Store) Save(ctx context.Context, m conversation.Message) error {
	const q = `
		INSERT INTO conversation_messages
		    (id, role, content, timestamp, image_url, grounding_links)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`

	links := m.GroundingLinks
	if links == nil {
		links = []conversation.Link{}
	}
	_, err := s.pool.Exec(ctx, q, m.ID, string(m.Role), m.Content, m.Timestamp, m.ImageURL, links)
	if err != nil {
		return fmt.Errorf("conversation store: save: %w", err)
	}
	return nil
}

// Recent returns up to limit of the newest messages, oldest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]conversation.Message, error) {
	const q = `
		SELECT id, role, content, timestamp, image_url, grounding_links
		FROM (
		    SELECT * FROM conversation_messages
		    ORDER  BY seq DESC
		    LIMIT  $1
		) newest
		ORDER BY seq`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation store: recent: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (conversation.Message, error) {
		var (
			m    conversation.Message
			role string
		)
		if err := row.Scan(&m.ID, &role, &m.Content, &m.Timestamp, &m.ImageURL, &m.GroundingLinks); err != nil {
			return m, err
		}
		m.Role = conversation.Role(role)
		if len(m.GroundingLinks) == 0 {
			m.GroundingLinks = nil
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("conversation store: scan: %w", err)
	}
	return msgs, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("conversation store: ping: %w", err)
	}
	return nil
}
