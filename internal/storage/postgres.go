package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	agent_name TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	session_id TEXT NOT NULL,
	start_seq BIGINT NOT NULL,
	end_seq BIGINT NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS session_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload JSONB NOT NULL DEFAULT '{}',
	seq BIGINT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);
`

// PostgresStore is a Store backed by PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and ensures the schema
// exists.
func NewPostgresStore(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// AppendEvent assigns the next per-session seq inside a transaction.
func (s *PostgresStore) AppendEvent(ctx context.Context, event *Event) (time.Time, int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = $1`,
		event.SessionID).Scan(&seq); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to allocate seq: %w", err)
	}

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO session_events (id, session_id, type, payload, seq, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id, event.SessionID, event.Type, payload, seq, now); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to commit event: %w", err)
	}

	event.ID = id
	event.Seq = seq
	event.Timestamp = now
	return now, seq, nil
}

// ListEvents returns events in the closed seq range, in order.
func (s *PostgresStore) ListEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, type, payload, seq, timestamp
		FROM session_events
		WHERE session_id = $1 AND seq >= $2 AND seq <= $3
		ORDER BY seq ASC
	`, sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var event Event
		if err := rows.Scan(&event.ID, &event.SessionID, &event.Type, &event.Payload, &event.Seq, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}
	return events, rows.Err()
}

// GetOrCreateConversation returns the conversation for the key, creating it
// if absent.
func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, sessionKey, agentName string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		AgentName:  agentName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Upsert keyed on session_key; the no-op update makes RETURNING yield
	// the existing row on conflict.
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, session_key, agent_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_key) DO UPDATE SET session_key = EXCLUDED.session_key
		RETURNING id, session_key, agent_name, created_at, updated_at
	`, conv.ID, conv.SessionKey, conv.AgentName, conv.CreatedAt, conv.UpdatedAt).
		Scan(&conv.ID, &conv.SessionKey, &conv.AgentName, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySessionKey returns ErrNotFound when the key is unknown.
func (s *PostgresStore) GetConversationBySessionKey(ctx context.Context, sessionKey string) (*Conversation, error) {
	var conv Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, session_key, agent_name, created_at, updated_at
		FROM conversations WHERE session_key = $1
	`, sessionKey).Scan(&conv.ID, &conv.SessionKey, &conv.AgentName, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &conv, nil
}

// AppendTurn stores a turn and touches the conversation's updated_at.
func (s *PostgresStore) AppendTurn(ctx context.Context, turn *Turn) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	id := turn.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, now, turn.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO turns (id, conversation_id, role, session_id, start_seq, end_seq, message_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, id, turn.ConversationID, turn.Role, turn.SessionID, turn.StartSeq, turn.EndSeq, turn.MessageID, now); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	turn.ID = id
	turn.CreatedAt = now
	return nil
}

// ListTurns returns the conversation's turns in creation order.
func (s *PostgresStore) ListTurns(ctx context.Context, conversationID string) ([]*Turn, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, session_id, start_seq, end_seq, message_id, created_at
		FROM turns WHERE conversation_id = $1
		ORDER BY created_at ASC, start_seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		var turn Turn
		if err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.Role, &turn.SessionID,
			&turn.StartSeq, &turn.EndSeq, &turn.MessageID, &turn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		turns = append(turns, &turn)
	}
	return turns, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
