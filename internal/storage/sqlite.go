package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	agent_name TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role TEXT NOT NULL,
	session_id TEXT NOT NULL,
	start_seq INTEGER NOT NULL,
	end_seq INTEGER NOT NULL,
	message_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);

CREATE TABLE IF NOT EXISTS session_events (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	seq INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	UNIQUE(session_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, seq);
`

// SQLiteStore is a Store backed by a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// AppendEvent assigns the next per-session seq inside a transaction.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) (time.Time, int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.GetContext(ctx, &seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM session_events WHERE session_id = ?`,
		event.SessionID); err != nil {
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

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO session_events (id, session_id, type, payload, seq, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, id, event.SessionID, event.Type, string(payload), seq, now); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to commit event: %w", err)
	}

	event.ID = id
	event.Seq = seq
	event.Timestamp = now
	return now, seq, nil
}

// ListEvents returns events in the closed seq range, in order.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*Event, error) {
	var events []*Event
	err := s.db.SelectContext(ctx, &events, `
		SELECT id, session_id, type, payload, seq, timestamp
		FROM session_events
		WHERE session_id = ? AND seq >= ? AND seq <= ?
		ORDER BY seq ASC
	`, sessionID, fromSeq, toSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// GetOrCreateConversation returns the conversation for the key, creating it
// if absent.
func (s *SQLiteStore) GetOrCreateConversation(ctx context.Context, sessionKey, agentName string) (*Conversation, error) {
	conv, err := s.GetConversationBySessionKey(ctx, sessionKey)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		AgentName:  agentName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, session_key, agent_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.SessionKey, conv.AgentName, conv.CreatedAt, conv.UpdatedAt); err != nil {
		// Lost a race with a concurrent create for the same key.
		existing, lookupErr := s.GetConversationBySessionKey(ctx, sessionKey)
		if lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to insert conversation: %w", err)
	}
	return conv, nil
}

// GetConversationBySessionKey returns ErrNotFound when the key is unknown.
func (s *SQLiteStore) GetConversationBySessionKey(ctx context.Context, sessionKey string) (*Conversation, error) {
	var conv Conversation
	err := s.db.GetContext(ctx, &conv, `
		SELECT id, session_key, agent_name, created_at, updated_at
		FROM conversations WHERE session_key = ?
	`, sessionKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &conv, nil
}

// AppendTurn stores a turn and touches the conversation's updated_at.
func (s *SQLiteStore) AppendTurn(ctx context.Context, turn *Turn) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := turn.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, now, turn.ConversationID)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, role, session_id, start_seq, end_seq, message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, id, turn.ConversationID, turn.Role, turn.SessionID, turn.StartSeq, turn.EndSeq, turn.MessageID, now); err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	turn.ID = id
	turn.CreatedAt = now
	return nil
}

// ListTurns returns the conversation's turns in creation order.
func (s *SQLiteStore) ListTurns(ctx context.Context, conversationID string) ([]*Turn, error) {
	var turns []*Turn
	err := s.db.SelectContext(ctx, &turns, `
		SELECT id, conversation_id, role, session_id, start_seq, end_seq, message_id, created_at
		FROM turns WHERE conversation_id = ?
		ORDER BY created_at ASC, start_seq ASC
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list turns: %w", err)
	}
	return turns, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
