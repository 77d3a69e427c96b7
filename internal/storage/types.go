// Package storage persists conversations, turns, and the per-session event
// log that turns are reconstructed from.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("storage: not found")

// Event types appended by the orchestrator.
const (
	EventPromptSent    = "prompt.sent"
	EventSessionUpdate = "session.update"
)

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Conversation binds a session key to its persistent history.
type Conversation struct {
	ID         string    `db:"id" json:"id"`
	SessionKey string    `db:"session_key" json:"session_key"`
	AgentName  string    `db:"agent_name" json:"agent_name"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// Event is one entry in a session's append-only log. Seq is assigned by the
// store, monotone per session.
type Event struct {
	ID        string          `db:"id" json:"id"`
	SessionID string          `db:"session_id" json:"session_id"`
	Type      string          `db:"type" json:"type"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	Seq       int64           `db:"seq" json:"seq"`
	Timestamp time.Time       `db:"timestamp" json:"timestamp"`
}

// Turn records one user or assistant turn as a closed range of events in
// the session log.
type Turn struct {
	ID             string    `db:"id" json:"id"`
	ConversationID string    `db:"conversation_id" json:"conversation_id"`
	Role           string    `db:"role" json:"role"`
	SessionID      string    `db:"session_id" json:"session_id"`
	StartSeq       int64     `db:"start_seq" json:"start_seq"`
	EndSeq         int64     `db:"end_seq" json:"end_seq"`
	MessageID      string    `db:"message_id" json:"message_id"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// SessionEventStore is the append/replay surface for the session event log.
type SessionEventStore interface {
	// AppendEvent assigns the next seq for the event's session, persists
	// the event, and returns the assigned timestamp and seq.
	AppendEvent(ctx context.Context, event *Event) (time.Time, int64, error)

	// ListEvents returns events with fromSeq <= seq <= toSeq in seq order.
	ListEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*Event, error)
}

// ConversationStore is the read/append surface for conversations and turns.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation for a session key,
	// creating it if absent.
	GetOrCreateConversation(ctx context.Context, sessionKey, agentName string) (*Conversation, error)

	// GetConversationBySessionKey returns ErrNotFound when no conversation
	// exists for the key.
	GetConversationBySessionKey(ctx context.Context, sessionKey string) (*Conversation, error)

	// AppendTurn persists a turn and bumps the conversation's updated_at.
	AppendTurn(ctx context.Context, turn *Turn) error

	// ListTurns returns a conversation's turns in creation order.
	ListTurns(ctx context.Context, conversationID string) ([]*Turn, error)
}

// Store is the full persistence surface the orchestrator consumes.
type Store interface {
	SessionEventStore
	ConversationStore
	Close() error
}
