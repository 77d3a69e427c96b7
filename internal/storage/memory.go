package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // id -> conversation
	byKey         map[string]string        // session key -> conversation id
	turns         map[string][]*Turn       // conversation id -> turns
	events        map[string][]*Event      // session id -> events
	seqs          map[string]int64         // session id -> last seq
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		byKey:         make(map[string]string),
		turns:         make(map[string][]*Turn),
		events:        make(map[string][]*Event),
		seqs:          make(map[string]int64),
	}
}

// AppendEvent assigns the next per-session seq and stores the event.
func (s *MemoryStore) AppendEvent(ctx context.Context, event *Event) (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.seqs[event.SessionID] + 1
	s.seqs[event.SessionID] = seq

	stored := *event
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.Seq = seq
	stored.Timestamp = time.Now().UTC()

	s.events[event.SessionID] = append(s.events[event.SessionID], &stored)

	event.ID = stored.ID
	event.Seq = seq
	event.Timestamp = stored.Timestamp
	return stored.Timestamp, seq, nil
}

// ListEvents returns events in the closed seq range, in order.
func (s *MemoryStore) ListEvents(ctx context.Context, sessionID string, fromSeq, toSeq int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, event := range s.events[sessionID] {
		if event.Seq >= fromSeq && event.Seq <= toSeq {
			copied := *event
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// GetOrCreateConversation returns the conversation for the key, creating it
// if absent.
func (s *MemoryStore) GetOrCreateConversation(ctx context.Context, sessionKey, agentName string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[sessionKey]; ok {
		copied := *s.conversations[id]
		return &copied, nil
	}

	now := time.Now().UTC()
	conv := &Conversation{
		ID:         uuid.New().String(),
		SessionKey: sessionKey,
		AgentName:  agentName,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.conversations[conv.ID] = conv
	s.byKey[sessionKey] = conv.ID

	copied := *conv
	return &copied, nil
}

// GetConversationBySessionKey returns ErrNotFound when the key is unknown.
func (s *MemoryStore) GetConversationBySessionKey(ctx context.Context, sessionKey string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[sessionKey]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *s.conversations[id]
	return &copied, nil
}

// AppendTurn stores a turn and touches the conversation.
func (s *MemoryStore) AppendTurn(ctx context.Context, turn *Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[turn.ConversationID]
	if !ok {
		return ErrNotFound
	}

	stored := *turn
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	stored.CreatedAt = time.Now().UTC()
	s.turns[turn.ConversationID] = append(s.turns[turn.ConversationID], &stored)

	conv.UpdatedAt = stored.CreatedAt
	turn.ID = stored.ID
	turn.CreatedAt = stored.CreatedAt
	return nil
}

// ListTurns returns the conversation's turns in creation order.
func (s *MemoryStore) ListTurns(ctx context.Context, conversationID string) ([]*Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Turn
	for _, turn := range s.turns[conversationID] {
		copied := *turn
		out = append(out, &copied)
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
