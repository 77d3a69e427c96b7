package session

import (
	"sync"
	"time"
)

// Usage is the agent's last reported context-window usage for a session.
type Usage struct {
	Percentage float64   `json:"percentage"`
	ModelID    string    `json:"model_id,omitempty"`
	SampledAt  time.Time `json:"sampled_at"`
}

// State is the orchestrator-side record of one live agent session.
type State struct {
	SessionKey     string `json:"session_key"`
	ACPSessionID   string `json:"acp_session_id"`
	ConversationID string `json:"conversation_id,omitempty"`

	mu    sync.RWMutex
	usage *Usage
}

// NewState creates a live session record.
func NewState(sessionKey, acpSessionID, conversationID string) *State {
	return &State{
		SessionKey:     sessionKey,
		ACPSessionID:   acpSessionID,
		ConversationID: conversationID,
	}
}

// ContextUsage returns the last usage sample, if any.
func (s *State) ContextUsage() *Usage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.usage == nil {
		return nil
	}
	copied := *s.usage
	return &copied
}

// SetContextUsage records a usage sample.
func (s *State) SetContextUsage(usage Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = &usage
}
