// Package session maps platform messages to agent sessions: the router
// derives stable session keys, the manager creates, rotates, and recovers
// the ACP sessions behind them.
package session

import (
	"fmt"
	"sync"
)

// ErrUnknownAgent is returned when a message names an agent outside the
// configured set.
var ErrUnknownAgent = fmt.Errorf("session: unknown agent")

// PeerKind distinguishes direct messages from shared channels.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerChannel PeerKind = "channel"
)

// Router derives deterministic session keys and owns the in-memory table of
// live session states.
type Router struct {
	agents map[string]struct{}

	mu    sync.RWMutex
	table map[string]*State
}

// NewRouter creates a router accepting the given agent names.
func NewRouter(agentNames []string) *Router {
	agents := make(map[string]struct{}, len(agentNames))
	for _, name := range agentNames {
		agents[name] = struct{}{}
	}
	return &Router{
		agents: agents,
		table:  make(map[string]*State),
	}
}

// Resolve derives the session key for a message. Two messages with the same
// inputs always share a key.
func (r *Router) Resolve(agentName, platform string, peerKind PeerKind, peerID string) (string, error) {
	if _, ok := r.agents[agentName]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAgent, agentName)
	}
	return fmt.Sprintf("%s:%s:%s:%s", agentName, platform, peerKind, peerID), nil
}

// Get returns the live state for a key, if any.
func (r *Router) Get(key string) (*State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.table[key]
	return state, ok
}

// Put installs the live state for a key, replacing any previous one.
func (r *Router) Put(state *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table[state.SessionKey] = state
}

// Delete removes a key's live state.
func (r *Router) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.table, key)
}

// Clear drops all live states; used when the agent is torn down.
func (r *Router) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table = make(map[string]*State)
}

// Info is an immutable view of one live session for introspection.
type Info struct {
	SessionKey     string `json:"session_key"`
	ACPSessionID   string `json:"acp_session_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Usage          *Usage `json:"usage,omitempty"`
}

// Snapshot returns a view of the live table for introspection.
func (r *Router) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.table))
	for _, state := range r.table {
		out = append(out, Info{
			SessionKey:     state.SessionKey,
			ACPSessionID:   state.ACPSessionID,
			ConversationID: state.ConversationID,
			Usage:          state.ContextUsage(),
		})
	}
	return out
}
