package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/storage"
)

// SessionCreator creates ACP sessions; satisfied by the ACP client.
type SessionCreator interface {
	NewSession(ctx context.Context, cwd string) (string, error)
}

// GetResult reports what GetOrCreate did for a key.
type GetResult struct {
	State *State

	// IsNew: fresh session with no prior conversation; the caller binds
	// the conversation id after creating one.
	IsNew bool

	// WasRotated: the key had a live session whose context usage crossed
	// the rotation threshold; State holds a fresh ACP session.
	WasRotated bool

	// WasRecovered: no live session, but a recent conversation exists;
	// State carries its conversation id for a restoration prompt.
	WasRecovered bool
}

// ManagerConfig tunes rotation and recovery.
type ManagerConfig struct {
	// RotationThreshold is the context-usage fraction that forces a fresh
	// session. Zero falls back to 0.70.
	RotationThreshold float64

	// RecencyWindow is how recent a stored conversation must be to count
	// as recoverable. Zero falls back to 30 minutes.
	RecencyWindow time.Duration

	// Cwd is the working directory for new ACP sessions.
	Cwd string
}

// Manager decides, per session key and under that key's lock, whether to
// reuse, rotate, or recover a session.
type Manager struct {
	router        *Router
	conversations storage.ConversationStore
	cfg           ManagerConfig
	logger        *logger.Logger

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewManager creates a session manager over the router's live table.
func NewManager(router *Router, conversations storage.ConversationStore, cfg ManagerConfig, log *logger.Logger) *Manager {
	if cfg.RotationThreshold <= 0 {
		cfg.RotationThreshold = 0.70
	}
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = 30 * time.Minute
	}
	return &Manager{
		router:        router,
		conversations: conversations,
		cfg:           cfg,
		logger:        log.WithComponent("session-manager"),
		locks:         make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex for a session key, creating it on first use.
func (m *Manager) keyLock(key string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// GetOrCreate returns the session to use for a key, creating, rotating, or
// recovering as needed. All transitions for one key are serialized.
func (m *Manager) GetOrCreate(ctx context.Context, key string, client SessionCreator) (*GetResult, error) {
	lock := m.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	log := m.logger.WithSessionKey(key)

	if state, ok := m.router.Get(key); ok {
		usage := state.ContextUsage()
		if usage == nil || usage.Percentage < m.cfg.RotationThreshold {
			return &GetResult{State: state}, nil
		}

		// Rotate: the old ACP session is simply forgotten; the agent
		// reclaims it when idle.
		acpSessionID, err := client.NewSession(ctx, m.cfg.Cwd)
		if err != nil {
			return nil, fmt.Errorf("failed to rotate session: %w", err)
		}
		rotated := NewState(key, acpSessionID, state.ConversationID)
		m.router.Put(rotated)
		log.Info("session rotated",
			zap.Float64("usage", usage.Percentage),
			zap.String("acp_session_id", acpSessionID))
		return &GetResult{State: rotated, WasRotated: true}, nil
	}

	conv, err := m.conversations.GetConversationBySessionKey(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up conversation: %w", err)
	}

	acpSessionID, err := client.NewSession(ctx, m.cfg.Cwd)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	if conv != nil && time.Since(conv.UpdatedAt) <= m.cfg.RecencyWindow {
		state := NewState(key, acpSessionID, conv.ID)
		m.router.Put(state)
		log.Info("session recovered",
			zap.String("conversation_id", conv.ID),
			zap.String("acp_session_id", acpSessionID))
		return &GetResult{State: state, WasRecovered: true}, nil
	}

	state := NewState(key, acpSessionID, "")
	m.router.Put(state)
	log.Info("session created", zap.String("acp_session_id", acpSessionID))
	return &GetResult{State: state, IsNew: true}, nil
}
