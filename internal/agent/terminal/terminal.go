// Package terminal runs shell commands on the agent's behalf, capturing
// their merged output in bounded in-memory buffers.
package terminal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
)

// DefaultMaxOutput bounds a terminal's accumulated output.
const DefaultMaxOutput = 1 << 20 // 1 MiB

// ExitStatus describes how a terminal command ended.
type ExitStatus struct {
	ExitCode *int
	Signal   *string
}

// Session is one running (or finished) terminal command. Output is merged
// stdout+stderr; once the byte cap is reached the truncated flag is set and
// further output is dropped.
type Session struct {
	ID string

	cmd  *exec.Cmd
	done chan struct{}

	mu        sync.Mutex
	buf       []byte
	written   int
	maxOutput int
	truncated bool
	exited    bool
	exit      ExitStatus
}

// Write accumulates command output up to the cap.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.truncated {
		room := s.maxOutput - s.written
		if room > len(p) {
			room = len(p)
		}
		if room > 0 {
			s.buf = append(s.buf, p[:room]...)
			s.written += room
		}
		if s.written >= s.maxOutput {
			s.truncated = true
		}
	}
	// The writer never errors; dropping is the bound's contract.
	return len(p), nil
}

// Drain returns the output accumulated since the last call and clears it.
func (s *Session) Drain() (output string, truncated bool, exit *ExitStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	output = string(s.buf)
	s.buf = nil
	truncated = s.truncated
	if s.exited {
		copied := s.exit
		exit = &copied
	}
	return output, truncated, exit
}

// WaitExit blocks until the command exits or the context ends.
func (s *Session) WaitExit(ctx context.Context) (ExitStatus, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.exit, nil
	case <-ctx.Done():
		return ExitStatus{}, ctx.Err()
	}
}

// Kill SIGKILLs the command and waits for it to exit.
func (s *Session) Kill() ExitStatus {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()

	if !exited && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// Exited reports whether the command has finished.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Manager tracks the terminal sessions the agent currently holds handles to.
type Manager struct {
	logger *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates an empty terminal manager.
func NewManager(log *logger.Logger) *Manager {
	return &Manager{
		logger:   log.WithComponent("terminal"),
		sessions: make(map[string]*Session),
	}
}

// Create starts a command with the process env plus extraEnv, wiring both
// output streams into the session buffer. maxOutput of zero falls back to
// the 1 MiB default.
func (m *Manager) Create(command string, args []string, extraEnv map[string]string, cwd string, maxOutput int) (*Session, error) {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}

	session := &Session{
		ID:        uuid.New().String(),
		done:      make(chan struct{}),
		maxOutput: maxOutput,
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = cwd
	cmd.Env = os.Environ()
	for name, value := range extraEnv {
		cmd.Env = append(cmd.Env, name+"="+value)
	}
	cmd.Stdout = session
	cmd.Stderr = session
	session.cmd = cmd

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start terminal command: %w", err)
	}

	go m.reap(session)

	m.mu.Lock()
	m.sessions[session.ID] = session
	m.mu.Unlock()

	m.logger.Debug("terminal created",
		zap.String("terminal_id", session.ID),
		zap.String("command", command))
	return session, nil
}

// reap waits for the command and records its exit status.
func (m *Manager) reap(session *Session) {
	err := session.cmd.Wait()

	var exit ExitStatus
	state := session.cmd.ProcessState
	if state != nil {
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal().String()
			exit.Signal = &sig
		} else {
			code := state.ExitCode()
			exit.ExitCode = &code
		}
	} else if err != nil {
		code := -1
		exit.ExitCode = &code
	}

	session.mu.Lock()
	session.exited = true
	session.exit = exit
	session.mu.Unlock()
	close(session.done)
}

// Get returns a tracked session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	return session, ok
}

// Release kills the session if still alive and drops the tracking entry.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok && !session.Exited() {
		session.Kill()
	}
}

// ReleaseAll tears down every tracked session; used on agent teardown.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, session := range sessions {
		if !session.Exited() {
			session.Kill()
		}
	}
}
