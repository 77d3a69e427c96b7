package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/agent/terminal"
	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/events/bus"
	"github.com/kynetic/kynetic/pkg/acp/client"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

// Env vars reserved for the agent subprocess.
const (
	envAgentMarker = "KYNETIC_AGENT"
	envSessionID   = "KYNETIC_SESSION_ID"
)

// SpawnRequest carries per-spawn parameters.
type SpawnRequest struct {
	// SessionID, when set, is exported to the agent as KYNETIC_SESSION_ID.
	SessionID string

	// Env overrides every other env source for this spawn.
	Env map[string]string
}

// Manager supervises the single agent subprocess and its ACP client.
type Manager struct {
	cfg       config.AgentConfig
	logger    *logger.Logger
	bus       bus.EventBus
	terminals *terminal.Manager

	mu                  sync.Mutex
	state               State
	cmd                 *exec.Cmd
	acpClient           *client.Client
	generation          int
	consecutiveFailures int
	currentBackoff      time.Duration
	escalated           bool
	trackedSessionID    string
	lastRequest         SpawnRequest
	spawnWaiters        []chan error
	healthStop          chan struct{}
	exitOnce            map[int]*sync.Once

	stderrMu   sync.Mutex
	stderrSubs map[int]chan string
	stderrNext int
}

// NewManager creates a lifecycle manager in the idle state.
func NewManager(cfg config.AgentConfig, eventBus bus.EventBus, log *logger.Logger) *Manager {
	return &Manager{
		cfg:            cfg,
		logger:         log.WithComponent("agent-lifecycle"),
		bus:            eventBus,
		terminals:      terminal.NewManager(log),
		state:          StateIdle,
		currentBackoff: cfg.BackoffInitial(),
		exitOnce:       make(map[int]*sync.Once),
		stderrSubs:     make(map[int]chan string),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Client returns the ACP client, or nil when the agent is not up.
func (m *Manager) Client() *client.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acpClient
}

// CurrentBackoff returns the backoff the next respawn would wait.
func (m *Manager) CurrentBackoff() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBackoff
}

// TrackSession names the ACP session the health loop verifies the client
// still knows.
func (m *Manager) TrackSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackedSessionID = sessionID
}

// SubscribeStderr returns a channel of agent stderr lines and a cancel
// function. Slow subscribers drop lines rather than stalling the agent.
func (m *Manager) SubscribeStderr() (<-chan string, func()) {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()

	id := m.stderrNext
	m.stderrNext++
	ch := make(chan string, 64)
	m.stderrSubs[id] = ch

	cancel := func() {
		m.stderrMu.Lock()
		defer m.stderrMu.Unlock()
		if _, ok := m.stderrSubs[id]; ok {
			delete(m.stderrSubs, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (m *Manager) broadcastStderr(line string) {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	for _, ch := range m.stderrSubs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Spawn starts the agent. While a spawn is in progress, concurrent calls
// queue in order and resolve with that spawn's outcome. From any state
// other than idle, failed, or unhealthy the call fails.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) error {
	m.mu.Lock()
	if m.state == StateSpawning {
		waiter := make(chan error, 1)
		m.spawnWaiters = append(m.spawnWaiters, waiter)
		m.mu.Unlock()

		select {
		case err := <-waiter:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if !m.state.canSpawn() {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot spawn agent from state %s", state)
	}
	m.state = StateSpawning
	m.lastRequest = req
	m.mu.Unlock()

	err := m.performSpawn(ctx, req)

	m.mu.Lock()
	waiters := m.spawnWaiters
	m.spawnWaiters = nil
	m.mu.Unlock()
	for _, waiter := range waiters {
		waiter <- err
	}
	return err
}

// performSpawn runs one spawn attempt end to end.
func (m *Manager) performSpawn(ctx context.Context, req SpawnRequest) error {
	log := m.logger

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.Cwd
	cmd.Env = m.mergeEnv(req)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return m.failSpawn(fmt.Errorf("failed to open agent stdin: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return m.failSpawn(fmt.Errorf("failed to open agent stdout: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return m.failSpawn(fmt.Errorf("failed to open agent stderr: %w", err))
	}

	if err := cmd.Start(); err != nil {
		return m.failSpawn(fmt.Errorf("failed to start agent: %w", err))
	}
	log.Info("agent starting",
		zap.String("command", m.cfg.Command),
		zap.Int("pid", cmd.Process.Pid))

	acpClient := client.New(stdout, stdin, m.logger)
	m.mountHandlers(acpClient)
	acpClient.Start()

	m.mu.Lock()
	m.generation++
	generation := m.generation
	m.cmd = cmd
	m.acpClient = acpClient
	m.exitOnce[generation] = &sync.Once{}
	m.mu.Unlock()

	go m.pumpStderr(stderr)

	exitCh := make(chan error, 1)
	go func() {
		waitErr := cmd.Wait()
		exitCh <- waitErr
		m.onExit(generation, waitErr)
	}()

	// Race initialize against early exit.
	initCtx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout())
	defer cancel()

	initDone := make(chan error, 1)
	go func() {
		_, initErr := acpClient.Initialize(initCtx, protocol.ClientInfo{
			Name:    m.cfg.Name,
			Version: "1.0",
		})
		initDone <- initErr
	}()

	select {
	case err := <-initDone:
		if err != nil {
			m.killProcess(cmd)
			acpClient.Close()
			return m.failSpawn(fmt.Errorf("agent initialize failed: %w", err))
		}
	case waitErr := <-exitCh:
		acpClient.Close()
		return m.failSpawn(fmt.Errorf("agent exited during spawn: %v", waitErr))
	}

	m.mu.Lock()
	m.state = StateHealthy
	m.consecutiveFailures = 0
	m.currentBackoff = m.cfg.BackoffInitial()
	m.escalated = false
	m.healthStop = make(chan struct{})
	healthStop := m.healthStop
	m.mu.Unlock()

	go m.healthLoop(healthStop)

	m.publish(ctx, events.AgentSpawned, map[string]any{
		"pid":        cmd.Process.Pid,
		"session_id": req.SessionID,
	})
	log.Info("agent healthy", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// failSpawn records a failed attempt: failed state, backoff growth.
func (m *Manager) failSpawn(err error) error {
	m.mu.Lock()
	m.state = StateFailed
	m.cmd = nil
	m.acpClient = nil
	backoff := time.Duration(float64(m.currentBackoff) * m.cfg.BackoffMultiplier)
	if backoff > m.cfg.BackoffMax() {
		backoff = m.cfg.BackoffMax()
	}
	m.currentBackoff = backoff
	m.mu.Unlock()

	m.logger.Error("agent spawn failed", zap.Error(err), zap.Duration("next_backoff", backoff))
	m.publish(context.Background(), events.AgentExited, map[string]any{
		"error": err.Error(),
	})
	return err
}

// mergeEnv builds the child env: process env, then the reserved markers,
// then configured env, then per-request overrides.
func (m *Manager) mergeEnv(req SpawnRequest) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	merged[envAgentMarker] = "true"
	if req.SessionID != "" {
		merged[envSessionID] = req.SessionID
	}
	for name, value := range m.cfg.Env {
		merged[name] = value
	}
	for name, value := range req.Env {
		merged[name] = value
	}

	out := make([]string, 0, len(merged))
	for name, value := range merged {
		out = append(out, name+"="+value)
	}
	return out
}

// pumpStderr logs agent stderr and feeds subscribers (context-usage
// tracking reads the agent's reports from here).
func (m *Manager) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		m.logger.Debug("agent stderr", zap.String("line", line))
		m.broadcastStderr(line)
	}
}

// onExit handles the process ending, expected or not.
func (m *Manager) onExit(generation int, waitErr error) {
	m.mu.Lock()
	once, ok := m.exitOnce[generation]
	if !ok || generation != m.generation {
		m.mu.Unlock()
		return
	}
	delete(m.exitOnce, generation)
	state := m.state
	m.mu.Unlock()

	once.Do(func() {
		m.publish(context.Background(), events.AgentExited, map[string]any{
			"expected": !state.running(),
			"error":    errString(waitErr),
		})

		if !state.running() {
			// Stop/kill path; shutdown owns the cleanup.
			return
		}

		m.logger.Warn("agent exited unexpectedly", zap.Error(waitErr))
		m.mu.Lock()
		m.state = StateUnhealthy
		if m.acpClient != nil {
			m.acpClient.Close()
			m.acpClient = nil
		}
		m.stopHealthLocked()
		m.mu.Unlock()

		m.scheduleRespawn()
	})
}

// scheduleRespawn waits the current backoff, then attempts a spawn;
// escalates instead once the backoff cap is exhausted.
func (m *Manager) scheduleRespawn() {
	m.mu.Lock()
	if m.escalated {
		m.mu.Unlock()
		return
	}
	backoff := m.currentBackoff
	req := m.lastRequest
	m.mu.Unlock()

	go func() {
		m.logger.Info("respawning agent", zap.Duration("backoff", backoff))
		time.Sleep(backoff)

		if err := m.Spawn(context.Background(), req); err != nil {
			m.mu.Lock()
			atCap := m.currentBackoff >= m.cfg.BackoffMax()
			if atCap {
				m.escalated = true
			}
			m.mu.Unlock()

			if atCap {
				m.logger.Error("respawn failed at backoff cap, escalating", zap.Error(err))
				m.publish(context.Background(), events.Escalation, map[string]any{
					"reason":  "agent respawn exhausted backoff",
					"error":   err.Error(),
					"backoff": m.cfg.BackoffMax().String(),
				})
				return
			}
			m.scheduleRespawn()
		}
	}()
}

// healthLoop verifies the agent every interval until stopped.
func (m *Manager) healthLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.checkHealth()
		}
	}
}

// checkHealth runs one probe: process alive, client present, tracked
// session still known.
func (m *Manager) checkHealth() {
	m.mu.Lock()
	if !m.state.running() {
		m.mu.Unlock()
		return
	}
	cmd := m.cmd
	acpClient := m.acpClient
	tracked := m.trackedSessionID
	m.mu.Unlock()

	healthy := cmd != nil && cmd.Process != nil &&
		cmd.Process.Signal(syscall.Signal(0)) == nil &&
		acpClient != nil &&
		(tracked == "" || acpClient.HasSession(tracked))

	if healthy {
		recovered, ok := m.markHealthy()
		if !ok {
			return
		}
		if recovered {
			m.logger.Info("agent recovered")
		}
		m.publish(context.Background(), events.AgentHealth, map[string]any{
			"healthy":   true,
			"recovered": recovered,
		})
		return
	}

	m.mu.Lock()
	if !m.state.running() {
		m.mu.Unlock()
		return
	}
	m.consecutiveFailures++
	failures := m.consecutiveFailures
	threshold := failures >= m.cfg.FailureThreshold
	if threshold {
		m.state = StateUnhealthy
	}
	m.mu.Unlock()

	m.logger.Warn("agent health check failed", zap.Int("consecutive", failures))
	m.publish(context.Background(), events.AgentHealth, map[string]any{
		"healthy":  false,
		"failures": failures,
	})

	if !threshold {
		return
	}

	m.mu.Lock()
	m.stopHealthLocked()
	cmd = m.cmd
	if m.acpClient != nil {
		m.acpClient.Close()
		m.acpClient = nil
	}
	m.mu.Unlock()

	// Killing the process trips the exit observer, which owns the
	// backoff-respawn.
	m.killProcess(cmd)
}

// markHealthy records a passing probe. It refuses to resurrect a manager
// that left the running states while the probe ran.
func (m *Manager) markHealthy() (recovered, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.running() {
		return false, false
	}
	recovered = m.state == StateUnhealthy
	m.state = StateHealthy
	m.consecutiveFailures = 0
	return recovered, true
}

// Stop shuts the agent down gracefully: SIGTERM, then SIGKILL after the
// shutdown timeout.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateSpawning {
		m.mu.Unlock()
		// Give the spawn a moment to settle, then force matters.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if m.State() != StateSpawning {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
		if m.State() == StateSpawning {
			return m.Kill()
		}
		m.mu.Lock()
	}
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateStopping
	m.stopHealthLocked()
	cmd := m.cmd
	acpClient := m.acpClient
	m.acpClient = nil
	m.mu.Unlock()

	if acpClient != nil {
		acpClient.Close()
	}

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)

		exited := make(chan struct{})
		go func() {
			for cmd.Process.Signal(syscall.Signal(0)) == nil {
				time.Sleep(50 * time.Millisecond)
			}
			close(exited)
		}()

		select {
		case <-exited:
		case <-time.After(m.cfg.ShutdownTimeout()):
			m.logger.Warn("agent ignored SIGTERM, killing")
			m.killProcess(cmd)
		case <-ctx.Done():
			m.killProcess(cmd)
		}
	}

	m.cleanup()
	m.logger.Info("agent stopped")
	m.publish(context.Background(), events.AgentStopped, nil)
	return nil
}

// Kill tears the agent down immediately.
func (m *Manager) Kill() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.state = StateTerminating
	m.stopHealthLocked()
	cmd := m.cmd
	acpClient := m.acpClient
	m.acpClient = nil
	m.mu.Unlock()

	if acpClient != nil {
		acpClient.Close()
	}
	m.killProcess(cmd)

	m.cleanup()
	m.logger.Info("agent killed")
	m.publish(context.Background(), events.AgentStopped, nil)
	return nil
}

// cleanup releases per-spawn resources and returns to idle.
func (m *Manager) cleanup() {
	m.terminals.ReleaseAll()

	m.mu.Lock()
	m.cmd = nil
	m.trackedSessionID = ""
	m.state = StateIdle
	m.mu.Unlock()
}

func (m *Manager) stopHealthLocked() {
	if m.healthStop != nil {
		close(m.healthStop)
		m.healthStop = nil
	}
}

func (m *Manager) killProcess(cmd *exec.Cmd) {
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}

func (m *Manager) publish(ctx context.Context, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "agent-lifecycle", data)
	if err := m.bus.Publish(ctx, eventType, event); err != nil {
		m.logger.Warn("failed to publish lifecycle event",
			zap.String("type", eventType), zap.Error(err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
