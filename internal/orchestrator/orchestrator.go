// Package orchestrator wires the platform channel, the agent runtime, the
// session layer, and persistence into one message pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/checkpoint"
	"github.com/kynetic/kynetic/internal/common/config"
	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/internal/events"
	"github.com/kynetic/kynetic/internal/events/bus"
	"github.com/kynetic/kynetic/internal/identity"
	"github.com/kynetic/kynetic/internal/platform"
	"github.com/kynetic/kynetic/internal/session"
	"github.com/kynetic/kynetic/internal/storage"
	"github.com/kynetic/kynetic/internal/supervisor"
)

// State is the orchestrator lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	drainPollInterval      = 100 * time.Millisecond
)

// ErrNotRunning is returned for messages arriving outside the running state.
var ErrNotRunning = errors.New("orchestrator is not running")

// Supervisor requests process restarts; satisfied by supervisor.Client.
type Supervisor interface {
	Supervised() bool
	RequestRestart(ctx context.Context, reason string) error
}

// Config tunes the orchestrator.
type Config struct {
	// AgentName names the single configured agent, used in session keys.
	AgentName string

	// BaseDir holds identity.yaml and the checkpoint file.
	BaseDir string

	// ShutdownTimeout bounds the in-flight drain during Stop. Zero falls
	// back to 10 seconds.
	ShutdownTimeout time.Duration

	Streaming config.StreamingConfig
	Discord   config.DiscordConfig
}

// RestartRequest asks the supervisor for a planned restart.
type RestartRequest struct {
	Reason      string
	WakePrompt  string
	PendingWork string
}

// Orchestrator owns the message pipeline and the process lifecycle around
// it.
type Orchestrator struct {
	cfg      Config
	logger   *logger.Logger
	bus      bus.EventBus
	runtime  AgentRuntime
	router   *session.Router
	sessions *session.Manager
	store    storage.Store
	restorer *restorer
	channel  platform.Channel

	checkpoints *checkpoint.Store
	supervisor  Supervisor
	tracker     *session.UsageTracker

	identityPrompt string

	mu             sync.Mutex
	state          State
	wake           *checkpoint.Checkpoint
	lastChannel    string
	stopCh         chan struct{}
	attachedClient ACPClient

	inFlight atomic.Int64

	sinksMu sync.Mutex
	sinks   map[string]updateSink

	promptLocksMu sync.Mutex
	promptLocks   map[string]*sync.Mutex
}

// Deps carries the orchestrator's collaborators.
type Deps struct {
	Bus         bus.EventBus
	Runtime     AgentRuntime
	Router      *session.Router
	Sessions    *session.Manager
	Store       storage.Store
	Channel     platform.Channel
	Checkpoints *checkpoint.Store
	Supervisor  Supervisor
	Tracker     *session.UsageTracker
	Logger      *logger.Logger
}

// New builds an orchestrator. Supervisor and Tracker may be nil.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Orchestrator{
		cfg:         cfg,
		logger:      deps.Logger.WithComponent("orchestrator"),
		bus:         deps.Bus,
		runtime:     deps.Runtime,
		router:      deps.Router,
		sessions:    deps.Sessions,
		store:       deps.Store,
		restorer:    newRestorer(deps.Store, deps.Store, deps.Logger),
		channel:     deps.Channel,
		checkpoints: deps.Checkpoints,
		supervisor:  deps.Supervisor,
		tracker:     deps.Tracker,
		state:       StateIdle,
		sinks:       make(map[string]updateSink),
		promptLocks: make(map[string]*sync.Mutex),
	}
}

// State returns the orchestrator lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// InFlight reports how many messages are currently being processed.
func (o *Orchestrator) InFlight() int64 {
	return o.inFlight.Load()
}

// Sessions returns the live session table for introspection.
func (o *Orchestrator) Sessions() []session.Info {
	return o.router.Snapshot()
}

// AgentState reports the agent runtime state for health endpoints.
func (o *Orchestrator) AgentState() string {
	return string(o.runtime.State())
}

// Start loads the identity prompt and any checkpoint, spawns the agent,
// connects the channel, and begins consuming messages.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.mu.Unlock()
		return fmt.Errorf("cannot start from state %s", state)
	}
	o.state = StateStarting
	o.stopCh = make(chan struct{})
	o.mu.Unlock()

	identityPath := filepath.Join(o.cfg.BaseDir, "identity.yaml")
	o.identityPrompt = identity.LoadPrompt(identityPath, o.logger)

	wake, err := o.checkpoints.Load()
	if err != nil {
		o.logger.Warn("failed to load checkpoint", zap.Error(err))
	}
	o.mu.Lock()
	o.wake = wake
	o.mu.Unlock()

	if err := o.runtime.Spawn(ctx, ""); err != nil {
		o.setState(StateIdle)
		return fmt.Errorf("failed to spawn agent: %w", err)
	}

	if err := o.channel.Start(ctx); err != nil {
		_ = o.runtime.Stop(ctx)
		o.setState(StateIdle)
		return fmt.Errorf("failed to start channel: %w", err)
	}

	go o.consumeLoop()
	o.setState(StateRunning)
	o.logger.Info("orchestrator running", zap.String("agent", o.cfg.AgentName))
	return nil
}

// Stop drains in-flight messages, tears down the channel, the sessions,
// the agent, and the store.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateRunning && o.state != StateStarting {
		o.mu.Unlock()
		return nil
	}
	o.state = StateStopping
	close(o.stopCh)
	o.mu.Unlock()

	if err := o.channel.Stop(ctx); err != nil {
		o.logger.Warn("channel stop failed", zap.Error(err))
	}

	o.drainInFlight()

	o.router.Clear()

	if err := o.runtime.Stop(ctx); err != nil {
		o.logger.Warn("agent stop failed", zap.Error(err))
	}
	if err := o.store.Close(); err != nil {
		o.logger.Warn("store close failed", zap.Error(err))
	}

	o.setState(StateStopped)
	o.logger.Info("orchestrator stopped")
	return nil
}

// drainInFlight polls the in-flight counter until it reaches zero or the
// shutdown timeout passes.
func (o *Orchestrator) drainInFlight() {
	deadline := time.Now().Add(o.cfg.ShutdownTimeout)
	for o.inFlight.Load() > 0 {
		if time.Now().After(deadline) {
			o.logger.Warn("shutdown timeout exceeded with messages in flight",
				zap.Int64("in_flight", o.inFlight.Load()))
			return
		}
		time.Sleep(drainPollInterval)
	}
}

// RequestRestart writes a checkpoint for the first active session, signals
// the supervisor, and stops. A checkpoint already written is removed when
// any later step fails.
func (o *Orchestrator) RequestRestart(ctx context.Context, req RestartRequest) error {
	if o.supervisor == nil || !o.supervisor.Supervised() {
		return supervisor.ErrNotSupervised
	}

	wrote := false
	if req.WakePrompt != "" {
		sessionID := o.firstActiveSession()
		if sessionID != "" {
			cp := &checkpoint.Checkpoint{
				SessionID:     sessionID,
				RestartReason: req.Reason,
				WakeContext: checkpoint.WakeContext{
					Prompt:      req.WakePrompt,
					PendingWork: req.PendingWork,
				},
			}
			if err := o.checkpoints.Write(cp); err != nil {
				return fmt.Errorf("failed to write checkpoint: %w", err)
			}
			wrote = true
		}
	}

	if err := o.supervisor.RequestRestart(ctx, req.Reason); err != nil {
		if wrote {
			if deleteErr := o.checkpoints.Delete(); deleteErr != nil {
				o.logger.Warn("failed to remove checkpoint", zap.Error(deleteErr))
			}
		}
		return fmt.Errorf("supervisor restart failed: %w", err)
	}

	return o.Stop(ctx)
}

func (o *Orchestrator) firstActiveSession() string {
	for _, info := range o.router.Snapshot() {
		if info.ACPSessionID != "" {
			return info.ACPSessionID
		}
	}
	return ""
}

func (o *Orchestrator) consumeLoop() {
	for {
		select {
		case <-o.stopCh:
			return
		case msg, ok := <-o.channel.Messages():
			if !ok {
				return
			}
			go func(msg platform.NormalizedMessage) {
				if err := o.HandleMessage(context.Background(), msg); err != nil {
					o.logger.Error("message processing failed",
						zap.String("message_id", msg.ID), zap.Error(err))
				}
			}(msg)
		}
	}
}

func (o *Orchestrator) setState(state State) {
	o.mu.Lock()
	o.state = state
	o.mu.Unlock()
}

func (o *Orchestrator) publish(subject string, data map[string]any) {
	if o.bus == nil {
		return
	}
	event := bus.NewEvent(subject, "orchestrator", data)
	if err := o.bus.Publish(context.Background(), subject, event); err != nil {
		o.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

func (o *Orchestrator) publishSessionScoped(eventType, sessionID string, data map[string]any) {
	if o.bus == nil {
		return
	}
	subject := events.BuildSessionSubject(eventType, sessionID)
	event := bus.NewEvent(eventType, "orchestrator", data)
	if err := o.bus.Publish(context.Background(), subject, event); err != nil {
		o.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
