package orchestrator

import (
	"context"

	"github.com/kynetic/kynetic/internal/agent/lifecycle"
	"github.com/kynetic/kynetic/pkg/acp/client"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

// ACPClient is the slice of the ACP client the orchestrator drives.
type ACPClient interface {
	NewSession(ctx context.Context, cwd string) (string, error)
	Prompt(ctx context.Context, sessionID, source string, blocks []protocol.ContentBlock) (*protocol.PromptResult, error)
	Cancel(ctx context.Context, sessionID string) error
	OnUpdate(h client.UpdateHandler)
}

// AgentRuntime is the slice of the agent lifecycle the orchestrator drives.
type AgentRuntime interface {
	Spawn(ctx context.Context, sessionID string) error
	Stop(ctx context.Context) error
	State() lifecycle.State
	Client() ACPClient
	TrackSession(id string)
}

type lifecycleRuntime struct {
	manager *lifecycle.Manager
}

// NewLifecycleRuntime adapts the agent lifecycle manager to the runtime
// contract.
func NewLifecycleRuntime(manager *lifecycle.Manager) AgentRuntime {
	return &lifecycleRuntime{manager: manager}
}

func (r *lifecycleRuntime) Spawn(ctx context.Context, sessionID string) error {
	return r.manager.Spawn(ctx, lifecycle.SpawnRequest{SessionID: sessionID})
}

func (r *lifecycleRuntime) Stop(ctx context.Context) error { return r.manager.Stop(ctx) }

func (r *lifecycleRuntime) State() lifecycle.State { return r.manager.State() }

func (r *lifecycleRuntime) Client() ACPClient {
	if c := r.manager.Client(); c != nil {
		return c
	}
	return nil
}

func (r *lifecycleRuntime) TrackSession(id string) { r.manager.TrackSession(id) }
