// Package client implements the client half of the Agent Client Protocol:
// a stateful session layer over the JSON-RPC connection to the agent
// subprocess.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/pkg/acp/jsonrpc"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

var (
	// ErrNotInitialized is returned when a session operation runs before
	// the initialize handshake.
	ErrNotInitialized = errors.New("acp: client not initialized")

	// ErrAlreadyInitialized is returned when initialize is called twice.
	ErrAlreadyInitialized = errors.New("acp: client already initialized")

	// ErrAlreadyPrompting is returned when a prompt is issued to a session
	// that has one in flight.
	ErrAlreadyPrompting = errors.New("acp: session already prompting")

	// ErrUnknownSession is returned for operations on a session id the
	// client has never seen.
	ErrUnknownSession = errors.New("acp: unknown session")
)

// SessionStatus is the prompt state of one ACP session.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "idle"
	StatusPrompting SessionStatus = "prompting"
	StatusCancelled SessionStatus = "cancelled"
)

// UpdateHandler receives session updates: forwarded session/update
// notifications plus the locally emitted copies of outgoing prompt blocks.
type UpdateHandler func(sessionID string, update protocol.SessionUpdate)

// HandlerFunc serves one inbound agent request. Returning a *jsonrpc.Error
// sends an error response; otherwise result is marshalled as the response.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error)

type sessionEntry struct {
	status SessionStatus
}

// Client is an ACP client bound to one agent subprocess. It owns the
// request/notification dispatch for the agent-facing half of the protocol
// and tracks per-session prompt state.
type Client struct {
	conn   *jsonrpc.Conn
	logger *logger.Logger

	mu          sync.Mutex
	initialized bool
	agentCaps   protocol.AgentCapabilities
	sessions    map[string]*sessionEntry

	handlersMu sync.RWMutex
	handlers   map[string]HandlerFunc

	updateMu sync.RWMutex
	onUpdate UpdateHandler
}

// New builds a client reading agent output from in and writing agent input
// to out. Call Start after mounting handlers.
func New(in io.Reader, out io.Writer, log *logger.Logger) *Client {
	c := &Client{
		conn:     jsonrpc.NewConn(in, out, log),
		logger:   log.WithComponent("acp-client"),
		sessions: make(map[string]*sessionEntry),
		handlers: make(map[string]HandlerFunc),
	}
	c.conn.SetRequestHandler(c.dispatchRequest)
	c.conn.SetNotificationHandler(c.dispatchNotification)
	return c
}

// Start begins processing inbound frames.
func (c *Client) Start() {
	c.conn.Start()
}

// Close shuts the underlying connection. Pending calls fail.
func (c *Client) Close() {
	c.conn.Close()
}

// SetCloseHandler installs a callback for when the connection ends.
func (c *Client) SetCloseHandler(h func(err error)) {
	c.conn.SetCloseHandler(h)
}

// OnUpdate installs the session update callback.
func (c *Client) OnUpdate(h UpdateHandler) {
	c.updateMu.Lock()
	c.onUpdate = h
	c.updateMu.Unlock()
}

// Handle mounts a handler for an inbound agent request method. Requests for
// methods with no handler are answered with method-not-found.
func (c *Client) Handle(method string, h HandlerFunc) {
	c.handlersMu.Lock()
	c.handlers[method] = h
	c.handlersMu.Unlock()
}

// Initialize performs the ACP handshake. It must run exactly once per
// client before any session operation.
func (c *Client) Initialize(ctx context.Context, info protocol.ClientInfo) (protocol.AgentCapabilities, error) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		return protocol.AgentCapabilities{}, ErrAlreadyInitialized
	}
	c.mu.Unlock()

	params := protocol.InitializeParams{
		ProtocolVersion: protocol.ProtocolVersion,
		ClientInfo:      info,
		Capabilities: protocol.ClientCapabilities{
			FS:       protocol.FileSystemCapability{ReadTextFile: true, WriteTextFile: true},
			Terminal: true,
		},
	}

	raw, err := c.conn.Call(ctx, protocol.MethodInitialize, params)
	if err != nil {
		return protocol.AgentCapabilities{}, fmt.Errorf("initialize failed: %w", err)
	}

	var result protocol.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return protocol.AgentCapabilities{}, fmt.Errorf("failed to decode initialize result: %w", err)
	}

	c.mu.Lock()
	c.initialized = true
	c.agentCaps = result.AgentCapabilities
	c.mu.Unlock()

	c.logger.Info("agent initialized",
		zap.Int("protocol_version", result.ProtocolVersion),
		zap.Bool("load_session", result.AgentCapabilities.LoadSession))
	return result.AgentCapabilities, nil
}

// AgentCapabilities returns the capabilities reported at initialize.
func (c *Client) AgentCapabilities() protocol.AgentCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agentCaps
}

// NewSession creates an ACP session on the agent and registers it idle.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	c.mu.Lock()
	ready := c.initialized
	c.mu.Unlock()
	if !ready {
		return "", ErrNotInitialized
	}

	params := protocol.SessionNewParams{Cwd: cwd, McpServers: []protocol.McpServer{}}
	raw, err := c.conn.Call(ctx, protocol.MethodSessionNew, params)
	if err != nil {
		return "", fmt.Errorf("session/new failed: %w", err)
	}

	var result protocol.SessionNewResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("failed to decode session/new result: %w", err)
	}
	if result.SessionID == "" {
		return "", fmt.Errorf("agent returned empty session id")
	}

	c.mu.Lock()
	c.sessions[result.SessionID] = &sessionEntry{status: StatusIdle}
	c.mu.Unlock()

	c.logger.Info("session created", zap.String("acp_session_id", result.SessionID))
	return result.SessionID, nil
}

// HasSession reports whether the client tracks the given session id.
func (c *Client) HasSession(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[sessionID]
	return ok
}

// SessionStatus returns the prompt state of a session.
func (c *Client) SessionStatus(sessionID string) (SessionStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}
	return entry.status, true
}

// Prompt sends a prompt turn. At most one prompt may be in flight per
// session. Before the wire send, each outgoing content block is re-emitted
// through the update callback tagged with its source (defaulting to
// "system"), so callers can persist the outgoing turn in stream order. The
// source tag is client-internal and never reaches the wire.
func (c *Client) Prompt(ctx context.Context, sessionID, source string, blocks []protocol.ContentBlock) (*protocol.PromptResult, error) {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	entry, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if entry.status == StatusPrompting {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyPrompting, sessionID)
	}
	entry.status = StatusPrompting
	c.mu.Unlock()

	if source == "" {
		source = "system"
	}

	wire := make([]protocol.ContentBlock, len(blocks))
	for i, block := range blocks {
		tagged := block
		tagged.Meta = &protocol.Meta{Source: source}
		c.emitUpdate(sessionID, protocol.SessionUpdate{
			Kind:    protocol.UpdateUserMessageChunk,
			Content: &tagged,
		})

		block.Meta = nil
		wire[i] = block
	}

	raw, err := c.conn.Call(ctx, protocol.MethodSessionPrompt, protocol.PromptParams{
		SessionID: sessionID,
		Prompt:    wire,
	})
	if err != nil {
		c.setStatus(sessionID, StatusIdle)
		return nil, fmt.Errorf("session/prompt failed: %w", err)
	}

	var result protocol.PromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		c.setStatus(sessionID, StatusIdle)
		return nil, fmt.Errorf("failed to decode session/prompt result: %w", err)
	}

	if result.StopReason == protocol.StopReasonCancelled {
		c.setStatus(sessionID, StatusCancelled)
	} else {
		c.setStatus(sessionID, StatusIdle)
	}
	return &result, nil
}

// Cancel requests cancellation of the in-flight prompt. Agents are not
// required to implement session/cancel; method-not-found is swallowed.
func (c *Client) Cancel(ctx context.Context, sessionID string) error {
	_, err := c.conn.Call(ctx, protocol.MethodSessionCancel,
		protocol.CancelParams{SessionID: sessionID},
		jsonrpc.SilentMethodNotFound())
	if err != nil {
		return fmt.Errorf("session/cancel failed: %w", err)
	}
	c.setStatus(sessionID, StatusCancelled)
	return nil
}

func (c *Client) setStatus(sessionID string, status SessionStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.sessions[sessionID]; ok {
		entry.status = status
	}
}

func (c *Client) emitUpdate(sessionID string, update protocol.SessionUpdate) {
	c.updateMu.RLock()
	handler := c.onUpdate
	c.updateMu.RUnlock()
	if handler != nil {
		handler(sessionID, update)
	}
}

func (c *Client) dispatchRequest(id json.RawMessage, method string, params json.RawMessage) {
	c.handlersMu.RLock()
	handler, ok := c.handlers[method]
	c.handlersMu.RUnlock()

	if !ok {
		c.logger.Warn("no handler for agent request", zap.String("method", method))
		_ = c.conn.SendError(id, &jsonrpc.Error{
			Code:    jsonrpc.MethodNotFound,
			Message: fmt.Sprintf("method not supported: %s", method),
		})
		return
	}

	// Handlers may block on process exits or file IO; keep the read loop
	// free so responses to our own calls still flow.
	go func() {
		result, rpcErr := handler(context.Background(), params)
		if rpcErr != nil {
			if err := c.conn.SendError(id, rpcErr); err != nil {
				c.logger.Warn("failed to send error response",
					zap.String("method", method), zap.Error(err))
			}
			return
		}
		if err := c.conn.SendResponse(id, result); err != nil {
			c.logger.Warn("failed to send response",
				zap.String("method", method), zap.Error(err))
		}
	}()
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	if method != protocol.NotificationSessionUpdate {
		c.logger.Debug("dropping notification", zap.String("method", method))
		return
	}

	var note protocol.SessionUpdateParams
	if err := json.Unmarshal(params, &note); err != nil {
		c.logger.Warn("malformed session/update", zap.Error(err))
		return
	}
	c.emitUpdate(note.SessionID, note.Update)
}
