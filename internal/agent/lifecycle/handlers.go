package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/kynetic/kynetic/pkg/acp/client"
	"github.com/kynetic/kynetic/pkg/acp/jsonrpc"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

// mountHandlers installs the agent-facing request handlers: file access,
// permission prompts, and terminal sessions.
func (m *Manager) mountHandlers(c *client.Client) {
	c.Handle(protocol.MethodReadTextFile, m.handleReadTextFile)
	c.Handle(protocol.MethodWriteTextFile, m.handleWriteTextFile)
	c.Handle(protocol.MethodRequestPermission, m.handleRequestPermission)
	c.Handle(protocol.MethodTerminalCreate, m.handleTerminalCreate)
	c.Handle(protocol.MethodTerminalOutput, m.handleTerminalOutput)
	c.Handle(protocol.MethodTerminalWaitExit, m.handleTerminalWaitExit)
	c.Handle(protocol.MethodTerminalKill, m.handleTerminalKill)
	c.Handle(protocol.MethodTerminalRelease, m.handleTerminalRelease)
}

func invalidParams(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: err.Error()}
}

func internalError(err error) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: err.Error()}
}

func (m *Manager) handleReadTextFile(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.ReadTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	data, err := os.ReadFile(p.Path)
	if err != nil {
		return nil, internalError(err)
	}
	content := string(data)

	// Optional line/limit slicing; line is 1-based.
	if p.Line != nil || p.Limit != nil {
		lines := strings.Split(content, "\n")
		start := 0
		if p.Line != nil && *p.Line > 0 {
			start = *p.Line - 1
		}
		if start > len(lines) {
			start = len(lines)
		}
		end := len(lines)
		if p.Limit != nil && *p.Limit >= 0 && start+*p.Limit < end {
			end = start + *p.Limit
		}
		content = strings.Join(lines[start:end], "\n")
	}

	return protocol.ReadTextFileResult{Content: content}, nil
}

func (m *Manager) handleWriteTextFile(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.WriteTextFileParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	if dir := filepath.Dir(p.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, internalError(err)
		}
	}
	if err := os.WriteFile(p.Path, []byte(p.Content), 0o644); err != nil {
		return nil, internalError(err)
	}
	return protocol.WriteTextFileResult{}, nil
}

// handleRequestPermission auto-selects the first allow option, else the
// first option of any kind, else cancels.
func (m *Manager) handleRequestPermission(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.RequestPermissionParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	var selected *protocol.PermissionOption
	for i, option := range p.Options {
		if option.Kind == protocol.PermissionAllowOnce || option.Kind == protocol.PermissionAllowAlways {
			selected = &p.Options[i]
			break
		}
	}
	if selected == nil && len(p.Options) > 0 {
		selected = &p.Options[0]
	}

	if selected == nil {
		m.logger.Warn("permission request with no options",
			zap.String("tool_call_id", p.ToolCall.ToolCallID))
		return protocol.RequestPermissionResult{
			Outcome: protocol.PermissionOutcome{Outcome: protocol.OutcomeCancelled},
		}, nil
	}

	m.logger.Debug("permission granted",
		zap.String("tool_call_id", p.ToolCall.ToolCallID),
		zap.String("option", selected.OptionID))
	return protocol.RequestPermissionResult{
		Outcome: protocol.PermissionOutcome{
			Outcome:  protocol.OutcomeSelected,
			OptionID: selected.OptionID,
		},
	}, nil
}

func (m *Manager) handleTerminalCreate(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.CreateTerminalParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}

	env := make(map[string]string, len(p.Env))
	for _, kv := range p.Env {
		env[kv.Name] = kv.Value
	}

	session, err := m.terminals.Create(p.Command, p.Args, env, p.Cwd, int(p.OutputByteLimit))
	if err != nil {
		return nil, internalError(err)
	}
	return protocol.CreateTerminalResult{TerminalID: session.ID}, nil
}

func terminalNotFound(id string) *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InvalidParams, Message: "unknown terminal: " + id}
}

func (m *Manager) handleTerminalOutput(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.TerminalRef
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	session, ok := m.terminals.Get(p.TerminalID)
	if !ok {
		return nil, terminalNotFound(p.TerminalID)
	}

	output, truncated, exit := session.Drain()
	result := protocol.TerminalOutputResult{Output: output, Truncated: truncated}
	if exit != nil {
		result.ExitStatus = &protocol.TerminalExitStatus{ExitCode: exit.ExitCode, Signal: exit.Signal}
	}
	return result, nil
}

func (m *Manager) handleTerminalWaitExit(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.TerminalRef
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	session, ok := m.terminals.Get(p.TerminalID)
	if !ok {
		return nil, terminalNotFound(p.TerminalID)
	}

	exit, err := session.WaitExit(ctx)
	if err != nil {
		return nil, internalError(err)
	}
	return protocol.WaitForTerminalExitResult{ExitCode: exit.ExitCode, Signal: exit.Signal}, nil
}

func (m *Manager) handleTerminalKill(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.TerminalRef
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	session, ok := m.terminals.Get(p.TerminalID)
	if !ok {
		return nil, terminalNotFound(p.TerminalID)
	}

	session.Kill()
	return protocol.KillTerminalResult{}, nil
}

func (m *Manager) handleTerminalRelease(ctx context.Context, params json.RawMessage) (any, *jsonrpc.Error) {
	var p protocol.TerminalRef
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, invalidParams(err)
	}
	m.terminals.Release(p.TerminalID)
	return protocol.ReleaseTerminalResult{}, nil
}
