package lifecycle

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kynetic/kynetic/internal/common/logger"
	"github.com/kynetic/kynetic/pkg/acp/protocol"
)

func newHandlerManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(testAgentConfig(fakeAgentScript), nil, logger.NewNop())
}

func marshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestReadTextFileWholeFile(t *testing.T) {
	m := newHandlerManager(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree"), 0o644))

	result, rpcErr := m.handleReadTextFile(context.Background(),
		marshal(t, protocol.ReadTextFileParams{Path: path}))
	require.Nil(t, rpcErr)
	assert.Equal(t, "one\ntwo\nthree", result.(protocol.ReadTextFileResult).Content)
}

func TestReadTextFileLineSlice(t *testing.T) {
	m := newHandlerManager(t)
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\nfour"), 0o644))

	line := 2
	limit := 2
	result, rpcErr := m.handleReadTextFile(context.Background(),
		marshal(t, protocol.ReadTextFileParams{Path: path, Line: &line, Limit: &limit}))
	require.Nil(t, rpcErr)
	assert.Equal(t, "two\nthree", result.(protocol.ReadTextFileResult).Content)
}

func TestReadTextFileMissing(t *testing.T) {
	m := newHandlerManager(t)

	_, rpcErr := m.handleReadTextFile(context.Background(),
		marshal(t, protocol.ReadTextFileParams{Path: "/does/not/exist"}))
	require.NotNil(t, rpcErr)
}

func TestWriteTextFileCreatesDirs(t *testing.T) {
	m := newHandlerManager(t)
	path := filepath.Join(t.TempDir(), "nested", "dir", "out.txt")

	_, rpcErr := m.handleWriteTextFile(context.Background(),
		marshal(t, protocol.WriteTextFileParams{Path: path, Content: "written"}))
	require.Nil(t, rpcErr)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "written", string(data))
}

func TestRequestPermissionPrefersAllow(t *testing.T) {
	m := newHandlerManager(t)

	result, rpcErr := m.handleRequestPermission(context.Background(),
		marshal(t, protocol.RequestPermissionParams{
			ToolCall: protocol.ToolCallRef{ToolCallID: "t1"},
			Options: []protocol.PermissionOption{
				{OptionID: "deny", Kind: protocol.PermissionRejectOnce},
				{OptionID: "allow", Kind: protocol.PermissionAllowOnce},
			},
		}))
	require.Nil(t, rpcErr)
	outcome := result.(protocol.RequestPermissionResult).Outcome
	assert.Equal(t, protocol.OutcomeSelected, outcome.Outcome)
	assert.Equal(t, "allow", outcome.OptionID)
}

func TestRequestPermissionFallsBackToFirstOption(t *testing.T) {
	m := newHandlerManager(t)

	result, rpcErr := m.handleRequestPermission(context.Background(),
		marshal(t, protocol.RequestPermissionParams{
			Options: []protocol.PermissionOption{
				{OptionID: "reject-1", Kind: protocol.PermissionRejectOnce},
				{OptionID: "reject-2", Kind: protocol.PermissionRejectAlways},
			},
		}))
	require.Nil(t, rpcErr)
	outcome := result.(protocol.RequestPermissionResult).Outcome
	assert.Equal(t, protocol.OutcomeSelected, outcome.Outcome)
	assert.Equal(t, "reject-1", outcome.OptionID)
}

func TestRequestPermissionNoOptionsCancels(t *testing.T) {
	m := newHandlerManager(t)

	result, rpcErr := m.handleRequestPermission(context.Background(),
		marshal(t, protocol.RequestPermissionParams{}))
	require.Nil(t, rpcErr)
	outcome := result.(protocol.RequestPermissionResult).Outcome
	assert.Equal(t, protocol.OutcomeCancelled, outcome.Outcome)
}

func TestTerminalHandlersEndToEnd(t *testing.T) {
	m := newHandlerManager(t)

	created, rpcErr := m.handleTerminalCreate(context.Background(),
		marshal(t, protocol.CreateTerminalParams{
			Command: "sh",
			Args:    []string{"-c", "echo terminal-out"},
		}))
	require.Nil(t, rpcErr)
	terminalID := created.(protocol.CreateTerminalResult).TerminalID
	require.NotEmpty(t, terminalID)

	ref := marshal(t, protocol.TerminalRef{TerminalID: terminalID})

	waited, rpcErr := m.handleTerminalWaitExit(context.Background(), ref)
	require.Nil(t, rpcErr)
	exit := waited.(protocol.WaitForTerminalExitResult)
	require.NotNil(t, exit.ExitCode)
	assert.Equal(t, 0, *exit.ExitCode)

	output, rpcErr := m.handleTerminalOutput(context.Background(), ref)
	require.Nil(t, rpcErr)
	outResult := output.(protocol.TerminalOutputResult)
	assert.Contains(t, outResult.Output, "terminal-out")
	require.NotNil(t, outResult.ExitStatus)

	_, rpcErr = m.handleTerminalRelease(context.Background(), ref)
	require.Nil(t, rpcErr)

	_, rpcErr = m.handleTerminalOutput(context.Background(), ref)
	require.NotNil(t, rpcErr, "released terminal must be forgotten")
}

func TestTerminalKillHandler(t *testing.T) {
	m := newHandlerManager(t)

	created, rpcErr := m.handleTerminalCreate(context.Background(),
		marshal(t, protocol.CreateTerminalParams{Command: "sleep", Args: []string{"30"}}))
	require.Nil(t, rpcErr)
	terminalID := created.(protocol.CreateTerminalResult).TerminalID

	ref := marshal(t, protocol.TerminalRef{TerminalID: terminalID})
	_, rpcErr = m.handleTerminalKill(context.Background(), ref)
	require.Nil(t, rpcErr)

	output, rpcErr := m.handleTerminalOutput(context.Background(), ref)
	require.Nil(t, rpcErr)
	require.NotNil(t, output.(protocol.TerminalOutputResult).ExitStatus)
	assert.NotNil(t, output.(protocol.TerminalOutputResult).ExitStatus.Signal)
}

func TestUnknownTerminalRejected(t *testing.T) {
	m := newHandlerManager(t)

	_, rpcErr := m.handleTerminalOutput(context.Background(),
		marshal(t, protocol.TerminalRef{TerminalID: "missing"}))
	require.NotNil(t, rpcErr)
}
