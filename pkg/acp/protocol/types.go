// Package protocol defines the wire types of the Agent Client Protocol
// (ACP), the JSON-RPC 2.0 dialect spoken with the agent subprocess.
package protocol

// ProtocolVersion is the ACP revision this client speaks.
const ProtocolVersion = 1

// Methods called on the agent.
const (
	MethodInitialize    = "initialize"
	MethodSessionNew    = "session/new"
	MethodSessionPrompt = "session/prompt"
	MethodSessionCancel = "session/cancel"
)

// Methods the agent calls on us.
const (
	MethodReadTextFile      = "fs/read_text_file"
	MethodWriteTextFile     = "fs/write_text_file"
	MethodRequestPermission = "session/request_permission"
	MethodTerminalCreate    = "terminal/create"
	MethodTerminalOutput    = "terminal/output"
	MethodTerminalWaitExit  = "terminal/wait_for_exit"
	MethodTerminalKill      = "terminal/kill"
	MethodTerminalRelease   = "terminal/release"
)

// Notifications.
const (
	NotificationSessionUpdate = "session/update"
)

// Session update kinds carried in SessionUpdate.Kind.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
)

// Stop reasons returned by session/prompt.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// ClientInfo identifies this client during the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// FileSystemCapability advertises fs handler support.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities advertises what the client implements for the agent.
type ClientCapabilities struct {
	FS       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal"`
}

// AgentCapabilities is what the agent reports back on initialize.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// InitializeParams is the initialize request payload.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResult is the initialize response payload.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities"`
}

// McpServer describes an MCP server exposed to the agent session.
type McpServer struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
}

// SessionNewParams is the session/new request payload.
type SessionNewParams struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// SessionNewResult is the session/new response payload.
type SessionNewResult struct {
	SessionID string `json:"sessionId"`
}

// Meta carries client-internal annotations on a content block.
type Meta struct {
	Source string `json:"source,omitempty"`
}

// ContentBlock is one unit of prompt or response content.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Meta *Meta  `json:"_meta,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// PromptParams is the session/prompt request payload.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult is the session/prompt response payload.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// CancelParams is the session/cancel request payload.
type CancelParams struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason,omitempty"`
}

// SessionUpdateParams is the session/update notification payload.
type SessionUpdateParams struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// SessionUpdate is one incremental update within a prompt turn. Kind selects
// which of the optional members is populated.
type SessionUpdate struct {
	Kind       string        `json:"sessionUpdate"`
	Content    *ContentBlock `json:"content,omitempty"`
	ToolCallID string        `json:"toolCallId,omitempty"`
	Title      string        `json:"title,omitempty"`
	ToolKind   string        `json:"kind,omitempty"`
	Status     string        `json:"status,omitempty"`
}

// ReadTextFileParams is the fs/read_text_file request payload.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult is the fs/read_text_file response payload.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams is the fs/write_text_file request payload.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResult is the fs/write_text_file response payload.
type WriteTextFileResult struct{}

// ToolCallRef identifies the tool call a permission request is about.
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// PermissionOption is one selectable answer to a permission request.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionParams is the session/request_permission request payload.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// PermissionOutcome is the decision for a permission request.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResult is the session/request_permission response payload.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// EnvVariable is one environment entry for a terminal command.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateTerminalParams is the terminal/create request payload.
type CreateTerminalParams struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	Cwd             string        `json:"cwd,omitempty"`
	OutputByteLimit int64         `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResult is the terminal/create response payload.
type CreateTerminalResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalRef identifies a terminal in follow-up requests.
type TerminalRef struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus describes how a terminal command ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalOutputResult is the terminal/output response payload.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForTerminalExitResult is the terminal/wait_for_exit response payload.
type WaitForTerminalExitResult struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// KillTerminalResult is the terminal/kill response payload.
type KillTerminalResult struct{}

// ReleaseTerminalResult is the terminal/release response payload.
type ReleaseTerminalResult struct{}
