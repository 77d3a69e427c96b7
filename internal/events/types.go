// Package events provides event types and subject helpers for the kynetic
// event system.
package events

// Event types for the agent lifecycle
const (
	AgentSpawned = "agent.spawned"
	AgentExited  = "agent.exited"
	AgentHealth  = "agent.health"
	AgentStopped = "agent.stopped"
	Escalation   = "escalation"
)

// Event types for message processing
const (
	MessageProcessed = "message.processed"
	MessageError     = "message.error"
	TurnEnd          = "turn.end"
)

// Event types for tool activity surfaced to platform widgets
const (
	ToolCall   = "tool.call"
	ToolUpdate = "tool.update"
)

// Event types for context usage tracking
const (
	UsageUpdated = "usage.updated"
	UsageError   = "usage.error"
)

// Event types for restart checkpoints
const (
	CheckpointConsumed = "checkpoint.consumed"
)

// BuildSessionSubject scopes an event type to a single session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject subscribes to an event type across all sessions.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}
