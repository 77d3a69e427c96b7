// Package lifecycle owns the agent subprocess: spawning, health monitoring
// with backoff respawns, shutdown, and the ACP handlers the agent calls
// back into.
package lifecycle

// State is the agent process lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateSpawning    State = "spawning"
	StateHealthy     State = "healthy"
	StateUnhealthy   State = "unhealthy"
	StateStopping    State = "stopping"
	StateTerminating State = "terminating"
	StateFailed      State = "failed"
)

// canSpawn reports whether Spawn may proceed from this state.
func (s State) canSpawn() bool {
	return s == StateIdle || s == StateFailed || s == StateUnhealthy
}

// running reports whether an unexpected process exit in this state calls
// for a respawn.
func (s State) running() bool {
	return s == StateHealthy || s == StateUnhealthy
}
