// Package events provides event types and subject helpers for the Elemental event system.
package events

// Event types for sessions
const (
	SessionStarted    = "session.started"
	SessionRunning    = "session.running"
	SessionSuspended  = "session.suspended"
	SessionTerminated = "session.terminated"
)

// Event types for session event streams
const (
	SessionStream = "session.stream" // Base subject for per-session stream events
)

// Event types for tasks
const (
	TaskAssigned = "task.assigned"
	TaskStarted  = "task.started"
)

// Event types for dispatch
const (
	DispatchTick  = "dispatch.tick"
	DispatchError = "dispatch.error"
)

// Channel names exposed on the aggregated stream endpoints.
const (
	ChannelSessions = "sessions"
	ChannelTasks    = "tasks"
	ChannelDispatch = "dispatch"
)

// BuildSessionStreamSubject creates a stream subject for a specific session
func BuildSessionStreamSubject(sessionID string) string {
	return SessionStream + "." + sessionID
}

// BuildSessionStreamWildcardSubject creates a wildcard subscription for all session stream events
func BuildSessionStreamWildcardSubject() string {
	return SessionStream + ".*"
}

// ChannelSubject maps an external channel name to its bus subject pattern.
// Unknown channels map to an exact-match subject of the same name.
func ChannelSubject(channel string) string {
	switch channel {
	case ChannelSessions:
		return "session.>"
	case ChannelTasks:
		return "task.>"
	case ChannelDispatch:
		return "dispatch.>"
	default:
		return channel
	}
}
