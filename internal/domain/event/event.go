// Package event defines the lifecycle events broadcast to live viewers
// and persisted to the audit log.
package event

import "time"

// Lifecycle event types. Each is also a subscription topic for real-time
// connections.
const (
	TypeTaskStarted   = "task_started"
	TypeTaskCompleted = "task_completed"
	TypeTaskFailed    = "task_failed"
	TypeTaskCancelled = "task_cancelled"
)

// Topics returns every subscribable lifecycle event type.
func Topics() []string {
	return []string{TypeTaskStarted, TypeTaskCompleted, TypeTaskFailed, TypeTaskCancelled}
}

// ValidTopic reports whether name is a known event type.
func ValidTopic(name string) bool {
	switch name {
	case TypeTaskStarted, TypeTaskCompleted, TypeTaskFailed, TypeTaskCancelled:
		return true
	}
	return false
}

// Event is one task lifecycle transition, as seen by observers. The
// Error field carries only the sanitized failure summary, never the raw
// engine error.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
