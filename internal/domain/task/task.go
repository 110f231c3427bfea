// Package task defines the Task domain entity and its status machine.
package task

import "time"

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority is an ordering hint for task scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Task represents one unit of agent work with a lifecycle status.
type Task struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Status      Status         `json:"status"`
	Priority    Priority       `json:"priority"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`

	// JobHandle identifies the in-flight queue job while the task is
	// running. It is the target of best-effort revocation on cancel.
	JobHandle string `json:"job_handle,omitempty"`

	ExecutionSeconds float64    `json:"execution_seconds,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	AgentID     string         `json:"agent_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
}

// ListFilter narrows and paginates task listings.
type ListFilter struct {
	AgentID  string
	Status   Status
	Page     int
	PageSize int
}
