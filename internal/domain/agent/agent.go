// Package agent defines the Agent domain entity.
//
// Agents are provisioned outside this service; the task lifecycle only
// reads their configuration and bumps their execution counters.
package agent

import "time"

// Type classifies what kind of work an agent is tuned for.
type Type string

const (
	TypeConversational Type = "conversational"
	TypeAnalytical     Type = "analytical"
	TypeCreative       Type = "creative"
	TypeAutomation     Type = "automation"
)

// Agent represents a configured executor that tasks are bound to.
type Agent struct {
	ID           string            `json:"id"`
	OwnerID      string            `json:"owner_id"`
	Name         string            `json:"name"`
	Type         Type              `json:"type"`
	Model        string            `json:"model"`
	SystemPrompt string            `json:"system_prompt,omitempty"`
	Config       map[string]string `json:"config,omitempty"`
	Enabled      bool              `json:"enabled"`

	// Counters incremented exactly once per task at its terminal transition.
	TasksCompleted int        `json:"tasks_completed"`
	TasksFailed    int        `json:"tasks_failed"`
	LastActive     *time.Time `json:"last_active,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate returns the percentage of terminal tasks that completed.
func (a *Agent) SuccessRate() float64 {
	total := a.TasksCompleted + a.TasksFailed
	if total == 0 {
		return 0
	}
	return float64(a.TasksCompleted) / float64(total) * 100
}
