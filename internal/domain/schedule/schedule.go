// Package schedule defines the recurring-schedule domain entity.
//
// A schedule creates tasks for an agent on a cron cadence. The cron
// expression is validated and evaluated by the scheduling service; the
// entity only carries it.
package schedule

import (
	"fmt"
	"time"

	"github.com/agentry-io/agentry/internal/domain"
)

// Schedule binds a cron expression to an agent and a task template.
type Schedule struct {
	ID          string         `json:"id"`
	AgentID     string         `json:"agent_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CronExpr    string         `json:"cron_expr"`
	TaskConfig  map[string]any `json:"task_config,omitempty"`
	Active      bool           `json:"active"`

	LastRun *time.Time `json:"last_run,omitempty"`
	NextRun *time.Time `json:"next_run,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a new schedule.
type CreateRequest struct {
	AgentID     string         `json:"agent_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	CronExpr    string         `json:"cron_expr"`
	TaskConfig  map[string]any `json:"task_config,omitempty"`
}

// Validate checks the structural fields. The cron expression itself is
// parsed by the scheduling service.
func (r *CreateRequest) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrValidation)
	}
	if r.CronExpr == "" {
		return fmt.Errorf("%w: cron_expr is required", domain.ErrValidation)
	}
	return nil
}
