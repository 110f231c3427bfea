// Package database defines the task store port (interface).
package database

import (
	"context"
	"time"

	"github.com/agentry-io/agentry/internal/domain/agent"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/schedule"
	"github.com/agentry-io/agentry/internal/domain/task"
)

// Store is the port interface for task, agent, and event persistence.
//
// The claim, finish, and cancel operations each run inside a single
// transaction holding a row-level lock on the task, so no two status
// transitions from the same starting status can both succeed.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, id string) (*task.Task, error)
	ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error)

	// ClaimTask transitions a pending task to running and records the
	// job handle. Returns domain.ErrNotClaimable when the task is no
	// longer pending (already cancelled, running, or finished).
	ClaimTask(ctx context.Context, id, jobHandle string) (*task.Task, error)

	// FinishTask applies a terminal transition (completed or failed),
	// sets output or error, and bumps the owning agent's counters in
	// the same transaction. Returns domain.ErrAlreadyFinished when the
	// task is already terminal; the caller must then emit nothing.
	FinishTask(ctx context.Context, id string, status task.Status, output map[string]any, errMsg string) (*task.Task, error)

	// CancelTask transitions a pending or running task to cancelled.
	// requesterID must match the owning agent's owner; an empty
	// requesterID means a system-initiated cancel. Returns the updated
	// task and the job handle the task held before cancellation (empty
	// if it was still pending).
	CancelTask(ctx context.Context, id, requesterID string) (*task.Task, string, error)

	// FailStaleTasks fails running tasks whose started_at is older than
	// staleAfter. Used by the reconciliation sweep for workers that
	// died past the hard limit without a terminal transition.
	FailStaleTasks(ctx context.Context, staleAfter time.Duration, reason string) ([]task.Task, error)

	// ListStalePending returns pending tasks created more than age ago,
	// candidates for re-enqueueing after a lost publish.
	ListStalePending(ctx context.Context, age time.Duration) ([]task.Task, error)

	// Agents
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)

	// Lifecycle event audit log
	AppendEvent(ctx context.Context, ev *event.Event) error
	ListEvents(ctx context.Context, limit int) ([]event.Event, error)

	// PurgeEventsBefore deletes audit events older than the cutoff and
	// returns how many were removed. Used by the retention sweep.
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Schedules is the port interface for recurring-schedule persistence.
// Kept separate from Store so task-only consumers stay narrow.
type Schedules interface {
	CreateSchedule(ctx context.Context, req schedule.CreateRequest, nextRun time.Time) (*schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error)
	ListSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error
	SetScheduleActive(ctx context.Context, id string, active bool) (*schedule.Schedule, error)

	// DueSchedules returns active schedules whose next_run is unset or
	// not after now.
	DueSchedules(ctx context.Context, now time.Time) ([]schedule.Schedule, error)

	// MarkScheduleRun records a dispatch and the next planned run.
	MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error
}
