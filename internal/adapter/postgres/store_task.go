package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/task"
)

// CreateTask persists a new pending task.
func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	inputJSON, err := marshalJSON(req.Input)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	priority := req.Priority
	if priority == "" {
		priority = task.PriorityMedium
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (agent_id, title, description, priority, input)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+taskColumns,
		req.AgentID, req.Title, req.Description, string(priority), inputJSON)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// GetTask returns a task by ID.
func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter plus the unpaginated total.
func (s *Store) ListTasks(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	where := "WHERE TRUE"
	args := []any{}
	if filter.AgentID != "" {
		args = append(args, filter.AgentID)
		where += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM tasks `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	page := max(filter.Page, 1)
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks `+where+
			fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("list tasks: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, total, rows.Err()
}

// ClaimTask transitions a pending task to running under a row lock. A
// task that is no longer pending (cancelled before pickup, redelivered
// while running, or already finished) yields domain.ErrNotClaimable and
// no mutation.
func (s *Store) ClaimTask(ctx context.Context, id, jobHandle string) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusPending {
		return nil, fmt.Errorf("claim task %s (status %s): %w", id, t.Status, domain.ErrNotClaimable)
	}

	if err := task.Transition(t, task.StatusRunning, task.Fields{JobHandle: jobHandle}); err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	if err := writeTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return t, nil
}

// FinishTask applies a terminal worker transition (completed or failed)
// and bumps the owning agent's counters in the same transaction. When
// the row is already terminal (a concurrent cancel won the race) it
// returns domain.ErrAlreadyFinished and performs no mutation.
func (s *Store) FinishTask(ctx context.Context, id string, status task.Status, output map[string]any, errMsg string) (*task.Task, error) {
	if status != task.StatusCompleted && status != task.StatusFailed {
		return nil, &domain.InvalidTransitionError{From: "running", To: string(status)}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("finish task %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return nil, fmt.Errorf("finish task %s (status %s): %w", id, t.Status, domain.ErrAlreadyFinished)
	}

	if err := task.Transition(t, status, task.Fields{Output: output, Error: errMsg}); err != nil {
		return nil, fmt.Errorf("finish task %s: %w", id, err)
	}
	if err := writeTask(ctx, tx, t); err != nil {
		return nil, err
	}
	if err := bumpAgentCounters(ctx, tx, t.AgentID, status == task.StatusCompleted, t.UpdatedAt); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("finish task %s: %w", id, err)
	}
	return t, nil
}

// CancelTask transitions a pending or running task to cancelled under a
// row lock. The returned job handle (non-empty when the task was
// running) lets the caller issue a best-effort queue revoke. Ownership
// is verified before any mutation; an empty requesterID is a
// system-initiated cancel and skips the check.
func (s *Store) CancelTask(ctx context.Context, id, requesterID string) (*task.Task, string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("cancel task %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := lockTask(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	if t.Status.Terminal() {
		return nil, "", &domain.NotCancellableError{Status: string(t.Status)}
	}

	if requesterID != "" {
		var ownerID string
		if err := tx.QueryRow(ctx, `SELECT owner_id FROM agents WHERE id = $1`, t.AgentID).Scan(&ownerID); err != nil {
			return nil, "", fmt.Errorf("cancel task %s: read agent owner: %w", id, err)
		}
		if ownerID != requesterID {
			return nil, "", fmt.Errorf("cancel task %s: %w", id, domain.ErrForbidden)
		}
	}

	jobHandle := t.JobHandle
	if err := task.Transition(t, task.StatusCancelled, task.Fields{}); err != nil {
		return nil, "", fmt.Errorf("cancel task %s: %w", id, err)
	}
	if err := writeTask(ctx, tx, t); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", fmt.Errorf("cancel task %s: %w", id, err)
	}
	return t, jobHandle, nil
}

// FailStaleTasks fails running tasks whose started_at is older than
// staleAfter. These are orphans: their worker died past the hard limit
// without reaching a terminal transition. SKIP LOCKED leaves rows that
// are mid-transition to their current owner.
func (s *Store) FailStaleTasks(ctx context.Context, staleAfter time.Duration, reason string) ([]task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'running' AND started_at < now() - make_interval(secs => $1)
		 FOR UPDATE SKIP LOCKED`,
		staleAfter.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}

	var stale []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("fail stale tasks: %w", err)
		}
		stale = append(stale, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}

	failed := make([]task.Task, 0, len(stale))
	for _, t := range stale {
		if err := task.Transition(t, task.StatusFailed, task.Fields{Error: reason}); err != nil {
			return nil, fmt.Errorf("fail stale task %s: %w", t.ID, err)
		}
		if err := writeTask(ctx, tx, t); err != nil {
			return nil, err
		}
		if err := bumpAgentCounters(ctx, tx, t.AgentID, false, t.UpdatedAt); err != nil {
			return nil, err
		}
		failed = append(failed, *t)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}
	return failed, nil
}

// ListStalePending returns pending tasks created more than age ago,
// candidates for re-enqueueing after a lost publish.
func (s *Store) ListStalePending(ctx context.Context, age time.Duration) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE status = 'pending' AND created_at < now() - make_interval(secs => $1)
		 ORDER BY created_at`,
		age.Seconds())
	if err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("list stale pending: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}
