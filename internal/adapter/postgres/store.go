package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/task"
)

// Store implements database.Store using PostgreSQL.
//
// Claim, finish, and cancel each run in a single transaction holding a
// row-level lock on the task (SELECT ... FOR UPDATE), so status
// transitions for one task are linearized: exactly one of a concurrent
// {claim, cancel} pair can win for a pending task, and a terminal row is
// never overwritten.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, agent_id, title, description, status, priority, input, output,
	error, job_handle, execution_seconds, created_at, started_at, completed_at, updated_at`

func scanTask(row scannable) (*task.Task, error) {
	var (
		t           task.Task
		inputJSON   []byte
		outputJSON  []byte
		statusStr   string
		priorityStr string
	)
	err := row.Scan(&t.ID, &t.AgentID, &t.Title, &t.Description, &statusStr, &priorityStr,
		&inputJSON, &outputJSON, &t.Error, &t.JobHandle, &t.ExecutionSeconds,
		&t.CreatedAt, &t.StartedAt, &t.CompletedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Status = task.Status(statusStr)
	t.Priority = task.Priority(priorityStr)
	if t.Input, err = unmarshalJSON(inputJSON); err != nil {
		return nil, err
	}
	if t.Output, err = unmarshalJSON(outputJSON); err != nil {
		return nil, err
	}
	return &t, nil
}

// lockTask re-reads a task inside tx with a row-level exclusive lock.
func lockTask(ctx context.Context, tx pgx.Tx, id string) (*task.Task, error) {
	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("lock task %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("lock task %s: %w", id, err)
	}
	return t, nil
}

// writeTask persists the mutable lifecycle fields of t inside tx.
func writeTask(ctx context.Context, tx pgx.Tx, t *task.Task) error {
	outputJSON, err := marshalOutput(t.Output)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE tasks
		 SET status = $2, output = $3, error = $4, job_handle = $5,
		     execution_seconds = $6, started_at = $7, completed_at = $8, updated_at = $9
		 WHERE id = $1`,
		t.ID, string(t.Status), outputJSON, t.Error, t.JobHandle,
		t.ExecutionSeconds, nullTime(t.StartedAt), nullTime(t.CompletedAt), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// marshalOutput keeps never-set output as SQL NULL, distinguishing "no
// output yet" from an empty output object.
func marshalOutput(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	return marshalJSON(m)
}

// bumpAgentCounters increments the owning agent's terminal counters and
// last_active in the same transaction as the task's terminal transition,
// so each task is counted exactly once.
func bumpAgentCounters(ctx context.Context, tx pgx.Tx, agentID string, completed bool, now time.Time) error {
	col := "tasks_failed"
	if completed {
		col = "tasks_completed"
	}
	_, err := tx.Exec(ctx,
		`UPDATE agents SET `+col+` = `+col+` + 1, last_active = $2, updated_at = $2 WHERE id = $1`,
		agentID, now)
	if err != nil {
		return fmt.Errorf("bump agent %s counters: %w", agentID, err)
	}
	return nil
}
