package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/agentry-io/agentry/internal/domain/event"
)

// AppendEvent persists one lifecycle event to the audit log.
func (s *Store) AppendEvent(ctx context.Context, ev *event.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_events (id, type, task_id, agent_id, status, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.ID, ev.Type, ev.TaskID, ev.AgentID, ev.Status, ev.Error, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event %s: %w", ev.ID, err)
	}
	return nil
}

// ListEvents returns the most recent lifecycle events, newest first.
func (s *Store) ListEvents(ctx context.Context, limit int) ([]event.Event, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, type, task_id, agent_id, status, error, created_at
		 FROM task_events ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var ev event.Event
		if err := rows.Scan(&ev.ID, &ev.Type, &ev.TaskID, &ev.AgentID, &ev.Status, &ev.Error, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PurgeEventsBefore deletes audit events created before the cutoff.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM task_events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}
