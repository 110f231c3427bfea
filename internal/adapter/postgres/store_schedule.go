package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/schedule"
)

const scheduleColumns = `id, agent_id, name, description, cron_expr, task_config,
	active, last_run, next_run, created_at, updated_at`

func scanSchedule(row scannable) (*schedule.Schedule, error) {
	var (
		sc         schedule.Schedule
		configJSON []byte
	)
	err := row.Scan(&sc.ID, &sc.AgentID, &sc.Name, &sc.Description, &sc.CronExpr,
		&configJSON, &sc.Active, &sc.LastRun, &sc.NextRun, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.TaskConfig, err = unmarshalJSON(configJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal schedule config: %w", err)
	}
	return &sc, nil
}

// CreateSchedule persists a new schedule with its first planned run.
func (s *Store) CreateSchedule(ctx context.Context, req schedule.CreateRequest, nextRun time.Time) (*schedule.Schedule, error) {
	configJSON, err := marshalJSON(req.TaskConfig)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO schedules (agent_id, name, description, cron_expr, task_config, next_run)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+scheduleColumns,
		req.AgentID, req.Name, req.Description, req.CronExpr, configJSON, nextRun)

	sc, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sc, nil
}

// GetSchedule returns a schedule by ID.
func (s *Store) GetSchedule(ctx context.Context, id string) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)

	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("get schedule %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sc, nil
}

// ListSchedules returns all schedules ordered by creation time.
func (s *Store) ListSchedules(ctx context.Context) ([]schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("list schedules: %w", err)
		}
		schedules = append(schedules, *sc)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes a schedule. Tasks already created from it are
// untouched.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete schedule %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// SetScheduleActive pauses or resumes a schedule.
func (s *Store) SetScheduleActive(ctx context.Context, id string, active bool) (*schedule.Schedule, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE schedules SET active = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+scheduleColumns, id, active)

	sc, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("set schedule %s active: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("set schedule %s active: %w", id, err)
	}
	return sc, nil
}

// DueSchedules returns active schedules whose next run is unset or has
// passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]schedule.Schedule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE active AND (next_run IS NULL OR next_run <= $1)
		 ORDER BY next_run NULLS FIRST`, now)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var due []schedule.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("due schedules: %w", err)
		}
		due = append(due, *sc)
	}
	return due, rows.Err()
}

// MarkScheduleRun records a dispatch and plans the next one.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE schedules SET last_run = $2, next_run = $3, updated_at = now()
		 WHERE id = $1`, id, ranAt, nextRun)
	if err != nil {
		return fmt.Errorf("mark schedule %s run: %w", id, err)
	}
	return nil
}
