package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/schedule"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/port/database"
)

// ScheduleService manages recurring schedules: standard five-field cron
// expressions that create a task from a template each time they fire.
type ScheduleService struct {
	schedules database.Schedules
	store     database.Store
}

// NewScheduleService creates a new ScheduleService.
func NewScheduleService(schedules database.Schedules, store database.Store) *ScheduleService {
	return &ScheduleService{schedules: schedules, store: store}
}

// parseCron accepts standard five-field cron expressions plus the
// @hourly/@daily style descriptors.
func parseCron(expr string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid cron expression %q: %v", domain.ErrValidation, expr, err)
	}
	return sched, nil
}

// Create validates the request and the cron expression, verifies the
// agent, and persists the schedule with its first planned run.
func (s *ScheduleService) Create(ctx context.Context, req schedule.CreateRequest) (*schedule.Schedule, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	sched, err := parseCron(req.CronExpr)
	if err != nil {
		return nil, err
	}

	ag, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	if !ag.Enabled {
		return nil, fmt.Errorf("%w: agent %s is disabled", domain.ErrValidation, ag.ID)
	}

	return s.schedules.CreateSchedule(ctx, req, sched.Next(time.Now().UTC()))
}

// Get returns one schedule by id.
func (s *ScheduleService) Get(ctx context.Context, id string) (*schedule.Schedule, error) {
	return s.schedules.GetSchedule(ctx, id)
}

// List returns all schedules.
func (s *ScheduleService) List(ctx context.Context) ([]schedule.Schedule, error) {
	return s.schedules.ListSchedules(ctx)
}

// Delete removes a schedule. Tasks it already created keep running.
func (s *ScheduleService) Delete(ctx context.Context, id string) error {
	return s.schedules.DeleteSchedule(ctx, id)
}

// SetActive pauses or resumes a schedule.
func (s *ScheduleService) SetActive(ctx context.Context, id string, active bool) (*schedule.Schedule, error) {
	return s.schedules.SetScheduleActive(ctx, id, active)
}

// Scheduler is the dispatch loop that turns due schedules into tasks.
// One instance runs in the API process, next to the sweeper.
type Scheduler struct {
	schedules database.Schedules
	tasks     *TaskService
	cfg       config.Scheduler

	// now is swappable for tests.
	now func() time.Time
}

// NewScheduler creates a new Scheduler.
func NewScheduler(schedules database.Schedules, tasks *TaskService, cfg config.Scheduler) *Scheduler {
	return &Scheduler{schedules: schedules, tasks: tasks, cfg: cfg, now: time.Now}
}

// Run dispatches due schedules on the configured interval until ctx is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Dispatch(ctx)
		}
	}
}

// Dispatch runs a single pass: each due schedule creates one task and
// is advanced to its next cron occurrence.
func (s *Scheduler) Dispatch(ctx context.Context) {
	now := s.now().UTC()
	due, err := s.schedules.DueSchedules(ctx, now)
	if err != nil {
		slog.Error("list due schedules", "error", err)
		return
	}

	for i := range due {
		sc := &due[i]
		sched, err := parseCron(sc.CronExpr)
		if err != nil {
			// A stored expression that no longer parses would fire on
			// every pass; park the schedule instead.
			slog.Error("unparseable cron expression, pausing schedule", "schedule_id", sc.ID, "error", err)
			if _, err := s.schedules.SetScheduleActive(ctx, sc.ID, false); err != nil {
				slog.Error("pause schedule", "schedule_id", sc.ID, "error", err)
			}
			continue
		}

		t, err := s.tasks.Create(ctx, task.CreateRequest{
			AgentID:     sc.AgentID,
			Title:       sc.Name,
			Description: sc.Description,
			Input:       sc.TaskConfig,
		})
		if err != nil {
			// The occurrence is missed, not retried: advancing anyway
			// keeps a schedule with a disabled agent from firing on
			// every pass.
			slog.Error("create scheduled task", "schedule_id", sc.ID, "error", err)
		} else {
			slog.Info("dispatched scheduled task", "schedule_id", sc.ID, "task_id", t.ID)
		}

		if err := s.schedules.MarkScheduleRun(ctx, sc.ID, now, sched.Next(now)); err != nil {
			slog.Error("mark schedule run", "schedule_id", sc.ID, "error", err)
		}
	}
}
