package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	agotel "github.com/agentry-io/agentry/internal/adapter/otel"
	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/port/database"
	"github.com/agentry-io/agentry/internal/port/messagequeue"
	"github.com/agentry-io/agentry/internal/resilience"
)

// TaskService implements the task lifecycle operations exposed over the
// API: create-and-enqueue, read, list, and cancel.
type TaskService struct {
	store   database.Store
	queue   messagequeue.Queue
	events  *EventService
	breaker *resilience.Breaker
	metrics *agotel.Metrics
}

// NewTaskService creates a new TaskService.
func NewTaskService(store database.Store, queue messagequeue.Queue, events *EventService) *TaskService {
	return &TaskService{
		store:   store,
		queue:   queue,
		events:  events,
		breaker: resilience.NewBreaker(5, 30*time.Second),
	}
}

// SetMetrics attaches metric instruments to task operations.
func (s *TaskService) SetMetrics(m *agotel.Metrics) {
	s.metrics = m
}

// Create validates the request, persists the task as pending, and
// enqueues it for execution. A failed enqueue does not fail the create:
// the task stays pending and the reconciliation sweep re-publishes it.
func (s *TaskService) Create(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", domain.ErrValidation)
	}
	if req.AgentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", domain.ErrValidation)
	}
	if req.Priority == "" {
		req.Priority = task.PriorityMedium
	}
	if !req.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", domain.ErrValidation, req.Priority)
	}

	ag, err := s.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, fmt.Errorf("resolve agent: %w", err)
	}
	if !ag.Enabled {
		return nil, fmt.Errorf("%w: agent %s is disabled", domain.ErrValidation, ag.ID)
	}

	t, err := s.store.CreateTask(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if s.metrics != nil {
		s.metrics.TasksCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.id", t.AgentID)))
	}

	if err := s.enqueue(ctx, t.ID); err != nil {
		slog.Error("enqueue task, sweep will retry", "task_id", t.ID, "error", err)
	}
	return t, nil
}

func (s *TaskService) enqueue(ctx context.Context, taskID string) error {
	data, err := json.Marshal(messagequeue.TaskExecutePayload{TaskID: taskID})
	if err != nil {
		return err
	}
	err = s.breaker.Execute(func() error {
		return resilience.Retry(ctx, 3, 200*time.Millisecond, func() error {
			return s.queue.Publish(ctx, messagequeue.SubjectTaskExecute, data)
		})
	})
	if err == nil && s.metrics != nil {
		s.metrics.QueuePublishes.Add(ctx, 1)
	}
	return err
}

// Get returns one task by id.
func (s *TaskService) Get(ctx context.Context, id string) (*task.Task, error) {
	return s.store.GetTask(ctx, id)
}

// List returns tasks matching the filter plus the unpaginated total.
func (s *TaskService) List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	return s.store.ListTasks(ctx, filter)
}

// Cancel transitions the task to cancelled, revokes its in-flight job
// if one is running, and emits exactly one task_cancelled event. The
// store runs the transition under a row lock, so a cancel that loses
// the race against a finishing worker returns NotCancellableError and
// emits nothing.
func (s *TaskService) Cancel(ctx context.Context, id, requesterID string) (*task.Task, error) {
	ctx, span := agotel.StartCancelSpan(ctx, id)
	defer span.End()

	t, jobHandle, err := s.store.CancelTask(ctx, id, requesterID)
	if err != nil {
		return nil, err
	}

	// Best effort: the worker may have already passed the revocable
	// point, in which case its finish attempt sees the terminal row
	// and discards the result.
	if jobHandle != "" {
		if err := s.queue.Revoke(ctx, jobHandle); err != nil {
			// The cancelled row is already committed; the worker hits
			// its hard limit and the finish attempt is discarded, so
			// the cancel still converges without the revoke.
			slog.Error("revoke job", "task_id", id, "job_handle", jobHandle,
				"retryable", errors.Is(err, domain.ErrQueueUnavailable), "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.TasksCancelled.Add(ctx, 1, metric.WithAttributes(
			attribute.String("agent.id", t.AgentID)))
	}

	s.events.Emit(ctx, event.TypeTaskCancelled, t, "")
	return t, nil
}

// Requeue re-publishes a pending task that appears to have missed its
// original enqueue. Claim-side checks make duplicate deliveries
// harmless.
func (s *TaskService) Requeue(ctx context.Context, t *task.Task) error {
	if t.Status != task.StatusPending {
		return nil
	}
	return s.enqueue(ctx, t.ID)
}

// IsNotCancellable reports whether err is the lost-cancel-race error.
func IsNotCancellable(err error) bool {
	var nc *domain.NotCancellableError
	return errors.As(err, &nc)
}
