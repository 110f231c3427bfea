package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/port/broadcast"
	"github.com/agentry-io/agentry/internal/port/database"
	"github.com/agentry-io/agentry/internal/port/messagequeue"
)

// EventService persists lifecycle events to the audit log and fans them
// out to subscribed real-time connections. Worker-side transitions
// arrive over the queue; API-side transitions (cancel, sweep) are
// emitted directly.
type EventService struct {
	store database.Store
	hub   broadcast.Broadcaster
}

// NewEventService creates a new EventService.
func NewEventService(store database.Store, hub broadcast.Broadcaster) *EventService {
	return &EventService{store: store, hub: hub}
}

// EventData is the broadcast payload for one lifecycle transition.
type EventData struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// Emit records one lifecycle transition and broadcasts it to
// subscribers. Audit failures are logged, not propagated: observers
// losing one audit row must not roll back a committed transition.
func (s *EventService) Emit(ctx context.Context, evType string, t *task.Task, errMsg string) {
	ev := &event.Event{
		ID:        uuid.NewString(),
		Type:      evType,
		TaskID:    t.ID,
		AgentID:   t.AgentID,
		Status:    string(t.Status),
		Error:     errMsg,
		CreatedAt: time.Now().UTC(),
	}

	if err := s.store.AppendEvent(ctx, ev); err != nil {
		slog.Error("append lifecycle event", "task_id", t.ID, "type", evType, "error", err)
	}

	s.hub.Broadcast(ctx, evType, EventData{
		TaskID:  t.ID,
		AgentID: t.AgentID,
		Status:  string(t.Status),
		Error:   errMsg,
	})
}

// StartSubscriber consumes worker-side lifecycle transitions from the
// queue and replays them through Emit. The returned function cancels
// the subscription.
func (s *EventService) StartSubscriber(ctx context.Context, queue messagequeue.Queue) (func(), error) {
	cancel, err := queue.Subscribe(ctx, messagequeue.SubjectTaskEvents, s.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe task events: %w", err)
	}
	return cancel, nil
}

func (s *EventService) handleEvent(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		// Malformed payloads are logged and ack'd: redelivery cannot fix them.
		slog.Error("invalid task event payload", "error", err)
		return nil
	}

	var p messagequeue.TaskEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("unmarshal task event payload", "error", err)
		return nil
	}
	if !event.ValidTopic(p.Type) {
		slog.Error("unknown task event type", "type", p.Type)
		return nil
	}

	s.Emit(ctx, p.Type, &task.Task{
		ID:      p.TaskID,
		AgentID: p.AgentID,
		Status:  task.Status(p.Status),
	}, p.Error)
	return nil
}

// List returns the most recent lifecycle events.
func (s *EventService) List(ctx context.Context, limit int) ([]event.Event, error) {
	return s.store.ListEvents(ctx, limit)
}
