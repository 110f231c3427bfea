package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/agent"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/schedule"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/port/database"
	"github.com/agentry-io/agentry/internal/port/messagequeue"
)

// Ensure the mocks implement their ports at compile time.
var _ database.Store = (*mockStore)(nil)
var _ messagequeue.Queue = (*mockQueue)(nil)

// mockStore is an in-memory database.Store. A single mutex guards all
// transitions, standing in for the row lock the real store takes, so
// concurrent claim/finish/cancel calls are linearized the same way.
type mockStore struct {
	mu     sync.Mutex
	tasks  map[string]*task.Task
	agents []agent.Agent
	events []event.Event

	createTaskErr  error
	appendEventErr error
	seq            int
}

func newMockStore() *mockStore {
	return &mockStore{tasks: make(map[string]*task.Task)}
}

func (m *mockStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createTaskErr != nil {
		return nil, m.createTaskErr
	}
	m.seq++
	now := time.Now().UTC()
	t := &task.Task{
		ID:          fmt.Sprintf("task-%d", m.seq),
		AgentID:     req.AgentID,
		Title:       req.Title,
		Description: req.Description,
		Status:      task.StatusPending,
		Priority:    req.Priority,
		Input:       req.Input,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) ListTasks(_ context.Context, filter task.ListFilter) ([]task.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if filter.AgentID != "" && t.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		out = append(out, *t)
	}
	return out, len(out), nil
}

func (m *mockStore) ClaimTask(_ context.Context, id, jobHandle string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status != task.StatusPending {
		return nil, domain.ErrNotClaimable
	}
	if err := task.Transition(t, task.StatusRunning, task.Fields{JobHandle: jobHandle}); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) FinishTask(_ context.Context, id string, status task.Status, output map[string]any, errMsg string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, domain.ErrAlreadyFinished
	}
	if err := task.Transition(t, status, task.Fields{Output: output, Error: errMsg}); err != nil {
		return nil, err
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) CancelTask(_ context.Context, id, requesterID string) (*task.Task, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, "", domain.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil, "", &domain.NotCancellableError{Status: string(t.Status)}
	}
	if requesterID != "" {
		for i := range m.agents {
			if m.agents[i].ID == t.AgentID && m.agents[i].OwnerID != requesterID {
				return nil, "", domain.ErrForbidden
			}
		}
	}
	handle := t.JobHandle
	if err := task.Transition(t, task.StatusCancelled, task.Fields{}); err != nil {
		return nil, "", err
	}
	cp := *t
	return &cp, handle, nil
}

func (m *mockStore) FailStaleTasks(_ context.Context, staleAfter time.Duration, reason string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-staleAfter)
	var failed []task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusRunning || t.StartedAt == nil || !t.StartedAt.Before(cutoff) {
			continue
		}
		if err := task.Transition(t, task.StatusFailed, task.Fields{Error: reason}); err != nil {
			return nil, err
		}
		failed = append(failed, *t)
	}
	return failed, nil
}

func (m *mockStore) ListStalePending(_ context.Context, age time.Duration) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-age)
	var out []task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusPending && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.agents {
		if m.agents[i].ID == id {
			cp := m.agents[i]
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agent.Agent(nil), m.agents...), nil
}

func (m *mockStore) AppendEvent(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendEventErr != nil {
		return m.appendEventErr
	}
	m.events = append(m.events, *ev)
	return nil
}

func (m *mockStore) ListEvents(_ context.Context, limit int) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := append([]event.Event(nil), m.events...)
	if limit > 0 && len(evs) > limit {
		evs = evs[len(evs)-limit:]
	}
	return evs, nil
}

func (m *mockStore) PurgeEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	var purged int64
	for _, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			purged++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	return purged, nil
}

// mockQueue records publishes and revokes.
type mockQueue struct {
	mu         sync.Mutex
	published  []publishedMsg
	revoked    []string
	publishErr error
	revokeErr  error
}

type publishedMsg struct {
	subject string
	data    []byte
}

func (q *mockQueue) Publish(_ context.Context, subject string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishErr != nil {
		return q.publishErr
	}
	q.published = append(q.published, publishedMsg{subject, data})
	return nil
}

func (q *mockQueue) Subscribe(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) SubscribeAll(_ context.Context, _ string, _ messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *mockQueue) Revoke(_ context.Context, jobHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.revokeErr != nil {
		return q.revokeErr
	}
	q.revoked = append(q.revoked, jobHandle)
	return nil
}

func (q *mockQueue) Drain() error      { return nil }
func (q *mockQueue) Close() error      { return nil }
func (q *mockQueue) IsConnected() bool { return true }

func (q *mockQueue) publishedTo(subject string) []publishedMsg {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []publishedMsg
	for _, p := range q.published {
		if p.subject == subject {
			out = append(out, p)
		}
	}
	return out
}

// mockHub records broadcasts.
type mockHub struct {
	mu     sync.Mutex
	topics []string
}

func (h *mockHub) Broadcast(_ context.Context, topic string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
}

func (h *mockHub) count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, t := range h.topics {
		if t == topic {
			n++
		}
	}
	return n
}

var _ database.Schedules = (*mockSchedules)(nil)

// mockSchedules is an in-memory database.Schedules.
type mockSchedules struct {
	mu        sync.Mutex
	schedules map[string]*schedule.Schedule
	seq       int

	dueErr error
}

func newMockSchedules() *mockSchedules {
	return &mockSchedules{schedules: make(map[string]*schedule.Schedule)}
}

func (m *mockSchedules) CreateSchedule(_ context.Context, req schedule.CreateRequest, nextRun time.Time) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	now := time.Now().UTC()
	sc := &schedule.Schedule{
		ID:          fmt.Sprintf("sched-%d", m.seq),
		AgentID:     req.AgentID,
		Name:        req.Name,
		Description: req.Description,
		CronExpr:    req.CronExpr,
		TaskConfig:  req.TaskConfig,
		Active:      true,
		NextRun:     &nextRun,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.schedules[sc.ID] = sc
	cp := *sc
	return &cp, nil
}

func (m *mockSchedules) GetSchedule(_ context.Context, id string) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *sc
	return &cp, nil
}

func (m *mockSchedules) ListSchedules(_ context.Context) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.Schedule
	for _, sc := range m.schedules {
		out = append(out, *sc)
	}
	return out, nil
}

func (m *mockSchedules) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(m.schedules, id)
	return nil
}

func (m *mockSchedules) SetScheduleActive(_ context.Context, id string, active bool) (*schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	sc.Active = active
	cp := *sc
	return &cp, nil
}

func (m *mockSchedules) DueSchedules(_ context.Context, now time.Time) ([]schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dueErr != nil {
		return nil, m.dueErr
	}
	var due []schedule.Schedule
	for _, sc := range m.schedules {
		if !sc.Active {
			continue
		}
		if sc.NextRun == nil || !sc.NextRun.After(now) {
			due = append(due, *sc)
		}
	}
	return due, nil
}

func (m *mockSchedules) MarkScheduleRun(_ context.Context, id string, ranAt, nextRun time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.schedules[id]
	if !ok {
		return domain.ErrNotFound
	}
	ra, nr := ranAt, nextRun
	sc.LastRun = &ra
	sc.NextRun = &nr
	return nil
}
