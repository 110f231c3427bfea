package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/agentry-io/agentry/internal/domain/agent"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/schedule"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/middleware"
)

// TaskAPI is the slice of the task service the handlers consume.
type TaskAPI interface {
	Create(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	Get(ctx context.Context, id string) (*task.Task, error)
	List(ctx context.Context, filter task.ListFilter) ([]task.Task, int, error)
	Cancel(ctx context.Context, id, requesterID string) (*task.Task, error)
}

// EventAPI lists recent lifecycle events.
type EventAPI interface {
	List(ctx context.Context, limit int) ([]event.Event, error)
}

// ScheduleAPI is the slice of the schedule service the handlers consume.
type ScheduleAPI interface {
	Create(ctx context.Context, req schedule.CreateRequest) (*schedule.Schedule, error)
	Get(ctx context.Context, id string) (*schedule.Schedule, error)
	List(ctx context.Context) ([]schedule.Schedule, error)
	Delete(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (*schedule.Schedule, error)
}

// AgentDirectory exposes agent reads.
type AgentDirectory interface {
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	ListAgents(ctx context.Context) ([]agent.Agent, error)
}

// QueueHealth reports queue connectivity for the health endpoint.
type QueueHealth interface {
	IsConnected() bool
}

// ConnectionCounter reports live WebSocket connections.
type ConnectionCounter interface {
	ConnectionCount() int
}

// Handlers holds the dependencies for all HTTP handlers.
type Handlers struct {
	tasks     TaskAPI
	events    EventAPI
	agents    AgentDirectory
	schedules ScheduleAPI
	queue     QueueHealth
	hub       ConnectionCounter
}

// NewHandlers creates the API handler set.
func NewHandlers(tasks TaskAPI, events EventAPI, agents AgentDirectory, schedules ScheduleAPI, queue QueueHealth, hub ConnectionCounter) *Handlers {
	return &Handlers{tasks: tasks, events: events, agents: agents, schedules: schedules, queue: queue, hub: hub}
}

// CreateTask handles POST /api/v1/tasks.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.CreateRequest](w, r)
	if !ok {
		return
	}

	t, err := h.tasks.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type taskListResponse struct {
	Tasks    []task.Task `json:"tasks"`
	Total    int         `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{
		AgentID: q.Get("agent_id"),
		Status:  task.Status(q.Get("status")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		writeError(w, http.StatusBadRequest, codeValidation, "unknown status filter")
		return
	}
	filter.Page, _ = strconv.Atoi(q.Get("page"))
	filter.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	tasks, total, err := h.tasks.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err, "tasks not found")
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, taskListResponse{
		Tasks:    tasks,
		Total:    total,
		Page:     max(filter.Page, 1),
		PageSize: filter.PageSize,
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.tasks.Cancel(r.Context(), urlParam(r, "id"), requesterID(r))
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// requesterID extracts the caller for the ownership check. Admin and
// service callers cancel on behalf of the system.
func requesterID(r *http.Request) string {
	id := middleware.IdentityFromContext(r.Context())
	if id == nil || id.APIKey || id.Role == "admin" {
		return ""
	}
	return id.Subject
}

// ListAgents handles GET /api/v1/agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err, "agents not found")
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// GetAgent handles GET /api/v1/agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	ag, err := h.agents.GetAgent(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, ag)
}

// CreateSchedule handles POST /api/v1/schedules.
func (h *Handlers) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[schedule.CreateRequest](w, r)
	if !ok {
		return
	}

	sc, err := h.schedules.Create(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "agent not found")
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

// ListSchedules handles GET /api/v1/schedules.
func (h *Handlers) ListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.schedules.List(r.Context())
	if err != nil {
		writeDomainError(w, err, "schedules not found")
		return
	}
	if schedules == nil {
		schedules = []schedule.Schedule{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

// GetSchedule handles GET /api/v1/schedules/{id}.
func (h *Handlers) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := h.schedules.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// DeleteSchedule handles DELETE /api/v1/schedules/{id}.
func (h *Handlers) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := h.schedules.Delete(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err, "schedule not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PauseSchedule handles POST /api/v1/schedules/{id}/pause.
func (h *Handlers) PauseSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleActive(w, r, false)
}

// ResumeSchedule handles POST /api/v1/schedules/{id}/resume.
func (h *Handlers) ResumeSchedule(w http.ResponseWriter, r *http.Request) {
	h.setScheduleActive(w, r, true)
}

func (h *Handlers) setScheduleActive(w http.ResponseWriter, r *http.Request, active bool) {
	sc, err := h.schedules.SetActive(r.Context(), urlParam(r, "id"), active)
	if err != nil {
		writeDomainError(w, err, "schedule not found")
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// ListEvents handles GET /api/v1/events.
func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := h.events.List(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err, "events not found")
		return
	}
	if events == nil {
		events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

type metricsSummary struct {
	Agents         int     `json:"agents"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	SuccessRate    float64 `json:"success_rate"`
	WSConnections  int     `json:"ws_connections"`
}

// Metrics handles GET /api/v1/metrics: a summary of agent counters.
func (h *Handlers) Metrics(w http.ResponseWriter, r *http.Request) {
	agents, err := h.agents.ListAgents(r.Context())
	if err != nil {
		writeDomainError(w, err, "agents not found")
		return
	}

	var sum metricsSummary
	sum.Agents = len(agents)
	for i := range agents {
		sum.TasksCompleted += agents[i].TasksCompleted
		sum.TasksFailed += agents[i].TasksFailed
	}
	if total := sum.TasksCompleted + sum.TasksFailed; total > 0 {
		sum.SuccessRate = float64(sum.TasksCompleted) / float64(total)
	}
	if h.hub != nil {
		sum.WSConnections = h.hub.ConnectionCount()
	}
	writeJSON(w, http.StatusOK, sum)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	queueOK := h.queue != nil && h.queue.IsConnected()
	status := http.StatusOK
	state := "ok"
	if !queueOK {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":          state,
		"queue_connected": queueOK,
	})
}
