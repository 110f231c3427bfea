package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router. wsHandler
// serves the real-time endpoint; it runs its own in-protocol handshake.
func MountRoutes(r chi.Router, h *Handlers, wsHandler http.Handler) {
	r.Get("/health", h.Health)
	r.Method(http.MethodGet, "/ws", wsHandler)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Tasks
		r.Post("/tasks", h.CreateTask)
		r.Get("/tasks", h.ListTasks)
		r.Get("/tasks/{id}", h.GetTask)
		r.Post("/tasks/{id}/cancel", h.CancelTask)

		// Agents (read-only; lifecycle is managed elsewhere)
		r.Get("/agents", h.ListAgents)
		r.Get("/agents/{id}", h.GetAgent)

		// Recurring schedules
		r.Post("/schedules", h.CreateSchedule)
		r.Get("/schedules", h.ListSchedules)
		r.Get("/schedules/{id}", h.GetSchedule)
		r.Delete("/schedules/{id}", h.DeleteSchedule)
		r.Post("/schedules/{id}/pause", h.PauseSchedule)
		r.Post("/schedules/{id}/resume", h.ResumeSchedule)

		// Lifecycle event audit log
		r.Get("/events", h.ListEvents)

		// Counter summary
		r.Get("/metrics", h.Metrics)
	})
}
