package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/port/database"
)

// Sweeper is the reconciliation loop that repairs tasks stranded by
// worker crashes and lost publishes. Running tasks past the hard limit
// are failed; pending tasks past the requeue age are re-published; audit
// events past the retention window are purged.
type Sweeper struct {
	store  database.Store
	tasks  *TaskService
	events *EventService
	cfg    config.Sweep
}

// NewSweeper creates a new Sweeper.
func NewSweeper(store database.Store, tasks *TaskService, events *EventService, cfg config.Sweep) *Sweeper {
	return &Sweeper{store: store, tasks: tasks, events: events, cfg: cfg}
}

// Run executes sweep passes on the configured interval until ctx is
// cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs a single reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.failStale(ctx)
	s.requeuePending(ctx)
	s.purgeOldEvents(ctx)
}

func (s *Sweeper) failStale(ctx context.Context) {
	failed, err := s.store.FailStaleTasks(ctx, s.cfg.StaleAfter, "task exceeded the execution deadline")
	if err != nil {
		slog.Error("sweep stale running tasks", "error", err)
		return
	}
	for i := range failed {
		t := &failed[i]
		slog.Warn("failed stale task", "task_id", t.ID, "agent_id", t.AgentID)
		s.events.Emit(ctx, event.TypeTaskFailed, t, t.Error)
	}
}

// purgeOldEvents enforces the audit-log retention window. A zero
// retention disables purging.
func (s *Sweeper) purgeOldEvents(ctx context.Context) {
	if s.cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().UTC().Add(-s.cfg.Retention)
	n, err := s.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("purge old events", "error", err)
		return
	}
	if n > 0 {
		slog.Info("purged old events", "count", n, "cutoff", cutoff)
	}
}

func (s *Sweeper) requeuePending(ctx context.Context) {
	stale, err := s.store.ListStalePending(ctx, s.cfg.RequeueAfter)
	if err != nil {
		slog.Error("sweep stale pending tasks", "error", err)
		return
	}
	for i := range stale {
		t := &stale[i]
		if err := s.tasks.Requeue(ctx, t); err != nil {
			slog.Error("requeue stale pending task", "task_id", t.ID, "error", err)
			continue
		}
		slog.Info("requeued stale pending task", "task_id", t.ID)
	}
}
