package task

import (
	"time"

	"github.com/agentry-io/agentry/internal/domain"
)

// legalEdges is the set of permitted status transitions.
var legalEdges = map[Status][]Status{
	StatusPending: {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCancelled, StatusCompleted, StatusFailed},
}

// Fields carries the per-edge data applied during a transition.
type Fields struct {
	JobHandle string         // required for pending -> running
	Output    map[string]any // required for running -> completed
	Error     string         // required for running -> failed
	Now       time.Time      // transition time; zero means time.Now()
}

// Transition validates the edge t.Status -> to and applies it.
// On an illegal edge or a missing required field it returns an error and
// leaves t unchanged. It acquires no locks; callers serialize access to
// the task row (claim/cancel hold a row-level lock around this call).
func Transition(t *Task, to Status, f Fields) error {
	if err := checkEdge(t.Status, to, f); err != nil {
		return err
	}

	now := f.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	switch to {
	case StatusRunning:
		t.StartedAt = &now
		t.JobHandle = f.JobHandle
	case StatusCompleted:
		t.Output = f.Output
		finish(t, now)
	case StatusFailed:
		t.Error = f.Error
		if f.Output != nil {
			t.Output = f.Output
		}
		finish(t, now)
	case StatusCancelled:
		finish(t, now)
	}

	t.Status = to
	t.UpdatedAt = now
	return nil
}

// checkEdge validates edge legality and required fields without mutation.
func checkEdge(from, to Status, f Fields) error {
	allowed := false
	for _, s := range legalEdges[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &domain.InvalidTransitionError{From: string(from), To: string(to)}
	}

	switch to {
	case StatusRunning:
		if f.JobHandle == "" {
			return &domain.InvalidTransitionError{From: string(from), To: string(to)}
		}
	case StatusCompleted:
		if f.Output == nil {
			return &domain.InvalidTransitionError{From: string(from), To: string(to)}
		}
	case StatusFailed:
		if f.Error == "" {
			return &domain.InvalidTransitionError{From: string(from), To: string(to)}
		}
	}
	return nil
}

// finish applies the invariants shared by every terminal edge:
// completed_at is set exactly once, execution time is derived from
// started_at, and the job handle is cleared.
func finish(t *Task, now time.Time) {
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.ExecutionSeconds = now.Sub(*t.StartedAt).Seconds()
	}
	t.JobHandle = ""
}
