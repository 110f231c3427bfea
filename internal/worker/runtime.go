// Package worker implements the task execution runtime: it claims
// queued tasks, runs them through the engine under wall-clock limits,
// and reports terminal transitions back over the queue.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	agotel "github.com/agentry-io/agentry/internal/adapter/otel"
	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/domain/agent"
	"github.com/agentry-io/agentry/internal/domain/event"
	"github.com/agentry-io/agentry/internal/domain/task"
	"github.com/agentry-io/agentry/internal/port/cache"
	"github.com/agentry-io/agentry/internal/port/database"
	"github.com/agentry-io/agentry/internal/port/engine"
	"github.com/agentry-io/agentry/internal/port/messagequeue"
)

// Runtime is one worker process. It consumes tasks.execute, holds at
// most cfg.Concurrency executions at a time, and listens on the revoke
// fan-out so cancellation reaches the job wherever it runs.
type Runtime struct {
	store    database.Store
	queue    messagequeue.Queue
	engine   engine.Engine
	agents   cache.Cache
	cfg      config.Worker
	agentTTL time.Duration
	sem      *semaphore.Weighted
	metrics  *agotel.Metrics
	redactor func(string) string

	mu       sync.Mutex
	inflight map[string]context.CancelFunc // job handle -> cancel
}

// New creates a worker runtime.
func New(store database.Store, queue messagequeue.Queue, eng engine.Engine, agents cache.Cache, cfg config.Worker, agentTTL time.Duration) *Runtime {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runtime{
		store:    store,
		queue:    queue,
		engine:   eng,
		agents:   agents,
		cfg:      cfg,
		agentTTL: agentTTL,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		inflight: make(map[string]context.CancelFunc),
	}
}

// SetMetrics attaches metric instruments to the runtime.
func (r *Runtime) SetMetrics(m *agotel.Metrics) {
	r.metrics = m
}

// SetRedactor adds an extra redaction pass over failure messages, used
// to strip known secret values on top of the pattern-based sanitizer.
func (r *Runtime) SetRedactor(fn func(string) string) {
	r.redactor = fn
}

// Start subscribes to the execute queue and the revoke fan-out. The
// returned function stops both subscriptions.
func (r *Runtime) Start(ctx context.Context) (func(), error) {
	stopExec, err := r.queue.Subscribe(ctx, messagequeue.SubjectTaskExecute, r.handleExecute)
	if err != nil {
		return nil, fmt.Errorf("subscribe execute: %w", err)
	}
	stopRevoke, err := r.queue.SubscribeAll(ctx, messagequeue.SubjectTaskRevoke, r.handleRevoke)
	if err != nil {
		stopExec()
		return nil, fmt.Errorf("subscribe revoke: %w", err)
	}
	return func() {
		stopExec()
		stopRevoke()
	}, nil
}

// handleExecute processes one tasks.execute delivery. A nil return
// acks the message; claim losses are acked silently because another
// worker or a cancel already owns the task.
func (r *Runtime) handleExecute(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.TaskExecutePayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("unmarshal execute payload", "error", err)
		return nil
	}
	if p.TaskID == "" {
		slog.Error("execute payload missing task_id")
		return nil
	}

	if err := r.sem.Acquire(ctx, 1); err != nil {
		// Shutting down before a slot opened: redeliver elsewhere.
		return err
	}
	defer r.sem.Release(1)

	jobHandle := uuid.NewString()
	t, err := r.store.ClaimTask(ctx, p.TaskID, jobHandle)
	if errors.Is(err, domain.ErrNotClaimable) || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim task %s: %w", p.TaskID, err)
	}

	r.publishEvent(ctx, event.TypeTaskStarted, t, "")
	r.execute(ctx, t, jobHandle)
	return nil
}

// execute runs the engine under the soft and hard limits and applies
// the terminal transition. The soft limit and revocation cancel the
// engine context; the hard limit abandons the job and leaves the task
// running for the reconciliation sweep.
func (r *Runtime) execute(ctx context.Context, t *task.Task, jobHandle string) {
	ctx, span := agotel.StartExecutionSpan(ctx, t.ID, t.AgentID, jobHandle)
	defer span.End()

	ag, err := r.loadAgent(ctx, t.AgentID)
	if err != nil {
		r.finish(ctx, t, engine.Result{
			Success: false,
			Err:     fmt.Sprintf("load agent %s: %v", t.AgentID, err),
			Kind:    engine.ErrKindInternal,
		})
		return
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	r.track(jobHandle, cancelRun)
	defer r.untrack(jobHandle)

	softCtx, cancelSoft := context.WithTimeout(runCtx, r.cfg.SoftTimeout)
	defer cancelSoft()

	results := make(chan engine.Result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("engine panic", "task_id", t.ID, "panic", rec, "stack", string(debug.Stack()))
				results <- engine.Result{
					Success: false,
					Err:     fmt.Sprintf("engine panic: %v", rec),
					Kind:    engine.ErrKindInternal,
				}
			}
		}()
		results <- r.engine.Execute(softCtx, ag, t.Input)
	}()

	hard := time.NewTimer(r.cfg.HardTimeout)
	defer hard.Stop()

	select {
	case res := <-results:
		if revoked := runCtx.Err() != nil && ctx.Err() == nil; revoked {
			// Revocation cancelled the engine: the API side already
			// transitioned the row and emitted the event.
			slog.Info("job revoked", "task_id", t.ID, "job_handle", jobHandle)
			return
		}
		r.finish(ctx, t, res)
	case <-hard.C:
		// The engine ignored cooperative cancellation. Abandon the
		// goroutine and let the sweep fail the task past stale_after.
		slog.Error("hard deadline exceeded, abandoning job",
			"task_id", t.ID, "job_handle", jobHandle, "hard_timeout", r.cfg.HardTimeout)
	}
}

// finish applies the terminal transition and publishes the matching
// lifecycle event. A lost race against cancel publishes nothing.
func (r *Runtime) finish(ctx context.Context, t *task.Task, res engine.Result) {
	status := task.StatusCompleted
	evType := event.TypeTaskCompleted
	output := res.Output
	errMsg := ""

	if !res.Success {
		status = task.StatusFailed
		evType = event.TypeTaskFailed
		errMsg = SanitizeError(res.Err)
		if r.redactor != nil {
			errMsg = r.redactor(errMsg)
		}
		if errMsg == "" {
			errMsg = "execution failed"
		}
	} else if output == nil {
		output = map[string]any{}
	}

	updated, err := r.store.FinishTask(ctx, t.ID, status, output, errMsg)
	if errors.Is(err, domain.ErrAlreadyFinished) {
		slog.Info("discarding result for finished task", "task_id", t.ID, "status", status)
		return
	}
	if err != nil {
		slog.Error("finish task", "task_id", t.ID, "status", status, "error", err)
		return
	}

	if r.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("agent.id", t.AgentID))
		if status == task.StatusCompleted {
			r.metrics.TasksCompleted.Add(ctx, 1, attrs)
		} else {
			r.metrics.TasksFailed.Add(ctx, 1, attrs)
		}
		r.metrics.ExecutionDuration.Record(ctx, updated.ExecutionSeconds, attrs)
	}

	slog.Info("task finished",
		"task_id", t.ID, "status", updated.Status, "execution_seconds", updated.ExecutionSeconds)
	r.publishEvent(ctx, evType, updated, errMsg)
}

// handleRevoke cancels the in-flight execution holding the handle, if
// this worker has it. Handles for jobs running elsewhere, or already
// finished, are ignored.
func (r *Runtime) handleRevoke(_ context.Context, _ string, data []byte) error {
	var p messagequeue.TaskRevokePayload
	if err := json.Unmarshal(data, &p); err != nil {
		slog.Error("unmarshal revoke payload", "error", err)
		return nil
	}

	r.mu.Lock()
	cancel, ok := r.inflight[p.JobHandle]
	r.mu.Unlock()
	if ok {
		slog.Info("revoking in-flight job", "job_handle", p.JobHandle)
		cancel()
	}
	return nil
}

// loadAgent returns the agent configuration, from the cache when fresh.
func (r *Runtime) loadAgent(ctx context.Context, id string) (*agent.Agent, error) {
	// Dots only: the key doubles as a JetStream KV key, whose charset
	// excludes colons.
	key := "agent." + id
	if r.agents != nil {
		if data, ok, err := r.agents.Get(ctx, key); err == nil && ok {
			var ag agent.Agent
			if err := json.Unmarshal(data, &ag); err == nil {
				return &ag, nil
			}
		}
	}

	ag, err := r.store.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}

	if r.agents != nil {
		if data, err := json.Marshal(ag); err == nil {
			if err := r.agents.Set(ctx, key, data, r.agentTTL); err != nil {
				slog.Warn("cache agent config", "agent_id", id, "error", err)
			}
		}
	}
	return ag, nil
}

func (r *Runtime) track(jobHandle string, cancel context.CancelFunc) {
	r.mu.Lock()
	r.inflight[jobHandle] = cancel
	r.mu.Unlock()
}

func (r *Runtime) untrack(jobHandle string) {
	r.mu.Lock()
	delete(r.inflight, jobHandle)
	r.mu.Unlock()
}

// publishEvent reports a lifecycle transition to the API process over
// the queue. Event loss is logged, never fatal: the audit trail is
// best-effort, the task row is the source of truth.
func (r *Runtime) publishEvent(ctx context.Context, evType string, t *task.Task, errMsg string) {
	data, err := json.Marshal(messagequeue.TaskEventPayload{
		Type:    evType,
		TaskID:  t.ID,
		AgentID: t.AgentID,
		Status:  string(t.Status),
		Error:   errMsg,
	})
	if err != nil {
		slog.Error("marshal lifecycle event", "task_id", t.ID, "error", err)
		return
	}
	if err := r.queue.Publish(ctx, messagequeue.SubjectTaskEvents, data); err != nil {
		slog.Error("publish lifecycle event", "task_id", t.ID, "type", evType, "error", err)
	}
}
