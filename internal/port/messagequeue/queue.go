// Package messagequeue defines the job queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue. A non-nil error
// nak's the message so the queue redelivers it (at-least-once).
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for the durable job queue.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// Delivery is at-least-once: unacknowledged or nak'd messages are
	// redelivered. Subscribers on the same subject share the work.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// SubscribeAll registers a fan-out handler: every subscriber on the
	// subject receives every message. Used for revoke notifications,
	// which must reach whichever worker holds the job.
	SubscribeAll(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Revoke requests best-effort termination of the in-flight job with
	// the given handle. It may be a no-op if the job already ran past
	// the revocable point.
	Revoke(ctx context.Context, jobHandle string) error

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for queue subjects used by agentry.
const (
	SubjectTaskExecute = "tasks.execute" // API -> workers: task id to execute
	SubjectTaskEvents  = "tasks.events"  // workers -> API: lifecycle transitions
	SubjectTaskRevoke  = "tasks.revoke"  // API -> workers: revoke an in-flight job
)
