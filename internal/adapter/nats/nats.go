// Package nats implements the job queue port using NATS JetStream.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/domain"
	"github.com/agentry-io/agentry/internal/port/messagequeue"
)

const streamName = "AGENTRY"

// Queue implements messagequeue.Queue using NATS JetStream for durable,
// at-least-once task delivery, and core NATS for revoke fan-out.
type Queue struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	ackWait    time.Duration
	maxDeliver int
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream exists.
func Connect(ctx context.Context, cfg config.NATS) (*Queue, error) {
	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// The revoke subject stays out of the stream: revokes are
	// fire-and-forget fan-out, not durable work.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectTaskExecute, messagequeue.SubjectTaskEvents},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", cfg.URL, "stream", streamName)
	return &Queue{nc: nc, js: js, ackWait: cfg.AckWait, maxDeliver: cfg.MaxDeliver}, nil
}

// Publish sends a message to the given subject after schema validation.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	if err := messagequeue.Validate(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	if _, err := q.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w: %w", subject, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
// Messages are ack'd on success and nak'd on handler error, so the
// stream redelivers them (at-least-once). Subscribers on the same
// subject share one durable consumer and split the work.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    q.maxDeliver,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := handler(context.Background(), msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			if nakErr := msg.Nak(); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// SubscribeAll registers a fan-out handler on a core NATS subscription:
// every subscriber sees every message. Used for revoke notifications,
// which must reach whichever worker holds the job.
func (q *Queue) SubscribeAll(_ context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	sub, err := q.nc.Subscribe(subject, func(msg *nats.Msg) {
		if err := handler(context.Background(), msg.Subject, msg.Data); err != nil {
			slog.Error("fan-out handler failed", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	return func() { _ = sub.Unsubscribe() }, nil
}

// Revoke publishes a best-effort termination request for the job with
// the given handle. The worker holding it cancels the in-flight
// execution; a worker already past that point simply ignores it.
func (q *Queue) Revoke(_ context.Context, jobHandle string) error {
	data, err := json.Marshal(messagequeue.TaskRevokePayload{JobHandle: jobHandle})
	if err != nil {
		return fmt.Errorf("nats revoke: %w", err)
	}
	if err := q.nc.Publish(messagequeue.SubjectTaskRevoke, data); err != nil {
		return fmt.Errorf("nats revoke %s: %w: %w", jobHandle, domain.ErrQueueUnavailable, err)
	}
	return nil
}

// KeyValue ensures the named JetStream KV bucket exists and returns it.
// Workers use a bucket as the shared L2 agent-configuration cache.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	return q.nc.Drain()
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the queue is currently connected.
func (q *Queue) IsConnected() bool {
	return q.nc != nil && q.nc.IsConnected()
}

// durableName derives a JetStream-safe consumer name from a subject.
func durableName(subject string) string {
	name := make([]byte, len(subject))
	for i := 0; i < len(subject); i++ {
		c := subject[i]
		if c == '.' || c == '*' || c == '>' {
			c = '_'
		}
		name[i] = c
	}
	return "agentry_" + string(name)
}
