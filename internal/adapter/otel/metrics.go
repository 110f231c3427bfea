package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentry"

// Metrics holds all agentry metric instruments.
type Metrics struct {
	TasksCreated      metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksCancelled    metric.Int64Counter
	QueuePublishes    metric.Int64Counter
	WSConnections     metric.Int64UpDownCounter
	ExecutionDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.TasksCreated, err = meter.Int64Counter("agentry.tasks.created",
		metric.WithDescription("Number of tasks created"))
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("agentry.tasks.completed",
		metric.WithDescription("Number of tasks completed"))
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("agentry.tasks.failed",
		metric.WithDescription("Number of tasks failed"))
	if err != nil {
		return nil, err
	}

	m.TasksCancelled, err = meter.Int64Counter("agentry.tasks.cancelled",
		metric.WithDescription("Number of tasks cancelled"))
	if err != nil {
		return nil, err
	}

	m.QueuePublishes, err = meter.Int64Counter("agentry.queue.publishes",
		metric.WithDescription("Number of queue publishes"))
	if err != nil {
		return nil, err
	}

	m.WSConnections, err = meter.Int64UpDownCounter("agentry.ws.connections",
		metric.WithDescription("Live WebSocket connections"))
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("agentry.task.execution_seconds",
		metric.WithDescription("Task execution time in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
