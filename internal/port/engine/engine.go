// Package engine defines the agent execution engine port. The engine is
// an opaque, possibly slow, possibly failing external collaborator.
package engine

import (
	"context"

	"github.com/agentry-io/agentry/internal/domain/agent"
)

// ErrorKind classifies execution failures so callers can branch on kind
// without parsing prose.
type ErrorKind string

const (
	ErrKindNone     ErrorKind = ""
	ErrKindTimeout  ErrorKind = "timeout"
	ErrKindCanceled ErrorKind = "canceled"
	ErrKindUpstream ErrorKind = "upstream"
	ErrKindInternal ErrorKind = "internal"
)

// Result is the outcome of one execution. Failure is a value, not a
// control-flow jump: Execute never panics across this boundary.
type Result struct {
	Success bool
	Output  map[string]any
	Err     string
	Kind    ErrorKind
}

// Engine executes a task's input against an agent's configuration.
// Implementations must honor ctx cancellation (the soft wall-clock
// limit and revocation both arrive as context cancellation).
type Engine interface {
	Execute(ctx context.Context, ag *agent.Agent, input map[string]any) Result
}
