// Package domain provides shared domain-level sentinel and typed errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrForbidden indicates the requester is not authorized for the entity.
var ErrForbidden = errors.New("forbidden")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ErrNotClaimable indicates a worker tried to claim a task that is no
// longer pending. The worker abandons the job silently.
var ErrNotClaimable = errors.New("task is not pending")

// ErrAlreadyFinished indicates a terminal transition was attempted on a
// task that is already in a terminal state. Callers treat this as a lost
// race, not a failure.
var ErrAlreadyFinished = errors.New("task already in a terminal state")

// ErrQueueUnavailable indicates the job queue could not accept a publish
// or revoke request. Retryable at the call site.
var ErrQueueUnavailable = errors.New("job queue unavailable")

// InvalidTransitionError is returned by the task state machine when the
// requested status edge is not legal.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// NotCancellableError is returned when cancel is requested for a task
// that is already in a terminal state.
type NotCancellableError struct {
	Status string
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("cannot cancel task with status %s", e.Status)
}
