// Package resilience provides reliability patterns for calls that leave
// the process: queue publishes and engine requests.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// Breaker trips after maxFailures consecutive failures and rejects
// calls for the timeout window. The first call after the window probes
// the dependency: success closes the circuit, failure re-opens it.
type Breaker struct {
	mu          sync.Mutex
	state       breakerState
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
}

// NewBreaker creates a closed breaker.
func NewBreaker(maxFailures int, timeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		timeout:     timeout,
		now:         time.Now,
	}
}

// Execute runs fn unless the circuit is open, and records the outcome.
func (b *Breaker) Execute(fn func() error) error {
	if !b.admit() {
		return ErrCircuitOpen
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == open {
		if b.now().Sub(b.openedAt) < b.timeout {
			return false
		}
		b.state = halfOpen
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		b.failures = 0
		b.state = closed
		return
	}

	b.failures++
	if b.state == halfOpen || b.failures >= b.maxFailures {
		b.state = open
		b.openedAt = b.now()
	}
}
