package resilience

import (
	"context"
	"time"
)

// Retry calls fn up to attempts times with exponential backoff starting
// at base, doubling each attempt. It stops early when fn succeeds or ctx
// is done, returning the last error otherwise.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	delay := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
