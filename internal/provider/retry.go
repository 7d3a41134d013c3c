package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	// defaultMaxAttempts is the number of tries before Retry gives up.
	defaultMaxAttempts = 3

	// baseDelay is the starting backoff interval.
	baseDelay = 500 * time.Millisecond

	// maxDelay caps the backoff interval.
	maxDelay = 5 * time.Second
)

// newCallBackOff returns the in-call policy: 500ms doubling to 5s with the
// library's default 50% jitter.
func newCallBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseDelay
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	return b
}

// Retry executes fn up to maxAttempts times with exponential backoff. Only
// transient failures are retried; a permanent error is returned at once. A
// server-provided Retry-After replaces the computed delay. The replay engine
// retries above this layer indefinitely, so Retry only smooths over short
// blips inside a single call.
func Retry(ctx context.Context, maxAttempts int, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn()
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(newCallBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	if err == nil {
		return nil
	}
	// backoff.Retry has already unwrapped a permanent error.
	if ctx.Err() != nil {
		return fmt.Errorf("retry cancelled: %w", err)
	}
	if !IsTransient(err) {
		return err
	}
	return fmt.Errorf("all %d attempts failed: %w", maxAttempts, err)
}
