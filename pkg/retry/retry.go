// Package retry wraps outbound calls with exponential backoff and a
// circuit breaker. Agent invocations, tool calls, and notification sends
// all go through here.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Permanent marks an error as not worth retrying. The wrapped error is
// returned to the caller immediately.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Config controls retry behavior.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Do runs op with exponential backoff until it succeeds, returns a
// permanent error, exhausts MaxAttempts, or ctx is done.
func Do(ctx context.Context, cfg Config, name string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempt := 0
	wrapped := func() error {
		attempt++
		err := op()
		if err != nil {
			var perm *backoff.PermanentError
			if !errors.As(err, &perm) {
				slog.Debug("Retryable operation failed",
					"operation", name, "attempt", attempt, "error", err)
			}
		}
		return err
	}

	// MaxAttempts counts total tries, so allow MaxAttempts-1 retries.
	policy := backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(cfg.MaxAttempts-1)), ctx)
	return backoff.Retry(wrapped, policy)
}
