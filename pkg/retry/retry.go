// Package retry re-runs backend calls that fail with a transient error.
package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// StaleLockMarker is the error text an agent process prints when another run
// still holds its session file.
const StaleLockMarker = "session file locked"

// Policy decides whether and when a failed call is tried again.
type Policy struct {
	// MaxAttempts counts the first try; values below 1 mean a single attempt
	MaxAttempts int
	// Fixed delay between attempts
	Delay time.Duration
	// Retryable classifies an error; nil retries nothing
	Retryable func(error) bool
	// OnRetry is called before each sleep with the 1-based attempt that failed
	OnRetry func(attempt int, err error)
}

// StaleLockPolicy retries stale session-lock failures: 1 try plus extra
// retries, delay apart.
func StaleLockPolicy(extraRetries int, delay time.Duration) Policy {
	return Policy{
		MaxAttempts: extraRetries + 1,
		Delay:       delay,
		Retryable:   IsStaleLock,
	}
}

// DefaultStaleLockPolicy is 3 attempts, 650ms apart.
func DefaultStaleLockPolicy() Policy {
	return StaleLockPolicy(2, 650*time.Millisecond)
}

// IsStaleLock reports whether err carries the stale session-lock marker.
func IsStaleLock(err error) bool {
	return err != nil && strings.Contains(err.Error(), StaleLockMarker)
}

// Do runs fn until it succeeds, fails with a non-retryable error, or the
// policy runs out of attempts. The last error is returned unchanged.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := max(p.MaxAttempts, 1)

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= attempts || p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		log.Debug().
			Int("attempt", attempt).
			Dur("delay", p.Delay).
			Err(err).
			Msg("Retrying after transient error")

		if err := sleep(ctx, p.Delay); err != nil {
			return zero, fmt.Errorf("retry aborted: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
