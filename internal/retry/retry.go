// Package retry provides a bounded retry combinator for transient failures.
//
// Only errors classified as retryable are retried; permanent failures return
// immediately. Delays between attempts grow exponentially from a base, are
// capped, and carry jitter so concurrent retriers do not stampede in step.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// Policy bounds a retry loop.
type Policy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// BaseDelay is the delay before the second attempt.
	BaseDelay time.Duration
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration
}

// DefaultPolicy is a reasonable policy for lock contention and agent hiccups.
var DefaultPolicy = Policy{
	MaxAttempts: 4,
	BaseDelay:   100 * time.Millisecond,
	MaxDelay:    5 * time.Second,
}

// Delay returns the backoff before the given retry (attempt counts from 1;
// attempt 1 is the initial try, so Delay(1) precedes attempt 2). The result
// is jittered between half and the full exponential value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay <= 0 {
		return 0
	}

	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// AttemptFunc is one try of a retryable operation.
type AttemptFunc func(ctx context.Context) error

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy's attempts, or ctx is cancelled. The returned error is the last
// attempt's error wrapped with attempt context, so callers can still match
// the underlying sentinel with errors.Is.
func Do(ctx context.Context, policy Policy, logger *logging.Logger, op string, fn AttemptFunc) error {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !errors.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}

		delay := policy.Delay(attempt)
		logger.Debug("retrying after transient failure",
			"op", op,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay.String(),
			"error", lastErr.Error(),
		)

		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "%s aborted during retry backoff", op)
		case <-time.After(delay):
		}
	}

	return errors.Wrapf(lastErr, "%s failed after %d attempts", op, policy.MaxAttempts)
}
