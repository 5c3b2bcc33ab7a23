package worker

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/repoharvest/scmsync/pkg/core"
)

// RetryConfig holds configuration for in-process retries of storage
// operations. This is worker-internal resilience against transient
// database failures; retry of the job itself is governed by the queue's
// backoff policy.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the
	// first). Default: 5
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 5s
	MaxBackoff time.Duration

	// BackoffMultiplier is applied to the backoff after each attempt.
	// Default: 2.0
	BackoffMultiplier float64

	// JitterFraction is the fraction of backoff to randomize (0.0 to 1.0).
	// Default: 0.1 (10% jitter)
	JitterFraction float64
}

// DefaultRetryConfig returns the retry configuration for storage writes.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// DefaultClaimRetryConfig returns the retry configuration for the claim
// query. Backoff is longer than for writes so a database outage is not
// hammered by every poll.
func DefaultClaimRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.2,
	}
}

// retryWithBackoff executes the operation with exponential backoff
// until it succeeds, fails with a non-retryable error, or attempts are
// exhausted. It respects context cancellation.
func retryWithBackoff(ctx context.Context, config RetryConfig, operation func() error) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		if !isRetryable(lastErr) {
			return lastErr
		}

		if attempt >= config.MaxAttempts {
			break
		}

		// Calculate backoff with jitter.
		jitter := time.Duration(float64(backoff) * config.JitterFraction * (rand.Float64()*2 - 1))
		sleepDuration := backoff + jitter
		if sleepDuration < 0 {
			sleepDuration = backoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleepDuration):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}

// isRetryable separates transient storage failures from definitive
// outcomes. Ownership and lock conflicts are answers, not outages;
// retrying cannot change them.
func isRetryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, core.ErrJobNotOwned),
		errors.Is(err, core.ErrLockHeld),
		errors.Is(err, core.ErrNoJobs),
		errors.Is(err, core.ErrJobNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrDuplicateJob):
		return false
	}
	return true
}
