package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("scmsync: job not found")

	// ErrRunNotFound is returned when a run ID does not exist.
	ErrRunNotFound = errors.New("scmsync: run not found")

	// ErrNoJobs is returned by ClaimJob when no eligible job exists.
	ErrNoJobs = errors.New("scmsync: no jobs available")

	// ErrDuplicateJob is returned by EnqueueJob when an active job for
	// the same repo and job type already exists.
	ErrDuplicateJob = errors.New("scmsync: duplicate active job")

	// ErrJobNotOwned is returned when a worker operates on a job it no
	// longer holds the lease for.
	ErrJobNotOwned = errors.New("scmsync: job not owned by worker")

	// ErrLockHeld is returned by AcquireLock when another holder owns
	// the lock.
	ErrLockHeld = errors.New("scmsync: lock held by another worker")

	// ErrPayloadTooLarge is returned when a job payload exceeds the
	// maximum size.
	ErrPayloadTooLarge = errors.New("scmsync: job payload too large")
)

// NoRetryError wraps a handler error to signal that the job must not be
// retried regardless of remaining attempts. The worker moves the job
// straight to dead.
type NoRetryError struct {
	Err error
}

func (e *NoRetryError) Error() string {
	return fmt.Sprintf("no retry: %v", e.Err)
}

func (e *NoRetryError) Unwrap() error { return e.Err }

// NoRetry wraps err so the worker treats it as permanent.
func NoRetry(err error) error {
	return &NoRetryError{Err: err}
}

// RetryAfterError wraps a handler error with an explicit retry delay,
// overriding the backoff policy for this attempt.
type RetryAfterError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.Delay, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }

// RetryAfter wraps err with a fixed delay before the next attempt.
func RetryAfter(err error, delay time.Duration) error {
	return &RetryAfterError{Err: err, Delay: delay}
}
