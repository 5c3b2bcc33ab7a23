// Package backoff computes retry delays for failed sync jobs.
//
// Delays grow exponentially with the attempt count, scale by error
// category and clamp to a maximum. The policy is deterministic: no
// jitter and no clock reads, so the reaper's decisions are reproducible
// in tests.
package backoff

import (
	"time"

	"github.com/repoharvest/scmsync/pkg/errclass"
)

// Defaults used when a Policy field is zero or negative.
const (
	DefaultBase = 30 * time.Second
	DefaultMax  = 30 * time.Minute
)

// Category multipliers. Rate limiting backs off hardest since retrying
// into a closed window only extends it.
const (
	rateLimitedFactor = 4
	serverErrorFactor = 2
)

// Policy computes a clamped exponential delay from an attempt count and
// an error category.
type Policy struct {
	Base time.Duration
	Max  time.Duration
}

// Default returns a policy with DefaultBase and DefaultMax.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax}
}

// Delay returns the wait before attempt may run: Base doubled per prior
// attempt, scaled by category and clamped to Max. Attempt counts below
// one are treated as one.
func (p Policy) Delay(attempt int, category errclass.Category) time.Duration {
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	maxDelay := p.Max
	if maxDelay <= 0 {
		maxDelay = DefaultMax
	}
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}

	switch category {
	case errclass.CategoryRateLimited:
		delay *= rateLimitedFactor
	case errclass.CategoryServerError:
		delay *= serverErrorFactor
	}

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
