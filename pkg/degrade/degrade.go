// Package degrade implements the per-run degradation controller that
// stops patch fetching after repeated failures of the same kind.
//
// One Controller belongs to exactly one sync run and is owned by the
// goroutine executing it. It is not safe for concurrent use; runs never
// share a controller.
package degrade

import (
	"fmt"

	"github.com/repoharvest/scmsync/pkg/errclass"
)

// Default thresholds. Content-too-large trips faster than timeout
// since oversized content rarely shrinks between adjacent items.
const (
	DefaultTimeoutThreshold         = 3
	DefaultContentTooLargeThreshold = 2
)

// Config sets the consecutive-failure thresholds per tracked category.
// Thresholds below one are raised to one; a threshold of one trips on
// the first error.
type Config struct {
	TimeoutThreshold         int
	ContentTooLargeThreshold int

	// Sticky keeps the controller degraded for the remainder of the
	// run once tripped: RecordSuccess still clears the counters but
	// not the flag. The default matches the historical behavior where
	// a success fully re-arms the breaker.
	Sticky bool
}

// DefaultConfig returns the default thresholds with Sticky off.
func DefaultConfig() Config {
	return Config{
		TimeoutThreshold:         DefaultTimeoutThreshold,
		ContentTooLargeThreshold: DefaultContentTooLargeThreshold,
	}
}

// State is a snapshot of the controller for logging and tests.
type State struct {
	ConsecutiveTimeout         int               `json:"consecutive_timeout"`
	ConsecutiveContentTooLarge int               `json:"consecutive_content_too_large"`
	ShouldSkipPatches          bool              `json:"should_skip_patches"`
	SkipReason                 string            `json:"skip_reason,omitempty"`
	TrippedCategory            errclass.Category `json:"tripped_category,omitempty"`
}

// Controller tracks consecutive same-category failures within one sync
// run and reports when patch fetching should stop.
type Controller struct {
	cfg Config

	consecutiveTimeout  int
	consecutiveTooLarge int
	skipPatches         bool
	skipReason          string
	tripped             errclass.Category
}

// New returns a controller for a single run.
func New(cfg Config) *Controller {
	if cfg.TimeoutThreshold < 1 {
		cfg.TimeoutThreshold = 1
	}
	if cfg.ContentTooLargeThreshold < 1 {
		cfg.ContentTooLargeThreshold = 1
	}
	return &Controller{cfg: cfg}
}

// RecordError notes a failed fetch attempt. An error in one tracked
// category resets the counter of the other, so different failure kinds
// never compound toward the same threshold. It returns true exactly
// when this call reaches the category's threshold and trips the
// breaker; later errors in the same streak return false.
func (c *Controller) RecordError(category errclass.Category) bool {
	switch category {
	case errclass.CategoryTimeout:
		c.consecutiveTimeout++
		c.consecutiveTooLarge = 0
		if c.consecutiveTimeout == c.cfg.TimeoutThreshold {
			c.trip(category)
			return true
		}
	case errclass.CategoryContentTooLarge:
		c.consecutiveTooLarge++
		c.consecutiveTimeout = 0
		if c.consecutiveTooLarge == c.cfg.ContentTooLargeThreshold {
			c.trip(category)
			return true
		}
	default:
		// Untracked categories break any streak without counting.
		c.consecutiveTimeout = 0
		c.consecutiveTooLarge = 0
	}
	return false
}

// RecordSuccess notes a successful fetch. All counters reset; unless
// Sticky is set, an already-tripped breaker re-arms as well, letting
// the rest of the batch retry cleanly once the upstream recovers.
func (c *Controller) RecordSuccess() {
	c.consecutiveTimeout = 0
	c.consecutiveTooLarge = 0
	if !c.cfg.Sticky {
		c.clearTrip()
	}
}

// Reset returns the controller to its initial state. Use between
// independent batches that reuse one controller.
func (c *Controller) Reset() {
	c.consecutiveTimeout = 0
	c.consecutiveTooLarge = 0
	c.clearTrip()
}

// ShouldSkipPatches reports whether patch fetching is suspended.
func (c *Controller) ShouldSkipPatches() bool {
	return c.skipPatches
}

// SkipReason returns the reason patch fetching is suspended, or the
// empty string when it is not.
func (c *Controller) SkipReason() string {
	return c.skipReason
}

// GetState returns a snapshot of the controller.
func (c *Controller) GetState() State {
	return State{
		ConsecutiveTimeout:         c.consecutiveTimeout,
		ConsecutiveContentTooLarge: c.consecutiveTooLarge,
		ShouldSkipPatches:          c.skipPatches,
		SkipReason:                 c.skipReason,
		TrippedCategory:            c.tripped,
	}
}

func (c *Controller) trip(category errclass.Category) {
	c.skipPatches = true
	c.skipReason = fmt.Sprintf("repeated %s failures", category)
	c.tripped = category
}

func (c *Controller) clearTrip() {
	c.skipPatches = false
	c.skipReason = ""
	c.tripped = ""
}
