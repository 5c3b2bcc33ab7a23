package scheduler

import (
	"log/slog"
	"time"

	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/jobtype"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// DefaultMaxAttempts is the attempt budget applied when none is given.
const DefaultMaxAttempts = 5

// Option configures a Scheduler.
type Option interface {
	apply(*Scheduler)
}

type optionFunc func(*Scheduler)

func (f optionFunc) apply(s *Scheduler) { f(s) }

// WithLogger sets the scheduler's logger.
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	})
}

// WithRegistry substitutes the job type registry.
func WithRegistry(r *jobtype.Registry) Option {
	return optionFunc(func(s *Scheduler) {
		if r != nil {
			s.registry = r
		}
	})
}

// WithSource sets the candidate source scanned by Tick.
func WithSource(src CandidateSource) Option {
	return optionFunc(func(s *Scheduler) { s.source = src })
}

// WithBus shares an event bus with other components, typically the
// worker, so one subscription sees the whole job lifecycle.
func WithBus(bus *core.Bus) Option {
	return optionFunc(func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	})
}

// WithCircuitThreshold sets how many consecutive storage errors open
// the circuit during Tick.
func WithCircuitThreshold(n int) Option {
	return optionFunc(func(s *Scheduler) {
		if n > 0 {
			s.circuitThreshold = n
		}
	})
}

// EnqueueOptions holds per-job enqueue settings.
type EnqueueOptions struct {
	Priority    *int
	MaxAttempts int
	Delay       time.Duration
	RunAt       *time.Time
	Payload     any
}

// NewEnqueueOptions creates EnqueueOptions with defaults.
func NewEnqueueOptions() *EnqueueOptions {
	return &EnqueueOptions{MaxAttempts: DefaultMaxAttempts}
}

// EnqueueOption modifies EnqueueOptions.
type EnqueueOption interface {
	Apply(*EnqueueOptions)
}

type enqueueOptionFunc func(*EnqueueOptions)

func (f enqueueOptionFunc) Apply(o *EnqueueOptions) { f(o) }

// Priority overrides the registry's default priority for the job type.
// Lower values are claimed first.
func Priority(p int) EnqueueOption {
	return enqueueOptionFunc(func(o *EnqueueOptions) { o.Priority = &p })
}

// MaxAttempts sets the attempt budget. Zero means unlimited.
// Values are clamped to [0, 100].
func MaxAttempts(n int) EnqueueOption {
	return enqueueOptionFunc(func(o *EnqueueOptions) { o.MaxAttempts = redact.ClampAttempts(n) })
}

// Delay gates the job until a duration from now.
func Delay(d time.Duration) EnqueueOption {
	return enqueueOptionFunc(func(o *EnqueueOptions) { o.Delay = d })
}

// At gates the job until a specific time.
func At(t time.Time) EnqueueOption {
	return enqueueOptionFunc(func(o *EnqueueOptions) { o.RunAt = &t })
}

// Payload attaches JSON-serializable data to the job, typically the
// sync cursor the worker should resume from.
func Payload(v any) EnqueueOption {
	return enqueueOptionFunc(func(o *EnqueueOptions) { o.Payload = v })
}
