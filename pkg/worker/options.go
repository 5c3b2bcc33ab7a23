package worker

import (
	"log/slog"
	"time"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/degrade"
	"github.com/repoharvest/scmsync/pkg/errclass"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// Defaults used when a Config field is zero.
const (
	DefaultConcurrency       = 4
	DefaultPollInterval      = time.Second
	DefaultHeartbeatInterval = time.Minute
)

// Config holds worker configuration.
type Config struct {
	// WorkerID identifies this worker in leases and run records. A
	// random ID is generated when unset.
	WorkerID string

	// Concurrency is how many sync runs execute in parallel.
	Concurrency int

	// PollInterval is how often the worker polls for claimable jobs.
	PollInterval time.Duration

	// HeartbeatInterval is how often a running job's lease is
	// refreshed. Keep it well under the reaper's job grace.
	HeartbeatInterval time.Duration

	// Degrade configures the per-run degradation controller.
	Degrade degrade.Config

	// Backoff computes retry delays for failed attempts.
	Backoff backoff.Policy

	// StorageRetry governs in-process retries of storage writes.
	StorageRetry *RetryConfig

	// ClaimRetry governs in-process retries of the claim query. Longer
	// backoff than StorageRetry so a database outage is not hammered.
	ClaimRetry *RetryConfig
}

// Option configures a Worker.
type Option interface {
	apply(*Worker)
}

type optionFunc func(*Worker)

func (f optionFunc) apply(w *Worker) { f(w) }

// WorkerID sets a stable worker identity. Useful when leases should
// survive a process restart on the same host.
func WorkerID(id string) Option {
	return optionFunc(func(w *Worker) {
		if id != "" {
			w.config.WorkerID = id
		}
	})
}

// Concurrency sets how many sync runs execute in parallel.
// Values are clamped to [1, 1000].
func Concurrency(n int) Option {
	return optionFunc(func(w *Worker) {
		w.config.Concurrency = redact.ClampConcurrency(n)
	})
}

// PollInterval sets the claim polling interval.
func PollInterval(d time.Duration) Option {
	return optionFunc(func(w *Worker) {
		if d > 0 {
			w.config.PollInterval = d
		}
	})
}

// HeartbeatInterval sets the lease refresh interval.
func HeartbeatInterval(d time.Duration) Option {
	return optionFunc(func(w *Worker) {
		if d > 0 {
			w.config.HeartbeatInterval = d
		}
	})
}

// WithDegrade sets the degradation thresholds applied to every run.
func WithDegrade(cfg degrade.Config) Option {
	return optionFunc(func(w *Worker) { w.config.Degrade = cfg })
}

// WithBackoff sets the retry backoff policy.
func WithBackoff(p backoff.Policy) Option {
	return optionFunc(func(w *Worker) { w.config.Backoff = p })
}

// WithStorageRetry overrides the storage write retry configuration.
func WithStorageRetry(cfg RetryConfig) Option {
	return optionFunc(func(w *Worker) { w.config.StorageRetry = &cfg })
}

// WithClaimRetry overrides the claim query retry configuration.
func WithClaimRetry(cfg RetryConfig) Option {
	return optionFunc(func(w *Worker) { w.config.ClaimRetry = &cfg })
}

// WithLogger sets the worker's logger.
func WithLogger(log *slog.Logger) Option {
	return optionFunc(func(w *Worker) {
		if log != nil {
			w.log = log
		}
	})
}

// WithBus shares an event bus with other components, typically the
// scheduler.
func WithBus(bus *core.Bus) Option {
	return optionFunc(func(w *Worker) {
		if bus != nil {
			w.bus = bus
		}
	})
}

// WithClassifier substitutes the error classifier used for run
// summaries and retry decisions.
func WithClassifier(c *errclass.Classifier) Option {
	return optionFunc(func(w *Worker) {
		if c != nil {
			w.classifier = c
		}
	})
}
