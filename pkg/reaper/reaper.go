// Package reaper recovers sync jobs, runs and locks abandoned by
// crashed or hung workers.
//
// Three independent passes run per invocation:
//
//   - jobs: running jobs whose lease is older than JobGrace are
//     classified by their last error and moved to dead, failed with
//     backoff, or pending, per the recovery policy
//   - runs: running runs older than MaxRunDuration are failed with a
//     fixed lease-lost summary
//   - locks: locks older than LockGrace are force-released
//
// A note on duplicate execution: a worker may still be alive when its
// lease expires (GC pause, network partition). The reaper reassigns the
// job anyway, and the store's ownership checks make the late worker's
// writes fail. Processing is therefore at-least-once: work is never
// silently dropped, but a slow worker's attempt can overlap with its
// replacement.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/errclass"
	"github.com/repoharvest/scmsync/pkg/metrics"
)

// Policy selects what happens to an expired job that neither the
// classifier nor the attempt budget decides.
type Policy string

const (
	// PolicyToFailed marks the job failed with a generic message and a
	// fixed retry delay. This is the default.
	PolicyToFailed Policy = "to_failed"

	// PolicyToPending clears the lease and returns the job to pending
	// with no backoff and no error message. Use when lock loss is
	// suspected rather than application failure.
	PolicyToPending Policy = "to_pending"
)

// Defaults used when a Config field is zero.
const (
	DefaultJobGrace       = 5 * time.Minute
	DefaultMaxRunDuration = time.Hour
	DefaultLockGrace      = 10 * time.Minute
	DefaultRetryDelay     = time.Minute
	DefaultBatchSize      = 500
	DefaultInterval       = time.Minute
)

// Fixed summary written to runs the reaper times out. Run expiry is
// infrastructure-level, so no classification is applied.
const (
	runErrorType    = "lease_lost"
	runErrorMessage = "Reaped: sync run timed out"
)

// Config controls the reaper's grace windows and recovery behavior.
type Config struct {
	// JobGrace is how stale a job lease must be before recovery.
	JobGrace time.Duration

	// MaxRunDuration is the wall-clock budget for a single run,
	// independent of the job lease.
	MaxRunDuration time.Duration

	// LockGrace is how old a lock must be before force release.
	LockGrace time.Duration

	// RecoveryPolicy decides the fate of unclassified expired jobs
	// with attempts remaining.
	RecoveryPolicy Policy

	// RetryDelay is the backoff applied by PolicyToFailed.
	RetryDelay time.Duration

	// TransientRetryMultiplier scales the computed backoff for jobs
	// recovered from transient errors. It does not apply to the
	// PolicyToFailed generic delay.
	TransientRetryMultiplier float64

	// Backoff computes delays for transient-error recovery.
	Backoff backoff.Policy

	// BatchSize bounds each discovery query.
	BatchSize int

	// DryRun reports what would happen without mutating anything.
	DryRun bool
}

// JobCounts reports the job recovery pass.
type JobCounts struct {
	Processed int `json:"processed"`
	ToFailed  int `json:"to_failed"`
	ToDead    int `json:"to_dead"`
	ToPending int `json:"to_pending"`
	Errors    int `json:"errors"`
}

// RunCounts reports the run recovery pass.
type RunCounts struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Errors    int `json:"errors"`
}

// LockCounts reports the lock recovery pass.
type LockCounts struct {
	Processed int `json:"processed"`
	Released  int `json:"released"`
	Errors    int `json:"errors"`
}

// Result is the structured outcome of one reaper invocation. Counts for
// passes that completed are always populated, even when a later pass
// fails.
type Result struct {
	Jobs   JobCounts  `json:"jobs"`
	Runs   RunCounts  `json:"runs"`
	Locks  LockCounts `json:"locks"`
	DryRun bool       `json:"dry_run"`
}

// Total returns how many expired resources the invocation examined.
func (r Result) Total() int {
	return r.Jobs.Processed + r.Runs.Processed + r.Locks.Processed
}

// outcome names the transition applied to one expired job.
type outcome string

const (
	outcomeDead    outcome = "to_dead"
	outcomeFailed  outcome = "to_failed"
	outcomePending outcome = "to_pending"
	// outcomeSkipped means the row left the running state between
	// discovery and the write, usually because its worker finished.
	outcomeSkipped outcome = "skipped"
)

// Reaper periodically recovers expired jobs, runs and locks.
type Reaper struct {
	store      core.JobStore
	cfg        Config
	log        *slog.Logger
	classifier *errclass.Classifier
}

// New creates a reaper. Zero Config fields get defaults; an unknown
// recovery policy is an error.
func New(store core.JobStore, cfg Config, opts ...Option) (*Reaper, error) {
	if store == nil {
		return nil, errors.New("scmsync: reaper requires a job store")
	}
	switch cfg.RecoveryPolicy {
	case "":
		cfg.RecoveryPolicy = PolicyToFailed
	case PolicyToFailed, PolicyToPending:
	default:
		return nil, fmt.Errorf("scmsync: invalid recovery policy %q", cfg.RecoveryPolicy)
	}
	if cfg.JobGrace <= 0 {
		cfg.JobGrace = DefaultJobGrace
	}
	if cfg.MaxRunDuration <= 0 {
		cfg.MaxRunDuration = DefaultMaxRunDuration
	}
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = DefaultLockGrace
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.TransientRetryMultiplier <= 0 {
		cfg.TransientRetryMultiplier = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Default()
	}

	r := &Reaper{
		store:      store,
		cfg:        cfg,
		log:        slog.Default(),
		classifier: errclass.New(),
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r, nil
}

// RunOnce performs one recovery invocation: jobs, then runs, then
// locks. Each pass commits its own transitions row by row; a pass-level
// failure (a discovery query error) aborts the invocation and is
// returned, with the counts of completed passes preserved in Result.
func (r *Reaper) RunOnce(ctx context.Context) (Result, error) {
	result := Result{DryRun: r.cfg.DryRun}

	if err := r.reapJobs(ctx, &result.Jobs); err != nil {
		return result, fmt.Errorf("job recovery pass: %w", err)
	}
	if err := r.reapRuns(ctx, &result.Runs); err != nil {
		return result, fmt.Errorf("run recovery pass: %w", err)
	}
	if err := r.reapLocks(ctx, &result.Locks); err != nil {
		return result, fmt.Errorf("lock recovery pass: %w", err)
	}
	return result, nil
}

// Run invokes RunOnce immediately and then on every interval tick until
// ctx is canceled. Pass failures are logged and the loop continues;
// crashing the process would leave nothing to recover the queue.
func (r *Reaper) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.log.Info("reaper started",
		"interval", interval,
		"job_grace", r.cfg.JobGrace,
		"max_run_duration", r.cfg.MaxRunDuration,
		"lock_grace", r.cfg.LockGrace,
		"policy", r.cfg.RecoveryPolicy,
		"dry_run", r.cfg.DryRun)

	for {
		result, err := r.RunOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.log.Error("reaper invocation failed", "error", err)
		case result.Total() > 0:
			r.log.Info("reaper invocation complete",
				"jobs_processed", result.Jobs.Processed,
				"jobs_to_failed", result.Jobs.ToFailed,
				"jobs_to_dead", result.Jobs.ToDead,
				"jobs_to_pending", result.Jobs.ToPending,
				"runs_failed", result.Runs.Failed,
				"locks_released", result.Locks.Released,
				"errors", result.Jobs.Errors+result.Runs.Errors+result.Locks.Errors,
				"dry_run", result.DryRun)
		}
		r.updateQueueDepth(ctx)

		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// updateQueueDepth refreshes the per-status gauge. Loop mode only; a
// one-shot invocation exits before anything could scrape it.
func (r *Reaper) updateQueueDepth(ctx context.Context) {
	counts, err := r.store.CountJobsByStatus(ctx)
	if err != nil {
		return
	}
	for status, n := range counts {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}

func (r *Reaper) reapJobs(ctx context.Context, counts *JobCounts) error {
	defer observePass("jobs")()

	cutoff := time.Now().Add(-r.cfg.JobGrace)
	jobs, err := r.store.ListExpiredRunningJobs(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, job := range jobs {
		counts.Processed++
		out, err := r.recoverJob(ctx, job)
		if err != nil {
			counts.Errors++
			r.log.Error("failed to recover expired job",
				"job_id", job.ID, "repo_id", job.RepoID, "job_type", job.JobType, "error", err)
			continue
		}
		switch out {
		case outcomeDead:
			counts.ToDead++
		case outcomeFailed:
			counts.ToFailed++
		case outcomePending:
			counts.ToPending++
		case outcomeSkipped:
			continue
		}
		if !r.cfg.DryRun {
			metrics.ReapedJobs.WithLabelValues(string(out)).Inc()
		}
	}
	return nil
}

// recoverJob decides and applies the fate of one expired job, in strict
// priority order: permanent errors kill the job, transient errors
// requeue it with backoff, exhausted attempt budgets kill it, and
// everything else falls through to the configured policy.
func (r *Reaper) recoverJob(ctx context.Context, job *core.SyncJob) (outcome, error) {
	cls := r.classifier.Classify(job.LastError)

	switch {
	case cls.Permanent:
		msg := fmt.Sprintf("Reaped: permanent error (%s): %s", cls.Category, job.LastError)
		return r.markDead(ctx, job, msg)

	case cls.Transient:
		delay := r.cfg.Backoff.Delay(job.Attempts+1, cls.Category)
		delay = time.Duration(float64(delay) * r.cfg.TransientRetryMultiplier)
		msg := fmt.Sprintf("Reaped: transient error (%s): %s", cls.Category, job.LastError)
		return r.markFailed(ctx, job, msg, time.Now().Add(delay))

	case job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts:
		msg := fmt.Sprintf("Reaped: job expired after %d attempts", job.Attempts)
		return r.markDead(ctx, job, msg)

	case r.cfg.RecoveryPolicy == PolicyToPending:
		return r.markPending(ctx, job)

	default:
		return r.markFailed(ctx, job, "Reaped: job lock expired", time.Now().Add(r.cfg.RetryDelay))
	}
}

func (r *Reaper) markDead(ctx context.Context, job *core.SyncJob, msg string) (outcome, error) {
	if r.cfg.DryRun {
		return outcomeDead, nil
	}
	changed, err := r.store.MarkJobDead(ctx, job.ID, msg)
	if err != nil {
		return "", err
	}
	if !changed {
		r.log.Debug("expired job finished before recovery", "job_id", job.ID)
		return outcomeSkipped, nil
	}
	r.log.Warn("reaped job to dead",
		"job_id", job.ID, "repo_id", job.RepoID, "job_type", job.JobType,
		"attempts", job.Attempts, "reason", msg)
	return outcomeDead, nil
}

func (r *Reaper) markFailed(ctx context.Context, job *core.SyncJob, msg string, notBefore time.Time) (outcome, error) {
	if r.cfg.DryRun {
		return outcomeFailed, nil
	}
	changed, err := r.store.MarkJobFailed(ctx, job.ID, msg, notBefore)
	if err != nil {
		return "", err
	}
	if !changed {
		r.log.Debug("expired job finished before recovery", "job_id", job.ID)
		return outcomeSkipped, nil
	}
	r.log.Info("reaped job to failed",
		"job_id", job.ID, "repo_id", job.RepoID, "job_type", job.JobType,
		"attempts", job.Attempts, "not_before", notBefore, "reason", msg)
	return outcomeFailed, nil
}

func (r *Reaper) markPending(ctx context.Context, job *core.SyncJob) (outcome, error) {
	if r.cfg.DryRun {
		return outcomePending, nil
	}
	changed, err := r.store.MarkJobPending(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if !changed {
		r.log.Debug("expired job finished before recovery", "job_id", job.ID)
		return outcomeSkipped, nil
	}
	r.log.Info("reaped job to pending",
		"job_id", job.ID, "repo_id", job.RepoID, "job_type", job.JobType,
		"attempts", job.Attempts)
	return outcomePending, nil
}

func (r *Reaper) reapRuns(ctx context.Context, counts *RunCounts) error {
	defer observePass("runs")()

	cutoff := time.Now().Add(-r.cfg.MaxRunDuration)
	runs, err := r.store.ListExpiredRuns(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, run := range runs {
		counts.Processed++
		if r.cfg.DryRun {
			counts.Failed++
			continue
		}
		changed, err := r.store.MarkRunFailed(ctx, run.ID, core.RunErrorSummary{
			ErrorType:     runErrorType,
			ErrorCategory: string(errclass.CategoryTimeout),
			Message:       runErrorMessage,
		})
		if err != nil {
			counts.Errors++
			r.log.Error("failed to reap expired run",
				"run_id", run.ID, "job_id", run.JobID, "error", err)
			continue
		}
		if !changed {
			continue
		}
		counts.Failed++
		metrics.ReapedRuns.Inc()
		r.log.Info("reaped expired run",
			"run_id", run.ID, "job_id", run.JobID, "repo_id", run.RepoID,
			"started_at", run.StartedAt)
	}
	return nil
}

func (r *Reaper) reapLocks(ctx context.Context, counts *LockCounts) error {
	defer observePass("locks")()

	cutoff := time.Now().Add(-r.cfg.LockGrace)
	locks, err := r.store.ListExpiredLocks(ctx, cutoff, r.cfg.BatchSize)
	if err != nil {
		return err
	}

	for _, lock := range locks {
		counts.Processed++
		if r.cfg.DryRun {
			counts.Released++
			continue
		}
		released, err := r.store.ForceReleaseLock(ctx, lock.Resource)
		if err != nil {
			counts.Errors++
			r.log.Error("failed to release expired lock",
				"resource", lock.Resource, "locked_by", lock.LockedBy, "error", err)
			continue
		}
		if !released {
			// A racing process released it between discovery and here.
			r.log.Debug("expired lock already released",
				"resource", lock.Resource, "locked_by", lock.LockedBy)
			continue
		}
		counts.Released++
		metrics.ReleasedLocks.Inc()
		r.log.Info("force released expired lock",
			"resource", lock.Resource, "locked_by", lock.LockedBy,
			"locked_at", lock.LockedAt)
	}
	return nil
}

func observePass(pass string) func() {
	start := time.Now()
	return func() {
		metrics.ReaperPassDuration.WithLabelValues(pass).Observe(time.Since(start).Seconds())
	}
}
