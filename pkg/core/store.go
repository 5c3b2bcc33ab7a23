package core

import (
	"context"
	"time"
)

// JobStore is the persistence contract shared by the queue, the worker
// and the reaper. Implementations must be safe for concurrent use from
// multiple goroutines and multiple processes.
type JobStore interface {
	// Migrate creates or updates the backing schema.
	Migrate(ctx context.Context) error

	// EnqueueJob inserts a new pending job. It fills ID and CreatedAt
	// when unset. If an active job (pending, running or failed) already
	// exists for the same repo and job type it returns ErrDuplicateJob.
	EnqueueJob(ctx context.Context, job *SyncJob) error

	// ClaimJob atomically claims the next eligible job for one of the
	// given physical job types: status pending or failed, NotBefore
	// unset or in the past, ordered by priority ascending then
	// CreatedAt ascending. The claim sets status running, the lease
	// fields and increments Attempts. Returns ErrNoJobs when nothing
	// is eligible.
	ClaimJob(ctx context.Context, jobTypes []string, workerID string) (*SyncJob, error)

	// HeartbeatJob refreshes the lease timestamp of a running job. It
	// returns ErrJobNotOwned if the job is not running and locked by
	// workerID.
	HeartbeatJob(ctx context.Context, jobID, workerID string) error

	// CompleteJob marks an owned running job completed and clears its
	// lease. Returns ErrJobNotOwned on an ownership mismatch.
	CompleteJob(ctx context.Context, jobID, workerID string) error

	// FailJob records a failure on an owned running job. With retryAt
	// set the job moves to failed with NotBefore=retryAt; with retryAt
	// nil it moves to dead. The lease is cleared either way. Returns
	// ErrJobNotOwned on an ownership mismatch.
	FailJob(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error

	// ReleaseJob undoes a claim without recording an attempt: the job
	// returns to pending, the lease is cleared and Attempts is
	// decremented. Used when a worker claims a job but cannot take the
	// repo lock. Returns ErrJobNotOwned on an ownership mismatch.
	ReleaseJob(ctx context.Context, jobID, workerID string) error

	// GetJob loads a job by ID. Returns ErrJobNotFound when absent.
	GetJob(ctx context.Context, jobID string) (*SyncJob, error)

	// ListJobsByStatus returns up to limit jobs in the given status,
	// oldest first.
	ListJobsByStatus(ctx context.Context, status JobStatus, limit int) ([]*SyncJob, error)

	// CountJobsByStatus returns the number of jobs per status.
	CountJobsByStatus(ctx context.Context) (map[JobStatus]int64, error)

	// ListExpiredRunningJobs returns up to limit running jobs whose
	// lease timestamp is older than olderThan. Running rows with no
	// lease timestamp at all are included.
	ListExpiredRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*SyncJob, error)

	// MarkJobDead moves a running job to dead, records errMsg and
	// clears the lease. Returns false when the job was no longer
	// running.
	MarkJobDead(ctx context.Context, jobID, errMsg string) (bool, error)

	// MarkJobFailed moves a running job to failed with the given error
	// message and NotBefore, clearing the lease. Returns false when the
	// job was no longer running.
	MarkJobFailed(ctx context.Context, jobID, errMsg string, notBefore time.Time) (bool, error)

	// MarkJobPending returns a running job to pending with a cleared
	// lease and no backoff. Returns false when the job was no longer
	// running.
	MarkJobPending(ctx context.Context, jobID string) (bool, error)

	// StartRun inserts a new running run record, filling ID and
	// StartedAt when unset.
	StartRun(ctx context.Context, run *SyncRun) error

	// CompleteRun marks a running run completed with its final stats.
	CompleteRun(ctx context.Context, runID string, itemsSynced int, patchesSkipped bool) error

	// GetRun loads a run by ID. Returns ErrRunNotFound when absent.
	GetRun(ctx context.Context, runID string) (*SyncRun, error)

	// ListExpiredRuns returns up to limit running runs started before
	// olderThan.
	ListExpiredRuns(ctx context.Context, olderThan time.Time, limit int) ([]*SyncRun, error)

	// MarkRunFailed marks a running run failed with the given summary.
	// Returns false when the run was no longer running.
	MarkRunFailed(ctx context.Context, runID string, summary RunErrorSummary) (bool, error)

	// AcquireLock takes the advisory lock on resource for holder.
	// Returns ErrLockHeld when another holder owns it.
	AcquireLock(ctx context.Context, resource, holder string) error

	// ReleaseLock releases the advisory lock on resource if holder owns
	// it. Releasing a lock that is not held is not an error.
	ReleaseLock(ctx context.Context, resource, holder string) error

	// ListExpiredLocks returns up to limit locks acquired before
	// olderThan.
	ListExpiredLocks(ctx context.Context, olderThan time.Time, limit int) ([]*SyncLock, error)

	// ForceReleaseLock releases the lock on resource regardless of
	// holder. Returns false when no lock row existed.
	ForceReleaseLock(ctx context.Context, resource string) (bool, error)

	// SetRepoPaused sets or clears the pause flag for a repository.
	// Paused repositories are skipped by the scheduler.
	SetRepoPaused(ctx context.Context, repoID string, paused bool, reason string) error

	// IsRepoPaused reports whether a repository is paused. Unknown
	// repositories are not paused.
	IsRepoPaused(ctx context.Context, repoID string) (bool, error)

	// ListPausedRepos returns all paused repositories.
	ListPausedRepos(ctx context.Context) ([]*RepoState, error)

	// TouchRepoSynced records the time a repository last completed a
	// sync.
	TouchRepoSynced(ctx context.Context, repoID string, at time.Time) error

	// Close releases the underlying database resources.
	Close() error
}
