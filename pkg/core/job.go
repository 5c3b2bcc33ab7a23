package core

import (
	"time"
)

// JobStatus is the lifecycle state of a sync job.
type JobStatus string

const (
	// JobStatusPending marks a job waiting to be claimed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning marks a job claimed by a worker.
	JobStatusRunning JobStatus = "running"
	// JobStatusFailed marks a job that failed but may be retried once
	// its backoff window passes.
	JobStatusFailed JobStatus = "failed"
	// JobStatusDead marks a job that exhausted its attempts or hit a
	// permanent error. Dead jobs are never claimed again.
	JobStatusDead JobStatus = "dead"
	// JobStatusCompleted marks a job that finished successfully.
	JobStatusCompleted JobStatus = "completed"
)

// Terminal reports whether the status is a final state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusDead || s == JobStatusCompleted
}

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// SyncJob is the persistent representation of one unit of sync work for
// a repository. JobType holds the physical queue key produced by the
// job type registry, never the logical name.
type SyncJob struct {
	ID          string     `gorm:"primaryKey;type:uuid" json:"id"`
	RepoID      string     `gorm:"not null;index:idx_sync_jobs_repo_type,priority:1" json:"repo_id"`
	JobType     string     `gorm:"not null;index:idx_sync_jobs_repo_type,priority:2;index:idx_sync_jobs_claim,priority:2" json:"job_type"`
	Priority    int        `gorm:"not null;default:100" json:"priority"`
	Status      JobStatus  `gorm:"not null;index:idx_sync_jobs_claim,priority:1;index:idx_sync_jobs_lease,priority:1" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int        `gorm:"not null;default:0" json:"max_attempts"`
	NotBefore   *time.Time `gorm:"index:idx_sync_jobs_claim,priority:3" json:"not_before,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	LockedAt    *time.Time `gorm:"index:idx_sync_jobs_lease,priority:2" json:"locked_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	Payload     []byte     `gorm:"type:jsonb" json:"payload,omitempty"`
	CreatedAt   time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"not null" json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (SyncJob) TableName() string { return "sync_jobs" }

// LeaseExpired reports whether the job's lease is older than grace at
// the given instant. A running job with no lease timestamp counts as
// expired so that rows corrupted by a partial claim are still recovered.
func (j *SyncJob) LeaseExpired(now time.Time, grace time.Duration) bool {
	if j.Status != JobStatusRunning {
		return false
	}
	if j.LockedAt == nil {
		return true
	}
	return now.Sub(*j.LockedAt) > grace
}

// SyncRun records one execution attempt of a sync job.
type SyncRun struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"id"`
	JobID          string     `gorm:"not null;index" json:"job_id"`
	RepoID         string     `gorm:"not null" json:"repo_id"`
	JobType        string     `gorm:"not null" json:"job_type"`
	WorkerID       string     `json:"worker_id,omitempty"`
	Status         RunStatus  `gorm:"not null;index:idx_sync_runs_watch,priority:1" json:"status"`
	StartedAt      time.Time  `gorm:"not null;index:idx_sync_runs_watch,priority:2" json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ErrorType      string     `json:"error_type,omitempty"`
	ErrorCategory  string     `json:"error_category,omitempty"`
	Message        string     `json:"message,omitempty"`
	ItemsSynced    int        `gorm:"not null;default:0" json:"items_synced"`
	PatchesSkipped bool       `gorm:"not null;default:false" json:"patches_skipped"`
}

func (SyncRun) TableName() string { return "sync_runs" }

// RunErrorSummary is the failure summary written to a run when it ends
// in an error, and by the reaper when it times a run out.
type RunErrorSummary struct {
	ErrorType     string `json:"error_type"`
	ErrorCategory string `json:"error_category"`
	Message       string `json:"message"`
}

// SyncLock is an advisory lock over a named resource, typically one
// repository. The row's existence is the lock; releasing deletes it.
type SyncLock struct {
	Resource string    `gorm:"primaryKey" json:"resource"`
	LockedBy string    `gorm:"not null" json:"locked_by"`
	LockedAt time.Time `gorm:"not null;index" json:"locked_at"`
}

func (SyncLock) TableName() string { return "sync_locks" }

// RepoState carries per-repository scheduling state, including the
// pause flag that keeps new jobs from being enqueued for a repo.
type RepoState struct {
	RepoID       string     `gorm:"primaryKey" json:"repo_id"`
	Paused       bool       `gorm:"not null;default:false" json:"paused"`
	PausedAt     *time.Time `json:"paused_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	LastSyncedAt *time.Time `json:"last_synced_at,omitempty"`
	UpdatedAt    time.Time  `gorm:"not null" json:"updated_at"`
}

func (RepoState) TableName() string { return "repo_states" }
