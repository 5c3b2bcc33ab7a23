// Package scmsync provides a durable work queue for synchronizing
// source-control repositories.
//
// This is the main package users should import. It re-exports the
// public types from the pkg/ packages for a clean API surface.
//
// Basic usage:
//
//	// Open storage and migrate
//	store, _ := scmsync.Open("sqlite", "scmsync.db")
//	store.Migrate(context.Background())
//
//	// Enqueue a sync through the scheduler
//	sched := scmsync.NewScheduler(store)
//	sched.Enqueue(ctx, "group/project", "commits", scmsync.RepoKindGit)
//
//	// Register a sync function and start a worker
//	w := scmsync.NewWorker(store)
//	w.Register("gitlab_commits", syncCommits)
//	w.Start(ctx)
//
//	// Run the reaper alongside to recover crashed workers
//	r, _ := scmsync.NewReaper(store, scmsync.ReaperConfig{})
//	r.Run(ctx, time.Minute)
package scmsync

import (
	"time"

	"gorm.io/gorm"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/degrade"
	"github.com/repoharvest/scmsync/pkg/errclass"
	"github.com/repoharvest/scmsync/pkg/jobtype"
	"github.com/repoharvest/scmsync/pkg/reaper"
	"github.com/repoharvest/scmsync/pkg/redact"
	"github.com/repoharvest/scmsync/pkg/scheduler"
	"github.com/repoharvest/scmsync/pkg/storage"
	"github.com/repoharvest/scmsync/pkg/worker"
)

// Core type aliases
type (
	// SyncJob is one unit of sync work for a repository.
	SyncJob = core.SyncJob

	// SyncRun records one execution attempt of a sync job.
	SyncRun = core.SyncRun

	// SyncLock is an advisory lock over a named resource.
	SyncLock = core.SyncLock

	// RepoState carries per-repository scheduling state.
	RepoState = core.RepoState

	// JobStatus is the lifecycle state of a sync job.
	JobStatus = core.JobStatus

	// RunStatus is the lifecycle state of a sync run.
	RunStatus = core.RunStatus

	// RunErrorSummary is the failure summary written to a failed run.
	RunErrorSummary = core.RunErrorSummary

	// JobStore is the persistence contract shared by all components.
	JobStore = core.JobStore

	// Bus fans queue events out to subscribers.
	Bus = core.Bus

	// Event is the interface for all queue events.
	Event = core.Event

	// JobEnqueued is emitted when a job is accepted into the queue.
	JobEnqueued = core.JobEnqueued

	// JobStarted is emitted when a worker begins a sync run.
	JobStarted = core.JobStarted

	// JobCompleted is emitted when a sync run completes successfully.
	JobCompleted = core.JobCompleted

	// JobFailed is emitted when a job moves to dead.
	JobFailed = core.JobFailed

	// JobRetrying is emitted when a failed job is scheduled for retry.
	JobRetrying = core.JobRetrying

	// SyncDegraded is emitted when a run's degradation breaker trips.
	SyncDegraded = core.SyncDegraded

	// NoRetryError indicates an error that should not be retried.
	NoRetryError = core.NoRetryError

	// RetryAfterError indicates an error that should be retried after a
	// fixed delay.
	RetryAfterError = core.RetryAfterError
)

// Component type aliases
type (
	// Registry maps logical job types to physical queue keys.
	Registry = jobtype.Registry

	// RepoKind distinguishes git from svn repositories.
	RepoKind = jobtype.RepoKind

	// Classifier sorts error messages into categories.
	Classifier = errclass.Classifier

	// Category is an error category from the closed vocabulary.
	Category = errclass.Category

	// Classification is the classifier's verdict on one message.
	Classification = errclass.Classification

	// BackoffPolicy computes retry delays.
	BackoffPolicy = backoff.Policy

	// DegradeController is the per-run degradation breaker.
	DegradeController = degrade.Controller

	// DegradeConfig sets degradation thresholds.
	DegradeConfig = degrade.Config

	// Scheduler enqueues sync jobs and runs recurring schedules.
	Scheduler = scheduler.Scheduler

	// SchedulerOption configures a Scheduler.
	SchedulerOption = scheduler.Option

	// EnqueueOption configures a single enqueue.
	EnqueueOption = scheduler.EnqueueOption

	// Candidate is one repository proposed for syncing.
	Candidate = scheduler.Candidate

	// CandidateSource proposes repositories to the scheduler's Tick.
	CandidateSource = scheduler.CandidateSource

	// TickResult reports one scheduler tick.
	TickResult = scheduler.TickResult

	// Schedule defines when a recurring sync next runs.
	Schedule = scheduler.Schedule

	// Worker claims sync jobs and executes sync functions.
	Worker = worker.Worker

	// WorkerOption configures a Worker.
	WorkerOption = worker.Option

	// SyncFunc executes one sync run for a claimed job.
	SyncFunc = worker.SyncFunc

	// SyncResult reports what a completed run did.
	SyncResult = worker.SyncResult

	// RunContext carries everything a sync function needs for one run.
	RunContext = worker.RunContext

	// RetryConfig governs in-process retries of storage operations.
	RetryConfig = worker.RetryConfig

	// Reaper recovers jobs, runs and locks abandoned by crashed
	// workers.
	Reaper = reaper.Reaper

	// ReaperConfig controls the reaper's grace windows and policy.
	ReaperConfig = reaper.Config

	// ReaperOption configures a Reaper.
	ReaperOption = reaper.Option

	// ReaperResult is the structured outcome of one reaper invocation.
	ReaperResult = reaper.Result

	// RecoveryPolicy decides the fate of unclassified expired jobs.
	RecoveryPolicy = reaper.Policy

	// GormStore implements JobStore using GORM.
	GormStore = storage.GormStore

	// PoolConfig holds database connection pool settings.
	PoolConfig = storage.PoolConfig

	// PoolOption configures the connection pool.
	PoolOption = storage.PoolOption
)

// Job status constants
const (
	StatusPending   = core.JobStatusPending
	StatusRunning   = core.JobStatusRunning
	StatusFailed    = core.JobStatusFailed
	StatusDead      = core.JobStatusDead
	StatusCompleted = core.JobStatusCompleted
)

// Repository kinds
const (
	RepoKindGit = jobtype.RepoKindGit
	RepoKindSVN = jobtype.RepoKindSVN
)

// Recovery policies
const (
	PolicyToFailed  = reaper.PolicyToFailed
	PolicyToPending = reaper.PolicyToPending
)

// Limits
const (
	MaxJobTypeNameLength  = redact.MaxJobTypeNameLength
	MaxPayloadSize        = redact.MaxPayloadSize
	MaxAttemptsLimit      = redact.MaxAttempts
	MaxConcurrency        = redact.MaxConcurrency
	MaxErrorMessageLength = redact.MaxErrorMessageLength
)

// Error variables
var (
	ErrJobNotFound     = core.ErrJobNotFound
	ErrRunNotFound     = core.ErrRunNotFound
	ErrNoJobs          = core.ErrNoJobs
	ErrDuplicateJob    = core.ErrDuplicateJob
	ErrJobNotOwned     = core.ErrJobNotOwned
	ErrLockHeld        = core.ErrLockHeld
	ErrPayloadTooLarge = core.ErrPayloadTooLarge

	ErrRepoKindRequired = jobtype.ErrRepoKindRequired
)

// Open connects to the database named by driver ("sqlite" or
// "postgres") and returns a store with connection pooling configured.
func Open(driver, dsn string, opts ...PoolOption) (*GormStore, error) {
	return storage.Open(driver, dsn, opts...)
}

// NewStore creates a store on an existing GORM connection.
func NewStore(db *gorm.DB) *GormStore {
	return storage.NewGormStore(db)
}

// NewScheduler creates a scheduler on the given store.
func NewScheduler(store JobStore, opts ...SchedulerOption) *Scheduler {
	return scheduler.New(store, opts...)
}

// NewWorker creates a worker on the given store. Register sync
// functions before calling Start.
func NewWorker(store JobStore, opts ...WorkerOption) *Worker {
	return worker.New(store, opts...)
}

// NewReaper creates a reaper on the given store.
func NewReaper(store JobStore, cfg ReaperConfig, opts ...ReaperOption) (*Reaper, error) {
	return reaper.New(store, cfg, opts...)
}

// NewRegistry returns the job type registry.
func NewRegistry() *Registry {
	return jobtype.New()
}

// NewClassifier returns an error classifier with the built-in rules.
func NewClassifier() *Classifier {
	return errclass.New()
}

// NewDegradeController returns a degradation controller for one run.
func NewDegradeController(cfg DegradeConfig) *DegradeController {
	return degrade.New(cfg)
}

// NoRetry wraps an error to indicate it should not be retried.
func NoRetry(err error) error {
	return core.NoRetry(err)
}

// RetryAfter wraps an error to indicate it should be retried after a
// delay.
func RetryAfter(err error, delay time.Duration) error {
	return core.RetryAfter(err, delay)
}

// ValidateJobTypeName validates a physical job type name.
func ValidateJobTypeName(name string) error {
	return redact.ValidateJobTypeName(name)
}

// CleanErrorMessage redacts credentials from an error message and
// truncates it for storage.
func CleanErrorMessage(msg string) string {
	return redact.Clean(msg)
}

// ClampAttempts ensures an attempt budget is within limits.
func ClampAttempts(n int) int {
	return redact.ClampAttempts(n)
}

// ClampConcurrency ensures worker concurrency is within limits.
func ClampConcurrency(n int) int {
	return redact.ClampConcurrency(n)
}

// Enqueue option functions

// Priority sets the job priority (lower = claimed first).
func Priority(p int) EnqueueOption {
	return scheduler.Priority(p)
}

// MaxAttempts sets the job's attempt budget. Zero means unlimited.
func MaxAttempts(n int) EnqueueOption {
	return scheduler.MaxAttempts(n)
}

// Delay schedules the job to become claimable after a duration.
func Delay(d time.Duration) EnqueueOption {
	return scheduler.Delay(d)
}

// At schedules the job to become claimable at a specific time.
func At(t time.Time) EnqueueOption {
	return scheduler.At(t)
}

// Payload attaches a JSON-encoded payload to the job.
func Payload(v any) EnqueueOption {
	return scheduler.Payload(v)
}

// Worker option functions

// Concurrency sets how many sync runs execute in parallel.
func Concurrency(n int) WorkerOption {
	return worker.Concurrency(n)
}

// WorkerID sets a stable worker identity.
func WorkerID(id string) WorkerOption {
	return worker.WorkerID(id)
}

// PollInterval sets the worker's claim polling interval.
func PollInterval(d time.Duration) WorkerOption {
	return worker.PollInterval(d)
}

// HeartbeatInterval sets the worker's lease refresh interval.
func HeartbeatInterval(d time.Duration) WorkerOption {
	return worker.HeartbeatInterval(d)
}

// Schedule functions

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return scheduler.Every(d)
}

// Daily creates a schedule that runs at a specific time each day.
func Daily(hour, minute int) Schedule {
	return scheduler.Daily(hour, minute)
}

// Weekly creates a schedule that runs at a specific day and time each
// week.
func Weekly(day time.Weekday, hour, minute int) Schedule {
	return scheduler.Weekly(day, hour, minute)
}

// Cron creates a schedule from a cron expression.
func Cron(expr string) Schedule {
	return scheduler.Cron(expr)
}
