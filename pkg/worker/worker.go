package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/degrade"
	"github.com/repoharvest/scmsync/pkg/errclass"
	"github.com/repoharvest/scmsync/pkg/metrics"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// Worker claims sync jobs and executes their registered sync functions.
type Worker struct {
	store      core.JobStore
	bus        *core.Bus
	classifier *errclass.Classifier
	config     Config
	log        *slog.Logger

	mu    sync.RWMutex
	funcs map[string]SyncFunc

	wg sync.WaitGroup
}

// New creates a worker on the given store. Register sync functions
// before calling Start.
func New(store core.JobStore, opts ...Option) *Worker {
	w := &Worker{
		store:      store,
		bus:        core.NewBus(),
		classifier: errclass.New(),
		log:        slog.Default(),
		funcs:      make(map[string]SyncFunc),
		config: Config{
			WorkerID:          uuid.New().String(),
			Concurrency:       DefaultConcurrency,
			PollInterval:      DefaultPollInterval,
			HeartbeatInterval: DefaultHeartbeatInterval,
			Degrade:           degrade.DefaultConfig(),
			Backoff:           backoff.Default(),
		},
	}
	for _, opt := range opts {
		opt.apply(w)
	}
	if w.config.StorageRetry == nil {
		cfg := DefaultRetryConfig()
		w.config.StorageRetry = &cfg
	}
	if w.config.ClaimRetry == nil {
		cfg := DefaultClaimRetryConfig()
		w.config.ClaimRetry = &cfg
	}
	return w
}

// Register installs fn as the sync function for a physical job type.
// It panics on an invalid type name; registrations happen at startup
// where a bad name is a programming error.
func (w *Worker) Register(jobType string, fn SyncFunc) {
	if fn == nil {
		panic(fmt.Sprintf("scmsync: nil sync function for %q", jobType))
	}
	if err := redact.ValidateJobTypeName(jobType); err != nil {
		panic(fmt.Sprintf("scmsync: invalid job type %q: %v", jobType, err))
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.funcs[jobType] = fn
}

// JobTypes returns the physical job types this worker claims.
func (w *Worker) JobTypes() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	types := make([]string, 0, len(w.funcs))
	for t := range w.funcs {
		types = append(types, t)
	}
	return types
}

// Events returns a channel receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (w *Worker) Events() <-chan core.Event {
	return w.bus.Subscribe()
}

// Unsubscribe removes a subscriber channel created by Events.
func (w *Worker) Unsubscribe(ch <-chan core.Event) {
	w.bus.Unsubscribe(ch)
}

// Start polls for claimable jobs and executes them until ctx is
// canceled. In-flight runs are abandoned on shutdown; their leases
// expire and the reaper requeues them.
func (w *Worker) Start(ctx context.Context) error {
	types := w.JobTypes()
	if len(types) == 0 {
		return errors.New("scmsync: worker has no registered sync functions")
	}

	jobsChan := make(chan *core.SyncJob, w.config.Concurrency)
	for i := 0; i < w.config.Concurrency; i++ {
		w.wg.Add(1)
		go w.processLoop(ctx, jobsChan)
	}

	w.log.Info("worker started",
		"worker_id", w.config.WorkerID,
		"job_types", types,
		"concurrency", w.config.Concurrency,
		"poll_interval", w.config.PollInterval)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			close(jobsChan)
			w.wg.Wait()
			w.log.Info("worker stopped", "worker_id", w.config.WorkerID)
			return nil
		case <-ticker.C:
			job, err := w.claimWithRetry(ctx, types)
			if err != nil {
				if !errors.Is(err, core.ErrNoJobs) &&
					!errors.Is(err, context.Canceled) &&
					!errors.Is(err, context.DeadlineExceeded) {
					w.log.Error("failed to claim job after retries", "error", err)
				}
				continue
			}
			select {
			case jobsChan <- job:
			case <-ctx.Done():
			}
		}
	}
}

func (w *Worker) claimWithRetry(ctx context.Context, types []string) (*core.SyncJob, error) {
	var job *core.SyncJob
	err := retryWithBackoff(ctx, *w.config.ClaimRetry, func() error {
		var claimErr error
		job, claimErr = w.store.ClaimJob(ctx, types, w.config.WorkerID)
		return claimErr
	})
	return job, err
}

func (w *Worker) processLoop(ctx context.Context, jobs <-chan *core.SyncJob) {
	defer w.wg.Done()

	for job := range jobs {
		w.processJob(ctx, job)
	}
}

func (w *Worker) processJob(ctx context.Context, job *core.SyncJob) {
	start := time.Now()
	log := w.log.With(
		"job_id", job.ID, "repo_id", job.RepoID,
		"job_type", job.JobType, "worker_id", w.config.WorkerID)

	fn, ok := w.syncFunc(job.JobType)
	if !ok {
		// Claimed a type this worker no longer serves; hand it back.
		log.Error("no sync function for claimed job type")
		w.releaseJob(ctx, job, log)
		return
	}

	// One sync per repository at a time, across all workers.
	lock := "repo:" + job.RepoID
	if err := w.acquireLock(ctx, lock); err != nil {
		if errors.Is(err, core.ErrLockHeld) {
			log.Debug("repo lock held elsewhere, releasing claim")
		} else {
			log.Error("failed to acquire repo lock", "error", err)
		}
		w.releaseJob(ctx, job, log)
		return
	}
	defer w.releaseLock(ctx, lock, log)

	run := &core.SyncRun{
		JobID:    job.ID,
		RepoID:   job.RepoID,
		JobType:  job.JobType,
		WorkerID: w.config.WorkerID,
	}
	if err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.StartRun(ctx, run)
	}); err != nil {
		log.Error("failed to open sync run", "error", err)
		w.releaseJob(ctx, job, log)
		return
	}

	w.bus.Emit(core.JobStarted{
		JobID: job.ID, RepoID: job.RepoID, JobType: job.JobType,
		WorkerID: w.config.WorkerID, Attempt: job.Attempts, At: start,
	})
	log.Info("sync run started", "run_id", run.ID, "attempt", job.Attempts)

	rc := &RunContext{
		Job:     job,
		Run:     run,
		Degrade: degrade.New(w.config.Degrade),
		Log:     log,
	}

	// The heartbeat goroutine refreshes the lease and cancels the run
	// if the lease is lost to the reaper.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go w.runHeartbeat(runCtx, job, cancelRun)

	result, err := w.executeSync(runCtx, rc, fn)
	cancelRun()

	w.observeDegradation(rc, log)

	if err != nil {
		w.handleError(ctx, rc, err)
		return
	}

	var itemsSynced int
	if result != nil {
		itemsSynced = result.ItemsSynced
	}
	patchesSkipped := rc.Degrade.ShouldSkipPatches()

	// Completing the job is the ownership check: if the lease was lost
	// the store refuses the write and the result is discarded.
	if err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.CompleteJob(ctx, job.ID, w.config.WorkerID)
	}); err != nil {
		if errors.Is(err, core.ErrJobNotOwned) {
			log.Warn("lease lost during sync, discarding result")
			metrics.JobsProcessed.WithLabelValues(job.JobType, "lease_lost").Inc()
			return
		}
		log.Error("failed to complete job after retries", "error", err)
		return
	}

	if err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.CompleteRun(ctx, run.ID, itemsSynced, patchesSkipped)
	}); err != nil {
		log.Warn("failed to close sync run", "run_id", run.ID, "error", err)
	}
	if err := w.store.TouchRepoSynced(ctx, job.RepoID, time.Now()); err != nil {
		log.Debug("failed to record repo sync time", "error", err)
	}

	metrics.JobsProcessed.WithLabelValues(job.JobType, "completed").Inc()
	metrics.JobDuration.WithLabelValues(job.JobType).Observe(time.Since(start).Seconds())
	w.bus.Emit(core.JobCompleted{
		JobID: job.ID, RepoID: job.RepoID, JobType: job.JobType,
		WorkerID: w.config.WorkerID, Duration: time.Since(start), At: time.Now(),
	})
	log.Info("sync completed",
		"run_id", run.ID, "items_synced", itemsSynced,
		"patches_skipped", patchesSkipped, "duration", time.Since(start))
}

// executeSync invokes the sync function, converting panics to errors so
// a bad repository cannot take the worker down.
func (w *Worker) executeSync(ctx context.Context, rc *RunContext, fn SyncFunc) (result *SyncResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return fn(ctx, rc)
}

// runHeartbeat refreshes the job lease until ctx is canceled. Losing
// the lease cancels the run: the reaper has reassigned the job, so
// continuing would only burn upstream quota.
func (w *Worker) runHeartbeat(ctx context.Context, job *core.SyncJob, cancelRun context.CancelFunc) {
	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
				return w.store.HeartbeatJob(ctx, job.ID, w.config.WorkerID)
			})
			switch {
			case errors.Is(err, core.ErrJobNotOwned):
				w.log.Warn("lease lost, canceling sync run",
					"job_id", job.ID, "worker_id", w.config.WorkerID)
				cancelRun()
				return
			case err != nil && ctx.Err() == nil:
				w.log.Warn("heartbeat failed after retries", "job_id", job.ID, "error", err)
			default:
				w.log.Debug("heartbeat sent", "job_id", job.ID)
			}
		}
	}
}

func (w *Worker) handleError(ctx context.Context, rc *RunContext, err error) {
	job := rc.Job
	log := rc.Log
	msg := err.Error()
	cls := w.classifier.Classify(msg)

	errType := "sync_error"
	var pe *panicError
	if errors.As(err, &pe) {
		errType = "panic"
	}

	// Close the run record first so its summary reflects this attempt
	// even if the job write below fails.
	if _, runErr := w.store.MarkRunFailed(ctx, rc.Run.ID, core.RunErrorSummary{
		ErrorType:     errType,
		ErrorCategory: string(cls.Category),
		Message:       msg,
	}); runErr != nil {
		log.Warn("failed to record run failure", "run_id", rc.Run.ID, "error", runErr)
	}

	var noRetry *core.NoRetryError
	if errors.As(err, &noRetry) {
		w.failJob(ctx, job, msg, nil, log)
		w.emitFailed(job, msg)
		log.Error("sync failed permanently", "error", msg)
		return
	}

	attemptsLeft := job.MaxAttempts == 0 || job.Attempts < job.MaxAttempts

	var retryAfter *core.RetryAfterError
	if errors.As(err, &retryAfter) && attemptsLeft {
		retryAt := time.Now().Add(retryAfter.Delay)
		w.failJob(ctx, job, msg, &retryAt, log)
		w.emitRetrying(job, msg, retryAt)
		log.Warn("sync failed, retry requested", "retry_at", retryAt, "error", msg)
		return
	}

	if cls.Permanent {
		w.failJob(ctx, job, msg, nil, log)
		w.emitFailed(job, msg)
		log.Error("sync failed permanently", "category", cls.Category, "error", msg)
		return
	}

	if attemptsLeft {
		retryAt := time.Now().Add(w.config.Backoff.Delay(job.Attempts, cls.Category))
		w.failJob(ctx, job, msg, &retryAt, log)
		w.emitRetrying(job, msg, retryAt)
		log.Warn("sync failed, will retry",
			"attempt", job.Attempts, "retry_at", retryAt,
			"category", cls.Category, "error", msg)
	} else {
		w.failJob(ctx, job, msg, nil, log)
		w.emitFailed(job, msg)
		log.Error("sync failed, attempts exhausted",
			"attempts", job.Attempts, "error", msg)
	}
}

// failJob records the failure on the job. A nil retryAt moves the job
// to dead.
func (w *Worker) failJob(ctx context.Context, job *core.SyncJob, msg string, retryAt *time.Time, log *slog.Logger) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.FailJob(ctx, job.ID, w.config.WorkerID, msg, retryAt)
	})
	if errors.Is(err, core.ErrJobNotOwned) {
		log.Warn("lease lost before failure could be recorded")
		return
	}
	if err != nil {
		log.Error("failed to mark job failed after retries", "error", err)
	}
}

func (w *Worker) emitFailed(job *core.SyncJob, msg string) {
	metrics.JobsProcessed.WithLabelValues(job.JobType, "dead").Inc()
	w.bus.Emit(core.JobFailed{
		JobID: job.ID, RepoID: job.RepoID, JobType: job.JobType,
		WorkerID: w.config.WorkerID, Attempt: job.Attempts,
		Error: msg, At: time.Now(),
	})
}

func (w *Worker) emitRetrying(job *core.SyncJob, msg string, retryAt time.Time) {
	metrics.JobsProcessed.WithLabelValues(job.JobType, "retrying").Inc()
	w.bus.Emit(core.JobRetrying{
		JobID: job.ID, RepoID: job.RepoID, JobType: job.JobType,
		WorkerID: w.config.WorkerID, Attempt: job.Attempts,
		NextTry: retryAt, Error: msg, At: time.Now(),
	})
}

// observeDegradation reports a tripped controller after the run ends.
func (w *Worker) observeDegradation(rc *RunContext, log *slog.Logger) {
	state := rc.Degrade.GetState()
	if !state.ShouldSkipPatches {
		return
	}
	metrics.DegradationTrips.WithLabelValues(string(state.TrippedCategory)).Inc()
	w.bus.Emit(core.SyncDegraded{
		JobID:    rc.Job.ID,
		RepoID:   rc.Job.RepoID,
		Category: string(state.TrippedCategory),
		Reason:   state.SkipReason,
		At:       time.Now(),
	})
	log.Warn("sync degraded", "category", state.TrippedCategory, "reason", state.SkipReason)
}

// releaseJob hands a claimed job back to the queue without burning an
// attempt.
func (w *Worker) releaseJob(ctx context.Context, job *core.SyncJob, log *slog.Logger) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.ReleaseJob(ctx, job.ID, w.config.WorkerID)
	})
	if err != nil && !errors.Is(err, core.ErrJobNotOwned) {
		log.Error("failed to release claimed job", "error", err)
	}
}

func (w *Worker) acquireLock(ctx context.Context, resource string) error {
	return retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.AcquireLock(ctx, resource, w.config.WorkerID)
	})
}

func (w *Worker) releaseLock(ctx context.Context, resource string, log *slog.Logger) {
	err := retryWithBackoff(ctx, *w.config.StorageRetry, func() error {
		return w.store.ReleaseLock(ctx, resource, w.config.WorkerID)
	})
	if err != nil {
		// The reaper force-releases it once the grace passes.
		log.Warn("failed to release repo lock", "resource", resource, "error", err)
	}
}

func (w *Worker) syncFunc(jobType string) (SyncFunc, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	fn, ok := w.funcs[jobType]
	return fn, ok
}

// panicError marks errors recovered from a sync function panic.
type panicError struct {
	value any
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}
