package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/jobtype"
	"github.com/repoharvest/scmsync/pkg/metrics"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// DefaultCircuitThreshold is how many consecutive storage errors open
// the tick circuit.
const DefaultCircuitThreshold = 5

// Candidate is one repository due for syncing, as reported by the
// upstream candidate source.
type Candidate struct {
	RepoID   string
	RepoKind jobtype.RepoKind
	JobTypes []string // logical job types due for this repo
}

// CandidateSource produces the repositories a tick should consider.
// Implementations typically query the upstream repo catalog.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]Candidate, error)
}

// CircuitState reports the tick circuit breaker.
type CircuitState string

const (
	CircuitClosed CircuitState = "closed"
	CircuitOpen   CircuitState = "open"
)

// TickResult is the structured outcome of one candidate scan.
type TickResult struct {
	ReposScanned       int          `json:"repos_scanned"`
	CandidatesSelected int          `json:"candidates_selected"`
	JobsEnqueued       int          `json:"jobs_enqueued"`
	JobsSkipped        int          `json:"jobs_skipped"`
	CircuitState       CircuitState `json:"circuit_state"`
	Errors             []string     `json:"errors"`
}

// ScheduledSync holds one registered recurring sync.
type ScheduledSync struct {
	RepoID   string
	RepoKind jobtype.RepoKind
	JobType  string // physical, resolved at registration
	Schedule Schedule
	Options  []EnqueueOption
	NextRun  time.Time
}

// Scheduler turns sync intents into queued jobs. It resolves logical
// job types through the registry, applies default priorities, dedups on
// the active (repo, job type) pair and skips paused repositories.
type Scheduler struct {
	store    core.JobStore
	registry *jobtype.Registry
	source   CandidateSource
	bus      *core.Bus
	log      *slog.Logger

	mu        sync.RWMutex
	schedules map[string]*ScheduledSync
	errStreak int

	circuitThreshold int
}

// New creates a Scheduler on the given store.
func New(store core.JobStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:            store,
		registry:         jobtype.New(),
		bus:              core.NewBus(),
		log:              slog.Default(),
		schedules:        make(map[string]*ScheduledSync),
		circuitThreshold: DefaultCircuitThreshold,
	}
	for _, opt := range opts {
		opt.apply(s)
	}
	return s
}

// Store returns the underlying job store.
func (s *Scheduler) Store() core.JobStore {
	return s.store
}

// Bus returns the scheduler's event bus, for sharing with a worker.
func (s *Scheduler) Bus() *core.Bus {
	return s.bus
}

// Events returns a channel receiving queue events.
// The caller must call Unsubscribe when done to prevent resource leaks.
func (s *Scheduler) Events() <-chan core.Event {
	return s.bus.Subscribe()
}

// Unsubscribe removes a subscriber channel created by Events.
func (s *Scheduler) Unsubscribe(ch <-chan core.Event) {
	s.bus.Unsubscribe(ch)
}

// Enqueue queues a sync job for a repository. jobType may be logical
// (resolved against kind) or already physical. Returns the job ID, or
// core.ErrDuplicateJob when an active job for the same repo and
// physical type exists.
func (s *Scheduler) Enqueue(ctx context.Context, repoID, jobType string, kind jobtype.RepoKind, opts ...EnqueueOption) (string, error) {
	if repoID == "" {
		return "", errors.New("scmsync: repo id required")
	}
	physical, err := s.registry.Normalize(jobType, kind)
	if err != nil {
		return "", err
	}

	options := NewEnqueueOptions()
	for _, opt := range opts {
		opt.Apply(options)
	}

	priority := s.registry.DefaultPriority(physical)
	if options.Priority != nil {
		priority = *options.Priority
	}

	var payload []byte
	if options.Payload != nil {
		payload, err = json.Marshal(options.Payload)
		if err != nil {
			return "", fmt.Errorf("scmsync: marshal payload: %w", err)
		}
		if len(payload) > redact.MaxPayloadSize {
			return "", core.ErrPayloadTooLarge
		}
	}

	job := &core.SyncJob{
		RepoID:      repoID,
		JobType:     physical,
		Priority:    priority,
		MaxAttempts: redact.ClampAttempts(options.MaxAttempts),
		Payload:     payload,
	}
	if options.Delay > 0 {
		runAt := time.Now().Add(options.Delay)
		job.NotBefore = &runAt
	}
	if options.RunAt != nil {
		job.NotBefore = options.RunAt
	}

	if err := s.store.EnqueueJob(ctx, job); err != nil {
		if errors.Is(err, core.ErrDuplicateJob) {
			return "", err
		}
		return "", fmt.Errorf("scmsync: enqueue %s for %s: %w", physical, repoID, err)
	}

	metrics.JobsEnqueued.WithLabelValues(physical).Inc()
	s.bus.Emit(core.JobEnqueued{
		JobID:    job.ID,
		RepoID:   repoID,
		JobType:  physical,
		Priority: priority,
		At:       time.Now(),
	})
	s.log.Debug("job enqueued",
		"job_id", job.ID, "repo_id", repoID, "job_type", physical, "priority", priority)
	return job.ID, nil
}

// Schedule registers a recurring sync for a repository. The job type is
// resolved and validated immediately; enqueueing happens from
// RunSchedules. Registering again for the same repo and job type
// replaces the previous schedule.
func (s *Scheduler) Schedule(repoID string, kind jobtype.RepoKind, jobType string, sched Schedule, opts ...EnqueueOption) error {
	if repoID == "" {
		return errors.New("scmsync: repo id required")
	}
	if sched == nil {
		return errors.New("scmsync: nil schedule")
	}
	physical, err := s.registry.Normalize(jobType, kind)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[repoID+"/"+physical] = &ScheduledSync{
		RepoID:   repoID,
		RepoKind: kind,
		JobType:  physical,
		Schedule: sched,
		Options:  opts,
		NextRun:  sched.Next(time.Now()),
	}
	return nil
}

// ScheduledSyncs returns a snapshot of the registered recurring syncs.
func (s *Scheduler) ScheduledSyncs() []*ScheduledSync {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ScheduledSync, 0, len(s.schedules))
	for _, sj := range s.schedules {
		copied := *sj
		out = append(out, &copied)
	}
	return out
}

// RunSchedules enqueues registered recurring syncs as they come due,
// checking every checkInterval until ctx is canceled.
func (s *Scheduler) RunSchedules(ctx context.Context, checkInterval time.Duration) error {
	if checkInterval <= 0 {
		checkInterval = time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.enqueueDue(ctx, time.Now())
		}
	}
}

func (s *Scheduler) enqueueDue(ctx context.Context, now time.Time) {
	s.mu.RLock()
	var due []*ScheduledSync
	for _, sj := range s.schedules {
		if !sj.NextRun.After(now) {
			due = append(due, sj)
		}
	}
	s.mu.RUnlock()

	for _, sj := range due {
		_, err := s.Enqueue(ctx, sj.RepoID, sj.JobType, sj.RepoKind, sj.Options...)
		if err != nil && !errors.Is(err, core.ErrDuplicateJob) {
			// Leave NextRun in the past so the next check retries.
			s.log.Error("failed to enqueue scheduled sync",
				"repo_id", sj.RepoID, "job_type", sj.JobType, "error", err)
			continue
		}
		if errors.Is(err, core.ErrDuplicateJob) {
			s.log.Debug("scheduled sync still active, skipping occurrence",
				"repo_id", sj.RepoID, "job_type", sj.JobType)
		}
		s.mu.Lock()
		sj.NextRun = sj.Schedule.Next(now)
		s.mu.Unlock()
	}
}

// Tick scans the candidate source once and enqueues a job per due
// (repo, job type) pair. Paused repos and active duplicates count as
// skips; per-candidate failures are collected rather than aborting the
// scan. Repeated storage failures open a circuit that cuts the tick
// short; the next tick probes again.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	result := TickResult{CircuitState: s.circuitState(), Errors: []string{}}
	if s.source == nil {
		return result, errors.New("scmsync: no candidate source configured")
	}

	candidates, err := s.source.Candidates(ctx)
	if err != nil {
		return result, fmt.Errorf("scmsync: candidate scan: %w", err)
	}
	result.ReposScanned = len(candidates)

	tickErrors := 0
	for _, cand := range candidates {
		// An open circuit still probes its first candidate; only a
		// failure during this tick aborts it.
		if tickErrors > 0 && s.circuitState() == CircuitOpen {
			result.CircuitState = CircuitOpen
			result.Errors = append(result.Errors,
				fmt.Sprintf("circuit open after %d consecutive storage errors", s.streak()))
			s.log.Warn("tick aborted, storage circuit open", "streak", s.streak())
			return result, nil
		}

		paused, err := s.store.IsRepoPaused(ctx, cand.RepoID)
		if err != nil {
			tickErrors++
			s.recordStoreError()
			result.Errors = append(result.Errors, fmt.Sprintf("repo %s: %v", cand.RepoID, err))
			continue
		}
		s.recordStoreSuccess()
		if paused {
			result.JobsSkipped += len(cand.JobTypes)
			s.log.Debug("repo paused, skipping", "repo_id", cand.RepoID)
			continue
		}

		result.CandidatesSelected++
		for _, jt := range cand.JobTypes {
			_, err := s.Enqueue(ctx, cand.RepoID, jt, cand.RepoKind)
			switch {
			case err == nil:
				result.JobsEnqueued++
				s.recordStoreSuccess()
			case errors.Is(err, core.ErrDuplicateJob):
				result.JobsSkipped++
				s.recordStoreSuccess()
			case isCandidateError(err):
				// Bad candidate data, not a storage problem.
				result.Errors = append(result.Errors, fmt.Sprintf("repo %s %s: %v", cand.RepoID, jt, err))
			default:
				tickErrors++
				s.recordStoreError()
				result.Errors = append(result.Errors, fmt.Sprintf("repo %s %s: %v", cand.RepoID, jt, err))
			}
		}
	}

	result.CircuitState = s.circuitState()
	return result, nil
}

// PauseRepo stops the scheduler from enqueueing syncs for a repository
// until ResumeRepo is called. In-flight jobs are unaffected.
func (s *Scheduler) PauseRepo(ctx context.Context, repoID, reason string) error {
	return s.store.SetRepoPaused(ctx, repoID, true, reason)
}

// ResumeRepo clears a repository's pause flag.
func (s *Scheduler) ResumeRepo(ctx context.Context, repoID string) error {
	return s.store.SetRepoPaused(ctx, repoID, false, "")
}

// PausedRepos returns all currently paused repositories.
func (s *Scheduler) PausedRepos(ctx context.Context) ([]*core.RepoState, error) {
	return s.store.ListPausedRepos(ctx)
}

func isCandidateError(err error) bool {
	var unknown *jobtype.UnknownTypeError
	var invalid *jobtype.InvalidCombinationError
	return errors.As(err, &unknown) ||
		errors.As(err, &invalid) ||
		errors.Is(err, jobtype.ErrRepoKindRequired)
}

func (s *Scheduler) streak() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errStreak
}

func (s *Scheduler) circuitState() CircuitState {
	if s.streak() >= s.circuitThreshold {
		return CircuitOpen
	}
	return CircuitClosed
}

func (s *Scheduler) recordStoreError() {
	s.mu.Lock()
	s.errStreak++
	s.mu.Unlock()
}

func (s *Scheduler) recordStoreSuccess() {
	s.mu.Lock()
	s.errStreak = 0
	s.mu.Unlock()
}
