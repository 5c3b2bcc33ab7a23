package reaper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/storage"
)

func newStore(t *testing.T) *storage.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "open in-memory sqlite")

	s := storage.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

func newReaper(t *testing.T, store core.JobStore, cfg Config) *Reaper {
	t.Helper()
	r, err := New(store, cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return r
}

// testConfig returns a config with a one minute job grace, so leases
// backdated by two minutes are expired.
func testConfig() Config {
	return Config{
		JobGrace:       time.Minute,
		MaxRunDuration: time.Hour,
		LockGrace:      10 * time.Minute,
		RetryDelay:     90 * time.Second,
		Backoff:        backoff.Policy{Base: 30 * time.Second, Max: 30 * time.Minute},
	}
}

// seedExpiredJob creates a running job whose lease expired two minutes
// ago, with the given error history.
func seedExpiredJob(t *testing.T, s *storage.GormStore, repoID, lastError string, attempts, maxAttempts int) *core.SyncJob {
	t.Helper()
	return seedExpiredJobAt(t, s, repoID, lastError, attempts, maxAttempts, time.Now().Add(-2*time.Minute))
}

func seedExpiredJobAt(t *testing.T, s *storage.GormStore, repoID, lastError string, attempts, maxAttempts int, lockedAt time.Time) *core.SyncJob {
	t.Helper()
	ctx := context.Background()

	job := &core.SyncJob{
		RepoID:      repoID,
		JobType:     "gitlab_commits",
		Priority:    100,
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, s.EnqueueJob(ctx, job))

	claimed, err := s.ClaimJob(ctx, []string{"gitlab_commits"}, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, job.ID, claimed.ID)

	require.NoError(t, s.DB().Model(&core.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"locked_at":  lockedAt,
			"last_error": lastError,
			"attempts":   attempts,
		}).Error)
	return job
}

func seedExpiredRun(t *testing.T, s *storage.GormStore, repoID string, age time.Duration) *core.SyncRun {
	t.Helper()
	run := &core.SyncRun{
		JobID:     "job-" + repoID,
		RepoID:    repoID,
		JobType:   "gitlab_commits",
		WorkerID:  "crashed-worker",
		StartedAt: time.Now().Add(-age),
	}
	require.NoError(t, s.StartRun(context.Background(), run))
	return run
}

func seedExpiredLock(t *testing.T, s *storage.GormStore, resource string, age time.Duration) {
	t.Helper()
	require.NoError(t, s.AcquireLock(context.Background(), resource, "crashed-worker"))
	require.NoError(t, s.DB().Model(&core.SyncLock{}).
		Where("resource = ?", resource).
		Update("locked_at", time.Now().Add(-age)).Error)
}

// ──────────────────────────────────────────────────────────────────────────────
// Job recovery: classification branches
// ──────────────────────────────────────────────────────────────────────────────

func TestRunOnce_PermanentErrorGoesDead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "401 Unauthorized", 1, 5)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.Processed)
	assert.Equal(t, 1, result.Jobs.ToDead)
	assert.Zero(t, result.Jobs.Errors)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusDead, loaded.Status)
	assert.Contains(t, loaded.LastError, "permanent error")
	assert.Contains(t, loaded.LastError, "auth")
	assert.Contains(t, loaded.LastError, "401 Unauthorized")
	assert.Empty(t, loaded.LockedBy)
	assert.Nil(t, loaded.LockedAt)
}

func TestRunOnce_PermanentWinsRegardlessOfAttempts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// Attempts remain, but a permanent error never retries.
	job := seedExpiredJob(t, s, "repo-1", "project not found", 1, 100)

	_, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusDead, loaded.Status)
}

func TestRunOnce_TransientErrorRequeuesWithBackoff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "HTTP 502 Bad Gateway", 2, 5)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.ToFailed)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, loaded.Status)
	assert.Contains(t, loaded.LastError, "transient error")
	assert.Contains(t, loaded.LastError, "server_error")
	require.NotNil(t, loaded.NotBefore)
	assert.True(t, loaded.NotBefore.After(time.Now()), "backoff gate must be in the future")
}

func TestRunOnce_TransientWinsOverExhaustedAttempts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// Transient classification is checked before the attempt budget;
	// a retriable failure is not abandonment.
	job := seedExpiredJob(t, s, "repo-1", "connection timeout", 5, 5)

	_, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, loaded.Status)
}

func TestRunOnce_TransientMultiplierScalesBackoff(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "connection timeout", 1, 5)

	cfg := testConfig()
	cfg.TransientRetryMultiplier = 2

	_, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	// Delay(attempts+1=2, timeout) doubles the 30s base to 60s, then
	// the multiplier doubles it again.
	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.NotBefore)
	assert.WithinDuration(t, time.Now().Add(120*time.Second), *loaded.NotBefore, 5*time.Second)
}

func TestRunOnce_UnknownExhaustedGoesDead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "exit status 1", 5, 5)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.ToDead)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusDead, loaded.Status)
	assert.Contains(t, loaded.LastError, "expired after 5 attempts")
}

func TestRunOnce_ZeroMaxAttemptsMeansUnlimited(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "exit status 1", 50, 0)

	_, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, loaded.Status,
		"unlimited attempts fall through to the recovery policy")
}

// ──────────────────────────────────────────────────────────────────────────────
// Job recovery: policy branch
// ──────────────────────────────────────────────────────────────────────────────

func TestRunOnce_ToFailedPolicyAppliesRetryDelay(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "", 1, 5)

	cfg := testConfig()
	// The multiplier applies to transient backoff only, never to the
	// generic policy delay.
	cfg.TransientRetryMultiplier = 10

	result, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.ToFailed)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, loaded.Status)
	assert.Contains(t, loaded.LastError, "job lock expired")
	require.NotNil(t, loaded.NotBefore)
	assert.WithinDuration(t, time.Now().Add(90*time.Second), *loaded.NotBefore, 5*time.Second)
}

func TestRunOnce_ToPendingPolicyClearsLease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "", 1, 5)

	cfg := testConfig()
	cfg.RecoveryPolicy = PolicyToPending

	result, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.ToPending)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusPending, loaded.Status)
	assert.Empty(t, loaded.LockedBy)
	assert.Nil(t, loaded.LockedAt)
	assert.Nil(t, loaded.NotBefore, "to_pending applies no backoff")
}

func TestRunOnce_PolicyNeverRescuesExhaustedUnknowns(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job := seedExpiredJob(t, s, "repo-1", "exit status 1", 3, 3)

	cfg := testConfig()
	cfg.RecoveryPolicy = PolicyToPending

	_, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusDead, loaded.Status,
		"the attempt budget is checked before the policy")
}

// ──────────────────────────────────────────────────────────────────────────────
// Job recovery: isolation and races
// ──────────────────────────────────────────────────────────────────────────────

func TestRunOnce_FreshLeaseUntouched(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job := &core.SyncJob{RepoID: "repo-1", JobType: "gitlab_commits", Priority: 100, MaxAttempts: 5}
	require.NoError(t, s.EnqueueJob(ctx, job))
	_, err := s.ClaimJob(ctx, []string{"gitlab_commits"}, "live-worker")
	require.NoError(t, err)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, result.Jobs.Processed)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusRunning, loaded.Status)
}

// flakyMarkStore fails MarkJobFailed for one specific job.
type flakyMarkStore struct {
	core.JobStore
	failJobID string
}

func (s *flakyMarkStore) MarkJobFailed(ctx context.Context, jobID, errMsg string, notBefore time.Time) (bool, error) {
	if jobID == s.failJobID {
		return false, errors.New("simulated row conflict")
	}
	return s.JobStore.MarkJobFailed(ctx, jobID, errMsg, notBefore)
}

func TestRunOnce_OneBadRowDoesNotBlockTheBatch(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job1 := seedExpiredJobAt(t, s, "repo-1", "connection timeout", 1, 5, time.Now().Add(-4*time.Minute))
	job2 := seedExpiredJobAt(t, s, "repo-2", "connection timeout", 1, 5, time.Now().Add(-3*time.Minute))
	job3 := seedExpiredJobAt(t, s, "repo-3", "connection timeout", 1, 5, time.Now().Add(-2*time.Minute))

	flaky := &flakyMarkStore{JobStore: s, failJobID: job2.ID}
	result, err := newReaper(t, flaky, testConfig()).RunOnce(ctx)
	require.NoError(t, err, "per-row failures never abort the invocation")

	assert.Equal(t, 3, result.Jobs.Processed)
	assert.Equal(t, 2, result.Jobs.ToFailed)
	assert.Equal(t, 1, result.Jobs.Errors)

	for _, job := range []*core.SyncJob{job1, job3} {
		loaded, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, core.JobStatusFailed, loaded.Status)
	}
	loaded, err := s.GetJob(ctx, job2.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusRunning, loaded.Status, "the bad row is left for the next pass")
}

// staleViewStore serves a fixed discovery snapshot, simulating rows
// that changed between discovery and the write.
type staleViewStore struct {
	core.JobStore
	stale []*core.SyncJob
}

func (s *staleViewStore) ListExpiredRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*core.SyncJob, error) {
	return s.stale, nil
}

func TestRunOnce_RowFinishedAfterDiscoveryIsSkipped(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job := &core.SyncJob{RepoID: "repo-1", JobType: "gitlab_commits", Priority: 100, MaxAttempts: 5}
	require.NoError(t, s.EnqueueJob(ctx, job))
	_, err := s.ClaimJob(ctx, []string{"gitlab_commits"}, "w1")
	require.NoError(t, err)

	snapshot := *job
	snapshot.Status = core.JobStatusRunning

	// The worker completes between discovery and the reaper's write.
	require.NoError(t, s.CompleteJob(ctx, job.ID, "w1"))

	stale := &staleViewStore{JobStore: s, stale: []*core.SyncJob{&snapshot}}
	result, err := newReaper(t, stale, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.Processed)
	assert.Zero(t, result.Jobs.ToFailed)
	assert.Zero(t, result.Jobs.ToDead)
	assert.Zero(t, result.Jobs.Errors)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusCompleted, loaded.Status, "the finished job is not clobbered")
}

// ──────────────────────────────────────────────────────────────────────────────
// Run and lock recovery
// ──────────────────────────────────────────────────────────────────────────────

func TestRunOnce_ExpiredRunGetsLeaseLostSummary(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	expired := seedExpiredRun(t, s, "repo-1", 2*time.Hour)
	fresh := seedExpiredRun(t, s, "repo-2", time.Minute)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Runs.Processed)
	assert.Equal(t, 1, result.Runs.Failed)

	loaded, err := s.GetRun(ctx, expired.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, loaded.Status)
	assert.Equal(t, "lease_lost", loaded.ErrorType)
	assert.Equal(t, "timeout", loaded.ErrorCategory)
	assert.Equal(t, "Reaped: sync run timed out", loaded.Message)

	untouched, err := s.GetRun(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, untouched.Status)
}

func TestRunOnce_RunExpiryIgnoresJobLease(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	// The job's lease is fresh, but the run has blown its wall-clock
	// budget. The two timeout dimensions are independent.
	job := &core.SyncJob{RepoID: "repo-1", JobType: "gitlab_commits", Priority: 100, MaxAttempts: 5}
	require.NoError(t, s.EnqueueJob(ctx, job))
	_, err := s.ClaimJob(ctx, []string{"gitlab_commits"}, "slow-worker")
	require.NoError(t, err)

	run := seedExpiredRun(t, s, "repo-1", 2*time.Hour)

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Zero(t, result.Jobs.Processed, "fresh job lease is untouched")
	assert.Equal(t, 1, result.Runs.Failed)

	loaded, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, loaded.Status)
}

func TestRunOnce_ExpiredLockForceReleased(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	seedExpiredLock(t, s, "repo:stuck", 20*time.Minute)
	require.NoError(t, s.AcquireLock(ctx, "repo:active", "live-worker"))

	result, err := newReaper(t, s, testConfig()).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Locks.Processed)
	assert.Equal(t, 1, result.Locks.Released)
	assert.Zero(t, result.Locks.Errors)

	assert.NoError(t, s.AcquireLock(ctx, "repo:stuck", "new-worker"),
		"released resource is lockable again")
	assert.ErrorIs(t, s.AcquireLock(ctx, "repo:active", "new-worker"), core.ErrLockHeld,
		"fresh lock is untouched")
}

// ──────────────────────────────────────────────────────────────────────────────
// Dry run, pass isolation, end to end
// ──────────────────────────────────────────────────────────────────────────────

func TestRunOnce_DryRunCountsWithoutMutating(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job := seedExpiredJob(t, s, "repo-1", "connection timeout", 1, 5)
	run := seedExpiredRun(t, s, "repo-2", 2*time.Hour)
	seedExpiredLock(t, s, "repo:stuck", 20*time.Minute)

	cfg := testConfig()
	cfg.DryRun = true

	result, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, 1, result.Jobs.ToFailed)
	assert.Equal(t, 1, result.Runs.Failed)
	assert.Equal(t, 1, result.Locks.Released)

	loadedJob, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusRunning, loadedJob.Status)
	assert.Equal(t, "connection timeout", loadedJob.LastError)

	loadedRun, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusRunning, loadedRun.Status)

	assert.ErrorIs(t, s.AcquireLock(ctx, "repo:stuck", "other"), core.ErrLockHeld,
		"dry run does not release locks")
}

// failingRunsStore aborts the run discovery query.
type failingRunsStore struct {
	core.JobStore
}

func (s *failingRunsStore) ListExpiredRuns(ctx context.Context, olderThan time.Time, limit int) ([]*core.SyncRun, error) {
	return nil, errors.New("connection lost")
}

func TestRunOnce_PassLevelFailureAbortsButKeepsEarlierCounts(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seedExpiredJob(t, s, "repo-1", "connection timeout", 1, 5)

	failing := &failingRunsStore{JobStore: s}
	result, err := newReaper(t, failing, testConfig()).RunOnce(ctx)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "run recovery pass")
	assert.Equal(t, 1, result.Jobs.ToFailed, "the completed jobs pass keeps its counts")
	assert.Zero(t, result.Locks.Processed, "the lock pass never ran")
}

func TestRunOnce_EndToEndTransientRecovery(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job := seedExpiredJobAt(t, s, "repo-1", "connection timeout", 1, 5, time.Now().Add(-120*time.Second))

	cfg := Config{
		JobGrace:       60 * time.Second,
		MaxRunDuration: time.Hour,
		LockGrace:      10 * time.Minute,
		RecoveryPolicy: PolicyToFailed,
		RetryDelay:     60 * time.Second,
	}

	result, err := newReaper(t, s, cfg).RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Jobs.ToFailed)

	loaded, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, loaded.Status)
	require.NotNil(t, loaded.NotBefore)
	assert.True(t, loaded.NotBefore.After(time.Now()))
	assert.Contains(t, loaded.LastError, "transient error")
	assert.Contains(t, loaded.LastError, "timeout")
}

// ──────────────────────────────────────────────────────────────────────────────
// Construction and loop mode
// ──────────────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidPolicy(t *testing.T) {
	s := newStore(t)

	_, err := New(s, Config{RecoveryPolicy: "to_limbo"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid recovery policy")
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, Config{})
	require.Error(t, err)
}

func TestNew_AppliesDefaults(t *testing.T) {
	s := newStore(t)

	r, err := New(s, Config{})
	require.NoError(t, err)

	assert.Equal(t, PolicyToFailed, r.cfg.RecoveryPolicy)
	assert.Equal(t, DefaultJobGrace, r.cfg.JobGrace)
	assert.Equal(t, DefaultMaxRunDuration, r.cfg.MaxRunDuration)
	assert.Equal(t, DefaultLockGrace, r.cfg.LockGrace)
	assert.Equal(t, DefaultRetryDelay, r.cfg.RetryDelay)
	assert.Equal(t, float64(1), r.cfg.TransientRetryMultiplier)
	assert.Equal(t, DefaultBatchSize, r.cfg.BatchSize)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	s := newStore(t)
	r := newReaper(t, s, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, 10*time.Millisecond) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reaper loop did not stop on context cancel")
	}
}
