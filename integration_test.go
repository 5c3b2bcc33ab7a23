package scmsync_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	scmsync "github.com/repoharvest/scmsync"
	"github.com/repoharvest/scmsync/pkg/backoff"
	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/degrade"
	"github.com/repoharvest/scmsync/pkg/worker"
)

// setupIntegrationStore uses a file-backed database so workers and the
// test can query concurrently.
func setupIntegrationStore(t *testing.T) *scmsync.GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "integration.db") + "?_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	store := scmsync.NewStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func TestIntegration_FullSyncLifecycle(t *testing.T) {
	store := setupIntegrationStore(t)
	sched := scmsync.NewScheduler(store)
	ctx := context.Background()

	jobID, err := sched.Enqueue(ctx, "group/project", "commits", scmsync.RepoKindGit,
		scmsync.Payload(map[string]string{"since": "2026-08-01"}))
	require.NoError(t, err)

	var itemsSeen atomic.Int32
	w := scmsync.NewWorker(store,
		scmsync.PollInterval(10*time.Millisecond),
		scmsync.Concurrency(1),
	)
	w.Register("gitlab_commits", func(ctx context.Context, rc *scmsync.RunContext) (*scmsync.SyncResult, error) {
		var cursor struct {
			Since string `json:"since"`
		}
		if err := rc.DecodePayload(&cursor); err != nil {
			return nil, err
		}
		if cursor.Since != "2026-08-01" {
			return nil, errors.New("payload cursor missing")
		}
		itemsSeen.Add(17)
		return &scmsync.SyncResult{ItemsSynced: 17}, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- w.Start(runCtx) }()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == scmsync.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "job should complete")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	assert.Equal(t, int32(17), itemsSeen.Load())

	// The run record carries the item count.
	var run scmsync.SyncRun
	require.NoError(t, store.DB().Where("job_id = ?", jobID).First(&run).Error)
	assert.Equal(t, core.RunStatusCompleted, run.Status)
	assert.Equal(t, 17, run.ItemsSynced)

	// The repo's last sync time is recorded.
	var state scmsync.RepoState
	require.NoError(t, store.DB().First(&state, "repo_id = ?", "group/project").Error)
	assert.NotNil(t, state.LastSyncedAt)
}

func TestIntegration_RetryOnTransientFailure(t *testing.T) {
	store := setupIntegrationStore(t)
	sched := scmsync.NewScheduler(store)
	ctx := context.Background()

	jobID, err := sched.Enqueue(ctx, "flaky/project", "commits", scmsync.RepoKindGit)
	require.NoError(t, err)

	var attempts atomic.Int32
	w := scmsync.NewWorker(store,
		scmsync.PollInterval(10*time.Millisecond),
		worker.WithBackoff(backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}),
	)
	w.Register("gitlab_commits", func(ctx context.Context, rc *scmsync.RunContext) (*scmsync.SyncResult, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("HTTP 502 Bad Gateway")
		}
		return &scmsync.SyncResult{ItemsSynced: 1}, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Start(runCtx) }()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == scmsync.StatusCompleted
	}, 10*time.Second, 20*time.Millisecond, "job should complete after retries")

	assert.Equal(t, int32(3), attempts.Load())

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 3, job.Attempts)
}

func TestIntegration_ExhaustedJobGoesDead(t *testing.T) {
	store := setupIntegrationStore(t)
	sched := scmsync.NewScheduler(store)
	ctx := context.Background()

	jobID, err := sched.Enqueue(ctx, "broken/project", "commits", scmsync.RepoKindGit,
		scmsync.MaxAttempts(2))
	require.NoError(t, err)

	w := scmsync.NewWorker(store,
		scmsync.PollInterval(10*time.Millisecond),
		worker.WithBackoff(backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}),
	)
	w.Register("gitlab_commits", func(ctx context.Context, rc *scmsync.RunContext) (*scmsync.SyncResult, error) {
		return nil, errors.New("exit status 1")
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Start(runCtx) }()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == scmsync.StatusDead
	}, 10*time.Second, 20*time.Millisecond, "job should die after its attempt budget")

	job, err := store.GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.LastError, "exit status 1")
}

func TestIntegration_DegradedSyncRecordsPatchSkip(t *testing.T) {
	store := setupIntegrationStore(t)
	sched := scmsync.NewScheduler(store)
	ctx := context.Background()

	jobID, err := sched.Enqueue(ctx, "slow/project", "mrs", scmsync.RepoKindGit)
	require.NoError(t, err)

	w := scmsync.NewWorker(store,
		scmsync.PollInterval(10*time.Millisecond),
		worker.WithDegrade(degrade.Config{TimeoutThreshold: 2, ContentTooLargeThreshold: 2, Sticky: true}),
	)
	w.Register("gitlab_mrs", func(ctx context.Context, rc *scmsync.RunContext) (*scmsync.SyncResult, error) {
		// Two consecutive timeouts trip the breaker; the rest of the
		// batch syncs without patches.
		cls := scmsync.NewClassifier()
		for i := 0; i < 2; i++ {
			c := cls.Classify("read timeout fetching diff")
			rc.Degrade.RecordError(c.Category)
		}
		if !rc.Degrade.ShouldSkipPatches() {
			return nil, errors.New("breaker should have tripped")
		}
		return &scmsync.SyncResult{ItemsSynced: 5}, nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = w.Start(runCtx) }()

	require.Eventually(t, func() bool {
		job, err := store.GetJob(context.Background(), jobID)
		return err == nil && job.Status == scmsync.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	var run scmsync.SyncRun
	require.NoError(t, store.DB().Where("job_id = ?", jobID).First(&run).Error)
	assert.True(t, run.PatchesSkipped)
	assert.Equal(t, 5, run.ItemsSynced)
}

func TestIntegration_DuplicateEnqueueRejected(t *testing.T) {
	store := setupIntegrationStore(t)
	sched := scmsync.NewScheduler(store)
	ctx := context.Background()

	_, err := sched.Enqueue(ctx, "group/project", "commits", scmsync.RepoKindGit)
	require.NoError(t, err)

	_, err = sched.Enqueue(ctx, "group/project", "commits", scmsync.RepoKindGit)
	assert.ErrorIs(t, err, scmsync.ErrDuplicateJob)

	// A different job type for the same repo is fine.
	_, err = sched.Enqueue(ctx, "group/project", "mrs", scmsync.RepoKindGit)
	assert.NoError(t, err)
}

// TestIntegration_ReaperRecoversExpiredTransientJob walks the canonical
// recovery scenario: a worker crashed mid-sync after a transient error,
// its lease expired, and one reaper pass puts the job back on a retry
// path.
func TestIntegration_ReaperRecoversExpiredTransientJob(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	job := &scmsync.SyncJob{
		RepoID:      "crashed/project",
		JobType:     "gitlab_commits",
		Priority:    100,
		MaxAttempts: 5,
	}
	require.NoError(t, store.EnqueueJob(ctx, job))
	claimed, err := store.ClaimJob(ctx, []string{"gitlab_commits"}, "crashed-worker")
	require.NoError(t, err)
	require.Equal(t, 1, claimed.Attempts)

	// Backdate the lease beyond the grace window and record the error
	// the worker died with.
	require.NoError(t, store.DB().Model(&scmsync.SyncJob{}).
		Where("id = ?", job.ID).
		Updates(map[string]any{
			"locked_at":  time.Now().Add(-120 * time.Second),
			"last_error": "connection timeout",
		}).Error)

	r, err := scmsync.NewReaper(store, scmsync.ReaperConfig{
		JobGrace:       60 * time.Second,
		RecoveryPolicy: scmsync.PolicyToFailed,
	})
	require.NoError(t, err)

	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Jobs.ToFailed)

	recovered, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, scmsync.StatusFailed, recovered.Status)
	require.NotNil(t, recovered.NotBefore)
	assert.True(t, recovered.NotBefore.After(time.Now()))
	assert.Contains(t, recovered.LastError, "transient error")
	assert.Contains(t, recovered.LastError, "timeout")
	assert.Empty(t, recovered.LockedBy)
}

func TestIntegration_ReaperFreesRepoAfterWorkerCrash(t *testing.T) {
	store := setupIntegrationStore(t)
	ctx := context.Background()

	// A crashed worker left the repo lock behind.
	require.NoError(t, store.AcquireLock(ctx, "repo:stuck/project", "crashed-worker"))
	require.NoError(t, store.DB().Model(&scmsync.SyncLock{}).
		Where("resource = ?", "repo:stuck/project").
		Update("locked_at", time.Now().Add(-time.Hour)).Error)

	r, err := scmsync.NewReaper(store, scmsync.ReaperConfig{LockGrace: 10 * time.Minute})
	require.NoError(t, err)

	result, err := r.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Locks.Released)

	// Another worker can sync the repo again.
	assert.NoError(t, store.AcquireLock(ctx, "repo:stuck/project", "fresh-worker"))
}
