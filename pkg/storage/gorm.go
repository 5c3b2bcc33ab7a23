package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// claimRetries bounds how many candidates ClaimJob tries before giving
// up when racing other claimants.
const claimRetries = 3

// GormStore implements core.JobStore using GORM. It works against
// SQLite and PostgreSQL.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store on an existing GORM connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB returns the underlying GORM connection.
func (s *GormStore) DB() *gorm.DB { return s.db }

// Open connects to the database named by driver ("sqlite" or
// "postgres") and returns a store with connection pooling configured.
func Open(driver, dsn string, opts ...PoolOption) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("scmsync: unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}
	if err := ConfigurePool(db, opts...); err != nil {
		return nil, err
	}
	return NewGormStore(db), nil
}

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&core.SyncJob{},
		&core.SyncRun{},
		&core.SyncLock{},
		&core.RepoState{},
	)
}

// EnqueueJob inserts a new pending job, rejecting duplicates of an
// active (pending, running or failed) job for the same repo and type.
func (s *GormStore) EnqueueJob(ctx context.Context, job *core.SyncJob) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.JobStatusPending
	}
	job.MaxAttempts = redact.ClampAttempts(job.MaxAttempts)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&core.SyncJob{}).
			Where("repo_id = ? AND job_type = ?", job.RepoID, job.JobType).
			Where("status IN ?", []core.JobStatus{core.JobStatusPending, core.JobStatusRunning, core.JobStatusFailed}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return core.ErrDuplicateJob
		}
		return tx.Create(job).Error
	})
}

// ClaimJob claims the next eligible job for one of the given physical
// job types. The transition is a compare-and-set on the row's current
// status, so two concurrent claimants can never both win the same job;
// a loser moves on to the next candidate.
func (s *GormStore) ClaimJob(ctx context.Context, jobTypes []string, workerID string) (*core.SyncJob, error) {
	now := time.Now()

	for i := 0; i < claimRetries; i++ {
		var job core.SyncJob
		err := s.db.WithContext(ctx).
			Where("job_type IN ?", jobTypes).
			Where("status IN ?", []core.JobStatus{core.JobStatusPending, core.JobStatusFailed}).
			Where("(not_before IS NULL OR not_before <= ?)", now).
			Order("priority ASC, created_at ASC").
			First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, core.ErrNoJobs
		}
		if err != nil {
			return nil, err
		}

		result := s.db.WithContext(ctx).
			Model(&core.SyncJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]any{
				"status":    core.JobStatusRunning,
				"locked_by": workerID,
				"locked_at": now,
				"attempts":  gorm.Expr("attempts + 1"),
			})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 0 {
			// Lost the race for this row; pick the next candidate.
			continue
		}

		job.Status = core.JobStatusRunning
		job.LockedBy = workerID
		job.LockedAt = &now
		job.Attempts++
		return &job, nil
	}
	return nil, core.ErrNoJobs
}

// HeartbeatJob refreshes the lease on a running job.
func (s *GormStore) HeartbeatJob(ctx context.Context, jobID, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Update("locked_at", time.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// CompleteJob marks a job as successfully completed. Validates that the
// worker still owns the job, so a worker whose lease was reaped and
// reassigned discards its result instead of overwriting the new owner's.
func (s *GormStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":       core.JobStatusCompleted,
			"completed_at": time.Now(),
			"locked_by":    "",
			"locked_at":    nil,
			"not_before":   nil,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// FailJob records a failure on an owned running job. With retryAt set
// the job becomes failed and claimable again at that time; with retryAt
// nil it is dead. Error messages are scrubbed before storage.
func (s *GormStore) FailJob(ctx context.Context, jobID, workerID, errMsg string, retryAt *time.Time) error {
	updates := map[string]any{
		"last_error": redact.Clean(errMsg),
		"locked_by":  "",
		"locked_at":  nil,
	}
	if retryAt != nil {
		updates["status"] = core.JobStatusFailed
		updates["not_before"] = *retryAt
	} else {
		updates["status"] = core.JobStatusDead
		updates["completed_at"] = time.Now()
	}

	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// ReleaseJob undoes a claim without consuming an attempt. Used when a
// worker wins the job row but cannot take the repo lock.
func (s *GormStore) ReleaseJob(ctx context.Context, jobID, workerID string) error {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND locked_by = ? AND status = ?", jobID, workerID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":    core.JobStatusPending,
			"locked_by": "",
			"locked_at": nil,
			"attempts":  gorm.Expr("attempts - 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrJobNotOwned
	}
	return nil
}

// GetJob retrieves a job by ID.
func (s *GormStore) GetJob(ctx context.Context, jobID string) (*core.SyncJob, error) {
	var job core.SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsByStatus retrieves jobs by status, oldest first.
func (s *GormStore) ListJobsByStatus(ctx context.Context, status core.JobStatus, limit int) ([]*core.SyncJob, error) {
	var jobs []*core.SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountJobsByStatus returns the number of jobs per status.
func (s *GormStore) CountJobsByStatus(ctx context.Context) (map[core.JobStatus]int64, error) {
	var rows []struct {
		Status core.JobStatus
		Count  int64
	}
	err := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Select("status, count(*) as count").
		Group("status").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[core.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Close releases the underlying database resources.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ core.JobStore = (*GormStore)(nil)
