package storage

import (
	"context"
	"time"

	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/redact"
)

// Recovery queries and transitions used by the reaper. The Mark*
// operations guard on the row still being in its expected state and
// report whether anything changed, so a row a worker finished in the
// meantime is skipped rather than clobbered.

// ListExpiredRunningJobs returns running jobs whose lease timestamp is
// older than olderThan. Running rows with no lease timestamp at all are
// included; they only exist when a claim was torn mid-write and must
// still be recovered.
func (s *GormStore) ListExpiredRunningJobs(ctx context.Context, olderThan time.Time, limit int) ([]*core.SyncJob, error) {
	var jobs []*core.SyncJob
	err := s.db.WithContext(ctx).
		Where("status = ?", core.JobStatusRunning).
		Where("(locked_at IS NULL OR locked_at < ?)", olderThan).
		Order("locked_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// MarkJobDead moves a running job to dead with a final error message.
func (s *GormStore) MarkJobDead(ctx context.Context, jobID, errMsg string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND status = ?", jobID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":       core.JobStatusDead,
			"last_error":   redact.Clean(errMsg),
			"locked_by":    "",
			"locked_at":    nil,
			"not_before":   nil,
			"completed_at": time.Now(),
		})
	return result.RowsAffected > 0, result.Error
}

// MarkJobFailed moves a running job to failed with a backoff gate.
func (s *GormStore) MarkJobFailed(ctx context.Context, jobID, errMsg string, notBefore time.Time) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND status = ?", jobID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":     core.JobStatusFailed,
			"last_error": redact.Clean(errMsg),
			"locked_by":  "",
			"locked_at":  nil,
			"not_before": notBefore,
		})
	return result.RowsAffected > 0, result.Error
}

// MarkJobPending returns a running job to pending with a cleared lease,
// no backoff and the previous error message left untouched.
func (s *GormStore) MarkJobPending(ctx context.Context, jobID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.SyncJob{}).
		Where("id = ? AND status = ?", jobID, core.JobStatusRunning).
		Updates(map[string]any{
			"status":     core.JobStatusPending,
			"locked_by":  "",
			"locked_at":  nil,
			"not_before": nil,
		})
	return result.RowsAffected > 0, result.Error
}

// ListExpiredRuns returns running runs started before olderThan.
func (s *GormStore) ListExpiredRuns(ctx context.Context, olderThan time.Time, limit int) ([]*core.SyncRun, error) {
	var runs []*core.SyncRun
	err := s.db.WithContext(ctx).
		Where("status = ?", core.RunStatusRunning).
		Where("started_at < ?", olderThan).
		Order("started_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// MarkRunFailed marks a running run as failed with the given summary.
func (s *GormStore) MarkRunFailed(ctx context.Context, runID string, summary core.RunErrorSummary) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.SyncRun{}).
		Where("id = ? AND status = ?", runID, core.RunStatusRunning).
		Updates(map[string]any{
			"status":         core.RunStatusFailed,
			"completed_at":   time.Now(),
			"error_type":     summary.ErrorType,
			"error_category": summary.ErrorCategory,
			"message":        redact.Clean(summary.Message),
		})
	return result.RowsAffected > 0, result.Error
}

// ListExpiredLocks returns locks acquired before olderThan.
func (s *GormStore) ListExpiredLocks(ctx context.Context, olderThan time.Time, limit int) ([]*core.SyncLock, error) {
	var locks []*core.SyncLock
	err := s.db.WithContext(ctx).
		Where("locked_at < ?", olderThan).
		Order("locked_at ASC").
		Limit(limit).
		Find(&locks).Error
	return locks, err
}

// ForceReleaseLock releases a lock regardless of holder.
func (s *GormStore) ForceReleaseLock(ctx context.Context, resource string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("resource = ?", resource).
		Delete(&core.SyncLock{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
