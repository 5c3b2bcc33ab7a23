package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/repoharvest/scmsync/pkg/core"
)

// StartRun inserts a new running run record.
func (s *GormStore) StartRun(ctx context.Context, run *core.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.Status == "" {
		run.Status = core.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return s.db.WithContext(ctx).Create(run).Error
}

// CompleteRun marks a running run completed with its final stats. A run
// the reaper already failed stays failed; this is how a worker that
// lost its lease finds out its result no longer counts.
func (s *GormStore) CompleteRun(ctx context.Context, runID string, itemsSynced int, patchesSkipped bool) error {
	result := s.db.WithContext(ctx).
		Model(&core.SyncRun{}).
		Where("id = ? AND status = ?", runID, core.RunStatusRunning).
		Updates(map[string]any{
			"status":          core.RunStatusCompleted,
			"completed_at":    time.Now(),
			"items_synced":    itemsSynced,
			"patches_skipped": patchesSkipped,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrRunNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *GormStore) GetRun(ctx context.Context, runID string) (*core.SyncRun, error) {
	var run core.SyncRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, core.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
