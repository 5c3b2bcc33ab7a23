package storage

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/repoharvest/scmsync/pkg/core"
)

// AcquireLock takes the advisory lock on resource for holder. The lock
// row's primary key makes the insert the atomic claim; re-acquiring a
// lock the holder already owns refreshes its timestamp.
func (s *GormStore) AcquireLock(ctx context.Context, resource, holder string) error {
	lock := &core.SyncLock{
		Resource: resource,
		LockedBy: holder,
		LockedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Create(lock).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}

	result := s.db.WithContext(ctx).
		Model(&core.SyncLock{}).
		Where("resource = ? AND locked_by = ?", resource, holder).
		Update("locked_at", time.Now())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return core.ErrLockHeld
	}
	return nil
}

// ReleaseLock releases the lock on resource if holder owns it.
// Releasing a lock that is already gone is not an error.
func (s *GormStore) ReleaseLock(ctx context.Context, resource, holder string) error {
	return s.db.WithContext(ctx).
		Where("resource = ? AND locked_by = ?", resource, holder).
		Delete(&core.SyncLock{}).Error
}

// SetRepoPaused sets or clears the pause flag for a repository,
// creating the state row when needed.
func (s *GormStore) SetRepoPaused(ctx context.Context, repoID string, paused bool, reason string) error {
	now := time.Now()
	state := &core.RepoState{
		RepoID:    repoID,
		Paused:    paused,
		Reason:    reason,
		UpdatedAt: now,
	}
	if paused {
		state.PausedAt = &now
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"paused", "paused_at", "reason", "updated_at"}),
		}).
		Create(state).Error
}

// IsRepoPaused reports whether a repository is paused.
func (s *GormStore) IsRepoPaused(ctx context.Context, repoID string) (bool, error) {
	var state core.RepoState
	err := s.db.WithContext(ctx).First(&state, "repo_id = ?", repoID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return state.Paused, nil
}

// ListPausedRepos returns all paused repositories.
func (s *GormStore) ListPausedRepos(ctx context.Context) ([]*core.RepoState, error) {
	var states []*core.RepoState
	err := s.db.WithContext(ctx).
		Where("paused = ?", true).
		Order("repo_id ASC").
		Find(&states).Error
	return states, err
}

// TouchRepoSynced records when a repository last completed a sync.
func (s *GormStore) TouchRepoSynced(ctx context.Context, repoID string, at time.Time) error {
	state := &core.RepoState{
		RepoID:       repoID,
		LastSyncedAt: &at,
		UpdatedAt:    time.Now(),
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "repo_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_synced_at", "updated_at"}),
		}).
		Create(state).Error
}
