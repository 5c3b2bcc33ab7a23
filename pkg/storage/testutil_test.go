package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/repoharvest/scmsync/pkg/core"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance.
// PostgreSQL connections are pool-limited and closed on test cleanup to
// avoid exceeding max_connections.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger:         logger.Default.LogMode(logger.Silent),
			TranslateError: true,
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(1)

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(t, db)
		t.Cleanup(func() {
			cleanupPostgresDB(t, db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err, "open in-memory sqlite")
	return db
}

// cleanupPostgresDB deletes all rows from tables after each test
// so tests are isolated without requiring a fresh database per test.
func cleanupPostgresDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	tables := []string{"sync_runs", "sync_locks", "repo_states", "sync_jobs"}
	for _, tbl := range tables {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestStore creates a migrated store for each test.
func newTestStore(t *testing.T) *GormStore {
	t.Helper()
	s := NewGormStore(openTestDB(t))
	require.NoError(t, s.Migrate(context.Background()), "migrate schema")
	return s
}

// newTestJob builds a minimal valid SyncJob for insertion in tests.
func newTestJob(repoID, jobType string) *core.SyncJob {
	return &core.SyncJob{
		RepoID:      repoID,
		JobType:     jobType,
		Priority:    100,
		MaxAttempts: 5,
	}
}

// claimTestJob enqueues and claims a job so it is running with a fresh
// lease held by workerID.
func claimTestJob(t *testing.T, s *GormStore, repoID, jobType, workerID string) *core.SyncJob {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.EnqueueJob(ctx, newTestJob(repoID, jobType)))
	job, err := s.ClaimJob(ctx, []string{jobType}, workerID)
	require.NoError(t, err, "claim seeded job")
	return job
}
