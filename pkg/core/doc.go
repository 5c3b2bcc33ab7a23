// Package core defines the shared types for the scmsync work queue:
//
//   - SyncJob, SyncRun, SyncLock and RepoState, the persistent records
//     that describe queued work, in-flight runs and repository locks
//   - JobStore, the storage contract the queue, worker and reaper share
//   - sentinel errors and the NoRetryError / RetryAfterError wrappers
//     handlers use to steer retry behavior
//   - queue events emitted on job and run transitions
//
// Most users should import the root scmsync package instead of using
// core directly.
package core
