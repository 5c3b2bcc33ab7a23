// Package worker executes sync runs claimed from the job queue.
//
// This package includes:
//   - Worker: claims jobs, runs registered sync functions and records
//     the outcome on the job and its run
//   - SyncFunc and RunContext: the contract a sync implementation sees
//   - Per-run degradation, lease heartbeating and repo-level locking
//   - Retry of storage operations with exponential backoff
//
// Most users should import the root package github.com/repoharvest/scmsync
// which wires workers, the scheduler and the reaper together.
package worker
