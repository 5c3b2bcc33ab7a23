// Package scheduler provides the enqueue path for sync jobs.
//
// This package includes:
//   - Scheduler: resolves logical job types through the registry and
//     enqueues with per-repo deduplication
//   - Tick: scans a CandidateSource and enqueues due syncs, with a
//     circuit breaker over storage errors
//   - Schedule kinds (Every, Daily, Weekly, Cron) for recurring syncs
//   - Event subscription for monitoring
//
// Most users should import the root package
// github.com/repoharvest/scmsync which re-exports the Scheduler and
// option functions.
package scheduler
