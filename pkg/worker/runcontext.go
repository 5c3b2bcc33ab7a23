package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/repoharvest/scmsync/pkg/core"
	"github.com/repoharvest/scmsync/pkg/degrade"
)

// SyncFunc executes one sync run for a claimed job. Returning an error
// fails the attempt; the worker decides between retry and dead based on
// the error's classification and the job's remaining attempts. Wrap
// errors with core.NoRetry or core.RetryAfter to override that
// decision.
type SyncFunc func(ctx context.Context, rc *RunContext) (*SyncResult, error)

// SyncResult reports what a completed run did.
type SyncResult struct {
	// ItemsSynced is how many commits, merge requests or reviews the
	// run ingested.
	ItemsSynced int
}

// RunContext carries everything a sync function needs for one run.
type RunContext struct {
	// Job is the claimed job, including its payload cursor.
	Job *core.SyncJob

	// Run is the open run record.
	Run *core.SyncRun

	// Degrade is this run's degradation controller. Record fetch
	// outcomes on it and honor ShouldSkipPatches for expensive
	// per-item fetches.
	Degrade *degrade.Controller

	// Log is scoped to this job and worker.
	Log *slog.Logger
}

// DecodePayload unmarshals the job payload into v. A missing payload
// leaves v untouched.
func (rc *RunContext) DecodePayload(v any) error {
	if len(rc.Job.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(rc.Job.Payload, v)
}
