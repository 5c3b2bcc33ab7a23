package core

import "time"

// Event is implemented by every queue event. Subscribers receive events
// on a buffered channel; events are dropped when the channel is full.
type Event interface {
	eventMarker()
}

// JobEnqueued is emitted when a job is accepted into the queue.
type JobEnqueued struct {
	JobID    string
	RepoID   string
	JobType  string
	Priority int
	At       time.Time
}

// JobStarted is emitted when a worker claims a job.
type JobStarted struct {
	JobID    string
	RepoID   string
	JobType  string
	WorkerID string
	Attempt  int
	At       time.Time
}

// JobCompleted is emitted when a job finishes successfully.
type JobCompleted struct {
	JobID    string
	RepoID   string
	JobType  string
	WorkerID string
	Duration time.Duration
	At       time.Time
}

// JobFailed is emitted when a job moves to dead.
type JobFailed struct {
	JobID    string
	RepoID   string
	JobType  string
	WorkerID string
	Attempt  int
	Error    string
	At       time.Time
}

// JobRetrying is emitted when a failed attempt schedules a retry.
type JobRetrying struct {
	JobID    string
	RepoID   string
	JobType  string
	WorkerID string
	Attempt  int
	NextTry  time.Time
	Error    string
	At       time.Time
}

// SyncDegraded is emitted when a run's degradation controller trips and
// patch fetching is skipped for the rest of the run.
type SyncDegraded struct {
	JobID    string
	RepoID   string
	Category string
	Reason   string
	At       time.Time
}

func (JobEnqueued) eventMarker()  {}
func (JobStarted) eventMarker()   {}
func (JobCompleted) eventMarker() {}
func (JobFailed) eventMarker()    {}
func (JobRetrying) eventMarker()  {}
func (SyncDegraded) eventMarker() {}
