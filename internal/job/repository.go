// Package job defines the job record, its state machine and the contracts
// the orchestrator, queue manager and watchdog share.
package job

import (
	"context"
	"time"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Statuses  []Status
	ProjectID string
	WorkerID  string
}

// Matches reports whether j satisfies the filter.
func (f Filter) Matches(j *Job) bool {
	if f.ProjectID != "" && j.ProjectID != f.ProjectID {
		return false
	}
	if f.WorkerID != "" && j.WorkerID != f.WorkerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if j.Status == s {
			return true
		}
	}
	return false
}

// Repository persists job records.
//
// # Concurrency
//
// Save is a compare-and-swap on Version: it succeeds only if the stored version
// equals j.Version, and bumps j.Version on success. A stale save returns an
// apperrors conflict and writes nothing. This is what makes claims exclusive
// and watchdog sweeps idempotent across workers.
//
// Heartbeat is a narrow update that does not bump Version, so it never
// invalidates an owner's in-flight record; Save keeps the newer heartbeat.
// RequestCancel does bump Version the first time it sets the flag: any writer
// that read the job before the cancel gets a conflict and must re-read, so a
// save can only drop the flag if the writer has seen it.
type Repository interface {
	// Create inserts a new job. Returns a conflict error if the ID exists.
	Create(ctx context.Context, j *Job) error

	// Get returns a copy of the job. Returns a not found error if missing.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns copies of all jobs matching filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Job, error)

	// Save writes j if its Version is current.
	Save(ctx context.Context, j *Job) error

	// Heartbeat refreshes the liveness timestamp of a job owned by workerID.
	// Returns a conflict error when the job is no longer active under that owner.
	Heartbeat(ctx context.Context, id, workerID string, at time.Time) error

	// RequestCancel sets the cancellation flag on a non-terminal job and returns
	// it. Setting the flag bumps Version; repeated requests leave it unchanged.
	RequestCancel(ctx context.Context, id string, at time.Time) (*Job, error)

	// AppendMessages stores transcript entries for a job.
	AppendMessages(ctx context.Context, id string, msgs []Message) error

	// Messages returns the stored transcript for a job in sequence order.
	Messages(ctx context.Context, id string) ([]Message, error)

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the repository.
	Close() error
}
