package core

import (
	"context"
	"time"
)

// Starter is the interface for starting long-running components.
type Starter interface {
	Start(ctx context.Context) error
}

// CancelOutcome reports what a cancel request did to a job.
type CancelOutcome struct {
	// Cancelled is true when a queued job was prevented from being claimed.
	Cancelled bool
	// Abandoned is true when the job was already active; it keeps running.
	Abandoned bool
}

// Store defines the persistence layer for clip jobs.
type Store interface {
	// Migrate creates the necessary database tables.
	Migrate(ctx context.Context) error

	// Job lifecycle
	Create(ctx context.Context, job *Job) error
	Get(ctx context.Context, jobID string) (*Job, error)
	ClaimNext(ctx context.Context, workerID string, lockFor time.Duration) (*Job, error)
	UpdateProgress(ctx context.Context, jobID, workerID string, percent int, label string) (*Job, error)
	Complete(ctx context.Context, jobID, workerID, locator, localPath string) (*Job, error)
	Fail(ctx context.Context, jobID, workerID string, category Category, reason string) (*Job, error)
	Requeue(ctx context.Context, jobID, workerID, reason string, runAt time.Time) (*Job, error)
	Cancel(ctx context.Context, jobID string) (CancelOutcome, error)

	// Locking
	Heartbeat(ctx context.Context, jobID, workerID string, lockFor time.Duration) error
	ReleaseStaleLocks(ctx context.Context) (int64, error)

	// Queries
	List(ctx context.Context, state JobState, limit int) ([]*Job, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Close() error
}
