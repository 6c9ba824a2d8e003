package queue

import (
	"context"
	"errors"
	"time"
)

// Errors.
var (
	// ErrStoreUnavailable wraps storage backend failures. Callers must not
	// swallow it: the worker loop retries with backoff rather than dropping
	// work.
	ErrStoreUnavailable = errors.New("job store unavailable")

	// ErrJobNotFound is returned when a job ID does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned when a status update would move a job
	// backward (e.g. completed → running).
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store persists and retrieves jobs. The store is the single source of truth:
// PopNext is serialized so two workers can never claim the same job.
type Store interface {
	// Enqueue persists a new pending job and returns its ID.
	Enqueue(ctx context.Context, job *Job) (string, error)

	// PopNext atomically claims the next pending job for a project and
	// transitions it to running. Returns (nil, nil) when the queue is empty.
	// Ordering: highest priority first, ties broken by earliest created_at.
	PopNext(ctx context.Context, projectKey string) (*Job, error)

	// Mark transitions a job to the given status. Forward-only.
	Mark(ctx context.Context, jobID string, status Status) error

	// MarkFailed transitions a job to failed and records the error message.
	MarkFailed(ctx context.Context, jobID string, reason string) error

	// SetDelivery records the delivery state for a job. Terminal delivery
	// states are written exactly once; later writes are rejected.
	SetDelivery(ctx context.Context, jobID string, state DeliveryState) error

	// SetWorktree records the isolated workspace assigned to a job.
	SetWorktree(ctx context.Context, jobID, dir string) error

	// Get returns a job by ID.
	Get(ctx context.Context, jobID string) (*Job, error)

	// Query returns jobs for a project with the given status, pop-ordered.
	// An empty projectKey matches all projects.
	Query(ctx context.Context, projectKey string, status Status) ([]*Job, error)

	// PruneStale deletes terminal jobs older than the cutoff. Returns the
	// number of rows removed.
	PruneStale(ctx context.Context, olderThan time.Duration) (int, error)

	// Close releases the underlying backend.
	Close() error
}
