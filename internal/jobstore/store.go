package jobstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no job has the requested id.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyExists is returned by Create when the id collides.
	ErrAlreadyExists = errors.New("job already exists")
	// ErrStaleTransition is returned when the stored status or attempt count
	// no longer matches what the caller expected.
	ErrStaleTransition = errors.New("stale transition")
)

// Store is the durable record of every job. Every write is a single-job
// compare-and-swap keyed on the job's current status.
type Store interface {
	// Create inserts a new job and returns its id.
	Create(ctx context.Context, job *Job) (string, error)
	// Get returns the job with outputs and error history.
	Get(ctx context.Context, id string) (*Job, error)
	// Transition moves a job from expected to next, raising progress to at
	// least progress and appending output when non-nil. The attempt counter
	// resets for the next stage.
	Transition(ctx context.Context, id string, expected, next Status, progress int, output *StageOutput) (*Job, error)
	// MarkFailed moves a job from expected to FAILED with jobErr.
	MarkFailed(ctx context.Context, id string, expected Status, jobErr JobError) (*Job, error)
	// RecordAttempt claims the next execution attempt for the job's current
	// stage. It fails with ErrStaleTransition unless both the status and the
	// attempt counter still hold the expected values.
	RecordAttempt(ctx context.Context, id string, expected Status, expectedAttempts int) (*Job, error)
	// ReportProgress raises progress while the job is still in expected.
	// Progress never decreases.
	ReportProgress(ctx context.Context, id string, expected Status, progress int) error
	// RecordError appends to the job's error history without changing state.
	RecordError(ctx context.Context, id string, entry AttemptError) error
	// List returns jobs ordered by creation time, newest first, without outputs.
	List(ctx context.Context, opts ListOptions) ([]*Job, error)
	// Stats counts jobs by status.
	Stats(ctx context.Context) (Summary, error)
	// CountActive returns the number of non-terminal jobs.
	CountActive(ctx context.Context) (int, error)
	// ListStalled returns non-terminal jobs not updated since before.
	ListStalled(ctx context.Context, before time.Time, limit int) ([]*Job, error)
	// PurgeTerminal deletes terminal jobs that finished before the cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
