package store

import "context"

// Store is the persistence contract for jobs. It is the single source of
// truth for job existence and state; all cross-component coordination goes
// through it. Implementations must be safe for concurrent use.
type Store interface {
	// Create persists a brand new job. Fails with ErrAlreadyExists if the
	// job directory already exists.
	Create(ctx context.Context, job *Job) error

	// Load returns one job by id. Fails with ErrNotFound or ErrCorrupt.
	Load(ctx context.Context, id string) (*Job, error)

	// Update loads the job, applies the pure mutator, stamps updated_at and
	// persists the result atomically. State changes outside the lifecycle
	// table fail with ErrIllegalTransition and nothing is written.
	Update(ctx context.Context, id string, mutate func(*Job) error) (*Job, error)

	// List scans all jobs. Corrupt entries are skipped and logged, never
	// abort the scan. Results are ordered newest-first by created_at.
	List(ctx context.Context, f Filter) ([]*Job, error)

	// ClaimNext flips the oldest queued job (FIFO by created_at, ties by
	// job_id) to running and returns it. The flip is the only admission
	// check; a caller that loses the race just polls again. Fails with
	// ErrEmpty when nothing is queued.
	ClaimNext(ctx context.Context) (*Job, error)

	// Requeue drives a failed_retryable job back to queued, incrementing
	// retries, or to failed_final once retries reach maxRetries.
	Requeue(ctx context.Context, id, reason string, maxRetries int) (*Job, error)

	// RequestAbort writes the abort marker for a non-terminal job and
	// returns the record observed at request time. Fails with ErrConflict
	// against a terminal job, without touching the filesystem. Repeated
	// requests are no-ops.
	RequestAbort(ctx context.Context, id string) (*Job, error)

	// AbortRequested reports whether the job's abort marker exists.
	AbortRequested(ctx context.Context, id string) (bool, error)

	// RecoverOrphans reconciles jobs left running by a previous engine
	// process: each is failed as retryable and re-queued under the normal
	// retry ceiling. Returns the reconciled jobs.
	RecoverOrphans(ctx context.Context, reason string, maxRetries int) ([]*Job, error)

	// Root returns the jobs root directory.
	Root() string
}
