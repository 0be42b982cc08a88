package store

import "errors"

// Sentinel errors for the job lifecycle taxonomy. Callers match with
// errors.Is; implementations wrap these with job context.
var (
	// ErrNotFound means no job directory exists for the given id.
	ErrNotFound = errors.New("jobdock: job not found")

	// ErrAlreadyExists means Create was called for an existing job directory.
	ErrAlreadyExists = errors.New("jobdock: job already exists")

	// ErrCorrupt means a job record failed to parse or validate. Scanning
	// callers skip and log corrupt jobs instead of crashing.
	ErrCorrupt = errors.New("jobdock: job record corrupt")

	// ErrEmpty means no queued job was eligible to claim.
	ErrEmpty = errors.New("jobdock: no queued jobs")

	// ErrConflict means an abort was requested against a terminal job.
	ErrConflict = errors.New("jobdock: job already terminal")

	// ErrAlreadyClaimed means a non-terminal job already covers the work
	// unit. This is a normal dedup outcome, not a failure.
	ErrAlreadyClaimed = errors.New("jobdock: work unit already claimed")

	// ErrIllegalTransition means an Update mutator attempted a state change
	// outside the lifecycle table.
	ErrIllegalTransition = errors.New("jobdock: illegal state transition")
)
