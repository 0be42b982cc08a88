// Package store defines the job model and the persistence contract.
package store

import "time"

// State is the lifecycle state of a job.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateSucceeded       State = "succeeded"
	StateFailedRetryable State = "failed_retryable"
	StateFailedFinal     State = "failed_final"
	StateAborted         State = "aborted"
)

// allowedTransitions captures the legal lifecycle edges. Everything else is
// a programming error surfaced by Update, never silently written.
var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateRunning: {},
	},
	StateRunning: {
		StateSucceeded:       {},
		StateFailedRetryable: {},
		StateFailedFinal:     {},
		StateAborted:         {},
	},
	StateFailedRetryable: {
		StateQueued:      {},
		StateFailedFinal: {},
	},
}

// CanTransition reports whether from -> to is a legal lifecycle edge.
func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailedRetryable, StateFailedFinal, StateAborted:
		return true
	}
	return false
}

// Terminal reports whether s is a final state. Terminal jobs are never
// mutated again by the engine.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailedFinal, StateAborted:
		return true
	}
	return false
}

// Job is the unit of work tracked from creation to a terminal state.
// All timestamps are UTC at second precision.
type Job struct {
	ID            string            `json:"job_id"`
	State         State             `json:"state"`
	Retries       int               `json:"retries"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	HeartbeatAt   *time.Time        `json:"heartbeat_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Pid           *int              `json:"pid,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	LogPath       string            `json:"log_path"`
	SourceRef     string            `json:"source_ref"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.State.Terminal()
}

// Stalled reports whether the job is running with a heartbeat older than the
// threshold. It is derived at read time and never stored.
func (j *Job) Stalled(now time.Time, threshold time.Duration) bool {
	if j.State != StateRunning || j.HeartbeatAt == nil {
		return false
	}
	return now.Sub(*j.HeartbeatAt) > threshold
}

// Age returns how long ago the job was created.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.CreatedAt)
}

// UTCNow returns the current time the way records store it: UTC, truncated
// to whole seconds.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Filter selects jobs in List. The zero value matches every job.
type Filter struct {
	// States keeps only jobs in any of the given states. Empty means all.
	States []State
	// Stalled, when non-nil, keeps only jobs whose stalled derivation (using
	// StalledAfter and the scan time) matches the value.
	Stalled      *bool
	StalledAfter time.Duration
	// Limit truncates the newest-first result. Zero means no limit.
	Limit int
}

// MatchState reports whether the filter admits state s.
func (f *Filter) MatchState(s State) bool {
	if len(f.States) == 0 {
		return true
	}
	for _, want := range f.States {
		if s == want {
			return true
		}
	}
	return false
}
