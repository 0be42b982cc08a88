// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the engine's HTTP surface.
package api

import "time"

// SubmitJobRequest is the request body for claiming a work unit as a job.
type SubmitJobRequest struct {
	// SourceRef is the stable identity of the work unit (e.g. its drop path).
	SourceRef string `json:"source_ref"`
	// Metadata is an opaque key/value bag carried on the job record.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SubmitJobResponse is the response body after a claim attempt.
// AlreadyClaimed is true when a non-terminal job for the same source_ref
// exists; JobID then names that existing job.
type SubmitJobResponse struct {
	JobID          string `json:"job_id"`
	AlreadyClaimed bool   `json:"already_claimed,omitempty"`
}

// JobResponse represents one job in API responses.
// Stalled and AgeSeconds are derived at read time, never stored.
type JobResponse struct {
	JobID         string            `json:"job_id"`
	State         string            `json:"state"`
	Retries       int               `json:"retries"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	HeartbeatAt   *time.Time        `json:"heartbeat_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Pid           *int              `json:"pid,omitempty"`
	ExitCode      *int              `json:"exit_code,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	SourceRef     string            `json:"source_ref"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Stalled       bool              `json:"stalled"`
	AgeSeconds    int64             `json:"age_seconds"`
}

// ListJobsResponse is the response body for job listings.
type ListJobsResponse struct {
	Jobs  []JobResponse `json:"jobs"`
	Count int           `json:"count"`
}

// AbortResponse acknowledges an abort request. State is the job state
// observed when the marker was recorded; repeated requests against the same
// live job return the same acknowledgment.
type AbortResponse struct {
	JobID          string `json:"job_id"`
	State          string `json:"state"`
	AbortRequested bool   `json:"abort_requested"`
}

// HealthResponse is the response body for health checks.
type HealthResponse struct {
	Status   string `json:"status"`
	JobsRoot string `json:"jobs_root"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
