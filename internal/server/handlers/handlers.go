// Package handlers implements the operator HTTP endpoints.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"jobdock/internal/intake"
	"jobdock/internal/joblog"
	"jobdock/internal/store"
	"jobdock/pkg/api"
)

// Config carries the read-side tunables the endpoints need.
type Config struct {
	// StalledAfter is the heartbeat age past which a running job is
	// reported as stalled.
	StalledAfter time.Duration
	// TailLines is the default line count for GET /jobs/{id}/log.
	TailLines int
	// FollowPoll is how often the log stream re-reads the log file.
	FollowPoll time.Duration
}

// Handlers holds the dependencies for all HTTP endpoints.
type Handlers struct {
	st     store.Store
	in     *intake.Intake
	log    *slog.Logger
	config Config

	aborts      metric.Int64Counter
	subscribers metric.Int64UpDownCounter
}

// New creates the endpoint set. Zero config fields fall back to the
// engine defaults.
func New(st store.Store, in *intake.Intake, log *slog.Logger, config Config) (*Handlers, error) {
	if config.StalledAfter <= 0 {
		config.StalledAfter = 2 * time.Minute
	}
	if config.TailLines <= 0 {
		config.TailLines = joblog.DefaultTailLines
	}
	if config.FollowPoll <= 0 {
		config.FollowPoll = 500 * time.Millisecond
	}

	meter := otel.Meter("jobdock-api")
	aborts, err := meter.Int64Counter("jobdock.abort.requests",
		metric.WithDescription("Abort requests recorded against live jobs"))
	if err != nil {
		return nil, fmt.Errorf("register abort counter: %w", err)
	}
	subscribers, err := meter.Int64UpDownCounter("jobdock.log.stream.subscribers",
		metric.WithDescription("Open log stream connections"))
	if err != nil {
		return nil, fmt.Errorf("register subscriber gauge: %w", err)
	}

	return &Handlers{
		st:          st,
		in:          in,
		log:         log,
		config:      config,
		aborts:      aborts,
		subscribers: subscribers,
	}, nil
}

func (h *Handlers) toJobResponse(job *store.Job) api.JobResponse {
	now := time.Now().UTC()
	return api.JobResponse{
		JobID:         job.ID,
		State:         string(job.State),
		Retries:       job.Retries,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
		StartedAt:     job.StartedAt,
		HeartbeatAt:   job.HeartbeatAt,
		FinishedAt:    job.FinishedAt,
		Pid:           job.Pid,
		ExitCode:      job.ExitCode,
		FailureReason: job.FailureReason,
		SourceRef:     job.SourceRef,
		Metadata:      job.Metadata,
		Stalled:       job.Stalled(now, h.config.StalledAfter),
		AgeSeconds:    int64(job.Age(now).Seconds()),
	}
}

func respondJson(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func httpError(w http.ResponseWriter, statusCode int, message string) {
	respondJson(w, statusCode, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(statusCode),
	})
}
