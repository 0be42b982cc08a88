package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"jobdock/internal/logger"
	"jobdock/internal/store"
	"jobdock/pkg/api"
)

const defaultListLimit = 50

// SubmitJob claims a work unit as a job. A source_ref with a live job
// already attached returns that job instead of creating a second one.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SourceRef) == "" {
		httpError(w, http.StatusBadRequest, "source_ref is required")
		return
	}

	job, created, err := h.in.Claim(r.Context(), req.SourceRef, req.Metadata)
	if err != nil {
		logger.FromContext(r.Context(), h.log).Error("claim failed",
			"source_ref", req.SourceRef, "error", err)
		httpError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	respondJson(w, status, api.SubmitJobResponse{
		JobID:          job.ID,
		AlreadyClaimed: !created,
	})
}

// ListJobs returns jobs newest first, optionally filtered by state and
// stalled status.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := store.Filter{Limit: defaultListLimit}

	for _, raw := range r.URL.Query()["state"] {
		s := store.State(raw)
		if !s.Valid() {
			httpError(w, http.StatusBadRequest, fmt.Sprintf("Unknown state %q", raw))
			return
		}
		filter.States = append(filter.States, s)
	}

	if raw := r.URL.Query().Get("stalled"); raw != "" {
		stalled, err := strconv.ParseBool(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "Invalid stalled parameter")
			return
		}
		filter.Stalled = &stalled
		filter.StalledAfter = h.config.StalledAfter
	}

	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			httpError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		filter.Limit = limit
	}

	jobs, err := h.st.List(r.Context(), filter)
	if err != nil {
		logger.FromContext(r.Context(), h.log).Error("list jobs failed", "error", err)
		httpError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}

	resp := api.ListJobsResponse{Jobs: make([]api.JobResponse, 0, len(jobs))}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, h.toJobResponse(job))
	}
	resp.Count = len(resp.Jobs)
	respondJson(w, http.StatusOK, resp)
}

// GetJob returns a single job by id.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.st.Load(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpError(w, http.StatusNotFound, "Job not found")
			return
		}
		logger.FromContext(r.Context(), h.log).Error("load job failed", "job_id", id, "error", err)
		httpError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	respondJson(w, http.StatusOK, h.toJobResponse(job))
}

// AbortJob records an abort request for a live job. The marker is
// idempotent; asking again before the job settles returns the same
// acknowledgment. Terminal jobs conflict.
func (h *Handlers) AbortJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := h.st.RequestAbort(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			httpError(w, http.StatusNotFound, "Job not found")
		case errors.Is(err, store.ErrConflict):
			httpError(w, http.StatusConflict, "Job already finished")
		default:
			logger.FromContext(r.Context(), h.log).Error("abort request failed", "job_id", id, "error", err)
			httpError(w, http.StatusInternalServerError, "Failed to request abort")
		}
		return
	}

	h.aborts.Add(r.Context(), 1)
	respondJson(w, http.StatusOK, api.AbortResponse{
		JobID:          job.ID,
		State:          string(job.State),
		AbortRequested: true,
	})
}
