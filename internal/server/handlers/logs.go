package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"jobdock/internal/joblog"
	"jobdock/internal/logger"
	"jobdock/internal/store"
)

// TailLog returns the last lines of a job's log as plain text.
func (h *Handlers) TailLog(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	lines := h.config.TailLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpError(w, http.StatusBadRequest, "Invalid lines parameter")
			return
		}
		lines = n
	}

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

	tail, err := joblog.Tail(job.LogPath, lines)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			httpError(w, http.StatusNotFound, "Job log not found")
			return
		}
		logger.FromContext(r.Context(), h.log).Error("tail job log failed", "job_id", id, "error", err)
		httpError(w, http.StatusInternalServerError, "Failed to read job log")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	for _, line := range tail {
		fmt.Fprintln(w, line)
	}
}

// StreamLog follows a job's log as server-sent events. Each complete log
// line arrives as one data event; an end event carrying the job's state
// closes the stream once the job settles. A stream opened on a finished
// job drains the log and ends immediately.
func (h *Handlers) StreamLog(w http.ResponseWriter, r *http.Request) {
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
	if _, err := os.Stat(job.LogPath); err != nil {
		httpError(w, http.StatusNotFound, "Job log not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.subscribers.Add(r.Context(), 1)
	defer h.subscribers.Add(r.Context(), -1)

	opts := joblog.FollowOptions{
		PollInterval: h.config.FollowPoll,
		StillRunning: func(ctx context.Context) (bool, error) {
			current, err := h.st.Load(ctx, id)
			if err != nil {
				return false, err
			}
			return current.State == store.StateRunning, nil
		},
	}

	err = joblog.Follow(r.Context(), job.LogPath, opts, func(line string) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", line); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.FromContext(r.Context(), h.log).Warn("log stream ended early", "job_id", id, "error", err)
		}
		return
	}

	state := "unknown"
	if final, err := h.st.Load(r.Context(), id); err == nil {
		state = string(final.State)
	}
	fmt.Fprintf(w, "event: end\ndata: %s\n\n", state)
	flusher.Flush()
}
