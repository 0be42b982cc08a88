package handlers

import (
	"net/http"
	"os"

	"jobdock/pkg/api"
)

// Healthz reports process liveness.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	respondJson(w, http.StatusOK, api.HealthResponse{
		Status:   "healthy",
		JobsRoot: h.st.Root(),
	})
}

// Readyz reports whether the job store is reachable.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := os.Stat(h.st.Root()); err != nil {
		h.log.Error("readiness check failed", "error", err)
		httpError(w, http.StatusServiceUnavailable, "Job store is not reachable")
		return
	}
	respondJson(w, http.StatusOK, api.HealthResponse{
		Status:   "ready",
		JobsRoot: h.st.Root(),
	})
}
