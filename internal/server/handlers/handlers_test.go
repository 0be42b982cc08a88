package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobdock/internal/intake"
	"jobdock/internal/store"
	"jobdock/internal/store/fsstore"
	"jobdock/pkg/api"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	h  *Handlers
	st *fsstore.Store
	in *intake.Intake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	st, err := fsstore.Open(filepath.Join(root, "jobs"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	// Long intervals keep the scanner inert; tests drive Claim directly.
	in, err := intake.New(context.Background(), st, testLogger(), intake.Config{
		InboxDir:     filepath.Join(root, "inbox"),
		ProcessedDir: filepath.Join(root, "processed"),
		FailedDir:    filepath.Join(root, "failed"),
		PollInterval: time.Hour,
		SettleWindow: time.Hour,
	})
	if err != nil {
		t.Fatalf("new intake: %v", err)
	}

	h, err := New(st, in, testLogger(), Config{
		StalledAfter: time.Minute,
		FollowPoll:   10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new handlers: %v", err)
	}
	return &fixture{h: h, st: st, in: in}
}

func (f *fixture) submitQueued(t *testing.T, ref string) *store.Job {
	t.Helper()
	job, created, err := f.in.Claim(context.Background(), ref, nil)
	if err != nil {
		t.Fatalf("claim %s: %v", ref, err)
	}
	if !created {
		t.Fatalf("claim %s: expected a fresh job", ref)
	}
	return job
}

func (f *fixture) startJob(t *testing.T) *store.Job {
	t.Helper()
	job, err := f.st.ClaimNext(context.Background())
	if err != nil {
		t.Fatalf("claim next: %v", err)
	}
	return job
}

func (f *fixture) finishJob(t *testing.T, id string, final store.State) {
	t.Helper()
	_, err := f.st.Update(context.Background(), id, func(j *store.Job) error {
		j.State = final
		now := store.UTCNow()
		j.FinishedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("finish %s: %v", id, err)
	}
}

func TestSubmitJob(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedInBody string
	}{
		{
			name:           "creates a job for a new source ref",
			body:           `{"source_ref": "drop/report.task", "metadata": {"origin": "api"}}`,
			expectedStatus: http.StatusCreated,
			expectedInBody: `"job_id"`,
		},
		{
			name:           "rejects malformed body",
			body:           `{invalid`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "Invalid request body",
		},
		{
			name:           "rejects missing source ref",
			body:           `{"metadata": {"origin": "api"}}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "source_ref is required",
		},
		{
			name:           "rejects blank source ref",
			body:           `{"source_ref": "   "}`,
			expectedStatus: http.StatusBadRequest,
			expectedInBody: "source_ref is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(tt.body))
			rr := httptest.NewRecorder()
			f.h.SubmitJob(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestSubmitJob_DuplicateReturnsExistingJob(t *testing.T) {
	f := newFixture(t)
	existing := f.submitQueued(t, "drop/dup.task")

	req := httptest.NewRequest(http.MethodPost, "/jobs",
		strings.NewReader(`{"source_ref": "drop/dup.task"}`))
	rr := httptest.NewRecorder()
	f.h.SubmitJob(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp api.SubmitJobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != existing.ID {
		t.Errorf("job_id = %s, want existing %s", resp.JobID, existing.ID)
	}
	if !resp.AlreadyClaimed {
		t.Error("already_claimed should be true")
	}
}

func TestListJobs_ReturnsAll(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/a.task")
	f.submitQueued(t, "drop/b.task")

	req := httptest.NewRequest(http.MethodGet, "/jobs", nil)
	rr := httptest.NewRecorder()
	f.h.ListJobs(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp api.ListJobsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 || len(resp.Jobs) != 2 {
		t.Errorf("count = %d with %d jobs, want 2", resp.Count, len(resp.Jobs))
	}
}

func TestListJobs_FiltersByState(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/waiting.task")
	f.submitQueued(t, "drop/started.task")
	running := f.startJob(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs?state=running", nil)
	rr := httptest.NewRecorder()
	f.h.ListJobs(rr, req)

	var resp api.ListJobsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Jobs[0].JobID != running.ID {
		t.Errorf("job_id = %s, want %s", resp.Jobs[0].JobID, running.ID)
	}
}

func TestListJobs_FiltersStalled(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/fresh.task")
	f.submitQueued(t, "drop/stale.task")
	stale := f.startJob(t)
	f.startJob(t)

	past := store.UTCNow().Add(-2 * time.Minute)
	if _, err := f.st.Update(context.Background(), stale.ID, func(j *store.Job) error {
		j.HeartbeatAt = &past
		return nil
	}); err != nil {
		t.Fatalf("backdate heartbeat: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs?stalled=true", nil)
	rr := httptest.NewRecorder()
	f.h.ListJobs(rr, req)

	var resp api.ListJobsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	if resp.Jobs[0].JobID != stale.ID {
		t.Errorf("job_id = %s, want stale job %s", resp.Jobs[0].JobID, stale.ID)
	}
	if !resp.Jobs[0].Stalled {
		t.Error("stalled flag missing on response")
	}
}

func TestListJobs_AppliesLimit(t *testing.T) {
	f := newFixture(t)
	for _, ref := range []string{"drop/1.task", "drop/2.task", "drop/3.task"} {
		f.submitQueued(t, ref)
	}

	req := httptest.NewRequest(http.MethodGet, "/jobs?limit=2", nil)
	rr := httptest.NewRecorder()
	f.h.ListJobs(rr, req)

	var resp api.ListJobsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 2 {
		t.Errorf("count = %d, want 2", resp.Count)
	}
}

func TestListJobs_RejectsBadParameters(t *testing.T) {
	tests := []struct {
		name           string
		query          string
		expectedInBody string
	}{
		{"unknown state", "?state=paused", "Unknown state"},
		{"bad stalled flag", "?stalled=maybe", "Invalid stalled parameter"},
		{"non-numeric limit", "?limit=abc", "Invalid limit parameter"},
		{"zero limit", "?limit=0", "Invalid limit parameter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			req := httptest.NewRequest(http.MethodGet, "/jobs"+tt.query, nil)
			rr := httptest.NewRecorder()
			f.h.ListJobs(rr, req)

			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rr.Code)
			}
			if !strings.Contains(rr.Body.String(), tt.expectedInBody) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.expectedInBody)
			}
		})
	}
}

func TestGetJob(t *testing.T) {
	f := newFixture(t)
	job := f.submitQueued(t, "drop/lookup.task")

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID, nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.GetJob(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp api.JobResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != job.ID {
		t.Errorf("job_id = %s, want %s", resp.JobID, job.ID)
	}
	if resp.State != string(store.StateQueued) {
		t.Errorf("state = %s, want queued", resp.State)
	}
	if resp.SourceRef != "drop/lookup.task" {
		t.Errorf("source_ref = %s", resp.SourceRef)
	}
	if resp.AgeSeconds < 0 {
		t.Errorf("age_seconds = %d, want non-negative", resp.AgeSeconds)
	}
}

func TestGetJob_NotFound(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/deadbeef", nil)
	req.SetPathValue("id", "deadbeef")
	rr := httptest.NewRecorder()
	f.h.GetJob(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Job not found") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestAbortJob_MarksLiveJob(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/abort.task")
	job := f.startJob(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/abort", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.AbortJob(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp api.AbortResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID != job.ID || resp.State != string(store.StateRunning) || !resp.AbortRequested {
		t.Errorf("unexpected response: %+v", resp)
	}

	requested, err := f.st.AbortRequested(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("abort requested: %v", err)
	}
	if !requested {
		t.Error("abort marker missing after request")
	}

	// Asking again before the job settles is fine.
	rr2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/abort", nil)
	req2.SetPathValue("id", job.ID)
	f.h.AbortJob(rr2, req2)
	if rr2.Code != http.StatusOK {
		t.Errorf("repeat status = %d, want 200", rr2.Code)
	}
}

func TestAbortJob_ConflictsOnFinishedJob(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/done.task")
	job := f.startJob(t)
	f.finishJob(t, job.ID, store.StateSucceeded)

	req := httptest.NewRequest(http.MethodPost, "/jobs/"+job.ID+"/abort", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.AbortJob(rr, req)

	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "already finished") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestAbortJob_NotFound(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/jobs/deadbeef/abort", nil)
	req.SetPathValue("id", "deadbeef")
	rr := httptest.NewRecorder()
	f.h.AbortJob(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func appendLog(t *testing.T, job *store.Job, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(job.LogPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("write log: %v", err)
		}
	}
}

func TestTailLog_ReturnsLastLines(t *testing.T) {
	f := newFixture(t)
	job := f.submitQueued(t, "drop/logged.task")
	appendLog(t, job, "alpha", "beta", "gamma")

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log?lines=2", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.TailLog(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("content type = %q", ct)
	}
	if got := rr.Body.String(); got != "beta\ngamma\n" {
		t.Errorf("body = %q, want last two lines", got)
	}
}

func TestTailLog_DefaultsLineCount(t *testing.T) {
	f := newFixture(t)
	job := f.submitQueued(t, "drop/short.task")
	appendLog(t, job, "only line")

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.TailLog(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Body.String(); got != "only line\n" {
		t.Errorf("body = %q", got)
	}
}

func TestTailLog_RejectsBadLineCounts(t *testing.T) {
	f := newFixture(t)
	job := f.submitQueued(t, "drop/bad.task")

	for _, raw := range []string{"0", "-3", "abc"} {
		req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log?lines="+raw, nil)
		req.SetPathValue("id", job.ID)
		rr := httptest.NewRecorder()
		f.h.TailLog(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("lines=%s: status = %d, want 400", raw, rr.Code)
		}
	}
}

func TestTailLog_MissingJobAndMissingFile(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/deadbeef/log", nil)
	req.SetPathValue("id", "deadbeef")
	rr := httptest.NewRecorder()
	f.h.TailLog(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown job: status = %d, want 404", rr.Code)
	}

	job := f.submitQueued(t, "drop/vanished.task")
	if err := os.Remove(job.LogPath); err != nil {
		t.Fatalf("remove log: %v", err)
	}
	req = httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log", nil)
	req.SetPathValue("id", job.ID)
	rr = httptest.NewRecorder()
	f.h.TailLog(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing file: status = %d, want 404", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "Job log not found") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestStreamLog_DrainsFinishedJob(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/stream.task")
	job := f.startJob(t)
	appendLog(t, job, "step one", "step two")
	f.finishJob(t, job.ID, store.StateSucceeded)

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log/stream", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.StreamLog(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "data: step one\n\n") || !strings.Contains(body, "data: step two\n\n") {
		t.Errorf("log lines missing from stream: %q", body)
	}
	if !strings.Contains(body, "event: end\ndata: succeeded\n\n") {
		t.Errorf("end event missing: %q", body)
	}
}

func TestStreamLog_FollowsUntilJobSettles(t *testing.T) {
	f := newFixture(t)
	f.submitQueued(t, "drop/live.task")
	job := f.startJob(t)
	appendLog(t, job, "started")

	// The stream handler blocks this goroutine, so the job finishes from
	// another one. Failures surface through the body assertions below.
	go func() {
		time.Sleep(60 * time.Millisecond)
		if lf, err := os.OpenFile(job.LogPath, os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			lf.WriteString("late line\n")
			lf.Close()
		}
		time.Sleep(30 * time.Millisecond)
		f.st.Update(context.Background(), job.ID, func(j *store.Job) error {
			j.State = store.StateFailedFinal
			now := store.UTCNow()
			j.FinishedAt = &now
			return nil
		})
	}()

	req := httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID+"/log/stream", nil)
	req.SetPathValue("id", job.ID)
	rr := httptest.NewRecorder()
	f.h.StreamLog(rr, req)

	body := rr.Body.String()
	if !strings.Contains(body, "data: started\n\n") {
		t.Errorf("initial line missing: %q", body)
	}
	if !strings.Contains(body, "data: late line\n\n") {
		t.Errorf("line appended mid-stream missing: %q", body)
	}
	if !strings.Contains(body, "event: end\ndata: failed_final\n\n") {
		t.Errorf("end event missing: %q", body)
	}
}

func TestStreamLog_NotFound(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/jobs/deadbeef/log/stream", nil)
	req.SetPathValue("id", "deadbeef")
	rr := httptest.NewRecorder()
	f.h.StreamLog(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.h.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "healthy" {
		t.Errorf("status = %q, want healthy", resp.Status)
	}
	if resp.JobsRoot == "" {
		t.Error("jobs_root missing")
	}
}

func TestReadyz_FailsWhenStoreRootGone(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()
	f.h.Readyz(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("ready store: status = %d, want 200", rr.Code)
	}

	if err := os.RemoveAll(f.st.Root()); err != nil {
		t.Fatalf("remove store root: %v", err)
	}
	rr = httptest.NewRecorder()
	f.h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("gone store: status = %d, want 503", rr.Code)
	}
}
