package fsstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"jobdock/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(t.TempDir(), log)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func mkJob(t *testing.T, s *Store, id string, created time.Time) *store.Job {
	t.Helper()
	j := &store.Job{
		ID:        id,
		State:     store.StateQueued,
		CreatedAt: created,
		SourceRef: "inbox/" + id + ".md",
	}
	if err := s.Create(context.Background(), j); err != nil {
		t.Fatalf("Create(%s) error = %v", id, err)
	}
	return j
}

func TestCreate_Layout(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	j := mkJob(t, s, "a1", time.Time{})

	dir := filepath.Join(s.Root(), "a1")
	for _, name := range []string{"record", "state", "log"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}

	marker, err := os.ReadFile(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("read state marker: %v", err)
	}
	if got := strings.TrimSpace(string(marker)); got != "queued" {
		t.Errorf("state marker = %q, want queued", got)
	}

	loaded, err := s.Load(ctx, "a1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.State != store.StateQueued {
		t.Errorf("State = %s, want queued", loaded.State)
	}
	if loaded.LogPath != j.LogPath {
		t.Errorf("LogPath = %s, want %s", loaded.LogPath, j.LogPath)
	}
	if loaded.CreatedAt.IsZero() || !loaded.UpdatedAt.Equal(loaded.CreatedAt) {
		t.Errorf("fresh job timestamps: created=%v updated=%v", loaded.CreatedAt, loaded.UpdatedAt)
	}
}

func TestCreate_AlreadyExists(t *testing.T) {
	s := newTestStore(t)
	mkJob(t, s, "a1", time.Time{})

	err := s.Create(context.Background(), &store.Job{ID: "a1"})
	if !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("Create() error = %v, want ErrAlreadyExists", err)
	}
}

func TestCreate_RejectsBadID(t *testing.T) {
	s := newTestStore(t)
	for _, id := range []string{"", "../escape", "a/b"} {
		if err := s.Create(context.Background(), &store.Job{ID: id}); err == nil {
			t.Errorf("Create(%q) expected error", id)
		}
	}
}

func TestLoad_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestLoad_Corrupt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Unparsable record.
	dir := filepath.Join(s.Root(), "bad1")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "record"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "bad1"); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("unparsable record: error = %v, want ErrCorrupt", err)
	}

	// Unknown state fails validation.
	dir = filepath.Join(s.Root(), "bad2")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	record := `{"job_id":"bad2","state":"limbo","created_at":"2026-08-01T10:00:00Z","updated_at":"2026-08-01T10:00:00Z","log_path":"x","source_ref":"y"}`
	if err := os.WriteFile(filepath.Join(dir, "record"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "bad2"); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("unknown state: error = %v, want ErrCorrupt", err)
	}

	// Record job_id disagreeing with the directory name.
	dir = filepath.Join(s.Root(), "bad3")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	record = `{"job_id":"other","state":"queued","created_at":"2026-08-01T10:00:00Z","updated_at":"2026-08-01T10:00:00Z","log_path":"x","source_ref":"y"}`
	if err := os.WriteFile(filepath.Join(dir, "record"), []byte(record), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "bad3"); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("id mismatch: error = %v, want ErrCorrupt", err)
	}

	// Directory without a record at all.
	if err := os.Mkdir(filepath.Join(s.Root(), "bad4"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(ctx, "bad4"); !errors.Is(err, store.ErrCorrupt) {
		t.Errorf("missing record: error = %v, want ErrCorrupt", err)
	}
}

func TestUpdate_StampsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	mkJob(t, s, "a1", created)

	j, err := s.Update(ctx, "a1", func(j *store.Job) error {
		j.Metadata = map[string]string{"repo": "demo"}
		return nil
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if j.UpdatedAt.Before(j.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", j.UpdatedAt, j.CreatedAt)
	}
	if j.Metadata["repo"] != "demo" {
		t.Errorf("metadata not persisted: %v", j.Metadata)
	}
}

func TestUpdate_IllegalTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkJob(t, s, "a1", time.Time{})

	// queued -> succeeded skips running and must be rejected.
	_, err := s.Update(ctx, "a1", func(j *store.Job) error {
		j.State = store.StateSucceeded
		return nil
	})
	if !errors.Is(err, store.ErrIllegalTransition) {
		t.Fatalf("Update() error = %v, want ErrIllegalTransition", err)
	}

	// Nothing was written.
	j, err := s.Load(ctx, "a1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if j.State != store.StateQueued {
		t.Errorf("State = %s, want queued after rejected update", j.State)
	}
}

func TestUpdate_RejectsIDChange(t *testing.T) {
	s := newTestStore(t)
	mkJob(t, s, "a1", time.Time{})

	_, err := s.Update(context.Background(), "a1", func(j *store.Job) error {
		j.ID = "a2"
		return nil
	})
	if err == nil {
		t.Error("Update() expected error for job_id change")
	}
}

func TestUpdate_MarkerFollowsRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkJob(t, s, "a1", time.Time{})

	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	marker, err := os.ReadFile(filepath.Join(s.Root(), "a1", "state"))
	if err != nil {
		t.Fatalf("read marker: %v", err)
	}
	if got := strings.TrimSpace(string(marker)); got != "running" {
		t.Errorf("marker = %q, want running", got)
	}
}

func TestLoad_HealsLaggingMarker(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	mkJob(t, s, "a1", time.Time{})
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	// Simulate a crash between the record write and the marker write.
	markerPath := filepath.Join(s.Root(), "a1", "state")
	if err := os.WriteFile(markerPath, []byte("queued\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	j, err := s.Load(ctx, "a1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if j.State != store.StateRunning {
		t.Errorf("State = %s, want running (record wins)", j.State)
	}

	healed, err := os.ReadFile(markerPath)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(healed)); got != "running" {
		t.Errorf("marker after heal = %q, want running", got)
	}
}

func TestList_SkipsCorruptAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	older := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC)
	mkJob(t, s, "a1", older)
	mkJob(t, s, "b2", newer)

	// A corrupt directory must not poison the scan.
	dir := filepath.Join(s.Root(), "zz")
	if err := os.Mkdir(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "record"), []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	jobs, err := s.List(ctx, store.Filter{})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("List() returned %d jobs, want 2", len(jobs))
	}
	if jobs[0].ID != "b2" || jobs[1].ID != "a1" {
		t.Errorf("List() order = [%s %s], want newest first [b2 a1]", jobs[0].ID, jobs[1].ID)
	}
}

func TestList_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkJob(t, s, "a1", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	mkJob(t, s, "b2", time.Date(2026, 8, 1, 10, 1, 0, 0, time.UTC))
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	queued, err := s.List(ctx, store.Filter{States: []store.State{store.StateQueued}})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(queued) != 1 || queued[0].ID != "b2" {
		t.Errorf("queued filter returned %v jobs", len(queued))
	}

	limited, err := s.List(ctx, store.Filter{Limit: 1})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit filter returned %d jobs, want 1", len(limited))
	}
}

func TestList_StalledDerivation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mkJob(t, s, "a1", time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC))
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext() error = %v", err)
	}

	// Push the heartbeat two minutes into the past.
	stale := time.Now().UTC().Add(-2 * time.Minute).Truncate(time.Second)
	if _, err := s.Update(ctx, "a1", func(j *store.Job) error {
		j.HeartbeatAt = &stale
		return nil
	}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	wantStalled := true
	stalled, err := s.List(ctx, store.Filter{Stalled: &wantStalled, StalledAfter: time.Minute})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != "a1" {
		t.Fatalf("stalled filter returned %d jobs, want the stale running job", len(stalled))
	}

	// A generous threshold hides it again.
	stalled, err = s.List(ctx, store.Filter{Stalled: &wantStalled, StalledAfter: time.Hour})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(stalled) != 0 {
		t.Errorf("stalled filter with 1h threshold returned %d jobs, want 0", len(stalled))
	}
}
