// Package fsstore implements the job store on the local filesystem.
//
// Each job owns one directory under the jobs root:
//
//	<root>/<job_id>/
//	  record   structured job fields, JSON, written via temp+rename
//	  state    plain-text mirror of the state, written via temp+rename, always second
//	  log      append-only captured runner output
//	  ABORT    presence requests cooperative cancellation
//
// Atomic rename is the only durability primitive; readers never observe a
// partially written record. A crash between the record and marker writes
// leaves the marker lagging, which heals on the next read.
package fsstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"jobdock/internal/store"
)

const (
	recordFile = "record"
	stateFile  = "state"
	logFile    = "log"
	abortFile  = "ABORT"
)

// Store is a filesystem-backed store.Store. The mutex serializes the
// load-mutate-persist window inside this process; workers themselves only
// ever coordinate through the resulting atomic file operations.
type Store struct {
	root string
	log  *slog.Logger

	mu sync.Mutex
}

var _ store.Store = (*Store)(nil)

// Open prepares the jobs root directory and returns a store over it.
func Open(root string, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create jobs root %s: %w", root, err)
	}
	return &Store{root: root, log: log}, nil
}

// Root returns the jobs root directory.
func (s *Store) Root() string {
	return s.root
}

func (s *Store) jobDir(id string) string {
	return filepath.Join(s.root, id)
}

// Create persists a brand new job directory with an empty log file.
func (s *Store) Create(ctx context.Context, job *store.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.ID == "" || filepath.Base(job.ID) != job.ID {
		return fmt.Errorf("invalid job id %q", job.ID)
	}
	if job.State == "" {
		job.State = store.StateQueued
	}
	if !job.State.Valid() {
		return fmt.Errorf("invalid state %q for job %s", job.State, job.ID)
	}

	dir := s.jobDir(job.ID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("job %s: %w", job.ID, store.ErrAlreadyExists)
		}
		return fmt.Errorf("create job dir %s: %w", dir, err)
	}

	now := store.UTCNow()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	job.LogPath = filepath.Join(dir, logFile)

	// The log file exists from the moment the job does.
	f, err := os.OpenFile(job.LogPath, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create log file for job %s: %w", job.ID, err)
	}
	f.Close()

	if err := s.persist(job); err != nil {
		return fmt.Errorf("persist job %s: %w", job.ID, err)
	}
	return nil
}

// Load returns one job by id.
func (s *Store) Load(ctx context.Context, id string) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.load(id)
}

// Update applies a pure mutator under the store lock and persists the result.
func (s *Store) Update(ctx context.Context, id string, mutate func(*store.Job) error) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateLocked(id, mutate)
}

func (s *Store) updateLocked(id string, mutate func(*store.Job) error) (*store.Job, error) {
	j, err := s.load(id)
	if err != nil {
		return nil, err
	}
	before := j.State
	if err := mutate(j); err != nil {
		return nil, err
	}
	if j.ID != id {
		return nil, fmt.Errorf("job %s: mutator must not change job_id", id)
	}
	if j.State != before && !store.CanTransition(before, j.State) {
		return nil, fmt.Errorf("job %s: %s -> %s: %w", id, before, j.State, store.ErrIllegalTransition)
	}
	j.UpdatedAt = store.UTCNow()
	if err := s.persist(j); err != nil {
		return nil, fmt.Errorf("persist job %s: %w", id, err)
	}
	return j, nil
}

// List scans every job directory. Corrupt entries are logged and skipped so
// one bad record never hides the rest.
func (s *Store) List(ctx context.Context, f store.Filter) ([]*store.Job, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan jobs root: %w", err)
	}

	now := time.Now().UTC()
	var jobs []*store.Job
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}
		j, err := s.load(entry.Name())
		if err != nil {
			s.log.Warn("skipping unreadable job", "job_id", entry.Name(), "error", err)
			continue
		}
		if !f.MatchState(j.State) {
			continue
		}
		if f.Stalled != nil && j.Stalled(now, f.StalledAfter) != *f.Stalled {
			continue
		}
		jobs = append(jobs, j)
	}

	// Newest first; readers care about recent activity.
	sort.Slice(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID > jobs[k].ID
		}
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})

	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}
