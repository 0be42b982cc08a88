package fsstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"jobdock/internal/store"
)

// ClaimNext flips the oldest queued job to running and returns it. The
// queued -> running transition is the only admission check: whoever writes
// the flip owns the job, and a losing claimer simply polls again.
func (s *Store) ClaimNext(ctx context.Context) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("scan jobs root: %w", err)
	}

	var queued []*store.Job
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		j, err := s.load(entry.Name())
		if err != nil {
			s.log.Warn("skipping unreadable job", "job_id", entry.Name(), "error", err)
			continue
		}
		if j.State == store.StateQueued {
			queued = append(queued, j)
		}
	}
	if len(queued) == 0 {
		return nil, store.ErrEmpty
	}

	// Oldest first, ties broken by id, so claim order is deterministic.
	sort.Slice(queued, func(i, k int) bool {
		if queued[i].CreatedAt.Equal(queued[k].CreatedAt) {
			return queued[i].ID < queued[k].ID
		}
		return queued[i].CreatedAt.Before(queued[k].CreatedAt)
	})

	for _, candidate := range queued {
		j, err := s.updateLocked(candidate.ID, func(j *store.Job) error {
			if j.State != store.StateQueued {
				return fmt.Errorf("job %s: %w", j.ID, store.ErrAlreadyClaimed)
			}
			now := store.UTCNow()
			j.State = store.StateRunning
			j.StartedAt = &now
			j.HeartbeatAt = &now
			j.FinishedAt = nil
			j.Pid = nil
			j.ExitCode = nil
			j.FailureReason = ""
			return nil
		})
		if err != nil {
			s.log.Warn("lost claim race", "job_id", candidate.ID, "error", err)
			continue
		}
		return j, nil
	}
	return nil, store.ErrEmpty
}

// Requeue drives a failed_retryable job back to queued while retries remain,
// or to failed_final once the ceiling is reached. This is the only place
// retries is incremented.
func (s *Store) Requeue(ctx context.Context, id, reason string, maxRetries int) (*store.Job, error) {
	return s.Update(ctx, id, func(j *store.Job) error {
		if j.State != store.StateFailedRetryable {
			return fmt.Errorf("job %s: requeue from %s: %w", id, j.State, store.ErrIllegalTransition)
		}
		j.Pid = nil
		j.HeartbeatAt = nil
		j.FailureReason = reason
		if j.Retries < maxRetries {
			j.State = store.StateQueued
			j.Retries++
			return nil
		}
		j.State = store.StateFailedFinal
		now := store.UTCNow()
		j.FinishedAt = &now
		return nil
	})
}

// RequestAbort writes the ABORT marker for a non-terminal job. The marker,
// not this call, is what the monitor acts on; the call is idempotent and
// leaves terminal jobs untouched.
func (s *Store) RequestAbort(ctx context.Context, id string) (*store.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.load(id)
	if err != nil {
		return nil, err
	}
	if j.Terminal() {
		return j, fmt.Errorf("job %s is %s: %w", id, j.State, store.ErrConflict)
	}

	markerPath := filepath.Join(s.jobDir(id), abortFile)
	if _, err := os.Stat(markerPath); err == nil {
		// Already requested; repeated aborts are no-ops.
		return j, nil
	}
	content := store.UTCNow().Format(time.RFC3339) + "\n"
	if err := writeFileAtomic(markerPath, []byte(content)); err != nil {
		return nil, fmt.Errorf("write abort marker for job %s: %w", id, err)
	}
	return j, nil
}

// AbortRequested reports whether the job's abort marker exists.
func (s *Store) AbortRequested(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(s.jobDir(id), abortFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat abort marker for job %s: %w", id, err)
}

// RecoverOrphans reconciles jobs a previous engine process left running.
// Nothing owns their heartbeats anymore, so each is failed as retryable and
// handed to the normal retry policy.
func (s *Store) RecoverOrphans(ctx context.Context, reason string, maxRetries int) ([]*store.Job, error) {
	orphans, err := s.List(ctx, store.Filter{States: []store.State{store.StateRunning}})
	if err != nil {
		return nil, err
	}

	var recovered []*store.Job
	for _, orphan := range orphans {
		_, err := s.Update(ctx, orphan.ID, func(j *store.Job) error {
			if j.State != store.StateRunning {
				return fmt.Errorf("job %s: no longer running", j.ID)
			}
			now := store.UTCNow()
			j.State = store.StateFailedRetryable
			j.FailureReason = reason
			j.FinishedAt = &now
			j.Pid = nil
			j.HeartbeatAt = nil
			return nil
		})
		if err != nil {
			s.log.Warn("failed to reconcile orphaned job", "job_id", orphan.ID, "error", err)
			continue
		}
		j, err := s.Requeue(ctx, orphan.ID, reason, maxRetries)
		if err != nil {
			s.log.Warn("failed to requeue orphaned job", "job_id", orphan.ID, "error", err)
			continue
		}
		recovered = append(recovered, j)
	}
	return recovered, nil
}
