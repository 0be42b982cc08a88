// Package intake admits work into the engine. It scans a drop directory for
// task files, creates one live job per source ref, and archives sources once
// their jobs reach a terminal state.
package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobdock/internal/store"
)

// Config holds the intake directories and scan timing.
type Config struct {
	InboxDir     string
	ProcessedDir string
	FailedDir    string
	PollInterval time.Duration // default: 2s
	SettleWindow time.Duration // default: 2s
}

type fileState struct {
	size        int64
	modTime     time.Time
	stableSince time.Time
}

// Intake owns the inbox scan loop and the source ref registry. A source ref
// maps to at most one live job; the ref frees up again when that job reaches
// a terminal state.
type Intake struct {
	st     store.Store
	log    *slog.Logger
	config Config

	mu   sync.Mutex
	refs map[string]string // source_ref -> live job id

	seen map[string]fileState
	done chan struct{}
}

// New prepares the intake directories and rebuilds the ref registry from the
// store, so restarts do not double-claim sources of live jobs.
func New(ctx context.Context, st store.Store, log *slog.Logger, config Config) (*Intake, error) {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.SettleWindow <= 0 {
		config.SettleWindow = 2 * time.Second
	}
	for _, dir := range []string{config.InboxDir, config.ProcessedDir, config.FailedDir} {
		if dir == "" {
			return nil, fmt.Errorf("intake directory not configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create intake dir %s: %w", dir, err)
		}
	}

	in := &Intake{
		st:     st,
		log:    log,
		config: config,
		refs:   make(map[string]string),
		seen:   make(map[string]fileState),
		done:   make(chan struct{}),
	}

	jobs, err := st.List(ctx, store.Filter{})
	if err != nil {
		return nil, fmt.Errorf("rebuild ref registry: %w", err)
	}
	for _, j := range jobs {
		if j.Terminal() || j.SourceRef == "" {
			continue
		}
		// Jobs come back newest first; the newest live job owns the ref.
		if _, ok := in.refs[j.SourceRef]; !ok {
			in.refs[j.SourceRef] = j.ID
		}
	}

	return in, nil
}

// Run scans the inbox until the context is cancelled.
func (in *Intake) Run(ctx context.Context) error {
	defer close(in.done)

	in.log.Info("intake starting",
		"inbox", in.config.InboxDir,
		"poll_interval", in.config.PollInterval,
		"settle_window", in.config.SettleWindow,
	)

	ticker := time.NewTicker(in.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			in.scan(ctx)
		}
	}
}

// Done is closed once Run has returned.
func (in *Intake) Done() <-chan struct{} {
	return in.done
}

// Claim returns the live job for sourceRef, creating one when none exists.
// The second return reports whether a new job was created.
func (in *Intake) Claim(ctx context.Context, sourceRef string, metadata map[string]string) (*store.Job, bool, error) {
	if sourceRef == "" {
		return nil, false, fmt.Errorf("empty source ref")
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if id, ok := in.refs[sourceRef]; ok {
		j, err := in.st.Load(ctx, id)
		switch {
		case err == nil && !j.Terminal():
			return j, false, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, false, err
		}
		// The registered job is gone or finished; the ref is free again.
		delete(in.refs, sourceRef)
	}

	// The store is authoritative for dedup; the registry is a cache of it.
	// A miss is confirmed against the live jobs before minting anything.
	live, err := in.st.List(ctx, store.Filter{
		States: []store.State{store.StateQueued, store.StateRunning, store.StateFailedRetryable},
	})
	if err != nil {
		return nil, false, fmt.Errorf("check ref is free: %w", err)
	}
	for _, j := range live {
		if j.SourceRef == sourceRef {
			in.refs[sourceRef] = j.ID
			return j, false, nil
		}
	}

	job := &store.Job{
		ID:        newJobID(),
		SourceRef: sourceRef,
		Metadata:  metadata,
	}
	if err := in.st.Create(ctx, job); err != nil {
		return nil, false, err
	}
	in.refs[sourceRef] = job.ID

	return job, true, nil
}

// Archive releases the job's source ref and moves its inbox file, if one
// exists, to the processed or failed directory. Jobs submitted over the API
// have no inbox file; for those this only frees the ref.
func (in *Intake) Archive(job *store.Job) error {
	in.mu.Lock()
	if id, ok := in.refs[job.SourceRef]; ok && id == job.ID {
		delete(in.refs, job.SourceRef)
	}
	in.mu.Unlock()

	name := filepath.Base(job.SourceRef)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return nil
	}
	src := filepath.Join(in.config.InboxDir, name)
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat source %s: %w", name, err)
	}

	destDir := in.config.FailedDir
	if job.State == store.StateSucceeded {
		destDir = in.config.ProcessedDir
	}
	dest := filepath.Join(destDir, name)
	if _, err := os.Stat(dest); err == nil {
		dest = dest + "." + shortID(job.ID)
	}
	if err := os.Rename(src, dest); err != nil {
		return fmt.Errorf("archive source %s: %w", name, err)
	}

	in.log.Info("archived source",
		"job_id", job.ID,
		"source", name,
		"dest", dest,
	)
	return nil
}

// SourcePath returns the absolute inbox path of the job's source file and
// whether it currently exists. Jobs submitted over the API usually have no
// file behind their ref.
func (in *Intake) SourcePath(job *store.Job) (string, bool) {
	name := filepath.Base(job.SourceRef)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", false
	}
	path := filepath.Join(in.config.InboxDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, true
	}
	return abs, true
}

// scan walks the inbox once and claims every settled file. A file is settled
// when its size and mtime have held still for the settle window, so writers
// that copy in slowly are never claimed half-written.
func (in *Intake) scan(ctx context.Context) {
	entries, err := os.ReadDir(in.config.InboxDir)
	if err != nil {
		in.log.Warn("inbox scan failed", "error", err)
		return
	}

	now := time.Now()
	current := make(map[string]fileState, len(entries))

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		name := entry.Name()
		if entry.IsDir() || skipName(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		state := fileState{size: info.Size(), modTime: info.ModTime(), stableSince: now}
		if prev, ok := in.seen[name]; ok && prev.size == state.size && prev.modTime.Equal(state.modTime) {
			state.stableSince = prev.stableSince
		}
		current[name] = state

		if now.Sub(state.stableSince) < in.config.SettleWindow {
			continue
		}

		job, created, err := in.Claim(ctx, name, map[string]string{"origin": "inbox"})
		if err != nil {
			in.log.Warn("claim task file failed", "source", name, "error", err)
			continue
		}
		if created {
			in.log.Info("claimed task file", "job_id", job.ID, "source", name)
		}
	}

	// Forget files that left the inbox so their names settle fresh next time.
	in.seen = current
}

func skipName(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp")
}

// newJobID returns a fresh 32 character hex id.
func newJobID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
