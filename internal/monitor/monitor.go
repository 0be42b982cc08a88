// Package monitor supervises a single running job. It refreshes the job's
// heartbeat while the runner is alive and turns an abort marker into
// escalating signals against the runner.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"jobdock/internal/executor/runtime"
	"jobdock/internal/store"
)

// Phase is how far abort handling has progressed for the supervised job.
type Phase int32

const (
	// PhaseIdle means no abort has been observed.
	PhaseIdle Phase = iota
	// PhaseSignaled means the marker was seen and the runner was asked to
	// terminate gracefully.
	PhaseSignaled
	// PhaseEscalated means the runner outlived the grace period and was
	// force killed.
	PhaseEscalated
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseSignaled:
		return "signaled"
	case PhaseEscalated:
		return "escalated"
	default:
		return "unknown"
	}
}

// Config holds supervision timing.
type Config struct {
	HeartbeatInterval time.Duration // default: 5s
	AbortPollInterval time.Duration // default: 1s
	KillGrace         time.Duration // default: 10s
}

// Monitor watches one job for the lifetime of its runner. Run it in its own
// goroutine and cancel the context once the runner has exited.
type Monitor struct {
	st     store.Store
	log    *slog.Logger
	config Config

	jobID  string
	handle runtime.Handle

	phase atomic.Int32
	done  chan struct{}
}

var errNotRunning = errors.New("job no longer running")

// New creates a monitor for a started runner.
func New(st store.Store, log *slog.Logger, config Config, jobID string, handle runtime.Handle) *Monitor {
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 5 * time.Second
	}
	if config.AbortPollInterval <= 0 {
		config.AbortPollInterval = 1 * time.Second
	}
	if config.KillGrace <= 0 {
		config.KillGrace = 10 * time.Second
	}

	return &Monitor{
		st:     st,
		log:    log,
		config: config,
		jobID:  jobID,
		handle: handle,
		done:   make(chan struct{}),
	}
}

// Run blocks until the context is cancelled, beating the heartbeat and
// watching for an abort marker. Escalation granularity is the abort poll
// interval.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)

	heartbeat := time.NewTicker(m.config.HeartbeatInterval)
	defer heartbeat.Stop()
	abortPoll := time.NewTicker(m.config.AbortPollInterval)
	defer abortPoll.Stop()

	var signaledAt time.Time

	for {
		select {
		case <-ctx.Done():
			return

		case <-heartbeat.C:
			m.beat(ctx)

		case <-abortPoll.C:
			switch m.Phase() {
			case PhaseIdle:
				requested, err := m.st.AbortRequested(ctx, m.jobID)
				if err != nil {
					if ctx.Err() == nil {
						m.log.Warn("abort marker check failed", "job_id", m.jobID, "error", err)
					}
					continue
				}
				if !requested {
					continue
				}
				signaledAt = time.Now()
				m.signal(ctx)

			case PhaseSignaled:
				if time.Since(signaledAt) >= m.config.KillGrace {
					m.escalate(ctx)
				}
			}
		}
	}
}

// Done is closed once Run has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Phase returns the current abort phase.
func (m *Monitor) Phase() Phase {
	return Phase(m.phase.Load())
}

// AbortSignaled reports whether the runner was signaled because of an abort
// request. Callers use it to classify the runner's exit.
func (m *Monitor) AbortSignaled() bool {
	return m.Phase() >= PhaseSignaled
}

// beat stamps heartbeat_at on the record. A job that has already left the
// running state is left untouched.
func (m *Monitor) beat(ctx context.Context) {
	_, err := m.st.Update(ctx, m.jobID, func(j *store.Job) error {
		if j.State != store.StateRunning {
			return errNotRunning
		}
		now := store.UTCNow()
		j.HeartbeatAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, errNotRunning) && !errors.Is(err, context.Canceled) {
		m.log.Warn("heartbeat update failed", "job_id", m.jobID, "error", err)
	}
}

func (m *Monitor) signal(ctx context.Context) {
	m.phase.Store(int32(PhaseSignaled))
	m.log.Info("abort requested, terminating runner",
		"job_id", m.jobID,
		"pid", m.handle.Pid(),
	)
	if err := m.handle.Terminate(ctx); err != nil {
		m.log.Warn("terminate runner", "job_id", m.jobID, "error", err)
	}
}

func (m *Monitor) escalate(ctx context.Context) {
	m.phase.Store(int32(PhaseEscalated))
	m.log.Warn("runner outlived termination grace, killing",
		"job_id", m.jobID,
		"pid", m.handle.Pid(),
		"grace", m.config.KillGrace,
	)
	if err := m.handle.Kill(ctx); err != nil {
		m.log.Warn("kill runner", "job_id", m.jobID, "error", err)
	}
}
