// Package executor drains the queue and drives claimed jobs to a terminal
// state. It owns outcome classification and the retry policy; everything it
// decides is persisted through the store.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"jobdock/internal/executor/runtime"
	"jobdock/internal/intake"
	"jobdock/internal/joblog"
	"jobdock/internal/monitor"
	"jobdock/internal/store"
)

// exitRetryable is the exit code a runner uses to report a transient
// failure, following the sysexits EX_TEMPFAIL convention. Any other
// non-zero exit is treated as fatal for the job.
const exitRetryable = 75

// Config holds executor tuning.
type Config struct {
	Concurrency  int           // default: 1
	PollInterval time.Duration // default: 1s
	MaxBackoff   time.Duration // maximum backoff when the queue is empty (default: 30s)
	JobTimeout   time.Duration // per-attempt runner budget (default: 30m)
	MaxRetries   int           // retry ceiling (default: 3)
	RunsRoot     string        // per-job work directories live here
	Command      []string      // runner argv
	Image        string        // container image for the docker runtime
	Monitor      monitor.Config
}

// Pool runs up to Concurrency jobs at once.
type Pool struct {
	st     store.Store
	rt     runtime.Runtime
	in     *intake.Intake
	log    *slog.Logger
	config Config

	claimed  metric.Int64Counter
	finished metric.Int64Counter
	retried  metric.Int64Counter
	running  metric.Int64UpDownCounter

	done chan struct{}
}

// New creates an executor pool.
func New(st store.Store, rt runtime.Runtime, in *intake.Intake, log *slog.Logger, config Config) (*Pool, error) {
	// Docker runners may rely on the image entrypoint; everything else
	// needs an argv.
	if len(config.Command) == 0 && config.Image == "" {
		return nil, fmt.Errorf("runner command not configured")
	}
	if config.RunsRoot == "" {
		return nil, fmt.Errorf("runs root not configured")
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Minute
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	meter := otel.Meter("jobdock-executor")
	claimed, err := meter.Int64Counter("jobdock.jobs.claimed",
		metric.WithDescription("Jobs claimed for execution"))
	if err != nil {
		return nil, fmt.Errorf("register claimed counter: %w", err)
	}
	finished, err := meter.Int64Counter("jobdock.jobs.finished",
		metric.WithDescription("Job attempts finished, by outcome state"))
	if err != nil {
		return nil, fmt.Errorf("register finished counter: %w", err)
	}
	retried, err := meter.Int64Counter("jobdock.jobs.retried",
		metric.WithDescription("Jobs returned to the queue for another attempt"))
	if err != nil {
		return nil, fmt.Errorf("register retried counter: %w", err)
	}
	running, err := meter.Int64UpDownCounter("jobdock.jobs.running",
		metric.WithDescription("Runners currently executing"))
	if err != nil {
		return nil, fmt.Errorf("register running gauge: %w", err)
	}

	return &Pool{
		st:       st,
		rt:       rt,
		in:       in,
		log:      log,
		config:   config,
		claimed:  claimed,
		finished: finished,
		retried:  retried,
		running:  running,
		done:     make(chan struct{}),
	}, nil
}

// Run is the claim loop. It blocks until the context is cancelled, then
// waits for in-flight jobs before returning. Runners themselves are not
// cancelled by shutdown; a restart reconciles whatever they leave behind.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info("executor starting",
		"concurrency", p.config.Concurrency,
		"poll_interval", p.config.PollInterval,
		"max_retries", p.config.MaxRetries,
	)

	sem := make(chan struct{}, p.config.Concurrency)
	var wg sync.WaitGroup

	// A slot opening or a requeue should poll immediately instead of
	// waiting out the current backoff.
	pollNow := make(chan struct{}, 1)
	triggerPoll := func() {
		select {
		case pollNow <- struct{}{}:
		default:
		}
	}
	triggerPoll()

	currentBackoff := p.config.PollInterval

	for {
		select {
		case <-ctx.Done():
			p.log.Info("executor stopping, waiting for running jobs")
			wg.Wait()
			close(p.done)
			return ctx.Err()

		case <-time.After(currentBackoff):
			triggerPoll()

		case <-pollNow:
			available := p.config.Concurrency - len(sem)
			if available <= 0 {
				continue
			}

			dispatched := 0
			for i := 0; i < available; i++ {
				job, err := p.st.ClaimNext(ctx)
				if err != nil {
					if !errors.Is(err, store.ErrEmpty) && ctx.Err() == nil {
						p.log.Warn("claim failed", "error", err)
					}
					break
				}

				dispatched++
				sem <- struct{}{}
				wg.Add(1)
				go func(job *store.Job) {
					defer wg.Done()
					defer func() {
						<-sem
						triggerPoll()
					}()
					p.execute(ctx, job)
				}(job)
			}

			if dispatched == 0 {
				currentBackoff = currentBackoff * 2
				if currentBackoff > p.config.MaxBackoff {
					currentBackoff = p.config.MaxBackoff
				}
				continue
			}

			currentBackoff = p.config.PollInterval
			if dispatched == available {
				// Every slot filled in one pass; more work is likely queued.
				triggerPoll()
			}
		}
	}
}

// Done is closed once Run has fully drained.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// execute runs one claimed job to a terminal decision.
func (p *Pool) execute(ctx context.Context, job *store.Job) {
	// The runner outlives engine shutdown; cancellation reaches it only
	// through the abort protocol or its own timeout.
	base := context.WithoutCancel(ctx)

	tracer := otel.Tracer("jobdock-executor")
	runCtx, span := tracer.Start(base, "execute_job",
		trace.WithAttributes(
			attribute.String("job.id", job.ID),
			attribute.String("job.source_ref", job.SourceRef),
			attribute.Int("job.attempt", job.Retries),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	p.claimed.Add(runCtx, 1)
	p.running.Add(runCtx, 1)
	defer p.running.Add(runCtx, -1)

	log := p.log.With("job_id", job.ID, "source", job.SourceRef, "attempt", job.Retries)
	log.Info("job claimed")

	workDir := filepath.Join(p.config.RunsRoot, job.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		span.RecordError(err)
		p.conclude(runCtx, job, store.StateFailedRetryable, nil, fmt.Sprintf("prepare work dir: %v", err))
		return
	}

	logFile, err := joblog.OpenForAppend(job.LogPath)
	if err != nil {
		span.RecordError(err)
		p.conclude(runCtx, job, store.StateFailedRetryable, nil, fmt.Sprintf("open job log: %v", err))
		return
	}
	defer logFile.Close()

	env := map[string]string{
		"JOBDOCK_JOB_ID":  job.ID,
		"JOBDOCK_SOURCE":  job.SourceRef,
		"JOBDOCK_WORKDIR": workDir,
		"JOBDOCK_ATTEMPT": strconv.Itoa(job.Retries),
	}
	if path, ok := p.in.SourcePath(job); ok {
		env["JOBDOCK_SOURCE_PATH"] = path
	}

	handle, err := p.rt.Start(runCtx, runtime.StartOptions{
		JobID:   job.ID,
		Command: p.config.Command,
		Image:   p.config.Image,
		WorkDir: workDir,
		Env:     env,
		Output:  logFile,
		Timeout: p.config.JobTimeout,
	})
	if err != nil {
		span.RecordError(err)
		p.conclude(runCtx, job, store.StateFailedRetryable, nil, fmt.Sprintf("start runner: %v", err))
		return
	}

	pid := handle.Pid()
	if _, err := p.st.Update(runCtx, job.ID, func(j *store.Job) error {
		if j.State != store.StateRunning {
			return fmt.Errorf("job %s left running before pid stamp", j.ID)
		}
		j.Pid = &pid
		return nil
	}); err != nil {
		log.Warn("stamp pid failed", "error", err)
	}
	log.Info("runner started", "pid", pid)

	mon := monitor.New(p.st, p.log, p.config.Monitor, job.ID, handle)
	monCtx, stopMonitor := context.WithCancel(base)
	go mon.Run(monCtx)

	startedAt := time.Now()
	code, waitErr := handle.Wait(runCtx)
	stopMonitor()
	<-mon.Done()
	elapsed := time.Since(startedAt)

	state, exitCode, reason := p.classify(mon, code, waitErr, elapsed)
	span.SetAttributes(
		attribute.String("job.outcome", string(state)),
		attribute.Int("job.exit_code", code),
	)
	if waitErr != nil {
		span.RecordError(waitErr)
	}
	p.conclude(runCtx, job, state, exitCode, reason)
}

// classify maps a runner exit to a job state. An observed abort wins over
// whatever the runner reported; infrastructure trouble and signal deaths
// stay retryable; any other non-zero exit is the runner declaring the work
// itself bad, which no retry will fix.
func (p *Pool) classify(mon *monitor.Monitor, code int, waitErr error, elapsed time.Duration) (store.State, *int, string) {
	switch {
	case mon.AbortSignaled():
		reason := "aborted by request"
		if mon.Phase() == monitor.PhaseEscalated {
			reason = "aborted by request, force killed"
		}
		return store.StateAborted, &code, reason

	case waitErr != nil:
		return store.StateFailedRetryable, nil, fmt.Sprintf("runtime failure: %v", waitErr)

	case code == 0:
		return store.StateSucceeded, &code, ""

	case code == exitRetryable:
		return store.StateFailedRetryable, &code, fmt.Sprintf("runner reported transient failure (exit %d)", code)

	case code == -1:
		if p.config.JobTimeout > 0 && elapsed >= p.config.JobTimeout {
			return store.StateFailedRetryable, &code, fmt.Sprintf("runner timed out after %s", p.config.JobTimeout)
		}
		return store.StateFailedRetryable, &code, "runner died without an exit code"

	default:
		return store.StateFailedFinal, &code, fmt.Sprintf("runner exited with code %d", code)
	}
}

// conclude persists the attempt outcome and applies the follow-up policy:
// retryable failures go back through Requeue, everything terminal archives
// its source.
func (p *Pool) conclude(ctx context.Context, job *store.Job, final store.State, exitCode *int, reason string) {
	log := p.log.With("job_id", job.ID)

	updated, err := p.st.Update(ctx, job.ID, func(j *store.Job) error {
		if j.State != store.StateRunning {
			return fmt.Errorf("job %s: conclude from %s: %w", j.ID, j.State, store.ErrIllegalTransition)
		}
		now := store.UTCNow()
		j.State = final
		j.FinishedAt = &now
		j.Pid = nil
		j.ExitCode = exitCode
		j.FailureReason = reason
		return nil
	})
	if err != nil {
		log.Error("finalize failed", "state", final, "error", err)
		return
	}

	p.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(updated.State)),
	))
	log.Info("job finished", "state", updated.State, "retries", updated.Retries, "reason", reason)

	if updated.State != store.StateFailedRetryable {
		p.archiveSource(updated)
		return
	}

	requeued, err := p.st.Requeue(ctx, job.ID, reason, p.config.MaxRetries)
	if err != nil {
		log.Error("requeue failed", "error", err)
		return
	}
	if requeued.State == store.StateQueued {
		p.retried.Add(ctx, 1)
		log.Info("job requeued", "retries", requeued.Retries)
		return
	}
	log.Warn("retries exhausted", "retries", requeued.Retries)
	p.archiveSource(requeued)
}

func (p *Pool) archiveSource(job *store.Job) {
	if err := p.in.Archive(job); err != nil {
		p.log.Warn("archive source failed", "job_id", job.ID, "error", err)
	}
}
