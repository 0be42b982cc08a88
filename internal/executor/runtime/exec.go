package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ExecRuntime runs the task runner as a local child process. This is the
// default backend.
type ExecRuntime struct{}

// NewExecRuntime creates a new process-based runtime.
func NewExecRuntime() *ExecRuntime {
	return &ExecRuntime{}
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("exec runtime: empty command")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
	}

	cmd := exec.CommandContext(runCtx, opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Stdout = opts.Output
	cmd.Stderr = opts.Output
	cmd.Env = buildEnv(opts.Env)

	if err := cmd.Start(); err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, fmt.Errorf("start runner: %w", err)
	}

	h := &ExecHandle{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

// buildEnv layers the job-specific variables over the parent environment so
// the runner keeps its toolchain (git, credentials helpers) available.
func buildEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// ExecHandle supervises one child process.
type ExecHandle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	done     chan struct{}
	exitCode int
	waitErr  error
}

func (h *ExecHandle) reap() {
	defer close(h.done)
	err := h.cmd.Wait()
	if h.cancel != nil {
		h.cancel()
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		h.exitCode = 0
	case errors.As(err, &exitErr):
		// Non-zero exits and signal deaths land here; both are outcomes,
		// not infrastructure failures.
		h.exitCode = exitErr.ExitCode()
	default:
		h.exitCode = -1
		h.waitErr = err
	}
}

// Pid returns the child's process id.
func (h *ExecHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Terminate sends SIGTERM so the runner can clean up.
func (h *ExecHandle) Terminate(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal runner: %w", err)
	}
	return nil
}

// Kill force-stops the runner.
func (h *ExecHandle) Kill(ctx context.Context) error {
	if h.cmd.Process == nil {
		return nil
	}
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill runner: %w", err)
	}
	return nil
}

// Wait blocks until the child exits.
func (h *ExecHandle) Wait(ctx context.Context) (int, error) {
	select {
	case <-h.done:
		return h.exitCode, h.waitErr
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
