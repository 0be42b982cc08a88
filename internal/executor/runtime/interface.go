// Package runtime provides execution backends for the external task runner.
package runtime

import (
	"context"
	"io"
	"time"
)

// Runtime defines the interface for executing the task runner.
// Implementations include raw process execution and Docker.
type Runtime interface {
	// Start begins execution of a job's runner and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a runner.
type StartOptions struct {
	JobID   string
	Command []string
	// Image is the container image used by the docker backend.
	Image   string
	WorkDir string
	Env     map[string]string
	// Output receives the runner's combined stdout/stderr as produced.
	Output io.Writer
	// Timeout bounds the run; zero means no limit.
	Timeout time.Duration
}

// Handle represents a running supervised process.
type Handle interface {
	// Pid returns the supervised process id, or 0 when the backend has none.
	Pid() int

	// Terminate asks the process to stop gracefully.
	Terminate(ctx context.Context) error

	// Kill force-stops the process.
	Kill(ctx context.Context) error

	// Wait blocks until the process ends and returns its exit code. The
	// error reports infrastructure failures, never a plain non-zero exit.
	Wait(ctx context.Context) (int, error)
}
