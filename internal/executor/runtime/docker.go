package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime runs the task runner inside a container per job. The log
// contract is unchanged: combined output is pumped into opts.Output.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker-based runtime. The client is
// initialized from the standard environment variables (DOCKER_HOST, etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("docker runtime: image is required")
	}

	// Check locally first to avoid pulling on every run.
	if _, err := d.client.ImageInspect(ctx, opts.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("pull image %s: %w", opts.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	containerConfig := &container.Config{
		Image:      opts.Image,
		Cmd:        opts.Command,
		Env:        mapToEnvList(opts.Env),
		WorkingDir: opts.WorkDir,
		Tty:        true,
	}
	created, err := d.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	h := &DockerHandle{client: d.client, containerID: created.ID}
	if opts.Timeout > 0 {
		h.deadline = time.Now().Add(opts.Timeout)
	}

	if opts.Output != nil {
		logs, err := d.client.ContainerLogs(ctx, created.ID, container.LogsOptions{
			ShowStdout: true,
			ShowStderr: true,
			Follow:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("attach container logs: %w", err)
		}
		// Tty is on, so the stream is raw and needs no demultiplexing.
		go func() {
			defer logs.Close()
			io.Copy(opts.Output, logs)
		}()
	}

	return h, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// DockerHandle represents a running container.
type DockerHandle struct {
	client      *client.Client
	containerID string
	deadline    time.Time
}

// Pid returns 0; the container's init process id is not surfaced.
func (h *DockerHandle) Pid() int {
	return 0
}

// Terminate sends SIGTERM to the container's init process. Escalation to
// SIGKILL belongs to the caller's grace window, not the daemon's.
func (h *DockerHandle) Terminate(ctx context.Context) error {
	return h.client.ContainerKill(ctx, h.containerID, "TERM")
}

// Kill force-stops the container.
func (h *DockerHandle) Kill(ctx context.Context) error {
	return h.client.ContainerKill(ctx, h.containerID, "KILL")
}

// Wait blocks until the container exits or the attempt budget set at Start
// runs out. A container over budget is killed and reported as exit -1, the
// same shape a killed local process has.
func (h *DockerHandle) Wait(ctx context.Context) (int, error) {
	waitCtx := ctx
	if !h.deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, h.deadline)
		defer cancel()
	}

	statusCh, errCh := h.client.ContainerWait(waitCtx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return -1, fmt.Errorf("container wait: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("container wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return -1, ctx.Err()
		}
		_ = h.Kill(ctx)
		return -1, nil
	}
}
