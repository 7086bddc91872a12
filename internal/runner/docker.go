package runner

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker runs a job's steps inside one container started from the
// job's runner image. Used on hosts without virtualisation support.
type Docker struct {
	cli         *client.Client
	containerID string
}

var _ Runner = (*Docker)(nil)

// NewDocker creates the job container and starts it idle.
func NewDocker(ctx context.Context, host, image, name string) (*Docker, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	cfg := &container.Config{
		Image: image,
		Cmd:   []string{"sleep", "infinity"},
	}
	created, err := cli.ContainerCreate(ctx, cfg, &container.HostConfig{AutoRemove: false}, nil, nil, name)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		cli.Close()
		return nil, fmt.Errorf("container start: %w", err)
	}
	return &Docker{cli: cli, containerID: created.ID}, nil
}

// Run executes the command through the exec API, demultiplexing the
// attached stream into stdout and stderr.
func (d *Docker) Run(ctx context.Context, spec Spec) (int, error) {
	cmd := []string{shellOf(spec), "-c", spec.Command}
	execCfg := container.ExecOptions{
		Cmd:          cmd,
		Env:          envList(spec.Env),
		WorkingDir:   spec.Workdir,
		AttachStdout: true,
		AttachStderr: true,
	}
	created, err := d.cli.ContainerExecCreate(ctx, d.containerID, execCfg)
	if err != nil {
		return -1, fmt.Errorf("exec create: %w", err)
	}

	attached, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return -1, fmt.Errorf("exec attach: %w", err)
	}
	defer attached.Close()

	stdout := spec.Stdout
	stderr := spec.Stderr
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	if _, err := stdcopy.StdCopy(stdout, stderr, attached.Reader); err != nil && ctx.Err() == nil {
		return -1, fmt.Errorf("read exec output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return -1, fmt.Errorf("exec inspect: %w", err)
	}
	return inspect.ExitCode, nil
}

// Close removes the job container.
func (d *Docker) Close(ctx context.Context) error {
	err := d.cli.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) && !strings.Contains(err.Error(), "already in progress") {
		d.cli.Close()
		return fmt.Errorf("remove container: %w", err)
	}
	return d.cli.Close()
}
