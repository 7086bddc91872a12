package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// Local runs steps in a shell on the orchestrator host.
type Local struct {
	// GracePeriod bounds how long a cancelled process may linger
	// between SIGTERM and SIGKILL.
	GracePeriod time.Duration
}

var _ Runner = (*Local)(nil)

// NewLocal returns a host-shell runner.
func NewLocal() *Local {
	return &Local{GracePeriod: 5 * time.Second}
}

// Run executes `shell -c command` and streams both outputs.
func (l *Local) Run(ctx context.Context, spec Spec) (int, error) {
	cmd := exec.CommandContext(ctx, shellOf(spec), "-c", spec.Command)
	cmd.Dir = spec.Workdir
	cmd.Env = envList(spec.Env)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = l.GracePeriod

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("spawn step process: %w", err)
}

// Close releases nothing for the host shell.
func (l *Local) Close(context.Context) error { return nil }
