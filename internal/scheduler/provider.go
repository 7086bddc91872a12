package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/runner"
	"github.com/zephyrr-ci/zephyr/internal/vmpool"
)

// Lease is a provisioned sandbox for one job: the runner, the working
// directory inside it, and the release hook. destroy asks the provider
// to retire the sandbox instead of recycling it.
type Lease struct {
	Runner  runner.Runner
	Workdir string
	Release func(ctx context.Context, destroy bool)
}

// RunnerProvider provisions execution sandboxes for jobs.
type RunnerProvider interface {
	Provision(ctx context.Context, job *domain.Job) (*Lease, error)
}

// LocalProvider runs jobs in shells on the orchestrator host.
type LocalProvider struct {
	WorkdirRoot string
}

// Provision creates the job's working directory and hands out a host
// shell runner.
func (p LocalProvider) Provision(_ context.Context, job *domain.Job) (*Lease, error) {
	workdir := filepath.Join(p.WorkdirRoot, sanitize(job.ID))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("prepare workdir: %w", err)
	}
	return &Lease{
		Runner:  runner.NewLocal(),
		Workdir: workdir,
		Release: func(context.Context, bool) {
			if err := os.RemoveAll(workdir); err != nil {
				slog.Default().Warn("workdir cleanup failed", "workdir", workdir, "error", err)
			}
		},
	}, nil
}

// DockerProvider runs each job in a container from its runner image.
type DockerProvider struct {
	Host   string
	Logger *slog.Logger
}

// Provision starts the job container.
func (p DockerProvider) Provision(ctx context.Context, job *domain.Job) (*Lease, error) {
	name := "zephyr-job-" + sanitize(job.ID)
	d, err := runner.NewDocker(ctx, p.Host, job.RunnerImage, name)
	if err != nil {
		return nil, err
	}
	return &Lease{
		Runner:  d,
		Workdir: "/workspace",
		Release: func(ctx context.Context, _ bool) {
			if err := d.Close(ctx); err != nil {
				p.Logger.Warn("container cleanup failed", "job_id", job.ID, "error", err)
			}
		},
	}, nil
}

// VMProvider acquires warm microVMs and reaches them over SSH.
type VMProvider struct {
	Pool        *vmpool.Pool
	SSHUser     string
	SSHKeyPath  string
	BootTimeout time.Duration
	Logger      *slog.Logger
}

// Provision acquires a VM and dials the guest.
func (p VMProvider) Provision(ctx context.Context, job *domain.Job) (*Lease, error) {
	vm, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	timeout := p.BootTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ssh, err := runner.DialSSH(dialCtx, runner.SSHConfig{
		Addr:    vm.Network.GuestIP + ":22",
		User:    p.SSHUser,
		KeyPath: p.SSHKeyPath,
	})
	if err != nil {
		// The guest never came up; retire it rather than recycling.
		if rerr := p.Pool.Release(context.Background(), vm.ID, true); rerr != nil {
			p.Logger.Error("vm release failed", "vm_id", vm.ID, "error", rerr)
		}
		return nil, fmt.Errorf("reach guest %s: %w", vm.ID, err)
	}

	return &Lease{
		Runner:  ssh,
		Workdir: "/workspace",
		Release: func(ctx context.Context, destroy bool) {
			if err := ssh.Close(ctx); err != nil {
				p.Logger.Warn("guest connection close failed", "vm_id", vm.ID, "error", err)
			}
			if err := p.Pool.Release(ctx, vm.ID, destroy); err != nil {
				p.Logger.Error("vm release failed", "vm_id", vm.ID, "error", err)
			}
		},
	}, nil
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, id)
}
