package vmpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zephyrr-ci/zephyr/internal/metrics"
)

var (
	// ErrPoolExhausted signals acquire at maxTotal; callers back off.
	ErrPoolExhausted = errors.New("vm pool exhausted")
	// ErrPoolNotRunning signals use of a stopped pool.
	ErrPoolNotRunning = errors.New("vm pool not running")
)

// State is the pool lifecycle phase.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Config bounds the pool. Invariant: MinIdle <= MaxIdle <= MaxTotal.
type Config struct {
	MinIdle             int
	MaxIdle             int
	MaxTotal            int
	MaxIdleTime         time.Duration
	HealthCheckInterval time.Duration

	KernelImage string
	RootfsImage string
	CPUs        int
	MemoryMB    int
}

// Validate rejects inconsistent bounds.
func (c Config) Validate() error {
	if c.MinIdle < 0 || c.MinIdle > c.MaxIdle || c.MaxIdle > c.MaxTotal {
		return fmt.Errorf("vm pool config: require 0 <= minIdle <= maxIdle <= maxTotal, got %d/%d/%d",
			c.MinIdle, c.MaxIdle, c.MaxTotal)
	}
	return nil
}

// VM is one pooled microVM. Owned exclusively by the pool while idle;
// handed to the acquirer while in use.
type VM struct {
	ID         string
	Network    Network
	Index      int
	CreatedAt  time.Time
	LastUsedAt time.Time
	UseCount   int
}

// Pool keeps between MinIdle and MaxIdle pre-booted microVMs, bounded
// by MaxTotal, to hide boot latency from job dispatch.
type Pool struct {
	cfg      Config
	hv       Hypervisor
	networks NetworkAllocator
	logger   *slog.Logger
	metrics  metrics.Sink

	mu           sync.Mutex
	state        State
	idle         map[string]*VM
	idleOrder    []string
	inUse        map[string]*VM
	creating     int
	nextIndex    int
	replenishing bool

	replenishWG sync.WaitGroup
	healthStop  chan struct{}
	healthDone  chan struct{}
}

// New constructs a stopped pool.
func New(cfg Config, hv Hypervisor, networks NetworkAllocator, logger *slog.Logger, sink metrics.Sink) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Pool{
		cfg:      cfg,
		hv:       hv,
		networks: networks,
		logger:   logger,
		metrics:  sink,
		state:    StateStopped,
		idle:     make(map[string]*VM),
		inUse:    make(map[string]*VM),
	}, nil
}

// State returns the current lifecycle phase.
func (p *Pool) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stats returns current idle and in-use counts.
func (p *Pool) Stats() (idle, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.inUse)
}

// Start replenishes to MinIdle and begins health checking.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateStopped {
		p.mu.Unlock()
		return fmt.Errorf("vm pool start: state is %s", p.state)
	}
	p.state = StateStarting
	p.mu.Unlock()

	p.replenish(ctx)

	p.mu.Lock()
	p.state = StateRunning
	p.healthStop = make(chan struct{})
	p.healthDone = make(chan struct{})
	p.mu.Unlock()

	go p.healthLoop()
	p.logger.Info("vm pool started", "min_idle", p.cfg.MinIdle, "max_idle", p.cfg.MaxIdle, "max_total", p.cfg.MaxTotal)
	return nil
}

// Acquire hands out an idle VM, creating one on demand when the idle
// supply is empty and capacity remains. At MaxTotal it fails with
// ErrPoolExhausted rather than queuing.
func (p *Pool) Acquire(ctx context.Context) (*VM, error) {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return nil, ErrPoolNotRunning
	}

	if len(p.idleOrder) > 0 {
		id := p.idleOrder[0]
		p.idleOrder = p.idleOrder[1:]
		vm := p.idle[id]
		delete(p.idle, id)
		vm.UseCount++
		vm.LastUsedAt = time.Now()
		p.inUse[id] = vm
		p.updateGauges()
		p.mu.Unlock()
		p.scheduleReplenish()
		return vm, nil
	}

	if len(p.idle)+len(p.inUse)+p.creating >= p.cfg.MaxTotal {
		p.mu.Unlock()
		p.metrics.IncCounter(metrics.MetricPoolExhausted, nil)
		return nil, ErrPoolExhausted
	}
	p.creating++
	index := p.nextIndex
	p.nextIndex++
	p.mu.Unlock()

	vm, err := p.createVM(ctx, index)

	p.mu.Lock()
	p.creating--
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	vm.UseCount = 1
	vm.LastUsedAt = time.Now()
	p.inUse[vm.ID] = vm
	p.updateGauges()
	p.mu.Unlock()
	return vm, nil
}

// Release returns a VM. It is destroyed when the caller asks for it or
// the idle set is already at MaxIdle; otherwise it rejoins idle.
func (p *Pool) Release(ctx context.Context, id string, destroy bool) error {
	p.mu.Lock()
	vm, ok := p.inUse[id]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("vm pool release: unknown vm %s", id)
	}
	delete(p.inUse, id)

	if !destroy && p.state == StateRunning && len(p.idle) < p.cfg.MaxIdle {
		vm.LastUsedAt = time.Now()
		p.idle[id] = vm
		p.idleOrder = append(p.idleOrder, id)
		p.updateGauges()
		p.mu.Unlock()
		return nil
	}
	p.updateGauges()
	p.mu.Unlock()

	p.destroyVM(ctx, vm)
	return nil
}

// Stop cancels health checking, waits for in-flight replenishes and
// destroys every VM in both maps in parallel.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return fmt.Errorf("vm pool stop: state is %s", p.state)
	}
	p.state = StateStopping
	close(p.healthStop)
	p.mu.Unlock()

	<-p.healthDone
	p.replenishWG.Wait()

	p.mu.Lock()
	victims := make([]*VM, 0, len(p.idle)+len(p.inUse))
	for _, vm := range p.idle {
		victims = append(victims, vm)
	}
	for _, vm := range p.inUse {
		victims = append(victims, vm)
	}
	p.idle = make(map[string]*VM)
	p.idleOrder = nil
	p.inUse = make(map[string]*VM)
	p.updateGauges()
	p.mu.Unlock()

	g, destroyCtx := errgroup.WithContext(ctx)
	for _, vm := range victims {
		vm := vm
		g.Go(func() error {
			p.destroyVM(destroyCtx, vm)
			return nil
		})
	}
	_ = g.Wait()

	p.mu.Lock()
	p.state = StateStopped
	p.mu.Unlock()
	p.logger.Info("vm pool stopped", "destroyed", len(victims))
	return nil
}

// scheduleReplenish starts a background replenish unless one is in
// flight already.
func (p *Pool) scheduleReplenish() {
	p.mu.Lock()
	if p.replenishing || p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.replenishing = true
	p.replenishWG.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.replenishWG.Done()
		p.replenish(context.Background())
		p.mu.Lock()
		p.replenishing = false
		p.mu.Unlock()
	}()
}

// replenish creates min(MinIdle - idle, MaxTotal - total) VMs.
// Creation failures are logged and counted, never propagated.
func (p *Pool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.state == StateStopping || p.state == StateStopped {
			p.mu.Unlock()
			return
		}
		missing := p.cfg.MinIdle - len(p.idle)
		capacity := p.cfg.MaxTotal - len(p.idle) - len(p.inUse) - p.creating
		if missing <= 0 || capacity <= 0 {
			p.mu.Unlock()
			return
		}
		p.creating++
		index := p.nextIndex
		p.nextIndex++
		p.mu.Unlock()

		vm, err := p.createVM(ctx, index)

		p.mu.Lock()
		p.creating--
		if err != nil {
			p.mu.Unlock()
			p.logger.Error("vm creation failed during replenish", "error", err)
			p.metrics.IncCounter(metrics.MetricVMCreateFailures, nil)
			return
		}
		p.idle[vm.ID] = vm
		p.idleOrder = append(p.idleOrder, vm.ID)
		p.updateGauges()
		p.mu.Unlock()
	}
}

func (p *Pool) healthLoop() {
	defer close(p.healthDone)
	interval := p.cfg.HealthCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.healthStop:
			return
		case <-ticker.C:
			p.healthCheck()
		}
	}
}

// healthCheck destroys idle VMs beyond MinIdle that sat unused longer
// than MaxIdleTime, then replenishes.
func (p *Pool) healthCheck() {
	now := time.Now()
	p.mu.Lock()
	victims := make([]*VM, 0)
	kept := make([]string, 0, len(p.idleOrder))
	for _, id := range p.idleOrder {
		vm := p.idle[id]
		if len(kept) >= p.cfg.MinIdle && now.Sub(vm.LastUsedAt) > p.cfg.MaxIdleTime {
			delete(p.idle, id)
			victims = append(victims, vm)
			continue
		}
		kept = append(kept, id)
	}
	p.idleOrder = kept
	p.updateGauges()
	p.mu.Unlock()

	for _, vm := range victims {
		p.destroyVM(context.Background(), vm)
	}
	if len(victims) > 0 {
		p.logger.Info("health check retired idle vms", "count", len(victims))
	}
	p.scheduleReplenish()
}

// createVM allocates a network, boots a machine and reports the boot
// duration.
func (p *Pool) createVM(ctx context.Context, index int) (*VM, error) {
	network, err := p.networks.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	id := fmt.Sprintf("zephyr-vm-%d-%s", index, uuid.NewString()[:8])
	cfg := VMConfig{
		ID:          id,
		KernelImage: p.cfg.KernelImage,
		RootfsImage: p.cfg.RootfsImage,
		CPUs:        p.cfg.CPUs,
		MemoryMB:    p.cfg.MemoryMB,
		Net:         network,
	}

	started := time.Now()
	if err := p.hv.CreateVM(ctx, cfg); err != nil {
		_ = p.networks.Release(ctx, network)
		return nil, fmt.Errorf("create vm: %w", err)
	}
	if err := p.hv.StartVM(ctx, id); err != nil {
		_ = p.hv.DestroyVM(ctx, id)
		_ = p.networks.Release(ctx, network)
		return nil, fmt.Errorf("start vm: %w", err)
	}
	bootSeconds := time.Since(started).Seconds()
	p.metrics.Observe(metrics.MetricVMBootSeconds, bootSeconds, nil)
	p.logger.Debug("vm booted", "vm_id", id, "boot_seconds", bootSeconds)

	now := time.Now()
	return &VM{ID: id, Network: network, Index: index, CreatedAt: now, LastUsedAt: now}, nil
}

func (p *Pool) destroyVM(ctx context.Context, vm *VM) {
	if err := p.hv.DestroyVM(ctx, vm.ID); err != nil {
		p.logger.Error("vm destroy failed", "vm_id", vm.ID, "error", err)
	}
	if err := p.networks.Release(ctx, vm.Network); err != nil {
		p.logger.Error("network release failed", "vm_id", vm.ID, "error", err)
	}
}

// updateGauges publishes idle/in-use sizes. Callers hold the lock.
func (p *Pool) updateGauges() {
	p.metrics.SetGauge(metrics.MetricPoolIdle, float64(len(p.idle)), nil)
	p.metrics.SetGauge(metrics.MetricPoolInUse, float64(len(p.inUse)), nil)
}
