package scheduler

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/executor"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/observer"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/store"
)

// ConfigLoader resolves a project's declarative configuration.
type ConfigLoader interface {
	Load(ctx context.Context, project *domain.Project) (*pipeline.Config, error)
}

// FileConfigLoader reads the YAML configuration at the project's
// config path.
type FileConfigLoader struct{}

// Load parses the file named by the project.
func (FileConfigLoader) Load(_ context.Context, project *domain.Project) (*pipeline.Config, error) {
	return pipeline.LoadFile(project.ConfigPath)
}

// Config tunes the driver loop.
type Config struct {
	MaxConcurrent int
	PollInterval  time.Duration
	WorkdirRoot   string
	Secrets       map[string]string
}

// Scheduler converts pending work in the store into executed jobs
// under a global concurrency cap, at-least-once.
type Scheduler struct {
	store    store.Store
	configs  ConfigLoader
	provider RunnerProvider
	exec     *executor.Executor
	bus      *observer.Bus
	metrics  metrics.Sink
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	running bool
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
}

// New constructs a stopped scheduler.
func New(st store.Store, configs ConfigLoader, provider RunnerProvider, bus *observer.Bus,
	sink metrics.Sink, logger *slog.Logger, cfg Config) *Scheduler {
	if sink == nil {
		sink = metrics.Nop{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Scheduler{
		store:    st,
		configs:  configs,
		provider: provider,
		exec:     executor.New(logger, sink),
		bus:      bus,
		metrics:  sink,
		logger:   logger,
		cfg:      cfg,
		active:   make(map[string]context.CancelFunc),
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the driver loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	s.logger.Info("scheduler started", "max_concurrent", s.cfg.MaxConcurrent, "poll_interval", s.cfg.PollInterval)
}

// Stop halts the loop and waits for every active job to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()

	<-s.done

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Kick wakes the driver loop ahead of the next poll tick.
func (s *Scheduler) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Running reports whether the driver loop is live.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// ActiveJobs reports the number of in-flight executions.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// MaxConcurrent returns the global cap.
func (s *Scheduler) MaxConcurrent() int { return s.cfg.MaxConcurrent }

// QueueStats tallies stored jobs by status.
func (s *Scheduler) QueueStats(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.store.CountJobsByStatus(ctx)
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		case <-s.kick:
		}
		s.tick(context.Background())
	}
}

// tick runs one scheduling pass: report queue depth, then fill free
// capacity with ready jobs.
func (s *Scheduler) tick(ctx context.Context) {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		s.logger.Error("queue stats query failed", "error", err)
		return
	}
	s.metrics.SetGauge(metrics.MetricQueueDepth, float64(counts[domain.JobPending]), nil)

	free := s.freeCapacity()
	if free <= 0 {
		return
	}

	pending, err := s.store.GetPendingJobs(ctx, s.cfg.MaxConcurrent)
	if err != nil {
		s.logger.Error("pending jobs query failed", "error", err)
		return
	}

	graphs := make(map[string]runView)
	launched := 0
	for _, job := range pending {
		if launched >= free {
			break
		}
		view, ok := graphs[job.PipelineRunID]
		if !ok {
			view, err = s.loadRunView(ctx, job.PipelineRunID)
			if err != nil {
				s.logger.Error("run reconstruction failed", "run_id", job.PipelineRunID, "error", err)
				continue
			}
			graphs[job.PipelineRunID] = view
		}

		switch view.disposition(job) {
		case dispositionSkip:
			// A dependency failed upstream; skip propagates here and,
			// over successive ticks, through the whole closure.
			if err := s.store.UpdateJobStatus(ctx, job.ID, domain.JobPending, domain.JobSkipped); err == nil {
				s.publishStatus(ctx, job.ID, domain.JobSkipped)
				s.finalizeRunIfComplete(ctx, job.PipelineRunID)
			}
			continue
		case dispositionWait:
			continue
		}

		if err := s.store.UpdateJobStatus(ctx, job.ID, domain.JobPending, domain.JobRunning); err != nil {
			// Lost the CAS to a competing pass; not an error.
			continue
		}
		s.metrics.Observe(metrics.MetricQueueWaitSeconds, time.Since(job.CreatedAt).Seconds(), nil)

		jobCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.active[job.ID] = cancel
		s.mu.Unlock()

		s.wg.Add(1)
		launched++
		go func(job domain.Job) {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, job.ID)
				s.mu.Unlock()
				cancel()
				s.Kick()
			}()
			s.executeJob(jobCtx, job)
		}(job)
	}
}

func (s *Scheduler) freeCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxConcurrent - len(s.active)
}

type disposition int

const (
	dispositionWait disposition = iota
	dispositionRun
	dispositionSkip
)

// runView is the reconstructed dependency state of one run.
type runView struct {
	jobs map[string]domain.Job
}

func (s *Scheduler) loadRunView(ctx context.Context, runID string) (runView, error) {
	jobs, err := s.store.GetJobsForPipelineRun(ctx, runID)
	if err != nil {
		return runView{}, err
	}
	view := runView{jobs: make(map[string]domain.Job, len(jobs))}
	for _, j := range jobs {
		view.jobs[j.ID] = j
	}
	return view, nil
}

// disposition applies the readiness invariant: a job runs only when
// every dependency succeeded; a terminal non-success dependency forces
// a skip.
func (v runView) disposition(job domain.Job) disposition {
	for _, dep := range job.DependsOn {
		depJob, ok := v.jobs[domain.JobID(job.PipelineRunID, dep)]
		if !ok {
			return dispositionSkip
		}
		switch depJob.Status {
		case domain.JobSuccess:
		case domain.JobFailure, domain.JobSkipped, domain.JobCancelled:
			return dispositionSkip
		default:
			return dispositionWait
		}
	}
	return dispositionRun
}
