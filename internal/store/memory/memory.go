package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/store"
)

// Store is an in-memory persistence engine. It backs the scheduler and
// HTTP test suites; semantics match the postgres engine including CAS
// behaviour on job transitions.
type Store struct {
	mu        sync.Mutex
	projects  map[string]domain.Project
	runs      map[string]domain.PipelineRun
	runOrder  []string
	jobs      map[string]domain.Job
	jobOrder  []string
	logs      map[string][]domain.LogRecord
	webhooks  []domain.WebhookDelivery
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		projects: make(map[string]domain.Project),
		runs:     make(map[string]domain.PipelineRun),
		jobs:     make(map[string]domain.Job),
		logs:     make(map[string][]domain.LogRecord),
	}
}

var _ store.Store = (*Store)(nil)

// CreateProject inserts a project.
func (s *Store) CreateProject(_ context.Context, project *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[project.ID] = *project
	return nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

// ListProjects returns all projects sorted by name.
func (s *Store) ListProjects(_ context.Context) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DeleteProject removes a project.
func (s *Store) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.projects, id)
	return nil
}

// CreatePipelineRun inserts a run.
func (s *Store) CreatePipelineRun(_ context.Context, run *domain.PipelineRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = *run
	s.runOrder = append(s.runOrder, run.ID)
	return nil
}

// GetPipelineRun fetches a run by id.
func (s *Store) GetPipelineRun(_ context.Context, id string) (*domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &r, nil
}

// ListPipelineRuns returns runs newest first, honouring the filter.
func (s *Store) ListPipelineRuns(_ context.Context, filter store.RunFilter) ([]domain.PipelineRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PipelineRun, 0)
	for i := len(s.runOrder) - 1; i >= 0; i-- {
		r := s.runs[s.runOrder[i]]
		if filter.ProjectID != "" && r.ProjectID != filter.ProjectID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// UpdatePipelineRunStatus moves a run to status, stamping started/finished.
func (s *Store) UpdatePipelineRunStatus(_ context.Context, id string, status domain.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	if status == domain.RunRunning && r.StartedAt == nil {
		r.StartedAt = &now
	}
	if status.Terminal() {
		r.FinishedAt = &now
	}
	r.Status = status
	s.runs[id] = r
	return nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &j, nil
}

// GetJobsForPipelineRun returns a run's jobs in insertion order.
func (s *Store) GetJobsForPipelineRun(_ context.Context, runID string) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.PipelineRunID == runID {
			out = append(out, j)
		}
	}
	return out, nil
}

// GetPendingJobs returns up to limit pending jobs in insertion order.
func (s *Store) GetPendingJobs(_ context.Context, limit int) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0)
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status != domain.JobPending {
			continue
		}
		out = append(out, j)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// CountJobsByStatus tallies jobs per status.
func (s *Store) CountJobsByStatus(_ context.Context) (map[domain.JobStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.JobStatus]int)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

// UpdateJobStatus performs a compare-and-set transition.
func (s *Store) UpdateJobStatus(_ context.Context, id string, from, to domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status != from {
		return store.ErrConflict
	}
	now := time.Now().UTC()
	if to == domain.JobRunning && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if to.Terminal() {
		j.FinishedAt = &now
	}
	j.Status = to
	s.jobs[id] = j
	return nil
}

// CompleteJob records a terminal status with outputs and reason.
func (s *Store) CompleteJob(_ context.Context, id string, status domain.JobStatus, outputs map[string]string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	j.Status = status
	j.Reason = reason
	if len(outputs) > 0 {
		j.Outputs = make(map[string]string, len(outputs))
		for k, v := range outputs {
			j.Outputs[k] = v
		}
	}
	j.FinishedAt = &now
	s.jobs[id] = j
	return nil
}

// AppendLog stores a record, assigning the next per-job sequence.
func (s *Store) AppendLog(_ context.Context, record *domain.LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record.Seq = int64(len(s.logs[record.JobID]) + 1)
	s.logs[record.JobID] = append(s.logs[record.JobID], *record)
	return nil
}

// GetLogsForJob returns records with Seq > since.
func (s *Store) GetLogsForJob(_ context.Context, jobID string, since int64) ([]domain.LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LogRecord, 0)
	for _, rec := range s.logs[jobID] {
		if rec.Seq > since {
			out = append(out, rec)
		}
	}
	return out, nil
}

// SaveWebhookDelivery retains a delivery record.
func (s *Store) SaveWebhookDelivery(_ context.Context, delivery *domain.WebhookDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.webhooks = append(s.webhooks, *delivery)
	return nil
}

// Ping always succeeds for the in-memory engine.
func (s *Store) Ping(context.Context) error { return nil }

// Close releases nothing.
func (s *Store) Close() {}
