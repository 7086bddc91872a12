package store

import (
	"context"
	"errors"

	"github.com/zephyrr-ci/zephyr/internal/domain"
)

var (
	// ErrNotFound signals a missing row.
	ErrNotFound = errors.New("record not found")
	// ErrConflict signals a lost compare-and-set on a status transition.
	ErrConflict = errors.New("status transition conflict")
)

// RunFilter narrows pipeline run listings.
type RunFilter struct {
	ProjectID string
	Status    domain.RunStatus
	Limit     int
}

// ProjectStore persists projects.
type ProjectStore interface {
	CreateProject(ctx context.Context, project *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
}

// RunStore persists pipeline runs.
type RunStore interface {
	CreatePipelineRun(ctx context.Context, run *domain.PipelineRun) error
	GetPipelineRun(ctx context.Context, id string) (*domain.PipelineRun, error)
	ListPipelineRuns(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error)
	UpdatePipelineRunStatus(ctx context.Context, id string, status domain.RunStatus) error
}

// JobStore persists jobs. UpdateJobStatus is a conditional update on the
// prior status and returns ErrConflict when another writer won.
type JobStore interface {
	CreateJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	GetJobsForPipelineRun(ctx context.Context, runID string) ([]domain.Job, error)
	GetPendingJobs(ctx context.Context, limit int) ([]domain.Job, error)
	CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error)
	UpdateJobStatus(ctx context.Context, id string, from, to domain.JobStatus) error
	CompleteJob(ctx context.Context, id string, status domain.JobStatus, outputs map[string]string, reason string) error
}

// LogStore appends and reads job log records. AppendLog assigns the
// next per-job sequence number.
type LogStore interface {
	AppendLog(ctx context.Context, record *domain.LogRecord) error
	GetLogsForJob(ctx context.Context, jobID string, since int64) ([]domain.LogRecord, error)
}

// WebhookStore retains webhook deliveries for audit.
type WebhookStore interface {
	SaveWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error
}

// Store is the full persistence surface of the orchestrator.
type Store interface {
	ProjectStore
	RunStore
	JobStore
	LogStore
	WebhookStore
	Ping(ctx context.Context) error
	Close()
}
