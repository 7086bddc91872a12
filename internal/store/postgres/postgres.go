package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/store"
)

// Store implements persistence on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store on an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ store.Store = (*Store)(nil)

// CreateProject inserts a project.
func (s *Store) CreateProject(ctx context.Context, project *domain.Project) error {
	const query = `INSERT INTO projects (id, name, description, config_path, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := s.pool.Exec(ctx, query, project.ID, project.Name, project.Description, project.ConfigPath, project.CreatedAt)
	return err
}

// GetProject fetches project details.
func (s *Store) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	const query = `SELECT id, name, description, config_path, created_at FROM projects WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	var p domain.Project
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.ConfigPath, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects(ctx context.Context) ([]domain.Project, error) {
	const query = `SELECT id, name, description, config_path, created_at FROM projects ORDER BY name`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.ConfigPath, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project row.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreatePipelineRun inserts a run.
func (s *Store) CreatePipelineRun(ctx context.Context, run *domain.PipelineRun) error {
	const query = `INSERT INTO pipeline_runs
		(id, project_id, pipeline_name, trigger_type, trigger_data, branch, commit_sha, status, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := s.pool.Exec(ctx, query,
		run.ID, run.ProjectID, run.PipelineName, run.TriggerType, run.TriggerData,
		run.Branch, run.CommitSHA, run.Status, run.CreatedAt, run.StartedAt, run.FinishedAt)
	return err
}

// GetPipelineRun fetches a run by id.
func (s *Store) GetPipelineRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	const query = `SELECT id, project_id, pipeline_name, trigger_type, trigger_data, branch, commit_sha, status, created_at, started_at, finished_at
		FROM pipeline_runs WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	return scanRun(row)
}

// ListPipelineRuns returns runs newest first, honouring the filter.
func (s *Store) ListPipelineRuns(ctx context.Context, filter store.RunFilter) ([]domain.PipelineRun, error) {
	query := `SELECT id, project_id, pipeline_name, trigger_type, trigger_data, branch, commit_sha, status, created_at, started_at, finished_at
		FROM pipeline_runs WHERE 1=1`
	args := make([]any, 0, 3)
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		query += ` AND project_id = $` + itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += ` LIMIT $` + itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := make([]domain.PipelineRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// UpdatePipelineRunStatus moves a run to status, stamping timestamps.
func (s *Store) UpdatePipelineRunStatus(ctx context.Context, id string, status domain.RunStatus) error {
	const query = `UPDATE pipeline_runs SET
		status = $2,
		started_at = CASE WHEN $2 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		finished_at = CASE WHEN $2 IN ('success', 'failure', 'cancelled') THEN now() ELSE finished_at END
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job *domain.Job) error {
	outputs, err := json.Marshal(job.Outputs)
	if err != nil {
		return err
	}
	const query = `INSERT INTO jobs
		(id, pipeline_run_id, name, runner_image, depends_on, status, reason, outputs, created_at, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = s.pool.Exec(ctx, query,
		job.ID, job.PipelineRunID, job.Name, job.RunnerImage, job.DependsOn,
		job.Status, job.Reason, outputs, job.CreatedAt, job.StartedAt, job.FinishedAt)
	return err
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	const query = `SELECT id, pipeline_run_id, name, runner_image, depends_on, status, reason, outputs, created_at, started_at, finished_at
		FROM jobs WHERE id = $1`
	row := s.pool.QueryRow(ctx, query, id)
	return scanJob(row)
}

// GetJobsForPipelineRun returns a run's jobs in insertion order.
func (s *Store) GetJobsForPipelineRun(ctx context.Context, runID string) ([]domain.Job, error) {
	const query = `SELECT id, pipeline_run_id, name, runner_image, depends_on, status, reason, outputs, created_at, started_at, finished_at
		FROM jobs WHERE pipeline_run_id = $1 ORDER BY created_at, id`
	return s.queryJobs(ctx, query, runID)
}

// GetPendingJobs returns up to limit pending jobs, oldest first.
func (s *Store) GetPendingJobs(ctx context.Context, limit int) ([]domain.Job, error) {
	const query = `SELECT id, pipeline_run_id, name, runner_image, depends_on, status, reason, outputs, created_at, started_at, finished_at
		FROM jobs WHERE status = 'pending' ORDER BY created_at, id LIMIT $1`
	return s.queryJobs(ctx, query, limit)
}

// CountJobsByStatus tallies jobs per status.
func (s *Store) CountJobsByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

// UpdateJobStatus performs a conditional transition; the row-level
// predicate on the prior status serialises competing schedulers.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, from, to domain.JobStatus) error {
	const query = `UPDATE jobs SET
		status = $3,
		started_at = CASE WHEN $3 = 'running' AND started_at IS NULL THEN now() ELSE started_at END,
		finished_at = CASE WHEN $3 IN ('success', 'failure', 'skipped', 'cancelled') THEN now() ELSE finished_at END
		WHERE id = $1 AND status = $2`
	tag, err := s.pool.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetJob(ctx, id); errors.Is(err, store.ErrNotFound) {
			return store.ErrNotFound
		}
		return store.ErrConflict
	}
	return nil
}

// CompleteJob records a terminal status with outputs and reason.
func (s *Store) CompleteJob(ctx context.Context, id string, status domain.JobStatus, outputs map[string]string, reason string) error {
	encoded, err := json.Marshal(outputs)
	if err != nil {
		return err
	}
	const query = `UPDATE jobs SET status = $2, outputs = $3, reason = $4, finished_at = now() WHERE id = $1`
	tag, err := s.pool.Exec(ctx, query, id, string(status), encoded, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendLog stores a record, assigning the next per-job sequence.
func (s *Store) AppendLog(ctx context.Context, record *domain.LogRecord) error {
	const query = `INSERT INTO job_logs (job_id, seq, stream, ts, content)
		VALUES ($1, (SELECT COALESCE(MAX(seq), 0) + 1 FROM job_logs WHERE job_id = $1), $2, $3, $4)
		RETURNING seq`
	row := s.pool.QueryRow(ctx, query, record.JobID, record.Stream, record.Timestamp, record.Content)
	return row.Scan(&record.Seq)
}

// GetLogsForJob returns records with seq greater than since.
func (s *Store) GetLogsForJob(ctx context.Context, jobID string, since int64) ([]domain.LogRecord, error) {
	const query = `SELECT job_id, seq, stream, ts, content FROM job_logs
		WHERE job_id = $1 AND seq > $2 ORDER BY seq`
	rows, err := s.pool.Query(ctx, query, jobID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.LogRecord, 0)
	for rows.Next() {
		var rec domain.LogRecord
		if err := rows.Scan(&rec.JobID, &rec.Seq, &rec.Stream, &rec.Timestamp, &rec.Content); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveWebhookDelivery retains a delivery record.
func (s *Store) SaveWebhookDelivery(ctx context.Context, delivery *domain.WebhookDelivery) error {
	const query = `INSERT INTO webhook_deliveries (id, provider, event_type, payload, signature, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := s.pool.Exec(ctx, query,
		delivery.ID, delivery.Provider, delivery.EventType, delivery.Payload, delivery.Signature, delivery.ReceivedAt)
	return err
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	if err := row.Scan(&run.ID, &run.ProjectID, &run.PipelineName, &run.TriggerType, &run.TriggerData,
		&run.Branch, &run.CommitSHA, &run.Status, &run.CreatedAt, &run.StartedAt, &run.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &run, nil
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var outputs []byte
	if err := row.Scan(&job.ID, &job.PipelineRunID, &job.Name, &job.RunnerImage, &job.DependsOn,
		&job.Status, &job.Reason, &outputs, &job.CreatedAt, &job.StartedAt, &job.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &job.Outputs); err != nil {
			return nil, err
		}
	}
	return &job, nil
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
