package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zephyrr-ci/zephyr/internal/dag"
	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/store"
)

// TriggerRequest asks for one pipeline run.
type TriggerRequest struct {
	ProjectID   string
	Pipeline    string
	Branch      string
	CommitSHA   string
	TriggerType string
	TriggerData map[string]any
}

// QueuePipelineRun plans the requested pipeline and persists the run
// with one job row per expanded job. Invalid configurations and
// dependency cycles fail the enqueue without persisting anything.
func (s *Scheduler) QueuePipelineRun(ctx context.Context, req TriggerRequest) (string, error) {
	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		return "", err
	}
	cfg, err := s.configs.Load(ctx, project)
	if err != nil {
		return "", err
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = "manual"
	}
	trigger := pipeline.TriggerContext{
		Event:     triggerType,
		Branch:    req.Branch,
		CommitSHA: req.CommitSHA,
		Repo:      req.ProjectID,
	}

	pipelines, err := pipeline.Resolve(cfg.Pipelines, trigger)
	if err != nil {
		return "", err
	}
	var selected pipeline.Pipeline
	if req.Pipeline != "" {
		selected, err = pipeline.SelectPipeline(pipelines, req.Pipeline)
	} else {
		selected, err = pipeline.SelectByTrigger(pipelines, trigger)
	}
	if err != nil {
		return "", err
	}
	expanded, err := pipeline.Plan(selected)
	if err != nil {
		return "", err
	}

	runID := uuid.NewString()
	nodes, jobs := buildJobRows(runID, expanded)
	if _, err := dag.Build(nodes); err != nil {
		return "", err
	}

	var triggerData json.RawMessage
	if len(req.TriggerData) > 0 {
		triggerData, err = json.Marshal(req.TriggerData)
		if err != nil {
			return "", fmt.Errorf("encode trigger data: %w", err)
		}
	}

	run := &domain.PipelineRun{
		ID:           runID,
		ProjectID:    req.ProjectID,
		PipelineName: selected.Name,
		TriggerType:  triggerType,
		TriggerData:  triggerData,
		Branch:       req.Branch,
		CommitSHA:    req.CommitSHA,
		Status:       domain.RunPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreatePipelineRun(ctx, run); err != nil {
		return "", err
	}
	for i := range jobs {
		if err := s.store.CreateJob(ctx, &jobs[i]); err != nil {
			return "", err
		}
	}

	s.logger.Info("pipeline run queued", "run_id", runID, "pipeline", selected.Name, "jobs", len(jobs))
	s.Kick()
	return runID, nil
}

// buildJobRows converts expanded jobs into DAG nodes and store rows.
// Dependencies bind every instance of the target job name.
func buildJobRows(runID string, expanded []pipeline.ExpandedJob) ([]dag.Node, []domain.Job) {
	nodes := make([]dag.Node, 0, len(expanded))
	jobs := make([]domain.Job, 0, len(expanded))
	now := time.Now().UTC()

	for _, e := range expanded {
		deps := make([]string, 0, len(e.JobDef.DependsOn))
		for _, depName := range e.JobDef.DependsOn {
			deps = append(deps, pipeline.InstancesOf(expanded, depName)...)
		}
		nodes = append(nodes, dag.Node{
			ID:        e.InstanceID,
			Name:      e.JobDef.Name,
			DependsOn: deps,
		})
		jobs = append(jobs, domain.Job{
			ID:            domain.JobID(runID, e.InstanceID),
			PipelineRunID: runID,
			Name:          e.InstanceID,
			RunnerImage:   e.JobDef.Runner.Image,
			DependsOn:     deps,
			Status:        domain.JobPending,
			CreatedAt:     now,
		})
	}
	return nodes, jobs
}

// CancelRun cancels every waiting job of a run and signals active
// executors; running jobs transition when their executor observes the
// cancellation.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	jobs, err := s.store.GetJobsForPipelineRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		switch job.Status {
		case domain.JobPending, domain.JobReady:
			if err := s.store.UpdateJobStatus(ctx, job.ID, job.Status, domain.JobCancelled); err == nil {
				s.publishStatus(ctx, job.ID, domain.JobCancelled)
			}
		case domain.JobRunning:
			s.mu.Lock()
			cancel, ok := s.active[job.ID]
			s.mu.Unlock()
			if ok {
				cancel()
			}
		}
	}

	s.finalizeRunIfComplete(ctx, runID)
	s.logger.Info("run cancellation requested", "run_id", runID)
	return nil
}

// Bootstrap reconciles jobs left in running by a crashed driver: with
// no live execution they would stay running forever, so they fail with
// a reason marker.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	counts, err := s.store.CountJobsByStatus(ctx)
	if err != nil {
		return err
	}
	if counts[domain.JobRunning] == 0 {
		return nil
	}

	runs, err := s.store.ListPipelineRuns(ctx, store.RunFilter{Status: domain.RunRunning})
	if err != nil {
		return err
	}
	reconciled := 0
	for _, run := range runs {
		jobs, err := s.store.GetJobsForPipelineRun(ctx, run.ID)
		if err != nil {
			return err
		}
		for _, job := range jobs {
			if job.Status != domain.JobRunning {
				continue
			}
			if err := s.store.CompleteJob(ctx, job.ID, domain.JobFailure, nil, reasonOrphaned); err != nil {
				return err
			}
			reconciled++
		}
		s.finalizeRunIfComplete(ctx, run.ID)
	}
	if reconciled > 0 {
		s.logger.Warn("reconciled orphaned jobs at startup", "count", reconciled)
	}
	return nil
}
