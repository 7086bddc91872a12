package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/executor"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/observer"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/vmpool"
)

// Reason markers recorded on failed job rows.
const (
	reasonProvisionFailed = "sandbox provisioning failed"
	reasonConfigMissing   = "pipeline configuration unavailable"
	reasonOrphaned        = "orphaned by orchestrator restart"
)

// executeJob drives one claimed job to a terminal status.
func (s *Scheduler) executeJob(ctx context.Context, job domain.Job) {
	run, err := s.store.GetPipelineRun(ctx, job.PipelineRunID)
	if err != nil {
		s.failJob(ctx, job, reasonConfigMissing, err)
		return
	}

	plan, err := s.planJob(ctx, run, job)
	if err != nil {
		s.failJob(ctx, job, reasonConfigMissing, err)
		return
	}

	needs, err := s.collectNeeds(ctx, run.ID, plan.job)
	if err != nil {
		s.failJob(ctx, job, reasonConfigMissing, err)
		return
	}

	lease, err := s.provider.Provision(ctx, &job)
	if err != nil {
		if errors.Is(err, vmpool.ErrPoolExhausted) {
			// Back off: hand the job back and let the next tick retry.
			if cerr := s.store.UpdateJobStatus(ctx, job.ID, domain.JobRunning, domain.JobPending); cerr != nil {
				s.logger.Error("failed to requeue job after pool exhaustion", "job_id", job.ID, "error", cerr)
			}
			return
		}
		s.failJob(ctx, job, reasonProvisionFailed, err)
		return
	}

	s.publishStatus(ctx, job.ID, domain.JobRunning)
	if run.Status == domain.RunPending {
		if err := s.store.UpdatePipelineRunStatus(ctx, run.ID, domain.RunRunning); err != nil {
			s.logger.Error("failed to mark run running", "run_id", run.ID, "error", err)
		}
	}

	sink := s.logSink(job.ID)
	result := s.exec.Execute(ctx, lease.Runner, executor.Request{
		Job:         *plan.job,
		PipelineEnv: plan.pipelineEnv,
		Workdir:     lease.Workdir,
		Secrets:     s.cfg.Secrets,
		Needs:       needs,
		Trigger:     plan.trigger,
		Sink:        sink,
	})

	status := result.Status
	reason := ""
	if status == domain.JobFailure {
		reason = failedStepReason(result)
	}
	if err := s.store.CompleteJob(context.Background(), job.ID, status, result.Outputs, reason); err != nil {
		s.logger.Error("failed to persist job result", "job_id", job.ID, "error", err)
	}
	s.metrics.IncCounter(metrics.MetricJobsTotal, map[string]string{"status": string(status)})
	s.publishStatus(context.Background(), job.ID, status)

	lease.Release(context.Background(), status == domain.JobFailure)
	s.finalizeRunIfComplete(context.Background(), job.PipelineRunID)
	s.logger.Info("job finished", "job_id", job.ID, "status", status)
}

// jobPlan is the re-resolved definition of one claimed job.
type jobPlan struct {
	job         *pipeline.ExpandedJob
	pipelineEnv map[string]string
	trigger     pipeline.TriggerContext
}

// planJob loads and resolves the run's configuration and locates this
// job's expanded definition.
func (s *Scheduler) planJob(ctx context.Context, run *domain.PipelineRun, job domain.Job) (jobPlan, error) {
	project, err := s.store.GetProject(ctx, run.ProjectID)
	if err != nil {
		return jobPlan{}, err
	}
	cfg, err := s.configs.Load(ctx, project)
	if err != nil {
		return jobPlan{}, err
	}
	trigger := triggerContextOf(run)
	pipelines, err := pipeline.Resolve(cfg.Pipelines, trigger)
	if err != nil {
		return jobPlan{}, err
	}
	selected, err := pipeline.SelectPipeline(pipelines, run.PipelineName)
	if err != nil {
		return jobPlan{}, err
	}
	expanded, err := pipeline.Plan(selected)
	if err != nil {
		return jobPlan{}, err
	}
	for i := range expanded {
		if expanded[i].InstanceID == job.Name {
			return jobPlan{job: &expanded[i], pipelineEnv: selected.Env, trigger: trigger}, nil
		}
	}
	return jobPlan{}, errors.New("job definition not found in resolved pipeline")
}

// collectNeeds gathers the status and outputs of the job's completed
// dependencies, keyed by logical job name. A matrix-expanded
// dependency counts as succeeded only when every instance succeeded;
// instance outputs merge with later instances winning.
func (s *Scheduler) collectNeeds(ctx context.Context, runID string, expanded *pipeline.ExpandedJob) (map[string]executor.DependencyResult, error) {
	if len(expanded.JobDef.DependsOn) == 0 {
		return nil, nil
	}
	rows, err := s.store.GetJobsForPipelineRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	needs := make(map[string]executor.DependencyResult)
	for _, depName := range expanded.JobDef.DependsOn {
		status := string(domain.JobSuccess)
		outputs := make(map[string]string)
		found := false
		for _, row := range rows {
			if row.Name != depName && !isInstanceOf(row.Name, depName) {
				continue
			}
			found = true
			if row.Status != domain.JobSuccess {
				status = string(row.Status)
			}
			for k, v := range row.Outputs {
				outputs[k] = v
			}
		}
		if !found {
			status = string(domain.JobSkipped)
		}
		needs[depName] = executor.DependencyResult{Status: status, Outputs: outputs}
	}
	return needs, nil
}

// isInstanceOf reports whether instanceID expands jobName.
func isInstanceOf(instanceID, jobName string) bool {
	suffix, ok := strings.CutPrefix(instanceID, jobName+"-")
	return ok && strings.Contains(suffix, "=")
}

// failJob records a terminal failure with a reason marker.
func (s *Scheduler) failJob(ctx context.Context, job domain.Job, reason string, cause error) {
	s.logger.Error("job failed before execution", "job_id", job.ID, "reason", reason, "error", cause)
	if err := s.store.CompleteJob(ctx, job.ID, domain.JobFailure, nil, reason); err != nil {
		s.logger.Error("failed to persist job failure", "job_id", job.ID, "error", err)
	}
	s.metrics.IncCounter(metrics.MetricJobsTotal, map[string]string{"status": string(domain.JobFailure)})
	s.publishStatus(ctx, job.ID, domain.JobFailure)
	s.finalizeRunIfComplete(ctx, job.PipelineRunID)
}

// logSink persists captured lines and fans them out to observers.
func (s *Scheduler) logSink(jobID string) executor.LogSink {
	return executor.LogSinkFunc(func(stream, line string) {
		record := domain.LogRecord{
			JobID:     jobID,
			Stream:    stream,
			Timestamp: time.Now().UTC(),
			Content:   line,
		}
		if err := s.store.AppendLog(context.Background(), &record); err != nil {
			s.logger.Error("failed to append log", "job_id", jobID, "error", err)
			return
		}
		s.bus.Publish(observer.Event{
			JobID:  jobID,
			Status: domain.JobRunning,
			Logs:   []domain.LogRecord{record},
		})
	})
}

func (s *Scheduler) publishStatus(_ context.Context, jobID string, status domain.JobStatus) {
	s.bus.Publish(observer.Event{JobID: jobID, Status: status})
}

// finalizeRunIfComplete folds job states into the run status once all
// jobs are terminal.
func (s *Scheduler) finalizeRunIfComplete(ctx context.Context, runID string) {
	run, err := s.store.GetPipelineRun(ctx, runID)
	if err != nil || run.Status.Terminal() {
		return
	}
	jobs, err := s.store.GetJobsForPipelineRun(ctx, runID)
	if err != nil {
		return
	}

	anyFailure := false
	anyCancelled := false
	anyRunning := false
	allTerminal := true
	for _, j := range jobs {
		switch j.Status {
		case domain.JobFailure:
			anyFailure = true
		case domain.JobCancelled:
			anyCancelled = true
		case domain.JobRunning:
			anyRunning = true
		}
		if !j.Status.Terminal() {
			allTerminal = false
		}
	}

	if !allTerminal {
		if anyRunning && run.Status == domain.RunPending {
			if err := s.store.UpdatePipelineRunStatus(ctx, runID, domain.RunRunning); err != nil {
				s.logger.Error("failed to mark run running", "run_id", runID, "error", err)
			}
		}
		return
	}

	status := domain.RunSuccess
	if anyFailure {
		status = domain.RunFailure
	} else if anyCancelled {
		status = domain.RunCancelled
	}
	if err := s.store.UpdatePipelineRunStatus(ctx, runID, status); err != nil {
		s.logger.Error("failed to finalize run", "run_id", runID, "error", err)
		return
	}
	s.logger.Info("run finished", "run_id", runID, "status", status)
}

func failedStepReason(result executor.Result) string {
	for _, step := range result.Steps {
		if step.Status == executor.OutcomeFailure {
			return "step failed: " + step.Name
		}
	}
	return "step failed"
}

func triggerContextOf(run *domain.PipelineRun) pipeline.TriggerContext {
	return pipeline.TriggerContext{
		Event:     run.TriggerType,
		Branch:    run.Branch,
		CommitSHA: run.CommitSHA,
		Repo:      run.ProjectID,
	}
}
