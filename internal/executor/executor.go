package executor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/expr"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/runner"
)

// Step outcome and status values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

const timeoutExitCode = 124

const timeoutMarker = "[TIMEOUT] Step exceeded timeout limit"

// LogSink receives captured output lines, one call per line.
type LogSink interface {
	Log(stream, line string)
}

// LogSinkFunc adapts a function to LogSink.
type LogSinkFunc func(stream, line string)

// Log forwards to the function.
func (f LogSinkFunc) Log(stream, line string) { f(stream, line) }

// DependencyResult carries a completed dependency's status and outputs.
type DependencyResult struct {
	Status  string
	Outputs map[string]string
}

// Request bundles everything needed to execute one job.
type Request struct {
	Job         pipeline.ExpandedJob
	PipelineEnv map[string]string
	BaseEnv     map[string]string
	Workdir     string
	Secrets     map[string]string
	Needs       map[string]DependencyResult
	Trigger     pipeline.TriggerContext
	Sink        LogSink
}

// StepResult is the outcome of one step. Status differs from Outcome
// only for continueOnError steps that failed.
type StepResult struct {
	ID        string
	Name      string
	Status    string
	Outcome   string
	ExitCode  int
	Output    string
	Outputs   map[string]string
	StartedAt time.Time
	Duration  time.Duration
}

// Result is the terminal outcome of one job execution.
type Result struct {
	Status  domain.JobStatus
	Steps   []StepResult
	Outputs map[string]string
}

// Executor drives one job's ordered steps to a terminal result.
type Executor struct {
	logger  *slog.Logger
	metrics metrics.Sink
}

// New constructs an Executor.
func New(logger *slog.Logger, sink metrics.Sink) *Executor {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Executor{logger: logger, metrics: sink}
}

// Execute runs the job's steps in order on the given runner. The
// context carries cancellation from the scheduler; per-step timeouts
// are layered on top of it.
func (e *Executor) Execute(ctx context.Context, r runner.Runner, req Request) Result {
	result := Result{
		Status:  domain.JobSuccess,
		Steps:   make([]StepResult, 0, len(req.Job.Steps)),
		Outputs: make(map[string]string),
	}

	stepOutcomes := make(map[string]string)
	stepOutputs := make(map[string]map[string]string)
	secretValues := secretList(req.Secrets)
	var extraPaths []string
	failed := false

	for _, step := range req.Job.Steps {
		if ctx.Err() != nil {
			result.Steps = append(result.Steps, skippedStep(step))
			continue
		}

		// Failure gate: once the job is failing, only continueOnError
		// steps still run.
		if failed && !step.ContinueOnError {
			sr := skippedStep(step)
			result.Steps = append(result.Steps, sr)
			recordOutcome(stepOutcomes, step, sr.Outcome)
			continue
		}

		// Condition gate.
		condEnv := expr.Env{
			Branch: req.Trigger.Branch,
			Event:  req.Trigger.Event,
			Needs:  needsStatuses(req.Needs),
			Steps:  stepOutcomes,
		}
		if step.If != "" {
			ok, err := expr.Eval(step.If, condEnv)
			if err != nil {
				e.logger.Warn("condition evaluation failed, skipping step",
					"job", req.Job.InstanceID, "step", stepLabel(step), "error", err)
				ok = false
			}
			if !ok {
				sr := skippedStep(step)
				result.Steps = append(result.Steps, sr)
				recordOutcome(stepOutcomes, step, sr.Outcome)
				continue
			}
		}

		sr := e.runStep(ctx, r, req, step, stepOutputs, extraPaths, secretValues)
		if step.IsSetup() && sr.Outcome == OutcomeSuccess {
			extraPaths = append(extraPaths, toolchainBin(step.Setup))
		}
		recordOutcome(stepOutcomes, step, sr.Outcome)
		if step.ID != "" && len(sr.Outputs) > 0 {
			stepOutputs[step.ID] = sr.Outputs
		}
		for k, v := range sr.Outputs {
			result.Outputs[k] = v
		}
		if sr.Status == OutcomeFailure {
			failed = true
		}
		result.Steps = append(result.Steps, sr)

		e.metrics.Observe(metrics.MetricStepSeconds, sr.Duration.Seconds(), map[string]string{"status": sr.Status})
		e.metrics.IncCounter(metrics.MetricStepsTotal, map[string]string{"outcome": sr.Outcome})
	}

	switch {
	case ctx.Err() != nil:
		result.Status = domain.JobCancelled
	case failed:
		result.Status = domain.JobFailure
	}
	return result
}

// runStep composes the environment, dispatches the process and maps
// its exit into an outcome.
func (e *Executor) runStep(ctx context.Context, r runner.Runner, req Request, step pipeline.Step,
	stepOutputs map[string]map[string]string, extraPaths []string, secretValues []string) StepResult {

	resolve := e.dispatchResolver(req, stepOutputs)

	env := composeEnv(req, step, resolve, extraPaths)
	command := step.Run
	if step.IsSetup() {
		command = setupCommand(step.Setup)
	} else {
		command = pipeline.Interpolate(command, resolve)
	}

	workdir := req.Workdir
	if step.Workdir != "" {
		resolved := pipeline.Interpolate(step.Workdir, resolve)
		if filepath.IsAbs(resolved) {
			workdir = resolved
		} else {
			workdir = filepath.Join(req.Workdir, resolved)
		}
	}

	capture := newCapture(req.Sink, secretValues)

	runCtx := ctx
	var cancel context.CancelFunc
	if step.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	started := time.Now()
	exitCode, err := r.Run(runCtx, runner.Spec{
		Command: command,
		Shell:   step.Shell,
		Env:     env,
		Workdir: workdir,
		Stdout:  capture.writer(domain.StreamStdout),
		Stderr:  capture.writer(domain.StreamStderr),
	})
	duration := time.Since(started)
	capture.flush()

	timedOut := step.TimeoutSeconds > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
	if timedOut {
		exitCode = timeoutExitCode
		capture.appendLine(domain.StreamStderr, timeoutMarker)
	}
	if err != nil && !timedOut && ctx.Err() == nil {
		e.logger.Error("step process failed to run",
			"job", req.Job.InstanceID, "step", stepLabel(step), "error", err)
		capture.appendLine(domain.StreamStderr, err.Error())
		if exitCode == 0 {
			exitCode = -1
		}
	}

	output := capture.String()
	outputs := parseOutputs(output)

	sr := StepResult{
		ID:        step.ID,
		Name:      stepLabel(step),
		ExitCode:  exitCode,
		Output:    output,
		Outputs:   outputs,
		StartedAt: started,
		Duration:  duration,
	}
	if exitCode == 0 {
		sr.Outcome = OutcomeSuccess
	} else {
		sr.Outcome = OutcomeFailure
	}
	sr.Status = sr.Outcome
	if sr.Outcome == OutcomeFailure && step.ContinueOnError {
		sr.Status = OutcomeSuccess
	}
	return sr
}

// dispatchResolver binds secrets, step outputs and dependency outputs.
// Paths in those namespaces that miss resolve to empty string.
func (e *Executor) dispatchResolver(req Request, stepOutputs map[string]map[string]string) pipeline.Resolver {
	return func(path string) (string, bool) {
		switch {
		case strings.HasPrefix(path, "secrets."):
			return req.Secrets[strings.TrimPrefix(path, "secrets.")], true
		case strings.HasPrefix(path, "steps."):
			rest := strings.TrimPrefix(path, "steps.")
			id, field, ok := strings.Cut(rest, ".outputs.")
			if !ok {
				return "", true
			}
			return stepOutputs[id][field], true
		case strings.HasPrefix(path, "needs."):
			rest := strings.TrimPrefix(path, "needs.")
			job, field, ok := strings.Cut(rest, ".outputs.")
			if !ok {
				return "", true
			}
			return req.Needs[job].Outputs[field], true
		case strings.HasPrefix(path, "matrix."):
			return "", true
		}
		return "", false
	}
}

// composeEnv builds the effective step environment: pipeline env, then
// job env, then step env, then the fixed CI markers. Placeholders are
// resolved at composition time.
func composeEnv(req Request, step pipeline.Step, resolve pipeline.Resolver, extraPaths []string) map[string]string {
	env := make(map[string]string)
	for k, v := range req.BaseEnv {
		env[k] = v
	}
	for k, v := range req.PipelineEnv {
		env[k] = pipeline.Interpolate(v, resolve)
	}
	for k, v := range req.Job.Env {
		env[k] = pipeline.Interpolate(v, resolve)
	}
	for k, v := range step.Env {
		env[k] = pipeline.Interpolate(v, resolve)
	}
	env["CI"] = "true"
	env["ZEPHYR"] = "true"
	if len(extraPaths) > 0 {
		path := strings.Join(extraPaths, ":")
		if existing := env["PATH"]; existing != "" {
			path += ":" + existing
		}
		env["PATH"] = path
	}
	return env
}

// setupCommand provisions a runtime idempotently. A host-side
// provisioner is invoked when installed; the toolchain directory is
// created either way so PATH stays valid.
func setupCommand(setup *pipeline.SetupSpec) string {
	dir := toolchainBin(setup)
	return fmt.Sprintf(
		`install -d %q && if command -v zephyr-provision >/dev/null 2>&1; then zephyr-provision %q %q; fi`,
		dir, setup.Runtime, setup.Version)
}

func toolchainBin(setup *pipeline.SetupSpec) string {
	return filepath.Join("/opt/zephyr/toolcache", setup.Runtime, setup.Version, "bin")
}

func skippedStep(step pipeline.Step) StepResult {
	return StepResult{
		ID:      step.ID,
		Name:    stepLabel(step),
		Status:  OutcomeSkipped,
		Outcome: OutcomeSkipped,
	}
}

func stepLabel(step pipeline.Step) string {
	if step.Name != "" {
		return step.Name
	}
	if step.ID != "" {
		return step.ID
	}
	if step.IsSetup() {
		return "setup " + step.Setup.Runtime
	}
	if len(step.Run) > 40 {
		return step.Run[:40]
	}
	return step.Run
}

func recordOutcome(outcomes map[string]string, step pipeline.Step, outcome string) {
	if step.ID != "" {
		outcomes[step.ID] = outcome
	}
}

func needsStatuses(needs map[string]DependencyResult) map[string]string {
	out := make(map[string]string, len(needs))
	for name, dep := range needs {
		out[name] = dep.Status
	}
	return out
}

func secretList(secrets map[string]string) []string {
	out := make([]string, 0, len(secrets))
	for _, v := range secrets {
		out = append(out, v)
	}
	return out
}
