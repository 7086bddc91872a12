package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/runner"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *recordingSink) Log(stream, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, stream+": "+line)
}

func (s *recordingSink) joined() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.Join(s.lines, "\n")
}

func newTestExecutor() *Executor {
	return New(slog.Default(), metrics.Nop{})
}

func execute(t *testing.T, req Request) Result {
	t.Helper()
	if req.Workdir == "" {
		req.Workdir = t.TempDir()
	}
	if req.Sink == nil {
		req.Sink = &recordingSink{}
	}
	return newTestExecutor().Execute(context.Background(), runner.NewLocal(), req)
}

func jobWithSteps(steps ...pipeline.Step) pipeline.ExpandedJob {
	return pipeline.ExpandedJob{
		JobDef: pipeline.JobDef{
			Name:   "job",
			Runner: pipeline.RunnerSpec{Image: "local"},
			Steps:  steps,
		},
		InstanceID:  "job",
		DisplayName: "job",
	}
}

func TestExecuteSuccessfulSteps(t *testing.T) {
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "one", Run: "echo hello"},
			pipeline.Step{ID: "two", Run: "echo world"},
		),
	})
	if result.Status != domain.JobSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if len(result.Steps) != 2 {
		t.Fatalf("steps = %d", len(result.Steps))
	}
	for _, step := range result.Steps {
		if step.Outcome != OutcomeSuccess || step.ExitCode != 0 {
			t.Fatalf("step %s: outcome=%s exit=%d", step.ID, step.Outcome, step.ExitCode)
		}
	}
}

func TestExecuteStepOutputFlowsToEnv(t *testing.T) {
	sink := &recordingSink{}
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "build", Run: `echo "::set-output name=version::1.2.3"`},
			pipeline.Step{
				ID:  "use",
				Run: `echo "got $VER"`,
				Env: map[string]string{"VER": "${{ steps.build.outputs.version }}"},
			},
		),
		Sink: sink,
	})
	if result.Status != domain.JobSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Outputs["version"] != "1.2.3" {
		t.Fatalf("job outputs = %v", result.Outputs)
	}
	if !strings.Contains(sink.joined(), "got 1.2.3") {
		t.Fatalf("dependent step did not see output:\n%s", sink.joined())
	}
}

func TestExecuteTimeout(t *testing.T) {
	started := time.Now()
	result := execute(t, Request{
		Job: jobWithSteps(pipeline.Step{ID: "slow", Run: "sleep 5", TimeoutSeconds: 1}),
	})
	if elapsed := time.Since(started); elapsed > 4*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if result.Status != domain.JobFailure {
		t.Fatalf("status = %s", result.Status)
	}
	step := result.Steps[0]
	if step.Outcome != OutcomeFailure {
		t.Fatalf("outcome = %s", step.Outcome)
	}
	if step.ExitCode != 124 {
		t.Fatalf("exit code = %d, want 124", step.ExitCode)
	}
	if !strings.Contains(step.Output, "[TIMEOUT] Step exceeded timeout limit") {
		t.Fatalf("timeout marker missing from output:\n%s", step.Output)
	}
}

func TestExecuteFailureGateSkipsRemaining(t *testing.T) {
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "bad", Run: "exit 3"},
			pipeline.Step{ID: "after", Run: "echo never"},
		),
	})
	if result.Status != domain.JobFailure {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Steps[0].ExitCode != 3 {
		t.Fatalf("exit code = %d", result.Steps[0].ExitCode)
	}
	if result.Steps[1].Status != OutcomeSkipped {
		t.Fatalf("second step status = %s, want skipped", result.Steps[1].Status)
	}
}

func TestExecuteContinueOnError(t *testing.T) {
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "flaky", Run: "exit 1", ContinueOnError: true},
			pipeline.Step{ID: "after", Run: "echo still running"},
		),
	})
	if result.Status != domain.JobSuccess {
		t.Fatalf("status = %s, want success", result.Status)
	}
	flaky := result.Steps[0]
	if flaky.Outcome != OutcomeFailure || flaky.Status != OutcomeSuccess {
		t.Fatalf("flaky step: outcome=%s status=%s", flaky.Outcome, flaky.Status)
	}
	if result.Steps[1].Outcome != OutcomeSuccess {
		t.Fatalf("subsequent step did not run: %s", result.Steps[1].Outcome)
	}
}

func TestExecuteConditionGate(t *testing.T) {
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "main-only", Run: "echo deploy", If: "branch == 'main'"},
			pipeline.Step{ID: "always", Run: "echo always"},
		),
		Trigger: pipeline.TriggerContext{Branch: "feature", Event: "push"},
	})
	if result.Status != domain.JobSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if result.Steps[0].Status != OutcomeSkipped {
		t.Fatalf("condition step status = %s, want skipped", result.Steps[0].Status)
	}
	if result.Steps[0].Duration != 0 {
		t.Fatalf("skipped step has duration %s", result.Steps[0].Duration)
	}
	if result.Steps[1].Outcome != OutcomeSuccess {
		t.Fatalf("unconditional step = %s", result.Steps[1].Outcome)
	}
}

func TestExecuteConditionSeesPriorOutcomes(t *testing.T) {
	result := execute(t, Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "bad", Run: "exit 1", ContinueOnError: true},
			pipeline.Step{ID: "cleanup", Run: "echo cleaning", If: "steps.bad.outcome == 'failure'"},
		),
	})
	if result.Steps[1].Outcome != OutcomeSuccess {
		t.Fatalf("cleanup should have run: %+v", result.Steps[1])
	}
}

func TestExecuteInjectsAmbientEnv(t *testing.T) {
	sink := &recordingSink{}
	result := execute(t, Request{
		Job:  jobWithSteps(pipeline.Step{ID: "env", Run: `echo "ci=$CI zephyr=$ZEPHYR"`}),
		Sink: sink,
	})
	if result.Status != domain.JobSuccess {
		t.Fatalf("status = %s", result.Status)
	}
	if !strings.Contains(sink.joined(), "ci=true zephyr=true") {
		t.Fatalf("ambient env missing:\n%s", sink.joined())
	}
}

func TestExecuteStepEnvOverridesJobEnv(t *testing.T) {
	sink := &recordingSink{}
	job := jobWithSteps(pipeline.Step{
		ID:  "print",
		Run: `echo "value=$KEY"`,
		Env: map[string]string{"KEY": "step"},
	})
	job.JobDef.Env = map[string]string{"KEY": "job"}
	execute(t, Request{Job: job, Sink: sink})
	if !strings.Contains(sink.joined(), "value=step") {
		t.Fatalf("step env did not override job env:\n%s", sink.joined())
	}
}

func TestExecuteMasksSecrets(t *testing.T) {
	sink := &recordingSink{}
	result := execute(t, Request{
		Job: jobWithSteps(pipeline.Step{
			ID:  "leak",
			Run: `echo "token=$TOKEN"`,
			Env: map[string]string{"TOKEN": "${{ secrets.API_TOKEN }}"},
		}),
		Secrets: map[string]string{"API_TOKEN": "hunter2secret"},
		Sink:    sink,
	})
	if strings.Contains(sink.joined(), "hunter2secret") {
		t.Fatalf("secret leaked to sink:\n%s", sink.joined())
	}
	if !strings.Contains(sink.joined(), "token=***") {
		t.Fatalf("masked value missing:\n%s", sink.joined())
	}
	if strings.Contains(result.Steps[0].Output, "hunter2secret") {
		t.Fatal("secret leaked to captured output")
	}
}

func TestExecuteCancellationSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	result := newTestExecutor().Execute(ctx, runner.NewLocal(), Request{
		Job: jobWithSteps(
			pipeline.Step{ID: "long", Run: "sleep 30"},
			pipeline.Step{ID: "never", Run: "echo nope"},
		),
		Workdir: t.TempDir(),
		Sink:    &recordingSink{},
	})
	if result.Status != domain.JobCancelled {
		t.Fatalf("status = %s, want cancelled", result.Status)
	}
	if result.Steps[1].Status != OutcomeSkipped {
		t.Fatalf("remaining step = %s, want skipped", result.Steps[1].Status)
	}
}

func TestExecuteWorkdirResolution(t *testing.T) {
	sink := &recordingSink{}
	base := t.TempDir()
	job := jobWithSteps(pipeline.Step{ID: "where", Run: "mkdir -p sub && cd sub && pwd >/dev/null; pwd", Workdir: "nested"})
	result := newTestExecutor().Execute(context.Background(), runner.NewLocal(), Request{
		Job:     job,
		Workdir: base,
		Sink:    sink,
	})
	// The relative workdir does not exist, so the spawn fails and the
	// step records a failure.
	if result.Status != domain.JobFailure {
		t.Fatalf("status = %s, want failure for missing workdir", result.Status)
	}
}

func TestParseOutputs(t *testing.T) {
	output := "line\n::set-output name=sha::abc123\nnoise\n::set-output name=sha::def456\n::set-output name=tag::v1\n"
	outputs := parseOutputs(output)
	if outputs["sha"] != "def456" {
		t.Fatalf("later assignment should win: %v", outputs)
	}
	if outputs["tag"] != "v1" {
		t.Fatalf("outputs = %v", outputs)
	}
}
