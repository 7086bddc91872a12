package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"log/slog"

	"github.com/zephyrr-ci/zephyr/internal/dag"
	"github.com/zephyrr-ci/zephyr/internal/domain"
	"github.com/zephyrr-ci/zephyr/internal/executor"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/pipeline"
	"github.com/zephyrr-ci/zephyr/internal/runner"
	"github.com/zephyrr-ci/zephyr/pkg/logger"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = commandRun(args)
	case "validate":
		err = commandValidate(args)
	case "version", "--version", "-v":
		fmt.Printf("zephyr %s\n", buildVersion)
		return
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `usage: zephyr <command> [flags]

commands:
  run       execute a pipeline locally in dependency order
  validate  check a configuration file
  version   print the version`)
}

func commandValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "zephyr.yaml", "Path to the pipeline configuration")
	fs.Parse(args)

	cfg, err := pipeline.LoadFile(*configPath)
	if err != nil {
		return err
	}
	pipelines, err := pipeline.Resolve(cfg.Pipelines, pipeline.TriggerContext{Event: "manual"})
	if err != nil {
		return err
	}
	for _, p := range pipelines {
		if err := pipeline.Validate(p); err != nil {
			return err
		}
		fmt.Printf("pipeline %q ok (%d jobs)\n", p.Name, len(p.Jobs))
	}
	return nil
}

func commandRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "zephyr.yaml", "Path to the pipeline configuration")
	pipelineName := fs.String("pipeline", "", "Pipeline to run (default: first in the file)")
	jobName := fs.String("job", "", "Run a single job and skip the rest")
	fs.Parse(args)

	cfg, err := pipeline.LoadFile(*configPath)
	if err != nil {
		return err
	}

	trigger := pipeline.TriggerContext{Event: "manual"}
	pipelines, err := pipeline.Resolve(cfg.Pipelines, trigger)
	if err != nil {
		return err
	}
	var selected pipeline.Pipeline
	if *pipelineName != "" {
		selected, err = pipeline.SelectPipeline(pipelines, *pipelineName)
		if err != nil {
			return err
		}
	} else {
		if len(pipelines) == 0 {
			return fmt.Errorf("configuration defines no pipelines")
		}
		selected = pipelines[0]
	}

	expanded, err := pipeline.Plan(selected)
	if err != nil {
		return err
	}
	if *jobName != "" {
		expanded = filterJob(expanded, *jobName)
		if len(expanded) == 0 {
			return fmt.Errorf("job %q not found in pipeline %q", *jobName, selected.Name)
		}
	}

	graph, err := buildGraph(expanded)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logger.New("zephyr", slog.LevelWarn)
	exec := executor.New(log, metrics.Nop{})
	byInstance := make(map[string]*pipeline.ExpandedJob, len(expanded))
	for i := range expanded {
		byInstance[expanded[i].InstanceID] = &expanded[i]
	}

	workRoot, err := os.MkdirTemp("", "zephyr-run-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workRoot)

	results := make(map[string]executor.Result)
	failed := false
	for _, id := range graph.TopologicalOrder() {
		job := byInstance[id]
		if skip, cause := shouldSkip(job, results); skip {
			fmt.Printf("== %s: skipped (%s)\n", job.DisplayName, cause)
			continue
		}

		fmt.Printf("== %s\n", job.DisplayName)
		workdir := filepath.Join(workRoot, sanitize(id))
		if err := os.MkdirAll(workdir, 0o755); err != nil {
			return err
		}

		result := exec.Execute(ctx, runner.NewLocal(), executor.Request{
			Job:         *job,
			PipelineEnv: selected.Env,
			Workdir:     workdir,
			Needs:       collectNeeds(job, results),
			Trigger:     trigger,
			Sink: executor.LogSinkFunc(func(stream, line string) {
				if stream == domain.StreamStderr {
					fmt.Fprintln(os.Stderr, line)
					return
				}
				fmt.Println(line)
			}),
		})
		results[id] = result
		for _, step := range result.Steps {
			fmt.Printf("   %-8s %s (%.2fs)\n", step.Status, step.Name, step.Duration.Seconds())
		}
		if result.Status != domain.JobSuccess {
			failed = true
		}
	}

	if failed {
		return fmt.Errorf("pipeline %q failed", selected.Name)
	}
	fmt.Printf("pipeline %q succeeded\n", selected.Name)
	return nil
}

func buildGraph(expanded []pipeline.ExpandedJob) (*dag.Graph, error) {
	nodes := make([]dag.Node, 0, len(expanded))
	for _, e := range expanded {
		deps := make([]string, 0, len(e.JobDef.DependsOn))
		for _, depName := range e.JobDef.DependsOn {
			deps = append(deps, pipeline.InstancesOf(expanded, depName)...)
		}
		nodes = append(nodes, dag.Node{ID: e.InstanceID, Name: e.JobDef.Name, DependsOn: deps})
	}
	return dag.Build(nodes)
}

// filterJob keeps the requested job's instances only; its dependencies
// are assumed satisfied.
func filterJob(expanded []pipeline.ExpandedJob, jobName string) []pipeline.ExpandedJob {
	kept := make([]pipeline.ExpandedJob, 0, 1)
	for _, e := range expanded {
		if e.JobDef.Name == jobName {
			e.JobDef.DependsOn = nil
			kept = append(kept, e)
		}
	}
	return kept
}

func shouldSkip(job *pipeline.ExpandedJob, results map[string]executor.Result) (bool, string) {
	for _, id := range dependencyInstances(job, results) {
		result, ok := results[id]
		if !ok {
			return true, "dependency " + id + " did not run"
		}
		if result.Status != domain.JobSuccess {
			return true, "dependency " + id + " " + string(result.Status)
		}
	}
	return false, ""
}

func dependencyInstances(job *pipeline.ExpandedJob, results map[string]executor.Result) []string {
	ids := make([]string, 0, len(job.JobDef.DependsOn))
	for _, depName := range job.JobDef.DependsOn {
		for id := range results {
			if id == depName || strings.HasPrefix(id, depName+"-") {
				ids = append(ids, id)
			}
		}
		if !containsPrefix(results, depName) {
			ids = append(ids, depName)
		}
	}
	return ids
}

func containsPrefix(results map[string]executor.Result, depName string) bool {
	for id := range results {
		if id == depName || strings.HasPrefix(id, depName+"-") {
			return true
		}
	}
	return false
}

func collectNeeds(job *pipeline.ExpandedJob, results map[string]executor.Result) map[string]executor.DependencyResult {
	needs := make(map[string]executor.DependencyResult)
	for _, depName := range job.JobDef.DependsOn {
		dep := executor.DependencyResult{Status: string(domain.JobSuccess), Outputs: make(map[string]string)}
		for id, result := range results {
			if id != depName && !strings.HasPrefix(id, depName+"-") {
				continue
			}
			if result.Status != domain.JobSuccess {
				dep.Status = string(result.Status)
			}
			for k, v := range result.Outputs {
				dep.Outputs[k] = v
			}
		}
		needs[depName] = dep
	}
	return needs
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return '-'
	}, id)
}
