package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidConfig marks configuration that cannot be planned. Callers
// must not persist a partial run when enqueue fails with it.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// Resolve evaluates the pipelines of a configuration for a trigger. A
// static list is returned unchanged; a dynamic computation is invoked
// once with the context.
func Resolve(p Pipelines, ctx TriggerContext) ([]Pipeline, error) {
	if p.dynamic != nil {
		list := p.dynamic(ctx)
		if list == nil {
			return nil, fmt.Errorf("%w: dynamic pipelines returned nil", ErrInvalidConfig)
		}
		return list, nil
	}
	return p.static, nil
}

// Validate checks one pipeline definition for planning errors.
func Validate(p Pipeline) error {
	if p.Name == "" {
		return fmt.Errorf("%w: pipeline name is empty", ErrInvalidConfig)
	}
	if len(p.Triggers) == 0 {
		return fmt.Errorf("%w: pipeline %q has no triggers", ErrInvalidConfig, p.Name)
	}
	if len(p.Jobs) == 0 {
		return fmt.Errorf("%w: pipeline %q has no jobs", ErrInvalidConfig, p.Name)
	}

	names := make(map[string]struct{}, len(p.Jobs))
	for _, job := range p.Jobs {
		if _, dup := names[job.Name]; dup {
			return fmt.Errorf("%w: pipeline %q has duplicate job %q", ErrInvalidConfig, p.Name, job.Name)
		}
		names[job.Name] = struct{}{}
	}

	for _, job := range p.Jobs {
		for _, dep := range job.DependsOn {
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("%w: job %q depends on unknown job %q", ErrInvalidConfig, job.Name, dep)
			}
		}
		if job.Runner.Image == "" {
			return fmt.Errorf("%w: job %q has no runner image", ErrInvalidConfig, job.Name)
		}
		if len(job.Steps) == 0 {
			return fmt.Errorf("%w: job %q has no steps", ErrInvalidConfig, job.Name)
		}
	}
	return nil
}

// Plan validates a pipeline and expands every job through its matrix.
// The result preserves job declaration order; matrix instances keep
// base product order with inclusions appended.
func Plan(p Pipeline) ([]ExpandedJob, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	expanded := make([]ExpandedJob, 0, len(p.Jobs))
	for _, job := range p.Jobs {
		expanded = append(expanded, ExpandMatrix(job)...)
	}
	return expanded, nil
}

// MatchesTrigger reports whether any of the pipeline's triggers fires
// for the context. An empty branch list matches every branch.
func MatchesTrigger(p Pipeline, ctx TriggerContext) bool {
	for _, t := range p.Triggers {
		if t.Type != ctx.Event {
			continue
		}
		if len(t.Branches) == 0 {
			return true
		}
		for _, b := range t.Branches {
			if b == ctx.Branch {
				return true
			}
		}
	}
	return false
}

// SelectByTrigger returns the first pipeline whose triggers fire for
// the context.
func SelectByTrigger(list []Pipeline, ctx TriggerContext) (Pipeline, error) {
	for _, p := range list {
		if MatchesTrigger(p, ctx) {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("%w: no pipeline triggers on %s event", ErrInvalidConfig, ctx.Event)
}

// SelectPipeline locates a pipeline definition by name.
func SelectPipeline(list []Pipeline, name string) (Pipeline, error) {
	for _, p := range list {
		if p.Name == name {
			return p, nil
		}
	}
	return Pipeline{}, fmt.Errorf("%w: pipeline %q not found", ErrInvalidConfig, name)
}

// InstancesOf returns the instance ids of every expansion of a job
// name. Dependencies between jobs bind all instances of the target.
func InstancesOf(expanded []ExpandedJob, jobName string) []string {
	ids := make([]string, 0, 1)
	for _, e := range expanded {
		if e.JobDef.Name == jobName {
			ids = append(ids, e.InstanceID)
		}
	}
	return ids
}
