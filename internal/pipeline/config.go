package pipeline

// ProjectMeta identifies the project a configuration belongs to.
type ProjectMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Config is the parsed declarative configuration of one project.
type Config struct {
	Project   ProjectMeta
	Pipelines Pipelines
}

// TriggerContext carries the facts about an incoming event used to
// resolve dynamic pipelines and evaluate step conditions.
type TriggerContext struct {
	Event     string
	Branch    string
	CommitSHA string
	Repo      string
	Provider  string
}

// Pipelines is either a concrete list or a computation from context.
type Pipelines struct {
	static  []Pipeline
	dynamic func(TriggerContext) []Pipeline
}

// StaticPipelines wraps a concrete pipeline list.
func StaticPipelines(list []Pipeline) Pipelines {
	return Pipelines{static: list}
}

// DynamicPipelines wraps a computation evaluated once per trigger.
func DynamicPipelines(fn func(TriggerContext) []Pipeline) Pipelines {
	return Pipelines{dynamic: fn}
}

// IsDynamic reports whether resolution invokes a computation.
func (p Pipelines) IsDynamic() bool { return p.dynamic != nil }

// Trigger declares when a pipeline fires.
type Trigger struct {
	Type     string   `yaml:"type"`
	Branches []string `yaml:"branches"`
	Tags     []string `yaml:"tags"`
}

// Pipeline is a named collection of jobs with triggers and shared env.
type Pipeline struct {
	Name     string            `yaml:"name"`
	Triggers []Trigger         `yaml:"triggers"`
	Env      map[string]string `yaml:"env"`
	Jobs     []JobDef          `yaml:"jobs"`
}

// RunnerSpec names the execution environment for a job.
type RunnerSpec struct {
	Image string `yaml:"image"`
}

// JobDef declares one job before matrix expansion.
type JobDef struct {
	Name      string            `yaml:"name"`
	Runner    RunnerSpec        `yaml:"runner"`
	DependsOn []string          `yaml:"dependsOn"`
	Env       map[string]string `yaml:"env"`
	Steps     []Step            `yaml:"steps"`
	Matrix    *Matrix           `yaml:"matrix"`
}

// SetupSpec provisions a named runtime version onto PATH.
type SetupSpec struct {
	Runtime string `yaml:"runtime"`
	Version string `yaml:"version"`
}

// Step is one executable action inside a job.
type Step struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Run             string            `yaml:"run"`
	Shell           string            `yaml:"shell"`
	Setup           *SetupSpec        `yaml:"setup"`
	Env             map[string]string `yaml:"env"`
	Workdir         string            `yaml:"workdir"`
	If              string            `yaml:"if"`
	ContinueOnError bool              `yaml:"continueOnError"`
	TimeoutSeconds  int               `yaml:"timeout"`
}

// IsSetup reports whether the step provisions a runtime rather than
// running a command.
func (s Step) IsSetup() bool { return s.Setup != nil }
