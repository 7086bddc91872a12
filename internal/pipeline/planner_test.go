package pipeline

import (
	"errors"
	"testing"
)

func validPipeline() Pipeline {
	return Pipeline{
		Name:     "build",
		Triggers: []Trigger{{Type: "push"}},
		Jobs: []JobDef{
			{Name: "compile", Runner: RunnerSpec{Image: "ubuntu-22.04"}, Steps: []Step{{Run: "make"}}},
			{Name: "test", Runner: RunnerSpec{Image: "ubuntu-22.04"}, DependsOn: []string{"compile"}, Steps: []Step{{Run: "make test"}}},
		},
	}
}

func TestResolveStaticIsIdentity(t *testing.T) {
	list := []Pipeline{validPipeline()}
	resolved, err := Resolve(StaticPipelines(list), TriggerContext{Event: "push"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Name != "build" {
		t.Fatalf("static resolve changed the list: %+v", resolved)
	}
}

func TestResolveDynamicInvokesComputation(t *testing.T) {
	dynamic := DynamicPipelines(func(ctx TriggerContext) []Pipeline {
		p := validPipeline()
		p.Name = "for-" + ctx.Branch
		return []Pipeline{p}
	})
	resolved, err := Resolve(dynamic, TriggerContext{Event: "push", Branch: "main"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if len(resolved) != 1 || resolved[0].Name != "for-main" {
		t.Fatalf("dynamic resolve not applied: %+v", resolved)
	}
}

func TestResolveDynamicNilFails(t *testing.T) {
	dynamic := DynamicPipelines(func(TriggerContext) []Pipeline { return nil })
	if _, err := Resolve(dynamic, TriggerContext{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Pipeline)
	}{
		{"empty name", func(p *Pipeline) { p.Name = "" }},
		{"no triggers", func(p *Pipeline) { p.Triggers = nil }},
		{"no jobs", func(p *Pipeline) { p.Jobs = nil }},
		{"duplicate job names", func(p *Pipeline) { p.Jobs = append(p.Jobs, p.Jobs[0]) }},
		{"unknown dependency", func(p *Pipeline) { p.Jobs[1].DependsOn = []string{"ghost"} }},
		{"missing runner image", func(p *Pipeline) { p.Jobs[0].Runner.Image = "" }},
		{"no steps", func(p *Pipeline) { p.Jobs[0].Steps = nil }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validPipeline()
			tc.mutate(&p)
			if err := Validate(p); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	if err := Validate(validPipeline()); err != nil {
		t.Fatalf("Validate rejected a valid pipeline: %v", err)
	}
}

func TestSelectByTrigger(t *testing.T) {
	deploy := validPipeline()
	deploy.Name = "deploy"
	deploy.Triggers = []Trigger{{Type: "push", Branches: []string{"main"}}}

	list := []Pipeline{deploy}
	if _, err := SelectByTrigger(list, TriggerContext{Event: "push", Branch: "feature"}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected no match for feature branch, got %v", err)
	}
	got, err := SelectByTrigger(list, TriggerContext{Event: "push", Branch: "main"})
	if err != nil {
		t.Fatalf("SelectByTrigger returned error: %v", err)
	}
	if got.Name != "deploy" {
		t.Fatalf("selected %q, want deploy", got.Name)
	}
}

func TestPlaceholderHelpersMatchInterpolation(t *testing.T) {
	bindings := map[string]string{
		"secrets.API_KEY":            "abcd1234",
		"steps.build.outputs.sha":    "deadbeef",
		"matrix.os":                  "ubuntu",
		"needs.compile.outputs.path": "/out",
	}
	resolve := func(path string) (string, bool) {
		v, ok := bindings[path]
		return v, ok
	}
	cases := []struct {
		placeholder string
		want        string
	}{
		{Secret("API_KEY"), "abcd1234"},
		{Output("build", "sha"), "deadbeef"},
		{MatrixRef("os"), "ubuntu"},
		{Needs("compile", "path"), "/out"},
	}
	for _, tc := range cases {
		if got := Interpolate(tc.placeholder, resolve); got != tc.want {
			t.Fatalf("Interpolate(%q) = %q, want %q", tc.placeholder, got, tc.want)
		}
	}
}

func TestInterpolateLeavesUnresolvedPlaceholders(t *testing.T) {
	resolve := func(string) (string, bool) { return "", false }
	text := "echo ${{ steps.later.outputs.x }}"
	if got := Interpolate(text, resolve); got != text {
		t.Fatalf("unresolved placeholder modified: %q", got)
	}
}

func TestMaskSecretsIdempotent(t *testing.T) {
	secrets := []string{"supersecret", "abc"}
	text := "token=supersecret suffix=abc"
	once := MaskSecrets(text, secrets)
	twice := MaskSecrets(once, secrets)
	if once != twice {
		t.Fatalf("masking not idempotent: %q vs %q", once, twice)
	}
	if once != "token=*** suffix=abc" {
		t.Fatalf("unexpected masking result: %q", once)
	}
}

func TestMaskSecretsSkipsShortValues(t *testing.T) {
	if got := MaskSecrets("pin is 123", []string{"123"}); got != "pin is 123" {
		t.Fatalf("short secret masked: %q", got)
	}
}
