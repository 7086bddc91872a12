package pipeline

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Dimension is one matrix axis in declaration order.
type Dimension struct {
	Key    string
	Values []Scalar
}

// Pair is one key/value binding inside a combination.
type Pair struct {
	Key   string
	Value Scalar
}

// ComboSpec is an ordered include/exclude entry.
type ComboSpec struct {
	Pairs []Pair
}

// Matrix declares a parameter sweep that expands one job definition
// into multiple instances. MaxParallel is advisory metadata; global
// concurrency stays with the scheduler cap.
type Matrix struct {
	Dimensions  []Dimension
	Include     []ComboSpec
	Exclude     []ComboSpec
	MaxParallel int
}

// Combination is one concrete assignment of matrix values.
type Combination struct {
	Index  int
	Values []Pair
}

// Lookup returns the stringified value for a key.
func (c Combination) Lookup(key string) (string, bool) {
	for _, p := range c.Values {
		if p.Key == key {
			return p.Value.String(), true
		}
	}
	return "", false
}

// NameSuffix renders the comma-joined key=value list in declaration order.
func (c Combination) NameSuffix() string {
	parts := make([]string, 0, len(c.Values))
	for _, p := range c.Values {
		parts = append(parts, p.Key+"="+p.Value.String())
	}
	return strings.Join(parts, ", ")
}

// ExpandedJob is one concrete job instance produced by the planner.
type ExpandedJob struct {
	JobDef
	InstanceID  string
	DisplayName string
	Matrix      *Combination
}

// ExpandMatrix returns the concrete instances of a job definition. A
// job without a matrix yields one instance named after the job.
func ExpandMatrix(job JobDef) []ExpandedJob {
	if job.Matrix == nil || len(job.Matrix.Dimensions) == 0 {
		return []ExpandedJob{{
			JobDef:      job,
			InstanceID:  job.Name,
			DisplayName: job.Name,
		}}
	}

	combos := cartesian(job.Matrix.Dimensions)
	combos = applyExclusions(combos, job.Matrix.Exclude)
	combos = applyInclusions(combos, job.Matrix)

	expanded := make([]ExpandedJob, 0, len(combos))
	for i := range combos {
		combos[i].Index = i
		combo := combos[i]
		suffix := combo.NameSuffix()
		instance := interpolateJob(job, combo)
		instance.Matrix = nil
		expanded = append(expanded, ExpandedJob{
			JobDef:      instance,
			InstanceID:  job.Name + "-" + suffix,
			DisplayName: job.Name + " (" + suffix + ")",
			Matrix:      &combo,
		})
	}
	return expanded
}

// cartesian computes the full product, outer dimension first.
func cartesian(dims []Dimension) []Combination {
	combos := []Combination{{}}
	for _, dim := range dims {
		next := make([]Combination, 0, len(combos)*len(dim.Values))
		for _, base := range combos {
			for _, value := range dim.Values {
				pairs := make([]Pair, len(base.Values), len(base.Values)+1)
				copy(pairs, base.Values)
				pairs = append(pairs, Pair{Key: dim.Key, Value: value})
				next = append(next, Combination{Values: pairs})
			}
		}
		combos = next
	}
	return combos
}

// applyExclusions drops combinations matching all pairs of an exclusion.
func applyExclusions(combos []Combination, exclusions []ComboSpec) []Combination {
	if len(exclusions) == 0 {
		return combos
	}
	kept := combos[:0]
	for _, combo := range combos {
		excluded := false
		for _, ex := range exclusions {
			if comboMatches(combo, ex) {
				excluded = true
				break
			}
		}
		if !excluded {
			kept = append(kept, combo)
		}
	}
	return kept
}

// applyInclusions appends synthesised combinations for inclusions no
// existing combination already satisfies. Missing dimensions take the
// dimension's first listed value; inclusion keys override, and keys
// outside the declared dimensions are appended in inclusion order.
func applyInclusions(combos []Combination, m *Matrix) []Combination {
	for _, inc := range m.Include {
		matched := false
		for _, combo := range combos {
			if comboMatches(combo, inc) {
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		pairs := make([]Pair, 0, len(m.Dimensions)+len(inc.Pairs))
		for _, dim := range m.Dimensions {
			value := dim.Values[0]
			if v, ok := specLookup(inc, dim.Key); ok {
				value = v
			}
			pairs = append(pairs, Pair{Key: dim.Key, Value: value})
		}
		for _, p := range inc.Pairs {
			if !hasDimension(m.Dimensions, p.Key) {
				pairs = append(pairs, p)
			}
		}
		combos = append(combos, Combination{Values: pairs})
	}
	return combos
}

func comboMatches(combo Combination, spec ComboSpec) bool {
	for _, want := range spec.Pairs {
		got, ok := combo.Lookup(want.Key)
		if !ok || got != want.Value.String() {
			return false
		}
	}
	return len(spec.Pairs) > 0
}

func specLookup(spec ComboSpec, key string) (Scalar, bool) {
	for _, p := range spec.Pairs {
		if p.Key == key {
			return p.Value, true
		}
	}
	return Scalar{}, false
}

func hasDimension(dims []Dimension, key string) bool {
	for _, d := range dims {
		if d.Key == key {
			return true
		}
	}
	return false
}

// interpolateJob resolves matrix placeholders in job env values and
// step text, and injects MATRIX_* variables.
func interpolateJob(job JobDef, combo Combination) JobDef {
	resolve := func(path string) (string, bool) {
		key, ok := strings.CutPrefix(path, "matrix.")
		if !ok {
			return "", false
		}
		value, _ := combo.Lookup(key)
		// Missing matrix keys become empty string.
		return value, true
	}

	out := job
	out.Env = interpolateEnv(job.Env, resolve)
	for _, p := range combo.Values {
		if out.Env == nil {
			out.Env = make(map[string]string)
		}
		out.Env[matrixEnvName(p.Key)] = p.Value.String()
	}

	out.Steps = make([]Step, len(job.Steps))
	for i, step := range job.Steps {
		s := step
		s.Run = Interpolate(step.Run, resolve)
		s.Name = Interpolate(step.Name, resolve)
		s.If = Interpolate(step.If, resolve)
		s.Workdir = Interpolate(step.Workdir, resolve)
		s.Env = interpolateEnv(step.Env, resolve)
		out.Steps[i] = s
	}
	out.DependsOn = append([]string(nil), job.DependsOn...)
	return out
}

func interpolateEnv(env map[string]string, resolve Resolver) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = Interpolate(v, resolve)
	}
	return out
}

func matrixEnvName(key string) string {
	upper := strings.ToUpper(key)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "MATRIX_" + upper
}

// UnmarshalYAML decodes the matrix block preserving key declaration order.
func (m *Matrix) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("matrix must be a mapping")
	}
	for i := 0; i < len(node.Content)-1; i += 2 {
		key := node.Content[i].Value
		value := node.Content[i+1]
		switch key {
		case "values":
			dims, err := decodeDimensions(value)
			if err != nil {
				return err
			}
			m.Dimensions = dims
		case "include":
			specs, err := decodeComboSpecs(value)
			if err != nil {
				return err
			}
			m.Include = specs
		case "exclude":
			specs, err := decodeComboSpecs(value)
			if err != nil {
				return err
			}
			m.Exclude = specs
		case "maxParallel":
			if err := value.Decode(&m.MaxParallel); err != nil {
				return err
			}
		default:
			return fmt.Errorf("matrix: unknown key %q", key)
		}
	}
	return nil
}

func decodeDimensions(node *yaml.Node) ([]Dimension, error) {
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("matrix values must be a mapping")
	}
	dims := make([]Dimension, 0, len(node.Content)/2)
	for i := 0; i < len(node.Content)-1; i += 2 {
		dim := Dimension{Key: node.Content[i].Value}
		if err := node.Content[i+1].Decode(&dim.Values); err != nil {
			return nil, err
		}
		if len(dim.Values) == 0 {
			return nil, fmt.Errorf("matrix dimension %q has no values", dim.Key)
		}
		dims = append(dims, dim)
	}
	return dims, nil
}

func decodeComboSpecs(node *yaml.Node) ([]ComboSpec, error) {
	if node.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("matrix include/exclude must be a list")
	}
	specs := make([]ComboSpec, 0, len(node.Content))
	for _, entry := range node.Content {
		if entry.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("matrix include/exclude entries must be mappings")
		}
		var spec ComboSpec
		for i := 0; i < len(entry.Content)-1; i += 2 {
			var value Scalar
			if err := entry.Content[i+1].Decode(&value); err != nil {
				return nil, err
			}
			spec.Pairs = append(spec.Pairs, Pair{Key: entry.Content[i].Value, Value: value})
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
