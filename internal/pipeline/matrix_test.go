package pipeline

import (
	"testing"
)

func jobWithMatrix(m *Matrix) JobDef {
	return JobDef{
		Name:   "test",
		Runner: RunnerSpec{Image: "ubuntu-22.04"},
		Steps:  []Step{{Run: "echo hi"}},
		Matrix: m,
	}
}

func TestExpandMatrixWithoutMatrix(t *testing.T) {
	job := jobWithMatrix(nil)
	expanded := ExpandMatrix(job)
	if len(expanded) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(expanded))
	}
	if expanded[0].InstanceID != "test" || expanded[0].DisplayName != "test" {
		t.Fatalf("unexpected naming: %q / %q", expanded[0].InstanceID, expanded[0].DisplayName)
	}
	if expanded[0].Matrix != nil {
		t.Fatal("expected nil matrix combination")
	}
}

func TestExpandMatrixCartesianProduct(t *testing.T) {
	job := jobWithMatrix(&Matrix{
		Dimensions: []Dimension{
			{Key: "os", Values: []Scalar{String("ubuntu"), String("alpine")}},
			{Key: "node", Values: []Scalar{Int(18), Int(20)}},
		},
	})
	expanded := ExpandMatrix(job)
	if len(expanded) != 4 {
		t.Fatalf("expected 4 instances, got %d", len(expanded))
	}
	wantOrder := []string{
		"test (os=ubuntu, node=18)",
		"test (os=ubuntu, node=20)",
		"test (os=alpine, node=18)",
		"test (os=alpine, node=20)",
	}
	for i, want := range wantOrder {
		if expanded[i].DisplayName != want {
			t.Fatalf("instance %d: got %q, want %q", i, expanded[i].DisplayName, want)
		}
	}
}

func TestExpandMatrixWithExclusion(t *testing.T) {
	job := jobWithMatrix(&Matrix{
		Dimensions: []Dimension{
			{Key: "os", Values: []Scalar{String("ubuntu"), String("alpine")}},
			{Key: "node", Values: []Scalar{Int(18), Int(20)}},
		},
		Exclude: []ComboSpec{
			{Pairs: []Pair{{Key: "os", Value: String("alpine")}, {Key: "node", Value: Int(18)}}},
		},
	})
	expanded := ExpandMatrix(job)
	if len(expanded) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(expanded))
	}
	want := []string{
		"test (os=ubuntu, node=18)",
		"test (os=ubuntu, node=20)",
		"test (os=alpine, node=20)",
	}
	for i, name := range want {
		if expanded[i].DisplayName != name {
			t.Fatalf("instance %d: got %q, want %q", i, expanded[i].DisplayName, name)
		}
	}
}

func TestExpandMatrixIncludeSynthesisesCombination(t *testing.T) {
	job := jobWithMatrix(&Matrix{
		Dimensions: []Dimension{
			{Key: "os", Values: []Scalar{String("ubuntu"), String("alpine")}},
			{Key: "node", Values: []Scalar{Int(18)}},
		},
		Include: []ComboSpec{
			{Pairs: []Pair{{Key: "node", Value: Int(22)}}},
		},
	})
	expanded := ExpandMatrix(job)
	if len(expanded) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(expanded))
	}
	// The synthesised entry fills os with the first listed value.
	last := expanded[2]
	if last.DisplayName != "test (os=ubuntu, node=22)" {
		t.Fatalf("unexpected synthesised instance: %q", last.DisplayName)
	}
}

func TestExpandMatrixIncludeMatchingExistingIsNoop(t *testing.T) {
	job := jobWithMatrix(&Matrix{
		Dimensions: []Dimension{
			{Key: "os", Values: []Scalar{String("ubuntu"), String("alpine")}},
		},
		Include: []ComboSpec{
			{Pairs: []Pair{{Key: "os", Value: String("alpine")}}},
		},
	})
	expanded := ExpandMatrix(job)
	if len(expanded) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(expanded))
	}
}

func TestExpandMatrixCountLaw(t *testing.T) {
	// |expand| = product - applicable exclusions + new inclusions.
	job := jobWithMatrix(&Matrix{
		Dimensions: []Dimension{
			{Key: "a", Values: []Scalar{Int(1), Int(2), Int(3)}},
			{Key: "b", Values: []Scalar{String("x"), String("y")}},
		},
		Exclude: []ComboSpec{
			{Pairs: []Pair{{Key: "a", Value: Int(2)}}},
		},
		Include: []ComboSpec{
			{Pairs: []Pair{{Key: "a", Value: Int(9)}, {Key: "b", Value: String("z")}}},
		},
	})
	expanded := ExpandMatrix(job)
	// 3*2 product, minus two combinations with a=2, plus one inclusion.
	if len(expanded) != 5 {
		t.Fatalf("expected 5 instances, got %d", len(expanded))
	}
}

func TestMatrixInterpolationAndEnvInjection(t *testing.T) {
	job := JobDef{
		Name:   "build",
		Runner: RunnerSpec{Image: "ubuntu-22.04"},
		Env:    map[string]string{"TARGET": "${{ matrix.os }}", "MISSING": "${{ matrix.nope }}"},
		Steps: []Step{
			{Run: "make build-${{ matrix.os }}"},
		},
		Matrix: &Matrix{
			Dimensions: []Dimension{
				{Key: "os", Values: []Scalar{String("ubuntu")}},
				{Key: "use-docker", Values: []Scalar{Bool(true)}},
			},
		},
	}
	expanded := ExpandMatrix(job)
	if len(expanded) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(expanded))
	}
	inst := expanded[0]
	if inst.JobDef.Env["TARGET"] != "ubuntu" {
		t.Fatalf("matrix placeholder not resolved: %q", inst.JobDef.Env["TARGET"])
	}
	if inst.JobDef.Env["MISSING"] != "" {
		t.Fatalf("missing matrix key should resolve empty, got %q", inst.JobDef.Env["MISSING"])
	}
	if inst.JobDef.Steps[0].Run != "make build-ubuntu" {
		t.Fatalf("step text not interpolated: %q", inst.JobDef.Steps[0].Run)
	}
	if inst.JobDef.Env["MATRIX_OS"] != "ubuntu" {
		t.Fatalf("expected MATRIX_OS injection, got %v", inst.JobDef.Env)
	}
	if inst.JobDef.Env["MATRIX_USE_DOCKER"] != "true" {
		t.Fatalf("expected MATRIX_USE_DOCKER=true, got %v", inst.JobDef.Env)
	}
}

func TestScalarStringification(t *testing.T) {
	cases := []struct {
		in   Scalar
		want string
	}{
		{String("abc"), "abc"},
		{Int(18), "18"},
		{Number(1.5), "1.5"},
		{Number(2), "2"},
		{Bool(true), "true"},
	}
	for _, tc := range cases {
		if got := tc.in.String(); got != tc.want {
			t.Fatalf("Scalar.String() = %q, want %q", got, tc.want)
		}
	}
}
