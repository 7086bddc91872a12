package dag

import (
	"errors"
	"testing"

	"github.com/zephyrr-ci/zephyr/internal/domain"
)

func node(id string, deps ...string) Node {
	return Node{ID: id, Name: id, DependsOn: deps}
}

func mustBuild(t *testing.T, nodes ...Node) *Graph {
	t.Helper()
	g, err := Build(nodes)
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	return g
}

func TestBuildInitialStates(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"))
	if n, _ := g.Node("a"); n.Status != domain.JobReady {
		t.Fatalf("root status = %s, want ready", n.Status)
	}
	if n, _ := g.Node("b"); n.Status != domain.JobPending {
		t.Fatalf("dependent status = %s, want pending", n.Status)
	}
}

func TestBuildRejectsDuplicates(t *testing.T) {
	if _, err := Build([]Node{node("a"), node("a")}); !errors.Is(err, ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestBuildRejectsDanglingDependency(t *testing.T) {
	if _, err := Build([]Node{node("a", "ghost")}); !errors.Is(err, ErrMissingDependency) {
		t.Fatalf("expected ErrMissingDependency, got %v", err)
	}
}

func TestBuildRejectsCycle(t *testing.T) {
	if _, err := Build([]Node{node("a", "b"), node("b", "a")}); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestBuildRejectsSelfLoop(t *testing.T) {
	if _, err := Build([]Node{node("a", "a")}); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
}

func TestLinearChainCompletion(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "b"))

	if got := g.Ready(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("initial ready = %v", got)
	}
	if err := g.MarkRunning("a"); err != nil {
		t.Fatalf("MarkRunning(a): %v", err)
	}
	ready, err := g.MarkCompleted("a", true)
	if err != nil {
		t.Fatalf("MarkCompleted(a): %v", err)
	}
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("newly ready after a = %v", ready)
	}
	if err := g.MarkRunning("b"); err != nil {
		t.Fatalf("MarkRunning(b): %v", err)
	}
	ready, _ = g.MarkCompleted("b", true)
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("newly ready after b = %v", ready)
	}
	_ = g.MarkRunning("c")
	_, _ = g.MarkCompleted("c", true)

	if !g.IsComplete() {
		t.Fatal("graph should be complete")
	}
	if g.HasFailures() {
		t.Fatal("graph should have no failures")
	}
}

func TestDiamondWithFailureSkipsDescendants(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c"))

	_ = g.MarkRunning("a")
	_, _ = g.MarkCompleted("a", true)
	_ = g.MarkRunning("b")
	_ = g.MarkRunning("c")
	_, _ = g.MarkCompleted("b", false)
	_, _ = g.MarkCompleted("c", true)

	states := map[string]domain.JobStatus{}
	for _, id := range []string{"a", "b", "c", "d"} {
		n, _ := g.Node(id)
		states[id] = n.Status
	}
	if states["a"] != domain.JobSuccess || states["b"] != domain.JobFailure ||
		states["c"] != domain.JobSuccess || states["d"] != domain.JobSkipped {
		t.Fatalf("unexpected states: %v", states)
	}
	if !g.IsComplete() || !g.HasFailures() {
		t.Fatalf("complete=%v failures=%v", g.IsComplete(), g.HasFailures())
	}
}

func TestFailureSkipsTransitively(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "b"), node("d", "c"))
	_ = g.MarkRunning("a")
	_, _ = g.MarkCompleted("a", false)
	for _, id := range []string{"b", "c", "d"} {
		n, _ := g.Node(id)
		if n.Status != domain.JobSkipped {
			t.Fatalf("%s status = %s, want skipped", id, n.Status)
		}
	}
}

func TestMarkRunningRequiresReady(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"))
	if err := g.MarkRunning("b"); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}
	if err := g.MarkRunning("ghost"); !errors.Is(err, ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
}

func TestCancelAllLeavesRunningAlone(t *testing.T) {
	g := mustBuild(t, node("a"), node("b"), node("c", "a"))
	_ = g.MarkRunning("a")

	cancelled := g.CancelAll()
	if len(cancelled) != 2 {
		t.Fatalf("cancelled = %v", cancelled)
	}
	if n, _ := g.Node("a"); n.Status != domain.JobRunning {
		t.Fatalf("running node cancelled: %s", n.Status)
	}
	if n, _ := g.Node("b"); n.Status != domain.JobCancelled {
		t.Fatalf("ready node not cancelled: %s", n.Status)
	}
}

func TestTopologicalOrderIsLinearExtension(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "a"), node("d", "b", "c"), node("e"))
	order := g.TopologicalOrder()
	if len(order) != 5 {
		t.Fatalf("order length = %d", len(order))
	}
	pos := map[string]int{}
	for i, id := range order {
		pos[id] = i
	}
	edges := [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}}
	for _, e := range edges {
		if pos[e[0]] >= pos[e[1]] {
			t.Fatalf("edge %s->%s violated in %v", e[0], e[1], order)
		}
	}
	// Ties break by insertion order.
	if order[0] != "a" {
		t.Fatalf("expected a first, got %v", order)
	}
}

func TestParallelLayers(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "b"))
	layers := g.ParallelLayers()
	want := [][]string{{"a"}, {"b"}, {"c"}}
	if len(layers) != len(want) {
		t.Fatalf("layers = %v", layers)
	}
	for i := range want {
		if len(layers[i]) != len(want[i]) || layers[i][0] != want[i][0] {
			t.Fatalf("layer %d = %v, want %v", i, layers[i], want[i])
		}
	}
}

func TestParallelLayersPartition(t *testing.T) {
	g := mustBuild(t, node("a"), node("b"), node("c", "a", "b"), node("d", "c"), node("e", "a"))
	layers := g.ParallelLayers()

	seen := map[string]bool{}
	total := 0
	for _, layer := range layers {
		for _, id := range layer {
			if seen[id] {
				t.Fatalf("node %s appears twice", id)
			}
			seen[id] = true
			total++
		}
	}
	if total != g.Size() {
		t.Fatalf("layers cover %d of %d nodes", total, g.Size())
	}
	if len(layers[0]) != 2 {
		t.Fatalf("first layer = %v, want [a b]", layers[0])
	}
}

func TestStatusCountsSumToSize(t *testing.T) {
	g := mustBuild(t, node("a"), node("b", "a"), node("c", "a"))
	_ = g.MarkRunning("a")
	counts := g.StatusCounts()
	sum := 0
	for _, c := range counts {
		sum += c
	}
	if sum != g.Size() {
		t.Fatalf("status counts sum %d, size %d", sum, g.Size())
	}
}
