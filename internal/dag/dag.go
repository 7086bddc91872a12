package dag

import (
	"errors"
	"fmt"

	"github.com/zephyrr-ci/zephyr/internal/domain"
)

var (
	// ErrCyclicDependency marks a dependency cycle discovered at build.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrIllegalTransition marks a state change from the wrong status.
	ErrIllegalTransition = errors.New("illegal transition")
	// ErrUnknownNode marks an operation on an id the graph lacks.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode marks two nodes sharing an id.
	ErrDuplicateNode = errors.New("duplicate node")
	// ErrMissingDependency marks a dependsOn target absent from the set.
	ErrMissingDependency = errors.New("missing dependency")
)

// Node is the scheduling view of one job.
type Node struct {
	ID         string
	Name       string
	DependsOn  []string
	Dependents []string
	Status     domain.JobStatus
}

// Graph is the in-memory state machine over a pipeline run's jobs. It
// is owned by one scheduler and never shared across drivers.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// Build validates the node set and wires dependents. Nodes without
// dependencies start ready; the rest start pending.
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{nodes: make(map[string]*Node, len(nodes))}
	for i := range nodes {
		n := nodes[i]
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		copied := n
		copied.Dependents = nil
		g.nodes[n.ID] = &copied
		g.order = append(g.order, n.ID)
	}

	for _, id := range g.order {
		n := g.nodes[id]
		for _, dep := range n.DependsOn {
			target, ok := g.nodes[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrMissingDependency, n.ID, dep)
			}
			target.Dependents = append(target.Dependents, n.ID)
		}
	}

	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}

	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == "" || n.Status == domain.JobPending || n.Status == domain.JobReady {
			if len(n.DependsOn) == 0 {
				n.Status = domain.JobReady
			} else {
				n.Status = domain.JobPending
			}
		}
	}
	return g, nil
}

// checkAcyclic runs a three-colour depth-first search; a grey
// neighbour is a back edge.
func (g *Graph) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(g.nodes))

	var visit func(id string) error
	visit = func(id string) error {
		colour[id] = grey
		for _, dep := range g.nodes[id].DependsOn {
			switch colour[dep] {
			case grey:
				return fmt.Errorf("%w: involving %s", ErrCyclicDependency, dep)
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		colour[id] = black
		return nil
	}

	for _, id := range g.order {
		if colour[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Node returns the node for id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Ready returns ids currently in the ready state, in insertion order.
func (g *Graph) Ready() []string {
	out := make([]string, 0)
	for _, id := range g.order {
		if g.nodes[id].Status == domain.JobReady {
			out = append(out, id)
		}
	}
	return out
}

// MarkRunning transitions a ready node to running.
func (g *Graph) MarkRunning(id string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.Status != domain.JobReady {
		return fmt.Errorf("%w: %s is %s, want ready", ErrIllegalTransition, id, n.Status)
	}
	n.Status = domain.JobRunning
	return nil
}

// MarkCompleted records a terminal result. On success it returns the
// dependents that became ready; on failure it skips the dependent
// closure and returns nil.
func (g *Graph) MarkCompleted(id string, success bool) ([]string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	if !success {
		n.Status = domain.JobFailure
		g.skipDescendants(n)
		return nil, nil
	}

	n.Status = domain.JobSuccess
	newlyReady := make([]string, 0)
	for _, depID := range n.Dependents {
		dep := g.nodes[depID]
		if dep.Status != domain.JobPending {
			continue
		}
		if g.allDependenciesSucceeded(dep) {
			dep.Status = domain.JobReady
			newlyReady = append(newlyReady, depID)
		}
	}
	return newlyReady, nil
}

func (g *Graph) allDependenciesSucceeded(n *Node) bool {
	for _, dep := range n.DependsOn {
		if g.nodes[dep].Status != domain.JobSuccess {
			return false
		}
	}
	return true
}

// skipDescendants walks the dependent closure, skipping every
// descendant still waiting to run.
func (g *Graph) skipDescendants(n *Node) {
	for _, depID := range n.Dependents {
		dep := g.nodes[depID]
		if dep.Status == domain.JobPending || dep.Status == domain.JobReady {
			dep.Status = domain.JobSkipped
			g.skipDescendants(dep)
		}
	}
}

// CancelAll cancels every node still waiting. Running nodes are left
// for their executor to transition on completion.
func (g *Graph) CancelAll() []string {
	cancelled := make([]string, 0)
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Status == domain.JobPending || n.Status == domain.JobReady {
			n.Status = domain.JobCancelled
			cancelled = append(cancelled, id)
		}
	}
	return cancelled
}

// IsComplete reports whether every node reached a terminal state.
func (g *Graph) IsComplete() bool {
	for _, n := range g.nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// HasFailures reports whether any node failed. Skipped descendants are
// a downstream consequence, not failures.
func (g *Graph) HasFailures() bool {
	for _, n := range g.nodes {
		if n.Status == domain.JobFailure {
			return true
		}
	}
	return false
}

// StatusCounts tallies nodes per status.
func (g *Graph) StatusCounts() map[domain.JobStatus]int {
	counts := make(map[domain.JobStatus]int)
	for _, n := range g.nodes {
		counts[n.Status]++
	}
	return counts
}

// TopologicalOrder returns a linear extension of the dependency
// relation with ties broken by insertion order.
func (g *Graph) TopologicalOrder() []string {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.nodes[id].DependsOn)
	}

	order := make([]string, 0, len(g.nodes))
	taken := make(map[string]bool, len(g.nodes))
	for len(order) < len(g.nodes) {
		for _, id := range g.order {
			if taken[id] || indegree[id] != 0 {
				continue
			}
			taken[id] = true
			order = append(order, id)
			for _, depID := range g.nodes[id].Dependents {
				indegree[depID]--
			}
			break
		}
	}
	return order
}

// ParallelLayers returns successive antichains: each layer holds the
// nodes whose dependencies all lie in earlier layers, in insertion
// order.
func (g *Graph) ParallelLayers() [][]string {
	placed := make(map[string]bool, len(g.nodes))
	layers := make([][]string, 0)
	remaining := len(g.nodes)

	for remaining > 0 {
		layer := make([]string, 0)
		for _, id := range g.order {
			if placed[id] {
				continue
			}
			eligible := true
			for _, dep := range g.nodes[id].DependsOn {
				if !placed[dep] {
					eligible = false
					break
				}
			}
			if eligible {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			break
		}
		for _, id := range layer {
			placed[id] = true
		}
		layers = append(layers, layer)
		remaining -= len(layer)
	}
	return layers
}

// Size returns the node count.
func (g *Graph) Size() int { return len(g.nodes) }
