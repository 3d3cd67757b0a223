package dag

import (
	"github.com/eleven-am/strand/internal/domain"
)

// CompiledGraph is the validated, immutable form of a workflow definition:
// adjacency both ways plus in-degree counts, precomputed once so runtime
// readiness checks are map lookups.
type CompiledGraph struct {
	Definition   *domain.WorkflowDefinition
	Nodes        map[string]domain.NodeSpec
	Successors   map[string][]string
	Predecessors map[string][]string
	InDegree     map[string]int

	// order preserves definition order for deterministic ready sets.
	order []string
}

// Compile validates the definition and precomputes the graph structure.
// It is a pure function: a definition that compiles once compiles forever,
// and a rejected one never reaches the queue.
func Compile(def *domain.WorkflowDefinition) (*CompiledGraph, error) {
	if len(def.Nodes) == 0 {
		return nil, &domain.DefinitionError{
			Kind:    domain.DefinitionErrEmpty,
			Message: "workflow has no nodes",
		}
	}

	graph := &CompiledGraph{
		Definition:   def,
		Nodes:        make(map[string]domain.NodeSpec, len(def.Nodes)),
		Successors:   make(map[string][]string),
		Predecessors: make(map[string][]string),
		InDegree:     make(map[string]int, len(def.Nodes)),
		order:        make([]string, 0, len(def.Nodes)),
	}

	for _, spec := range def.Nodes {
		if spec.ID == "" {
			return nil, domain.NewInvalidNodeError(spec.ID, "empty node id")
		}
		if !spec.Class.Valid() {
			return nil, domain.NewInvalidNodeError(spec.ID, "unknown node class "+string(spec.Class))
		}
		if spec.MaxRetries < 0 {
			return nil, domain.NewInvalidNodeError(spec.ID, "negative max_retries")
		}
		if _, seen := graph.Nodes[spec.ID]; seen {
			return nil, domain.NewDuplicateNodeError(spec.ID)
		}

		graph.Nodes[spec.ID] = spec
		graph.InDegree[spec.ID] = 0
		graph.order = append(graph.order, spec.ID)
	}

	for _, edge := range def.Edges {
		if _, ok := graph.Nodes[edge.From]; !ok {
			return nil, domain.NewDanglingEdgeError(edge.From, edge.To)
		}
		if _, ok := graph.Nodes[edge.To]; !ok {
			return nil, domain.NewDanglingEdgeError(edge.From, edge.To)
		}

		graph.Successors[edge.From] = append(graph.Successors[edge.From], edge.To)
		graph.Predecessors[edge.To] = append(graph.Predecessors[edge.To], edge.From)
		graph.InDegree[edge.To]++
	}

	if path := graph.findCycle(); path != nil {
		return nil, domain.NewCycleError(path)
	}

	return graph, nil
}

type color int

const (
	white color = iota // unvisited
	gray               // on the current DFS stack
	black              // fully explored
)

// findCycle runs a three-color depth-first traversal. A gray-to-gray edge
// is a back edge; the returned path is the offending cycle, closed on the
// repeated node.
func (g *CompiledGraph) findCycle() []string {
	colors := make(map[string]color, len(g.Nodes))
	var stack []string
	var cycle []string

	var visit func(nodeID string) bool
	visit = func(nodeID string) bool {
		colors[nodeID] = gray
		stack = append(stack, nodeID)

		for _, next := range g.Successors[nodeID] {
			switch colors[next] {
			case gray:
				start := 0
				for i, id := range stack {
					if id == next {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), next)
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[nodeID] = black
		return false
	}

	for _, nodeID := range g.order {
		if colors[nodeID] == white && visit(nodeID) {
			return cycle
		}
	}

	return nil
}

// InitialReady returns the nodes with no predecessors, in definition order.
func (g *CompiledGraph) InitialReady() []string {
	var ready []string
	for _, nodeID := range g.order {
		if g.InDegree[nodeID] == 0 {
			ready = append(ready, nodeID)
		}
	}
	return ready
}

// ReadyAfter reports which direct successors of nodeID become ready once
// it succeeds, given a predicate over already-succeeded nodes.
func (g *CompiledGraph) ReadyAfter(nodeID string, succeeded func(string) bool) []string {
	var ready []string
	for _, next := range g.Successors[nodeID] {
		allDone := true
		for _, pred := range g.Predecessors[next] {
			if !succeeded(pred) {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, next)
		}
	}
	return ready
}

// Descendants returns every node reachable from nodeID, excluding itself.
func (g *CompiledGraph) Descendants(nodeID string) []string {
	seen := map[string]bool{nodeID: true}
	var result []string

	queue := append([]string{}, g.Successors[nodeID]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen[current] {
			continue
		}
		seen[current] = true
		result = append(result, current)
		queue = append(queue, g.Successors[current]...)
	}

	return result
}
