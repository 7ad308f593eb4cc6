package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder turns plan units into a leveled execution graph.
// Units on the same level have no edges between them and may run in parallel.
type DAGBuilder struct {
	units      map[string]*PlanUnit
	dependents map[string][]string // unit -> units waiting on it
	requires   map[string][]string // unit -> units it waits on
	inDegree   map[string]int
	levels     [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:      make(map[string]*PlanUnit),
		dependents: make(map[string][]string),
		requires:   make(map[string][]string),
		inDegree:   make(map[string]int),
	}
}

// BuildGraph indexes the units, rejects dangling edges and cycles, and
// assigns each unit its ExecutionOrder.
func (b *DAGBuilder) BuildGraph(units []PlanUnit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: []GraphEdge{},
			Roots: []string{},
		}, nil
	}

	if err := b.index(units); err != nil {
		return nil, err
	}
	if cycle := b.findCycle(); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")), nil,
		).WithCode(ErrCodeCycle)
	}
	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.graph(), nil
}

func (b *DAGBuilder) index(units []PlanUnit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewValidationError("plan unit has empty ID", nil)
		}
		if _, dup := b.units[unit.ID]; dup {
			return NewValidationError(fmt.Sprintf("duplicate plan unit ID: %s", unit.ID), nil)
		}
		b.units[unit.ID] = unit
		b.inDegree[unit.ID] = 0
	}

	for _, id := range b.sortedIDs() {
		unit := b.units[id]
		for _, dep := range unit.Dependencies {
			if _, ok := b.units[dep.TargetID]; !ok {
				return NewValidationError(
					fmt.Sprintf("plan unit %s depends on unknown unit %s", unit.ID, dep.TargetID), nil,
				).WithResource(unit.ResourceID)
			}
			b.dependents[dep.TargetID] = append(b.dependents[dep.TargetID], unit.ID)
			b.requires[unit.ID] = append(b.requires[unit.ID], dep.TargetID)
			b.inDegree[unit.ID]++
		}
	}
	return nil
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findCycle returns the first cycle found by depth-first search, or nil.
func (b *DAGBuilder) findCycle() []string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(b.units))
	var path []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, next := range b.dependents[id] {
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						cycle = append(append([]string{}, path[i:]...), next)
						break
					}
				}
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range b.sortedIDs() {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// computeLevels is Kahn's algorithm, emitting one level per wave. IDs within
// a level are sorted so the result is stable across runs.
func (b *DAGBuilder) computeLevels() error {
	remaining := make(map[string]int, len(b.inDegree))
	var wave []string
	for id, d := range b.inDegree {
		remaining[id] = d
		if d == 0 {
			wave = append(wave, id)
		}
	}

	processed := 0
	for len(wave) > 0 {
		sort.Strings(wave)
		b.levels = append(b.levels, wave)
		processed += len(wave)

		var next []string
		for _, id := range wave {
			for _, dep := range b.dependents[id] {
				remaining[dep]--
				if remaining[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		wave = next
	}

	if processed != len(b.units) {
		return NewPermanentError("failed to order all plan units", nil).WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) graph() *ExecutionGraph {
	g := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.units)),
		Edges: []GraphEdge{},
		Roots: []string{},
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			g.Nodes[id] = &GraphNode{
				ID:           id,
				Level:        level,
				Dependencies: b.requires[id],
				Dependents:   b.dependents[id],
			}
			b.units[id].ExecutionOrder = level
			if level == 0 {
				g.Roots = append(g.Roots, id)
			}
		}
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.units[id].Dependencies {
			g.Edges = append(g.Edges, GraphEdge{From: dep.TargetID, To: id, Type: dep.Type})
		}
	}
	return g
}

// GetLevels returns the unit IDs grouped by execution level.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT renders the graph in Graphviz DOT format.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder
	sb.WriteString("digraph stack {\n  rankdir=LR;\n  node [shape=box, style=\"filled,rounded\"];\n")

	for level, ids := range b.levels {
		fmt.Fprintf(&sb, "  subgraph cluster_%d {\n    label=\"level %d\";\n    style=dashed;\n", level, level)
		for _, id := range ids {
			u := b.units[id]
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s %s\", fillcolor=%q];\n",
				id, u.ResourceID, u.Operation.Symbol(), u.Kind, operationColor(u.Operation))
		}
		sb.WriteString("  }\n")
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.units[id].Dependencies {
			style := "solid"
			if dep.Type == DependencyOrder {
				style = "dotted"
			}
			fmt.Fprintf(&sb, "  %q -> %q [style=%s];\n", dep.TargetID, id, style)
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func operationColor(op OperationType) string {
	switch op {
	case OperationCreate:
		return "lightgreen"
	case OperationUpdate:
		return "lightblue"
	case OperationDelete, OperationRecreate:
		return "lightcoral"
	default:
		return "lightgray"
	}
}

// ValidateGraph cross-checks a built graph against the indexed units.
func (b *DAGBuilder) ValidateGraph(graph *ExecutionGraph) error {
	if len(graph.Nodes) != len(b.units) {
		return NewPermanentError("graph node count mismatch", nil).WithCode(ErrCodeInternal)
	}
	for _, e := range graph.Edges {
		if graph.Nodes[e.From] == nil || graph.Nodes[e.To] == nil {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s references unknown node", e.From, e.To), nil).
				WithCode(ErrCodeInternal)
		}
		if graph.Nodes[e.From].Level >= graph.Nodes[e.To].Level {
			return NewPermanentError(fmt.Sprintf("edge %s -> %s does not descend a level", e.From, e.To), nil).
				WithCode(ErrCodeInternal)
		}
	}
	for _, id := range graph.Roots {
		if len(graph.Nodes[id].Dependencies) > 0 {
			return NewPermanentError(fmt.Sprintf("root node %s has dependencies", id), nil).
				WithCode(ErrCodeInternal)
		}
	}
	return nil
}
