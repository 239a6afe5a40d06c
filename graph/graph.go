package graph

import (
	"fmt"
	"sort"
)

// Builder assembles a Graph. Methods record problems instead of failing
// immediately so that Build can report every structural error at once.
//
// Example:
//
//	g, err := graph.NewBuilder[State]().
//	    AddNode("start", start).
//	    AddNode("end", end).
//	    AddEdge("start", "end", nil).
//	    SetEntryPoint("start").
//	    AddExitPoint("end").
//	    Build()
type Builder[S any] struct {
	nodes    map[string]Node[S]
	order    []string
	policies map[string]NodePolicy
	edges    []Edge[S]
	entry    string
	exits    map[string]bool
	problems []string
}

// NewBuilder returns an empty builder.
func NewBuilder[S any]() *Builder[S] {
	return &Builder[S]{
		nodes:    make(map[string]Node[S]),
		policies: make(map[string]NodePolicy),
		exits:    make(map[string]bool),
	}
}

// AddNode registers a node under a unique name.
func (b *Builder[S]) AddNode(name string, node Node[S]) *Builder[S] {
	switch {
	case name == "":
		b.problems = append(b.problems, "node name cannot be empty")
	case node == nil:
		b.problems = append(b.problems, fmt.Sprintf("node %q is nil", name))
	default:
		if _, dup := b.nodes[name]; dup {
			b.problems = append(b.problems, fmt.Sprintf("duplicate node %q", name))
			return b
		}
		b.nodes[name] = node
		b.order = append(b.order, name)
	}
	return b
}

// AddEdge adds a transition from one node to another. A nil predicate makes
// the edge unconditional.
func (b *Builder[S]) AddEdge(from, to string, when Predicate[S]) *Builder[S] {
	b.edges = append(b.edges, Edge[S]{From: from, To: to, When: when})
	return b
}

// SetEntryPoint sets the node every run starts at.
func (b *Builder[S]) SetEntryPoint(name string) *Builder[S] {
	b.entry = name
	return b
}

// AddExitPoint marks a node as terminal. A run completes after an exit node
// executes successfully.
func (b *Builder[S]) AddExitPoint(name string) *Builder[S] {
	b.exits[name] = true
	return b
}

// SetNodePolicy attaches a timeout or retry policy to a node.
func (b *Builder[S]) SetNodePolicy(name string, policy NodePolicy) *Builder[S] {
	if policy.Retry != nil {
		if err := policy.Retry.Validate(); err != nil {
			b.problems = append(b.problems, fmt.Sprintf("node %q: %v", name, err))
		}
	}
	b.policies[name] = policy
	return b
}

// Build validates the graph and returns an immutable copy of it.
//
// Validation fails with *GraphValidationError when:
//   - no entry point is set or it names an unknown node
//   - an edge or exit point references an unknown node
//   - a node has no outgoing edges and is not an exit point
//   - a node cannot be reached from the entry point
func (b *Builder[S]) Build() (*Graph[S], error) {
	problems := append([]string(nil), b.problems...)

	if b.entry == "" {
		problems = append(problems, "no entry point set")
	} else if _, ok := b.nodes[b.entry]; !ok {
		problems = append(problems, fmt.Sprintf("entry point %q is not a node", b.entry))
	}

	out := make(map[string][]Edge[S])
	for _, e := range b.edges {
		known := true
		if _, ok := b.nodes[e.From]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: unknown source node %q", e.From, e.To, e.From))
			known = false
		}
		if _, ok := b.nodes[e.To]; !ok {
			problems = append(problems, fmt.Sprintf("edge %s -> %s: unknown target node %q", e.From, e.To, e.To))
			known = false
		}
		if known {
			out[e.From] = append(out[e.From], e)
		}
	}

	exits := make([]string, 0, len(b.exits))
	for name := range b.exits {
		exits = append(exits, name)
	}
	sort.Strings(exits)
	for _, name := range exits {
		if _, ok := b.nodes[name]; !ok {
			problems = append(problems, fmt.Sprintf("exit point %q is not a node", name))
		}
	}

	for name := range b.policies {
		if _, ok := b.nodes[name]; !ok {
			problems = append(problems, fmt.Sprintf("policy set for unknown node %q", name))
		}
	}

	for _, name := range b.order {
		if len(out[name]) == 0 && !b.exits[name] {
			problems = append(problems, fmt.Sprintf("node %q has no outgoing edges and is not an exit point", name))
		}
	}

	if _, ok := b.nodes[b.entry]; ok {
		reached := reachable(b.entry, out)
		for _, name := range b.order {
			if !reached[name] {
				problems = append(problems, fmt.Sprintf("node %q is unreachable from entry point %q", name, b.entry))
			}
		}
	}

	if len(problems) > 0 {
		return nil, &GraphValidationError{Problems: problems}
	}

	g := &Graph[S]{
		nodes:    make(map[string]Node[S], len(b.nodes)),
		order:    append([]string(nil), b.order...),
		policies: make(map[string]NodePolicy, len(b.policies)),
		edges:    make(map[string][]Edge[S], len(out)),
		entry:    b.entry,
		exits:    make(map[string]bool, len(b.exits)),
	}
	for k, v := range b.nodes {
		g.nodes[k] = v
	}
	for k, v := range b.policies {
		g.policies[k] = v
	}
	for k, v := range out {
		g.edges[k] = append([]Edge[S](nil), v...)
	}
	for k := range b.exits {
		g.exits[k] = true
	}
	return g, nil
}

func reachable[S any](entry string, out map[string][]Edge[S]) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range out[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

// Graph is a validated, immutable state graph produced by Builder.Build.
// It is safe to share between engines and concurrent runs.
type Graph[S any] struct {
	nodes    map[string]Node[S]
	order    []string
	policies map[string]NodePolicy
	edges    map[string][]Edge[S]
	entry    string
	exits    map[string]bool
}

// Entry returns the entry node name.
func (g *Graph[S]) Entry() string { return g.entry }

// Nodes returns node names in the order they were added.
func (g *Graph[S]) Nodes() []string { return append([]string(nil), g.order...) }

// HasNode reports whether name is a node of the graph.
func (g *Graph[S]) HasNode(name string) bool {
	_, ok := g.nodes[name]
	return ok
}

// IsExit reports whether name is an exit point.
func (g *Graph[S]) IsExit(name string) bool { return g.exits[name] }

// Edges returns the outgoing edges of a node in evaluation order.
func (g *Graph[S]) Edges(from string) []Edge[S] {
	return append([]Edge[S](nil), g.edges[from]...)
}

// next returns the target of the first edge out of from that matches state.
func (g *Graph[S]) next(from string, state S) (string, bool) {
	for _, e := range g.edges[from] {
		if e.matches(state) {
			return e.To, true
		}
	}
	return "", false
}
