package graph

// Predicate decides whether an edge is taken for the given state.
//
// Predicates must be pure: they are evaluated against the state returned by
// the edge's source node and must not modify it.
type Predicate[S any] func(state S) bool

// Edge connects two nodes. A nil When is unconditional.
//
// When several edges leave the same node the engine takes the first one, in
// the order they were added, whose predicate returns true.
type Edge[S any] struct {
	From string
	To   string
	When Predicate[S]
}

// matches reports whether the edge should be taken for state.
func (e Edge[S]) matches(state S) bool {
	return e.When == nil || e.When(state)
}
