// Package graph builds and executes state graphs with checkpoint and resume.
//
// A graph is a set of named nodes joined by conditional edges. Each node
// transforms a state value of type S into the next state. The Engine runs one
// node at a time, persists a checkpoint after each completed node, follows the
// first edge whose predicate accepts the new state, and stops at an exit
// point.
package graph

import (
	"context"
	"time"
)

// Node is a unit of work in a graph.
//
// Run receives the current state and returns the next state. Nodes must not
// mutate their input in place; the engine keeps the previous value until the
// node succeeds. Run may block on I/O and should honour ctx cancellation.
//
// Nodes are re-executed only when reached again by routing, never when a run
// resumes from the checkpoint they produced.
type Node[S any] interface {
	Run(ctx context.Context, state S) (S, error)
}

// NodeFunc adapts an ordinary function to the Node interface.
//
// Example:
//
//	double := graph.NodeFunc[State](func(ctx context.Context, s State) (State, error) {
//	    s.Value *= 2
//	    return s, nil
//	})
type NodeFunc[S any] func(ctx context.Context, state S) (S, error)

// Run calls f(ctx, state).
func (f NodeFunc[S]) Run(ctx context.Context, state S) (S, error) {
	return f(ctx, state)
}

// NodePolicy configures how the engine invokes a single node.
type NodePolicy struct {
	// Timeout bounds one invocation. Zero falls back to the engine's
	// default node timeout; a negative value disables the timeout.
	Timeout time.Duration

	// Retry re-invokes a failing node. Nil means no retries.
	Retry *RetryPolicy
}
