package graph

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// nodeTimeout resolves the timeout for one node: the node policy wins over
// the engine default, and a negative policy value disables both.
func nodeTimeout(policy NodePolicy, defaultTimeout time.Duration) time.Duration {
	switch {
	case policy.Timeout < 0:
		return 0
	case policy.Timeout > 0:
		return policy.Timeout
	default:
		return defaultTimeout
	}
}

// invokeNode runs node under its timeout and retry policy. The timeout
// bounds each attempt separately. A panic inside the node is converted to
// an error.
func invokeNode[S any](ctx context.Context, name string, node Node[S], state S, policy NodePolicy, defaultTimeout time.Duration) (next S, err error) {
	if timeout := nodeTimeout(policy, defaultTimeout); timeout > 0 {
		node = &timeoutNode[S]{node: node, name: name, timeout: timeout}
	}
	if policy.Retry != nil {
		node = WithRetry(node, *policy.Retry)
	}

	defer func() {
		if r := recover(); r != nil {
			next = state
			err = fmt.Errorf("panic in node %s: %v", name, r)
		}
	}()

	next, err = node.Run(ctx, state)
	if err != nil {
		return state, err
	}
	return next, nil
}

// timeoutNode bounds one invocation of node. A result returned without
// error is kept even when the deadline passed meanwhile.
type timeoutNode[S any] struct {
	node    Node[S]
	name    string
	timeout time.Duration
}

func (n *timeoutNode[S]) Run(ctx context.Context, state S) (S, error) {
	nodeCtx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	next, err := n.node.Run(nodeCtx, state)
	if err != nil && errors.Is(nodeCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return state, &TimeoutError{Scope: "node", Name: n.name, After: n.timeout}
	}
	return next, err
}
