package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/taskgraph-go/agent/task"
	"github.com/dshills/taskgraph-go/graph"
)

// TaskFailedError reports a delegated task that did not complete.
type TaskFailedError struct {
	TaskID string
	Status task.Status
	Reason string
}

func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s %s", e.TaskID, e.Status)
	}
	return fmt.Sprintf("task %s %s: %s", e.TaskID, e.Status, e.Reason)
}

// DelegateNode is a graph node that fans work out to the worker pool. Build
// derives task specs from the state, the node waits for all of them, and
// Merge folds the results into the next state. Any task that does not
// complete fails the node with a *TaskFailedError.
//
// Specs with explicit IDs make the node safe to re-run after a resume:
// tasks that already exist are awaited instead of submitted again.
type DelegateNode[S any] struct {
	sup   *Supervisor
	build func(S) ([]TaskSpec, error)
	merge func(S, []TaskResult) (S, error)
}

var _ graph.Node[struct{}] = (*DelegateNode[struct{}])(nil)

// NewDelegateNode returns a node delegating to sup.
func NewDelegateNode[S any](sup *Supervisor, build func(S) ([]TaskSpec, error), merge func(S, []TaskResult) (S, error)) *DelegateNode[S] {
	return &DelegateNode[S]{sup: sup, build: build, merge: merge}
}

// Run submits the state's tasks and waits for them. When ctx ends first,
// the outstanding tasks are cancelled.
func (n *DelegateNode[S]) Run(ctx context.Context, state S) (S, error) {
	specs, err := n.build(state)
	if err != nil {
		return state, fmt.Errorf("build tasks: %w", err)
	}
	if len(specs) == 0 {
		return n.merge(state, nil)
	}

	ids := make([]string, len(specs))
	var fresh []TaskSpec
	for i, spec := range specs {
		if spec.ID != "" {
			if _, err := n.sup.GetTaskStatus(ctx, spec.ID); err == nil {
				ids[i] = spec.ID
				continue
			} else if !errors.Is(err, task.ErrNotFound) {
				return state, err
			}
		}
		fresh = append(fresh, spec)
	}

	submitted, err := n.sup.SubmitTasks(ctx, fresh)
	if len(fresh) > 0 && len(submitted) == 0 {
		return state, err
	}
	next := 0
	for i := range ids {
		if ids[i] == "" {
			ids[i] = submitted[next]
			next++
		}
	}

	results, err := n.sup.Wait(ctx, ids...)
	if err != nil {
		if ctx.Err() != nil {
			// ctx is done; cancellation must outlive it.
			cancelErr := n.sup.CancelTasks(context.WithoutCancel(ctx), pending(ids, results)...)
			return state, errors.Join(err, cancelErr)
		}
		return state, err
	}

	for _, r := range results {
		if !r.Succeeded() {
			return state, &TaskFailedError{TaskID: r.TaskID, Status: r.Status, Reason: r.Error}
		}
	}
	return n.merge(state, results)
}

func pending(ids []string, results []TaskResult) []string {
	var out []string
	for i, id := range ids {
		if !results[i].Done {
			out = append(out, id)
		}
	}
	return out
}
