package graph

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMaxIterationsExceeded matches *MaxIterationsExceededError with errors.Is.
	ErrMaxIterationsExceeded = errors.New("execution exceeded maximum iterations")

	// ErrCheckpointNotFound matches *CheckpointNotFoundError with errors.Is.
	ErrCheckpointNotFound = errors.New("checkpoint not found")

	// ErrTimeout matches *TimeoutError with errors.Is.
	ErrTimeout = errors.New("timeout")

	// ErrInvalidRetryPolicy is returned for a RetryPolicy that fails Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrMaxAttemptsExceeded wraps the last node error once a retry policy
	// gives up.
	ErrMaxAttemptsExceeded = errors.New("maximum retry attempts exceeded")
)

// GraphValidationError lists every structural problem found by Build.
// It is never retried; the graph definition has to be fixed.
type GraphValidationError struct {
	Problems []string
}

func (e *GraphValidationError) Error() string {
	return "invalid graph: " + strings.Join(e.Problems, "; ")
}

// NodeExecutionError wraps an error returned by a node.
//
// Iteration is the 1-based execution count of the failing invocation,
// counted from run start. The run halts and its last checkpoint remains
// valid for resume.
type NodeExecutionError struct {
	Node      string
	Iteration int
	Cause     error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("node %s failed at iteration %d: %v", e.Node, e.Iteration, e.Cause)
}

func (e *NodeExecutionError) Unwrap() error {
	return e.Cause
}

// MaxIterationsExceededError reports a run that hit the iteration bound,
// usually because of an unintended cycle. Path holds the nodes executed by
// this invocation in order, followed by the node that would have run next.
type MaxIterationsExceededError struct {
	Limit int
	Path  []string
}

func (e *MaxIterationsExceededError) Error() string {
	return fmt.Sprintf("execution exceeded %d iterations; path: %s", e.Limit, strings.Join(e.Path, " -> "))
}

func (e *MaxIterationsExceededError) Is(target error) bool {
	return target == ErrMaxIterationsExceeded
}

// CheckpointNotFoundError is returned when a resume target does not exist.
// Exactly one of CheckpointID and RunID is set.
type CheckpointNotFoundError struct {
	CheckpointID string
	RunID        string
}

func (e *CheckpointNotFoundError) Error() string {
	if e.CheckpointID != "" {
		return fmt.Sprintf("checkpoint %s not found", e.CheckpointID)
	}
	return fmt.Sprintf("no checkpoint found for run %s", e.RunID)
}

func (e *CheckpointNotFoundError) Is(target error) bool {
	return target == ErrCheckpointNotFound
}

// TimeoutError reports a node or run that exceeded its time limit.
// Scope is "node" or "run".
type TimeoutError struct {
	Scope string
	Name  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s exceeded timeout of %v", e.Scope, e.Name, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// EngineError reports an engine configuration or persistence problem.
//
// Codes:
//   - NO_STORE: checkpointing or resume requested without a store
//   - NO_ROUTE: no edge matched after a non-exit node
//   - UNKNOWN_NODE: checkpoint names a node missing from the graph
//   - STORE_ERROR: a store read failed
//   - SERIALIZE_ERROR: state could not be decoded from a checkpoint
//   - CHECKPOINT_FAILED: a mandatory checkpoint could not be written
//   - INVALID_OPTION: an option value was rejected
type EngineError struct {
	Code    string
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}
