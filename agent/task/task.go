// Package task defines worker tasks, their persistence, and the
// dependency-aware priority queue the worker pool dispatches from.
//
// Status transitions:
//
//	Blocked -> Pending            every dependency Completed
//	Pending -> InProgress         dequeued or claimed by an agent
//	InProgress -> Completed       result reported
//	InProgress -> Pending         failed with attempts left, or agent evicted
//	InProgress -> Failed          failed with no attempts left, or timed out
//	Pending|Blocked -> Cancelled  cancelled before dispatch
//	InProgress -> Cancelled       worker acknowledged or grace expired
//	Failed|Cancelled -> Pending|Blocked  explicit Retry
package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound matches TaskNotFoundError with errors.Is.
	ErrNotFound = errors.New("task not found")

	// ErrTimeout is recorded on tasks that exceeded their timeout.
	ErrTimeout = errors.New("task timed out")

	// ErrInvalidTransition is returned when an operation does not apply to
	// the task's current status.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrDuplicateTask is returned when enqueuing an ID that already exists.
	ErrDuplicateTask = errors.New("task already exists")

	// ErrUnknownDependency is returned when DependsOn names a task that
	// does not exist.
	ErrUnknownDependency = errors.New("unknown dependency")

	// ErrDependencyCycle is returned when a batch's dependencies form a
	// cycle.
	ErrDependencyCycle = errors.New("dependency cycle")

	// ErrInvalidTask is returned for a task missing required fields.
	ErrInvalidTask = errors.New("invalid task")

	// ErrClosed is returned by a store after Close.
	ErrClosed = errors.New("task store is closed")
)

// TaskNotFoundError reports an unknown task ID.
type TaskNotFoundError struct {
	ID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

func (e *TaskNotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusBlocked    Status = "blocked"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusBlocked, StatusInProgress,
	StatusCompleted, StatusFailed, StatusCancelled,
}

// IsTerminal reports whether no further transition happens without Retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// Task is one unit of work dispatched to exactly one agent.
type Task struct {
	ID                 string          `json:"id"`
	Type               string          `json:"type"`
	Input              json.RawMessage `json:"input,omitempty"`
	RequiredCapability string          `json:"required_capability,omitempty"`
	Priority           int             `json:"priority"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	Status             Status          `json:"status"`
	Timeout            time.Duration   `json:"timeout,omitempty"`

	// MaxAttempts bounds how many times the task is dispatched. Values
	// below 1 mean 1.
	MaxAttempts int `json:"max_attempts"`
	Attempts    int `json:"attempts"`

	AssignedTo      string          `json:"assigned_to,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	Error           string          `json:"error,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`

	// CancelRequestedAt is when cooperative cancellation was requested.
	CancelRequestedAt time.Time `json:"cancel_requested_at,omitempty"`

	// Seq is the insertion order, assigned on enqueue.
	Seq int64 `json:"seq"`

	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (t Task) Clone() Task {
	if t.Input != nil {
		t.Input = append(json.RawMessage(nil), t.Input...)
	}
	if t.Result != nil {
		t.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.DependsOn != nil {
		t.DependsOn = append([]string(nil), t.DependsOn...)
	}
	return t
}

// Duration is the time between start and completion, or zero if the task
// has not finished.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

func (t Task) maxAttempts() int {
	if t.MaxAttempts < 1 {
		return 1
	}
	return t.MaxAttempts
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Statuses   []Status
	Type       string
	AssignedTo string
	Limit      int
}

// Match reports whether t passes the filter, ignoring Limit.
func (f Filter) Match(t Task) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if t.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
		return false
	}
	return true
}
