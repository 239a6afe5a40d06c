// Package supervisor submits worker tasks on behalf of a workflow and
// reports their status, results and aggregate statistics.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/taskgraph-go/agent/task"
)

// Canceller requests cancellation of a task. *pool.Pool implements it by
// also notifying the assigned agent.
type Canceller interface {
	RequestCancel(ctx context.Context, taskID string) (task.Task, error)
}

// TaskSpec describes a task to submit. An empty ID is generated.
type TaskSpec struct {
	ID                 string          `json:"id,omitempty"`
	Type               string          `json:"type"`
	Input              json.RawMessage `json:"input,omitempty"`
	RequiredCapability string          `json:"required_capability,omitempty"`
	Priority           int             `json:"priority,omitempty"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	Timeout            time.Duration   `json:"timeout,omitempty"`
	MaxAttempts        int             `json:"max_attempts,omitempty"`
}

func (s TaskSpec) task() task.Task {
	return task.Task{
		ID:                 s.ID,
		Type:               s.Type,
		Input:              s.Input,
		RequiredCapability: s.RequiredCapability,
		Priority:           s.Priority,
		DependsOn:          s.DependsOn,
		Timeout:            s.Timeout,
		MaxAttempts:        s.MaxAttempts,
	}
}

// TaskResult is the outcome of a task as seen by its submitter. Done is
// true once the task reached a terminal status; a Failed or Cancelled task
// carries its cause in Error.
type TaskResult struct {
	TaskID     string          `json:"task_id"`
	Status     task.Status     `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	Done       bool            `json:"done"`
	Attempts   int             `json:"attempts"`
	AssignedTo string          `json:"assigned_to,omitempty"`
	Duration   time.Duration   `json:"duration"`
}

// Succeeded reports whether the task completed.
func (r TaskResult) Succeeded() bool {
	return r.Status == task.StatusCompleted
}

func resultOf(t task.Task) TaskResult {
	r := TaskResult{
		TaskID:     t.ID,
		Status:     t.Status,
		Result:     t.Result,
		Error:      t.Error,
		Done:       t.Status.IsTerminal(),
		Attempts:   t.Attempts,
		AssignedTo: t.AssignedTo,
		Duration:   t.Duration(),
	}
	if t.Status == task.StatusCancelled && r.Error == "" {
		r.Error = "task cancelled"
	}
	return r
}

// Statistics aggregates all tasks known to the queue.
type Statistics struct {
	Counts map[task.Status]int `json:"counts"`
	Total  int                 `json:"total"`

	// SuccessRate is Completed over all terminal tasks, or 0 when none
	// finished.
	SuccessRate float64 `json:"success_rate"`

	// AverageDuration is the mean run time of Completed tasks.
	AverageDuration time.Duration `json:"average_duration"`
}

// Config holds supervisor settings.
type Config struct {
	// PollInterval is how often Wait re-checks task status. Default 50ms.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// Supervisor is the submission-side facade over the task queue.
type Supervisor struct {
	queue     *task.Queue
	canceller Canceller
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a supervisor. A nil canceller cancels through the queue
// only, without notifying agents.
func New(queue *task.Queue, canceller Canceller, cfg Config, logger *zap.Logger) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		queue:     queue,
		canceller: canceller,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "supervisor")),
		now:       time.Now,
	}
}

// SetClock replaces the time source used by Purge.
func (s *Supervisor) SetClock(now func() time.Time) {
	s.now = now
}

// SubmitTask enqueues one task and returns its ID.
func (s *Supervisor) SubmitTask(ctx context.Context, spec TaskSpec) (string, error) {
	ids, err := s.SubmitTasks(ctx, []TaskSpec{spec})
	if len(ids) == 0 {
		return "", err
	}
	return ids[0], err
}

// SubmitTasks enqueues specs atomically and returns their IDs in order.
// Specs may depend on each other by ID.
func (s *Supervisor) SubmitTasks(ctx context.Context, specs []TaskSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	ts := make([]task.Task, len(specs))
	for i, spec := range specs {
		ts[i] = spec.task()
	}
	out, err := s.queue.EnqueueBatch(ctx, ts)
	if len(out) == 0 {
		return nil, fmt.Errorf("submit tasks: %w", err)
	}
	ids := make([]string, len(out))
	for i, t := range out {
		ids[i] = t.ID
	}
	if err != nil {
		s.logger.Warn("tasks submitted but not persisted", zap.Strings("task_ids", ids), zap.Error(err))
	} else {
		s.logger.Debug("tasks submitted", zap.Strings("task_ids", ids))
	}
	return ids, err
}

// GetTaskStatus returns the current status of a task.
func (s *Supervisor) GetTaskStatus(ctx context.Context, taskID string) (task.Status, error) {
	t, err := s.queue.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// GetTaskResult returns the task's outcome so far.
func (s *Supervisor) GetTaskResult(ctx context.Context, taskID string) (TaskResult, error) {
	t, err := s.queue.Get(ctx, taskID)
	if err != nil {
		return TaskResult{}, err
	}
	return resultOf(t), nil
}

// ListTasks returns tasks matching f in submission order.
func (s *Supervisor) ListTasks(_ context.Context, f task.Filter) []task.Task {
	return s.queue.List(f)
}

// CancelTask cancels a task. A Pending or Blocked task is Cancelled at
// once. An InProgress task stays InProgress until its agent acknowledges
// or the cancel grace period runs out. Cancelling a finished task is a
// no-op.
func (s *Supervisor) CancelTask(ctx context.Context, taskID string) (task.Status, error) {
	var (
		t   task.Task
		err error
	)
	if s.canceller != nil {
		t, err = s.canceller.RequestCancel(ctx, taskID)
	} else {
		t, err = s.queue.Cancel(ctx, taskID)
	}
	if err != nil {
		return t.Status, err
	}
	s.logger.Info("task cancel requested",
		zap.String("task_id", taskID),
		zap.String("status", string(t.Status)),
	)
	return t.Status, nil
}

// CancelTasks cancels every listed task that is not finished.
func (s *Supervisor) CancelTasks(ctx context.Context, taskIDs ...string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range taskIDs {
		id := id
		g.Go(func() error {
			_, err := s.CancelTask(gctx, id)
			if errors.Is(err, task.ErrNotFound) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// GetStatistics summarizes every task the queue holds.
func (s *Supervisor) GetStatistics(ctx context.Context) Statistics {
	stats := Statistics{Counts: make(map[task.Status]int, len(task.AllStatuses))}
	for _, st := range task.AllStatuses {
		stats.Counts[st] = 0
	}

	var (
		terminal  int
		completed int
		total     time.Duration
	)
	for _, t := range s.queue.List(task.Filter{}) {
		stats.Counts[t.Status]++
		stats.Total++
		if t.Status.IsTerminal() {
			terminal++
		}
		if t.Status == task.StatusCompleted {
			completed++
			total += t.Duration()
		}
	}
	if terminal > 0 {
		stats.SuccessRate = float64(completed) / float64(terminal)
	}
	if completed > 0 {
		stats.AverageDuration = total / time.Duration(completed)
	}
	return stats
}

// Wait blocks until every listed task is finished or ctx is done, and
// returns their results in order.
func (s *Supervisor) Wait(ctx context.Context, taskIDs ...string) ([]TaskResult, error) {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	results := make([]TaskResult, len(taskIDs))
	for {
		done := true
		for i, id := range taskIDs {
			if results[i].Done {
				continue
			}
			r, err := s.GetTaskResult(ctx, id)
			if err != nil {
				return results, err
			}
			results[i] = r
			if !r.Done {
				done = false
			}
		}
		if done {
			return results, nil
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Purge deletes tasks that finished more than olderThan ago.
func (s *Supervisor) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.queue.Purge(ctx, s.now().Add(-olderThan))
}
