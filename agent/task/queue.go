package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CapabilityResolver reports an agent's declared capabilities.
// *registry.Registry satisfies it.
type CapabilityResolver interface {
	Capabilities(ctx context.Context, agentID string) ([]string, error)
}

type journalEntry struct {
	task    Task
	deleted bool
}

// Queue is the task index the pool dispatches from. It keeps every task in
// memory under one mutex and writes each change through to a Store.
//
// Changes are appended to a journal while the mutex is held and written to
// the store after it is released, in the order they were made, so store
// I/O never blocks readers.
type Queue struct {
	store    Store
	resolver CapabilityResolver
	logger   *zap.Logger

	mu         sync.Mutex
	tasks      map[string]*Task
	pending    map[string]*Task
	dependents map[string][]string
	seq        int64
	journal    []journalEntry
	now        func() time.Time

	flushMu sync.Mutex
	notify  chan struct{}
}

// NewQueue creates an empty queue over store. A nil store keeps tasks in
// memory only. A nil resolver disables capability filtering in Dequeue.
func NewQueue(store Store, resolver CapabilityResolver, logger *zap.Logger) *Queue {
	if store == nil {
		store = NewMemStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		store:      store,
		resolver:   resolver,
		logger:     logger.With(zap.String("component", "task_queue")),
		tasks:      make(map[string]*Task),
		pending:    make(map[string]*Task),
		dependents: make(map[string][]string),
		now:        time.Now,
		notify:     make(chan struct{}, 1),
	}
}

// SetClock replaces the time source. Intended for tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Notify returns a channel that receives a value whenever a task becomes
// Pending. Signals are coalesced.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Recover replaces the in-memory index with the store's contents.
//
// Tasks that were InProgress when the previous process stopped are put back
// to Pending (or Cancelled if cancellation had been requested), since their
// agents are gone. It returns the number of tasks loaded.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	all, err := q.store.List(ctx, Filter{})
	if err != nil {
		return 0, fmt.Errorf("recover tasks: %w", err)
	}

	q.mu.Lock()
	q.tasks = make(map[string]*Task, len(all))
	q.pending = make(map[string]*Task)
	q.dependents = make(map[string][]string)
	q.seq = 0
	for i := range all {
		t := all[i]
		q.tasks[t.ID] = &t
		if t.Seq > q.seq {
			q.seq = t.Seq
		}
		for _, dep := range t.DependsOn {
			q.dependents[dep] = append(q.dependents[dep], t.ID)
		}
	}

	now := q.now().UTC()
	requeued := 0
	for _, t := range q.tasks {
		switch t.Status {
		case StatusInProgress:
			q.releaseLocked(t, now)
			q.recordLocked(t, now)
			requeued++
		case StatusBlocked:
			if q.depsMetLocked(t) {
				q.setStatusLocked(t, StatusPending)
				q.recordLocked(t, now)
			}
		case StatusPending:
			q.pending[t.ID] = t
		}
	}
	q.mu.Unlock()

	q.logger.Info("task queue recovered",
		zap.Int("tasks", len(all)),
		zap.Int("requeued", requeued),
	)
	q.signal()
	return len(all), q.flush(ctx)
}

// Enqueue adds one task. See EnqueueBatch.
func (q *Queue) Enqueue(ctx context.Context, t Task) (Task, error) {
	out, err := q.EnqueueBatch(ctx, []Task{t})
	if len(out) == 0 {
		return Task{}, err
	}
	return out[0], err
}

// EnqueueBatch validates and adds tasks atomically: either all are added or
// none. Tasks may depend on existing tasks or on earlier or later members of
// the same batch. Empty IDs are generated.
//
// A task starts Blocked when any dependency is not Completed, otherwise
// Pending. Runtime fields (attempts, assignment, result) are reset.
func (q *Queue) EnqueueBatch(ctx context.Context, ts []Task) ([]Task, error) {
	q.mu.Lock()

	batch := make(map[string]*Task, len(ts))
	staged := make([]*Task, 0, len(ts))
	for i := range ts {
		t := ts[i].Clone()
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if t.Type == "" {
			q.mu.Unlock()
			return nil, fmt.Errorf("task %s: type is required: %w", t.ID, ErrInvalidTask)
		}
		if _, exists := q.tasks[t.ID]; exists {
			q.mu.Unlock()
			return nil, fmt.Errorf("task %s: %w", t.ID, ErrDuplicateTask)
		}
		if _, exists := batch[t.ID]; exists {
			q.mu.Unlock()
			return nil, fmt.Errorf("task %s: %w", t.ID, ErrDuplicateTask)
		}
		batch[t.ID] = &t
		staged = append(staged, &t)
	}

	for _, t := range staged {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				q.mu.Unlock()
				return nil, fmt.Errorf("task %s depends on itself: %w", t.ID, ErrDependencyCycle)
			}
			_, existing := q.tasks[dep]
			_, inBatch := batch[dep]
			if !existing && !inBatch {
				q.mu.Unlock()
				return nil, fmt.Errorf("task %s depends on %s: %w", t.ID, dep, ErrUnknownDependency)
			}
		}
	}
	if cycle := findCycle(staged, batch); cycle != "" {
		q.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", cycle, ErrDependencyCycle)
	}

	now := q.now().UTC()
	for _, t := range staged {
		q.seq++
		t.Seq = q.seq
		t.CreatedAt = now
		t.Attempts = 0
		t.AssignedTo = ""
		t.Result = nil
		t.Error = ""
		t.CancelRequested = false
		t.CancelRequestedAt = time.Time{}
		t.StartedAt = time.Time{}
		t.CompletedAt = time.Time{}
		q.tasks[t.ID] = t
		for _, dep := range t.DependsOn {
			q.dependents[dep] = append(q.dependents[dep], t.ID)
		}
	}

	out := make([]Task, 0, len(staged))
	ready := false
	for _, t := range staged {
		if q.depsMetLocked(t) {
			q.setStatusLocked(t, StatusPending)
			ready = true
		} else {
			q.setStatusLocked(t, StatusBlocked)
		}
		q.recordLocked(t, now)
		out = append(out, t.Clone())
	}
	q.mu.Unlock()

	for _, t := range out {
		q.logger.Debug("task enqueued",
			zap.String("task_id", t.ID),
			zap.String("type", t.Type),
			zap.Int("priority", t.Priority),
			zap.String("status", string(t.Status)),
		)
	}
	if ready {
		q.signal()
	}
	return out, q.flush(ctx)
}

// findCycle returns the ID of a batch task on a dependency cycle, or "".
// Only edges between batch members can form a cycle, since existing tasks
// never depend on new ones.
func findCycle(staged []*Task, batch map[string]*Task) string {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(staged))

	var visit func(id string) string
	visit = func(id string) string {
		switch state[id] {
		case visiting:
			return id
		case done:
			return ""
		}
		state[id] = visiting
		for _, dep := range batch[id].DependsOn {
			if _, ok := batch[dep]; !ok {
				continue
			}
			if found := visit(dep); found != "" {
				return found
			}
		}
		state[id] = done
		return ""
	}

	for _, t := range staged {
		if found := visit(t.ID); found != "" {
			return found
		}
	}
	return ""
}

// Dequeue claims the next Pending task for agentID: highest priority first,
// then insertion order. When agentID is set, only tasks with no required
// capability or one the agent declares are eligible. It returns nil, nil
// when nothing is eligible.
func (q *Queue) Dequeue(ctx context.Context, agentID string) (*Task, error) {
	eligible := func(*Task) bool { return true }
	if agentID != "" && q.resolver != nil {
		caps, err := q.resolver.Capabilities(ctx, agentID)
		if err != nil {
			return nil, fmt.Errorf("dequeue for %s: %w", agentID, err)
		}
		set := make(map[string]struct{}, len(caps))
		for _, c := range caps {
			set[c] = struct{}{}
		}
		eligible = func(t *Task) bool {
			if t.RequiredCapability == "" {
				return true
			}
			_, ok := set[t.RequiredCapability]
			return ok
		}
	}

	q.mu.Lock()
	var best *Task
	for _, t := range q.pending {
		if !eligible(t) {
			continue
		}
		if best == nil || before(t, best) {
			best = t
		}
	}
	if best == nil {
		q.mu.Unlock()
		return nil, nil
	}
	now := q.now().UTC()
	q.startLocked(best, agentID, now)
	q.recordLocked(best, now)
	out := best.Clone()
	q.mu.Unlock()

	q.logger.Debug("task dequeued", zap.String("task_id", out.ID), zap.String("agent_id", agentID))
	return &out, q.flush(ctx)
}

// before orders tasks for dispatch.
func before(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.Seq < b.Seq
}

// Ready returns up to limit Pending tasks in dispatch order without claiming
// them. limit <= 0 returns all.
func (q *Queue) Ready(limit int) []Task {
	q.mu.Lock()
	ptrs := make([]*Task, 0, len(q.pending))
	for _, t := range q.pending {
		ptrs = append(ptrs, t)
	}
	sort.Slice(ptrs, func(i, j int) bool { return before(ptrs[i], ptrs[j]) })
	if limit > 0 && len(ptrs) > limit {
		ptrs = ptrs[:limit]
	}
	out := make([]Task, len(ptrs))
	for i, t := range ptrs {
		out[i] = t.Clone()
	}
	q.mu.Unlock()
	return out
}

// Peek returns the first Pending task in dispatch order accepted by match,
// without claiming it.
func (q *Queue) Peek(match func(Task) bool) (Task, bool) {
	for _, t := range q.Ready(0) {
		if match == nil || match(t) {
			return t, true
		}
	}
	return Task{}, false
}

// Claim assigns a specific Pending task to agentID.
func (q *Queue) Claim(ctx context.Context, taskID, agentID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusPending {
			return fmt.Errorf("claim task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		q.startLocked(t, agentID, now)
		return nil
	})
}

// Complete records a result for an InProgress task and unblocks dependents
// whose dependencies are now all Completed.
func (q *Queue) Complete(ctx context.Context, taskID string, result []byte) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusInProgress {
			return fmt.Errorf("complete task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.Result = append([]byte(nil), result...)
		t.Error = ""
		t.CompletedAt = now
		q.setStatusLocked(t, StatusCompleted)
		q.unblockLocked(t.ID, now)
		return nil
	})
}

// Fail records a failure for an InProgress task. The task returns to
// Pending while attempts remain, otherwise it becomes Failed and its
// dependents stay Blocked. A task with a pending cancel request becomes
// Cancelled instead.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusInProgress {
			return fmt.Errorf("fail task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		if cause != nil {
			t.Error = cause.Error()
		}
		switch {
		case t.CancelRequested:
			t.CompletedAt = now
			q.setStatusLocked(t, StatusCancelled)
		case t.Attempts < t.maxAttempts():
			t.AssignedTo = ""
			q.setStatusLocked(t, StatusPending)
		default:
			t.CompletedAt = now
			q.setStatusLocked(t, StatusFailed)
		}
		return nil
	})
}

// Cancel cancels a task. Pending and Blocked tasks become Cancelled at once
// and are never dispatched. An InProgress task is flagged CancelRequested
// and stays InProgress until MarkCancelled. Terminal tasks are returned
// unchanged.
func (q *Queue) Cancel(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		switch t.Status {
		case StatusPending, StatusBlocked:
			t.CompletedAt = now
			q.setStatusLocked(t, StatusCancelled)
		case StatusInProgress:
			if !t.CancelRequested {
				t.CancelRequested = true
				t.CancelRequestedAt = now
			}
		default:
			return errNoChange
		}
		return nil
	})
}

// MarkCancelled finalizes cancellation of an InProgress task, either on the
// worker's acknowledgement or when the grace period runs out. Terminal
// tasks are returned unchanged.
func (q *Queue) MarkCancelled(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		switch {
		case t.Status.IsTerminal():
			return errNoChange
		case t.Status != StatusInProgress:
			return fmt.Errorf("mark task %s cancelled in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.CompletedAt = now
		q.setStatusLocked(t, StatusCancelled)
		return nil
	})
}

// Retry resets a Failed or Cancelled task so it can be dispatched again.
func (q *Queue) Retry(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusFailed && t.Status != StatusCancelled {
			return fmt.Errorf("retry task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		t.Attempts = 0
		t.AssignedTo = ""
		t.Result = nil
		t.Error = ""
		t.CancelRequested = false
		t.CancelRequestedAt = time.Time{}
		t.StartedAt = time.Time{}
		t.CompletedAt = time.Time{}
		if q.depsMetLocked(t) {
			q.setStatusLocked(t, StatusPending)
		} else {
			q.setStatusLocked(t, StatusBlocked)
		}
		return nil
	})
}

// Requeue returns an InProgress task to Pending without counting the
// attempt, e.g. when its agent was evicted.
func (q *Queue) Requeue(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusInProgress {
			return fmt.Errorf("requeue task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		q.releaseLocked(t, now)
		return nil
	})
}

// ReleaseAgent requeues every InProgress task assigned to agentID.
func (q *Queue) ReleaseAgent(ctx context.Context, agentID string) ([]Task, error) {
	return q.sweep(ctx, func(t *Task, now time.Time) bool {
		if t.Status != StatusInProgress || t.AssignedTo != agentID {
			return false
		}
		q.releaseLocked(t, now)
		return true
	})
}

// ExpireTimedOut fails every InProgress task that has run longer than its
// Timeout. Expired tasks are not retried; a task whose cancellation was
// requested becomes Cancelled instead.
func (q *Queue) ExpireTimedOut(ctx context.Context, now time.Time) ([]Task, error) {
	expired, err := q.sweep(ctx, func(t *Task, _ time.Time) bool {
		if t.Status != StatusInProgress || t.Timeout <= 0 || now.Sub(t.StartedAt) <= t.Timeout {
			return false
		}
		q.timeoutLocked(t, now)
		return true
	})
	for _, t := range expired {
		q.logger.Warn("task timed out",
			zap.String("task_id", t.ID),
			zap.String("agent_id", t.AssignedTo),
			zap.Duration("timeout", t.Timeout),
		)
	}
	return expired, err
}

// Timeout fails an InProgress task whose agent reported that it ran past
// its deadline. Like ExpireTimedOut it does not retry.
func (q *Queue) Timeout(ctx context.Context, taskID string) (Task, error) {
	return q.transition(ctx, taskID, func(t *Task, now time.Time) error {
		if t.Status != StatusInProgress {
			return fmt.Errorf("time out task %s in status %s: %w", t.ID, t.Status, ErrInvalidTransition)
		}
		q.timeoutLocked(t, now)
		return nil
	})
}

func (q *Queue) timeoutLocked(t *Task, now time.Time) {
	t.CompletedAt = now
	if t.CancelRequested {
		q.setStatusLocked(t, StatusCancelled)
		return
	}
	t.Error = fmt.Sprintf("%s after %s", ErrTimeout, t.Timeout)
	q.setStatusLocked(t, StatusFailed)
}

// ExpireCancelRequests forces Cancelled on InProgress tasks whose
// cancellation was requested more than grace ago without acknowledgement.
func (q *Queue) ExpireCancelRequests(ctx context.Context, now time.Time, grace time.Duration) ([]Task, error) {
	return q.sweep(ctx, func(t *Task, _ time.Time) bool {
		if t.Status != StatusInProgress || !t.CancelRequested || now.Sub(t.CancelRequestedAt) <= grace {
			return false
		}
		t.CompletedAt = now
		q.setStatusLocked(t, StatusCancelled)
		return true
	})
}

// Get returns a copy of a task.
func (q *Queue) Get(_ context.Context, taskID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return Task{}, &TaskNotFoundError{ID: taskID}
	}
	return t.Clone(), nil
}

// List returns matching tasks ordered by insertion.
func (q *Queue) List(f Filter) []Task {
	q.mu.Lock()
	out := make([]Task, 0)
	for _, t := range q.tasks {
		if f.Match(*t) {
			out = append(out, t.Clone())
		}
	}
	q.mu.Unlock()

	sortBySeq(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Counts returns the number of tasks in each status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[Status]int, len(AllStatuses))
	for _, s := range AllStatuses {
		counts[s] = 0
	}
	for _, t := range q.tasks {
		counts[t.Status]++
	}
	return counts
}

// PendingCount returns the number of tasks ready for dispatch.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Purge removes terminal tasks that finished before cutoff. A task that a
// non-terminal task still depends on is kept. It returns the number of
// tasks removed.
func (q *Queue) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	var removed []string
	for id, t := range q.tasks {
		if !t.Status.IsTerminal() || !t.UpdatedAt.Before(cutoff) {
			continue
		}
		if q.neededLocked(id) {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		t := q.tasks[id]
		delete(q.tasks, id)
		for _, dep := range t.DependsOn {
			q.dependents[dep] = removeString(q.dependents[dep], id)
			if len(q.dependents[dep]) == 0 {
				delete(q.dependents, dep)
			}
		}
		delete(q.dependents, id)
		q.journal = append(q.journal, journalEntry{task: Task{ID: id}, deleted: true})
	}
	q.mu.Unlock()

	if len(removed) > 0 {
		q.logger.Info("purged tasks", zap.Int("count", len(removed)), zap.Time("cutoff", cutoff))
	}
	return len(removed), q.flush(ctx)
}

func (q *Queue) neededLocked(id string) bool {
	for _, depID := range q.dependents[id] {
		if d, ok := q.tasks[depID]; ok && !d.Status.IsTerminal() {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// errNoChange makes transition return the task without recording it.
var errNoChange = errors.New("no change")

// transition applies fn to a task under the lock, records the change, and
// flushes it to the store.
func (q *Queue) transition(ctx context.Context, taskID string, fn func(t *Task, now time.Time) error) (Task, error) {
	q.mu.Lock()
	t, ok := q.tasks[taskID]
	if !ok {
		q.mu.Unlock()
		return Task{}, &TaskNotFoundError{ID: taskID}
	}
	prev := t.Status
	now := q.now().UTC()
	switch err := fn(t, now); {
	case errors.Is(err, errNoChange):
		out := t.Clone()
		q.mu.Unlock()
		return out, nil
	case err != nil:
		q.mu.Unlock()
		return Task{}, err
	default:
		q.recordLocked(t, now)
	}
	out := t.Clone()
	q.mu.Unlock()

	if prev != out.Status {
		q.logger.Debug("task status changed",
			zap.String("task_id", out.ID),
			zap.String("from", string(prev)),
			zap.String("to", string(out.Status)),
		)
	}
	return out, q.flush(ctx)
}

// sweep applies fn to every task under the lock and flushes the tasks for
// which it returned true.
func (q *Queue) sweep(ctx context.Context, fn func(t *Task, now time.Time) bool) ([]Task, error) {
	q.mu.Lock()
	now := q.now().UTC()
	var changed []Task
	for _, t := range q.tasks {
		if fn(t, now) {
			q.recordLocked(t, now)
			changed = append(changed, t.Clone())
		}
	}
	q.mu.Unlock()

	sortBySeq(changed)
	return changed, q.flush(ctx)
}

func (q *Queue) startLocked(t *Task, agentID string, now time.Time) {
	t.AssignedTo = agentID
	t.StartedAt = now
	t.CompletedAt = time.Time{}
	t.Result = nil
	t.Attempts++
	q.setStatusLocked(t, StatusInProgress)
}

// releaseLocked puts an InProgress task back without counting the attempt.
func (q *Queue) releaseLocked(t *Task, now time.Time) {
	t.AssignedTo = ""
	if t.Attempts > 0 {
		t.Attempts--
	}
	if t.CancelRequested {
		t.CompletedAt = now
		q.setStatusLocked(t, StatusCancelled)
	} else {
		t.StartedAt = time.Time{}
		q.setStatusLocked(t, StatusPending)
	}
}

func (q *Queue) setStatusLocked(t *Task, s Status) {
	t.Status = s
	if s == StatusPending {
		q.pending[t.ID] = t
		q.signal()
	} else {
		delete(q.pending, t.ID)
	}
}

func (q *Queue) depsMetLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

func (q *Queue) unblockLocked(id string, now time.Time) {
	for _, depID := range q.dependents[id] {
		d, ok := q.tasks[depID]
		if !ok || d.Status != StatusBlocked || !q.depsMetLocked(d) {
			continue
		}
		q.setStatusLocked(d, StatusPending)
		q.recordLocked(d, now)
	}
}

func (q *Queue) recordLocked(t *Task, now time.Time) {
	t.UpdatedAt = now
	q.journal = append(q.journal, journalEntry{task: t.Clone()})
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// flush writes journaled changes to the store in the order they were made.
func (q *Queue) flush(ctx context.Context) error {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.journal
	q.journal = nil
	q.mu.Unlock()

	var errs []error
	for _, e := range batch {
		var err error
		if e.deleted {
			err = q.store.Delete(ctx, e.task.ID)
			if errors.Is(err, ErrNotFound) {
				err = nil
			}
		} else {
			err = q.store.Put(ctx, e.task)
		}
		if err != nil {
			q.logger.Error("failed to persist task", zap.String("task_id", e.task.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("persist tasks: %w", errors.Join(errs...))
	}
	return nil
}
