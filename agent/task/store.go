package task

import (
	"context"
	"sort"
	"sync"
)

// Store persists tasks. Implementations must be safe for concurrent use;
// the Queue is the only writer in normal operation.
type Store interface {
	// Put inserts or replaces a task.
	Put(ctx context.Context, t Task) error

	// Get returns a task or a *TaskNotFoundError.
	Get(ctx context.Context, id string) (Task, error)

	// List returns matching tasks ordered by Seq.
	List(ctx context.Context, f Filter) ([]Task, error)

	// Delete removes a task or returns a *TaskNotFoundError.
	Delete(ctx context.Context, id string) error

	Close() error
}

// MemStore is an in-memory Store guarded by a single mutex.
type MemStore struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	closed bool
}

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]Task)}
}

func (m *MemStore) Put(_ context.Context, t Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tasks[t.ID] = t.Clone()
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Task{}, ErrClosed
	}
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, &TaskNotFoundError{ID: id}
	}
	return t.Clone(), nil
}

func (m *MemStore) List(_ context.Context, f Filter) ([]Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Task, 0)
	for _, t := range m.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	sortBySeq(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tasks[id]; !ok {
		return &TaskNotFoundError{ID: id}
	}
	delete(m.tasks, id)
	return nil
}

func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func sortBySeq(ts []Task) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].Seq < ts[j].Seq })
}
