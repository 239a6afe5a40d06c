package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of Store.
//
// Designed for tests, development, and single-process workflows where
// checkpoints do not need to survive a restart. All operations share one
// mutex. Stored state bytes are copied on the way in and out so callers can
// reuse their buffers.
type MemStore struct {
	mu       sync.Mutex
	byID     map[string]Checkpoint
	byRun    map[string][]string // runID -> checkpoint IDs in save order
	versions map[string]int64    // runID -> last assigned state version
	closed   bool
	now      func() time.Time
}

// NewMemStore creates an empty in-memory checkpoint store.
func NewMemStore() *MemStore {
	return &MemStore{
		byID:     make(map[string]Checkpoint),
		byRun:    make(map[string][]string),
		versions: make(map[string]int64),
		now:      time.Now,
	}
}

// Save stores a copy of cp.
func (m *MemStore) Save(_ context.Context, cp Checkpoint) (string, error) {
	if cp.RunID == "" {
		return "", fmt.Errorf("checkpoint run ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}

	cp = prepare(cp, m.now())
	if cp.StateVersion == 0 {
		cp.StateVersion = m.versions[cp.RunID] + 1
	}
	if cp.StateVersion > m.versions[cp.RunID] {
		m.versions[cp.RunID] = cp.StateVersion
	}
	cp.State = cloneBytes(cp.State)

	if _, exists := m.byID[cp.ID]; !exists {
		m.byRun[cp.RunID] = append(m.byRun[cp.RunID], cp.ID)
	}
	m.byID[cp.ID] = cp

	return cp.ID, nil
}

// Get returns a checkpoint by ID.
func (m *MemStore) Get(_ context.Context, checkpointID string) (Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}

	cp, ok := m.byID[checkpointID]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	cp.State = cloneBytes(cp.State)
	return cp, nil
}

// GetLatest returns the newest checkpoint of a run.
func (m *MemStore) GetLatest(ctx context.Context, runID string) (Checkpoint, error) {
	cps, err := m.List(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(cps) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return cps[len(cps)-1], nil
}

// List returns the checkpoints of a run ordered by creation time.
func (m *MemStore) List(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	ids := m.byRun[runID]
	out := make([]Checkpoint, 0, len(ids))
	for _, id := range ids {
		cp := m.byID[id]
		cp.State = cloneBytes(cp.State)
		out = append(out, cp)
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete removes a checkpoint by ID.
func (m *MemStore) Delete(_ context.Context, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	cp, ok := m.byID[checkpointID]
	if !ok {
		return ErrNotFound
	}
	m.remove(cp)
	return nil
}

// DeleteOlderThan removes checkpoints created before cutoff.
func (m *MemStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}

	removed := 0
	for _, cp := range m.byID {
		if cp.CreatedAt.Before(cutoff) {
			m.remove(cp)
			removed++
		}
	}
	return removed, nil
}

// Close marks the store closed. Stored data is dropped.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.byID = nil
	m.byRun = nil
	return nil
}

// remove must be called with m.mu held.
func (m *MemStore) remove(cp Checkpoint) {
	delete(m.byID, cp.ID)
	ids := m.byRun[cp.RunID]
	for i, id := range ids {
		if id == cp.ID {
			m.byRun[cp.RunID] = append(ids[:i:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byRun[cp.RunID]) == 0 {
		delete(m.byRun, cp.RunID)
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
