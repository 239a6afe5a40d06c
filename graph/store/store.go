// Package store persists workflow checkpoints.
//
// A checkpoint is a serialized snapshot of run state tagged with the node that
// just completed. The engine is the only writer for a given run ID, so stores
// only need to be safe for concurrent writers on distinct runs.
package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested run ID or checkpoint ID does not exist.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by operations on a store after Close.
var ErrClosed = errors.New("store is closed")

// Checkpoint is a durable snapshot of run state.
//
// NodeName is the node that just completed when the snapshot was taken.
// Resuming from a checkpoint follows the edges out of NodeName; it never runs
// NodeName again.
type Checkpoint struct {
	ID        string    `json:"checkpoint_id"`
	RunID     string    `json:"run_id"`
	NodeName  string    `json:"node_name"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`

	// StateVersion is a per-run sequence number. Zero on Save means assign
	// the next version for RunID.
	StateVersion int64 `json:"state_version"`

	// Iteration is the number of node executions since the run started.
	Iteration int `json:"iteration"`
}

// Store provides checkpoint persistence.
//
// Implementations:
//   - MemStore: in-process maps guarded by one mutex
//   - SQLiteStore: single-file database (modernc.org/sqlite)
//   - MySQLStore: shared relational store (go-sql-driver/mysql)
type Store interface {
	// Save persists cp and returns its ID. An empty ID is replaced with a
	// generated one and a zero CreatedAt with the current time.
	Save(ctx context.Context, cp Checkpoint) (string, error)

	// Get returns the checkpoint with the given ID or ErrNotFound.
	Get(ctx context.Context, checkpointID string) (Checkpoint, error)

	// GetLatest returns the checkpoint with the greatest CreatedAt for runID
	// or ErrNotFound.
	GetLatest(ctx context.Context, runID string) (Checkpoint, error)

	// List returns all checkpoints of runID ordered by CreatedAt.
	List(ctx context.Context, runID string) ([]Checkpoint, error)

	// Delete removes a checkpoint. Missing IDs return ErrNotFound.
	Delete(ctx context.Context, checkpointID string) error

	// DeleteOlderThan removes every checkpoint created before cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// Close releases resources held by the store.
	Close() error
}

// prepare fills the generated fields of a checkpoint before it is written.
func prepare(cp Checkpoint, now time.Time) Checkpoint {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	return cp
}

// sortCheckpoints orders by CreatedAt, then StateVersion for equal timestamps.
func sortCheckpoints(cps []Checkpoint) {
	sort.SliceStable(cps, func(i, j int) bool {
		if !cps[i].CreatedAt.Equal(cps[j].CreatedAt) {
			return cps[i].CreatedAt.Before(cps[j].CreatedAt)
		}
		return cps[i].StateVersion < cps[j].StateVersion
	})
}
