package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// sqlTable implements the checkpoint queries shared by the SQLite and MySQL
// stores. Both dialects accept "?" placeholders; only the upsert differs.
type sqlTable struct {
	db     *sql.DB
	upsert string
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

const checkpointColumns = "checkpoint_id, run_id, node_name, state, created_at, state_version, iteration"

func (t *sqlTable) checkOpen() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	return nil
}

func (t *sqlTable) save(ctx context.Context, cp Checkpoint) (string, error) {
	if err := t.checkOpen(); err != nil {
		return "", err
	}
	if cp.RunID == "" {
		return "", fmt.Errorf("checkpoint run ID is required")
	}

	cp = prepare(cp, t.now())
	if cp.StateVersion == 0 {
		var last int64
		row := t.db.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(state_version), 0) FROM checkpoints WHERE run_id = ?", cp.RunID)
		if err := row.Scan(&last); err != nil {
			return "", fmt.Errorf("failed to read state version: %w", err)
		}
		cp.StateVersion = last + 1
	}

	state := cp.State
	if state == nil {
		state = []byte{}
	}

	_, err := t.db.ExecContext(ctx, t.upsert,
		cp.ID, cp.RunID, cp.NodeName, state, cp.CreatedAt.UnixNano(), cp.StateVersion, cp.Iteration)
	if err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp.ID, nil
}

func (t *sqlTable) get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	if err := t.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	row := t.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE checkpoint_id = ?", checkpointID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

func (t *sqlTable) getLatest(ctx context.Context, runID string) (Checkpoint, error) {
	if err := t.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	row := t.db.QueryRowContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? "+
			"ORDER BY created_at DESC, state_version DESC LIMIT 1", runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

func (t *sqlTable) list(ctx context.Context, runID string) ([]Checkpoint, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := t.db.QueryContext(ctx,
		"SELECT "+checkpointColumns+" FROM checkpoints WHERE run_id = ? "+
			"ORDER BY created_at ASC, state_version ASC", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate checkpoints: %w", err)
	}
	return out, nil
}

func (t *sqlTable) delete(ctx context.Context, checkpointID string) error {
	if err := t.checkOpen(); err != nil {
		return err
	}

	res, err := t.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE checkpoint_id = ?", checkpointID)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqlTable) deleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	if err := t.checkOpen(); err != nil {
		return 0, err
	}

	res, err := t.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE created_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old checkpoints: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted checkpoints: %w", err)
	}
	return int(n), nil
}

func (t *sqlTable) close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	return t.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (Checkpoint, error) {
	var (
		cp        Checkpoint
		createdAt int64
	)
	if err := row.Scan(&cp.ID, &cp.RunID, &cp.NodeName, &cp.State, &createdAt, &cp.StateVersion, &cp.Iteration); err != nil {
		return Checkpoint{}, err
	}
	cp.CreatedAt = time.Unix(0, createdAt).UTC()
	return cp, nil
}
