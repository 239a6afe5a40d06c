package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tasks in a single-file SQLite database.
//
// Schema:
//   - tasks: one row per task, indexed by (status, priority, created_at)
//
// The queryable columns mirror the task fields the queue filters on; the
// data column holds the complete task as JSON and is what Get and List
// decode.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS tasks (
			task_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			input BLOB,
			status TEXT NOT NULL,
			priority INTEGER NOT NULL DEFAULT 0,
			depends_on TEXT NOT NULL DEFAULT '[]',
			required_capability TEXT NOT NULL DEFAULT '',
			assigned_to TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			data BLOB NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_tasks_status_priority ON tasks(status, priority, created_at)",
		"CREATE INDEX IF NOT EXISTS idx_tasks_seq ON tasks(seq)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize task database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, t Task) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", t.ID, err)
	}
	deps, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode task %s dependencies: %w", t.ID, err)
	}
	if t.DependsOn == nil {
		deps = []byte("[]")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, type, input, status, priority, depends_on,
			required_capability, assigned_to, seq, created_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			type = excluded.type, input = excluded.input, status = excluded.status,
			priority = excluded.priority, depends_on = excluded.depends_on,
			required_capability = excluded.required_capability,
			assigned_to = excluded.assigned_to, seq = excluded.seq,
			updated_at = excluded.updated_at, data = excluded.data`,
		t.ID, t.Type, []byte(t.Input), string(t.Status), t.Priority, string(deps),
		t.RequiredCapability, t.AssignedTo, t.Seq,
		t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(), data,
	)
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	if err := s.checkOpen(); err != nil {
		return Task{}, err
	}

	var data []byte
	err := s.db.QueryRowContext(ctx, "SELECT data FROM tasks WHERE task_id = ?", id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, &TaskNotFoundError{ID: id}
	}
	if err != nil {
		return Task{}, fmt.Errorf("failed to load task %s: %w", id, err)
	}
	return decodeTask(data)
}

func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]Task, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, f.Type)
	}
	if f.AssignedTo != "" {
		where = append(where, "assigned_to = ?")
		args = append(args, f.AssignedTo)
	}

	query := "SELECT data FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Task, 0)
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t, err := decodeTask(data)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE task_id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	if n == 0 {
		return &TaskNotFoundError{ID: id}
	}
	return nil
}

// Close closes the database. Calling Close more than once is safe.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decodeTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return t, nil
}
