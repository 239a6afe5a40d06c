package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of Store.
//
// It keeps checkpoints in a single-file database and is intended for
// development and single-process deployments that still need checkpoints to
// survive a restart. WAL mode is enabled so readers are not blocked by the
// writer.
//
// Schema:
//   - checkpoints: one row per checkpoint, indexed by (run_id, created_at)
//
// created_at is stored as Unix nanoseconds so ordering within a run is exact.
type SQLiteStore struct {
	table *sqlTable
	path  string
}

// NewSQLiteStore opens (or creates) the database at path.
//
// Use ":memory:" for a throwaway database in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		table: &sqlTable{
			db: db,
			upsert: "INSERT INTO checkpoints (" + checkpointColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?) " +
				"ON CONFLICT(checkpoint_id) DO UPDATE SET run_id = excluded.run_id, node_name = excluded.node_name, " +
				"state = excluded.state, created_at = excluded.created_at, " +
				"state_version = excluded.state_version, iteration = excluded.iteration",
			now: time.Now,
		},
		path: path,
	}

	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_name TEXT NOT NULL,
			state BLOB NOT NULL,
			created_at INTEGER NOT NULL,
			state_version INTEGER NOT NULL,
			iteration INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := s.table.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	if _, err := s.table.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_run_created ON checkpoints(run_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_run_created: %w", err)
	}
	if _, err := s.table.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_created ON checkpoints(created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_created: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, cp Checkpoint) (string, error) {
	return s.table.save(ctx, cp)
}

func (s *SQLiteStore) Get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	return s.table.get(ctx, checkpointID)
}

func (s *SQLiteStore) GetLatest(ctx context.Context, runID string) (Checkpoint, error) {
	return s.table.getLatest(ctx, runID)
}

func (s *SQLiteStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	return s.table.list(ctx, runID)
}

func (s *SQLiteStore) Delete(ctx context.Context, checkpointID string) error {
	return s.table.delete(ctx, checkpointID)
}

func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.table.deleteOlderThan(ctx, cutoff)
}

// Close closes the database. Calling Close more than once is safe.
func (s *SQLiteStore) Close() error {
	return s.table.close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.table.checkOpen(); err != nil {
		return err
	}
	return s.table.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}
