package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL implementation of Store.
//
// It is intended for deployments where several processes execute runs
// against one shared checkpoint table. The schema matches SQLiteStore:
// one checkpoints table indexed by (run_id, created_at).
type MySQLStore struct {
	table *sqlTable
}

// NewMySQLStore connects using a go-sql-driver DSN, for example
// "user:pass@tcp(localhost:3306)/workflows".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s, err := NewMySQLStoreFromDB(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewMySQLStoreFromDB wraps an existing connection pool and creates the
// schema if needed. The store takes ownership of db.
func NewMySQLStoreFromDB(db *sql.DB) (*MySQLStore, error) {
	s := &MySQLStore{
		table: &sqlTable{
			db: db,
			upsert: "INSERT INTO checkpoints (" + checkpointColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?) " +
				"ON DUPLICATE KEY UPDATE run_id = VALUES(run_id), node_name = VALUES(node_name), " +
				"state = VALUES(state), created_at = VALUES(created_at), " +
				"state_version = VALUES(state_version), iteration = VALUES(iteration)",
			now: time.Now,
		},
	}
	if err := s.createTables(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id VARCHAR(64) NOT NULL PRIMARY KEY,
			run_id VARCHAR(255) NOT NULL,
			node_name VARCHAR(255) NOT NULL,
			state LONGBLOB NOT NULL,
			created_at BIGINT NOT NULL,
			state_version BIGINT NOT NULL,
			iteration INT NOT NULL DEFAULT 0,
			INDEX idx_checkpoints_run_created (run_id, created_at),
			INDEX idx_checkpoints_created (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.table.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create checkpoints table: %w", err)
	}
	return nil
}

func (s *MySQLStore) Save(ctx context.Context, cp Checkpoint) (string, error) {
	return s.table.save(ctx, cp)
}

func (s *MySQLStore) Get(ctx context.Context, checkpointID string) (Checkpoint, error) {
	return s.table.get(ctx, checkpointID)
}

func (s *MySQLStore) GetLatest(ctx context.Context, runID string) (Checkpoint, error) {
	return s.table.getLatest(ctx, runID)
}

func (s *MySQLStore) List(ctx context.Context, runID string) ([]Checkpoint, error) {
	return s.table.list(ctx, runID)
}

func (s *MySQLStore) Delete(ctx context.Context, checkpointID string) error {
	return s.table.delete(ctx, checkpointID)
}

func (s *MySQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	return s.table.deleteOlderThan(ctx, cutoff)
}

// Close closes the connection pool.
func (s *MySQLStore) Close() error {
	return s.table.close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.table.checkOpen(); err != nil {
		return err
	}
	return s.table.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (s *MySQLStore) Stats() sql.DBStats {
	return s.table.db.Stats()
}
