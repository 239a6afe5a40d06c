package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockMySQLStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS checkpoints")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewMySQLStoreFromDB(db)
	if err != nil {
		t.Fatalf("NewMySQLStoreFromDB: %v", err)
	}
	return s, mock
}

func TestMySQLStore_Save(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)

	t.Run("explicit version", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
			WithArgs("cp-1", "run-1", "transform", []byte(`{"a":1}`), created.UnixNano(), int64(3), 2).
			WillReturnResult(sqlmock.NewResult(1, 1))

		id, err := s.Save(ctx, Checkpoint{
			ID:           "cp-1",
			RunID:        "run-1",
			NodeName:     "transform",
			State:        []byte(`{"a":1}`),
			CreatedAt:    created,
			StateVersion: 3,
			Iteration:    2,
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
		if id != "cp-1" {
			t.Errorf("id = %s, want cp-1", id)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("assigns next version", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(state_version), 0) FROM checkpoints WHERE run_id = ?")).
			WithArgs("run-1").
			WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow(int64(4)))
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
			WithArgs(sqlmock.AnyArg(), "run-1", "end", []byte(`{}`), created.UnixNano(), int64(5), 0).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if _, err := s.Save(ctx, Checkpoint{RunID: "run-1", NodeName: "end", State: []byte(`{}`), CreatedAt: created}); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("exec failure", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO checkpoints")).
			WillReturnError(errors.New("connection reset"))

		_, err := s.Save(ctx, Checkpoint{RunID: "r", NodeName: "n", StateVersion: 1})
		if err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestMySQLStore_Get(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	cols := []string{"checkpoint_id", "run_id", "node_name", "state", "created_at", "state_version", "iteration"}

	t.Run("found", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE checkpoint_id = ?")).
			WithArgs("cp-1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("cp-1", "run-1", "start", []byte(`{"x":true}`), created.UnixNano(), int64(1), 1))

		cp, err := s.Get(ctx, "cp-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cp.RunID != "run-1" || cp.NodeName != "start" || cp.Iteration != 1 {
			t.Errorf("unexpected checkpoint %+v", cp)
		}
		if !cp.CreatedAt.Equal(created) {
			t.Errorf("CreatedAt = %v, want %v", cp.CreatedAt, created)
		}
	})

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("FROM checkpoints WHERE checkpoint_id = ?")).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows(cols))

		if _, err := s.Get(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("latest", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC, state_version DESC LIMIT 1")).
			WithArgs("run-1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("cp-9", "run-1", "end", []byte(`{}`), created.UnixNano(), int64(9), 9))

		cp, err := s.GetLatest(ctx, "run-1")
		if err != nil {
			t.Fatalf("GetLatest: %v", err)
		}
		if cp.ID != "cp-9" {
			t.Errorf("ID = %s, want cp-9", cp.ID)
		}
	})
}

func TestMySQLStore_Delete(t *testing.T) {
	ctx := context.Background()

	t.Run("missing", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE checkpoint_id = ?")).
			WithArgs("nope").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("older than", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)
		cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM checkpoints WHERE created_at < ?")).
			WithArgs(cutoff.UnixNano()).
			WillReturnResult(sqlmock.NewResult(0, 7))

		n, err := s.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			t.Fatalf("DeleteOlderThan: %v", err)
		}
		if n != 7 {
			t.Errorf("n = %d, want 7", n)
		}
	})

	t.Run("close", func(t *testing.T) {
		s, mock := newMockMySQLStore(t)
		mock.ExpectClose()

		if err := s.Close(); err != nil {
			t.Fatalf("Close: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("second Close: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})
}
