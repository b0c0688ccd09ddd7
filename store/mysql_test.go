package store

import (
	"context"
	"os"
	"testing"
)

// newTestMySQLStore skips the test unless SHEPHERD_TEST_MYSQL_DSN names a
// reachable server: unlike SQLite, MySQL has no in-process ":memory:"
// mode, so this suite only runs where a throwaway database is available.
func newTestMySQLStore(t *testing.T) *MySQLStore {
	t.Helper()
	dsn := os.Getenv("SHEPHERD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SHEPHERD_TEST_MYSQL_DSN not set, skipping MySQL-backed store tests")
	}
	s, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("NewMySQLStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestMySQLStore_Scenario runs a single task through claim and a
// successful finish against the MySQL backend; both SQL backends share
// every query through sqlStore and differ in schema DDL, connection
// setup, and ClaimTodo's locking.
func TestMySQLStore_Scenario(t *testing.T) {
	ctx := context.Background()
	s := newTestMySQLStore(t)

	job, err := s.CreateJob(ctx, "client-ref", 3)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.FinishPreparePhase(ctx, job.ID); err != nil {
		t.Fatalf("FinishPreparePhase: %v", err)
	}

	xyzzy, err := s.CreateFilesystem(ctx, job.ID, Filesystem{Name: "xyzzy", MaxConcurrency: 10})
	if err != nil {
		t.Fatalf("CreateFilesystem: %v", err)
	}
	foo, err := s.GetOrCreateDataItem(ctx, xyzzy.ID, "foo")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem: %v", err)
	}
	bar, err := s.GetOrCreateDataItem(ctx, xyzzy.ID, "bar")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem: %v", err)
	}

	task, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: foo.ID, TargetDataID: bar.ID, Script: "cp foo bar"})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}

	claimed, err := s.ClaimTodo(ctx, job.ID, -1)
	if err != nil {
		t.Fatalf("ClaimTodo: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Task.ID != task.ID {
		t.Fatalf("expected to claim the one eligible task, got %+v", claimed)
	}

	if err := s.RecordAttemptFinish(ctx, claimed[0].Attempt.ID, 0); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}

	status, err := s.TaskStatus(ctx, task.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if !status.Succeeded {
		t.Errorf("expected task to have succeeded, got %+v", status)
	}
}

// TestNewMySQLStoreIdempotent confirms a second connection against the
// same database does not fail on re-creating indexes (see
// isDuplicateIndexError).
func TestNewMySQLStoreIdempotent(t *testing.T) {
	dsn := os.Getenv("SHEPHERD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SHEPHERD_TEST_MYSQL_DSN not set, skipping MySQL-backed store tests")
	}

	first, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("first NewMySQLStore: %v", err)
	}
	defer func() { _ = first.Close() }()

	second, err := NewMySQLStore(dsn)
	if err != nil {
		t.Fatalf("second NewMySQLStore should not fail on existing schema: %v", err)
	}
	defer func() { _ = second.Close() }()
}
