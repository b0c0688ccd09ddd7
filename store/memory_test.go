package store

import (
	"context"
	"testing"
	"time"
)

func todoTaskIDs(t *testing.T, items []TodoItem) map[string]bool {
	t.Helper()
	out := make(map[string]bool, len(items))
	for _, it := range items {
		out[it.Task.ID] = true
	}
	return out
}

// TestScenario_TodoEligibility walks a two-task retry/dependency
// scenario against MemoryStore: max_attempts=3, one filesystem "xyzzy"
// (max_concurrency=10), data items foo/bar/quux, T1: foo->bar,
// T2: bar->quux depends on T1.
func TestScenario_TodoEligibility(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

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
		t.Fatalf("GetOrCreateDataItem(foo): %v", err)
	}
	bar, err := s.GetOrCreateDataItem(ctx, xyzzy.ID, "bar")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem(bar): %v", err)
	}
	quux, err := s.GetOrCreateDataItem(ctx, xyzzy.ID, "quux")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem(quux): %v", err)
	}

	t1, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: foo.ID, TargetDataID: bar.ID, Script: "abc123"})
	if err != nil {
		t.Fatalf("InsertTask(T1): %v", err)
	}
	t2, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: bar.ID, TargetDataID: quux.ID, Script: "123abc", DependencyTaskID: &t1.ID})
	if err != nil {
		t.Fatalf("InsertTask(T2): %v", err)
	}

	// 1. initial: T1 only.
	todo, err := s.Todo(ctx, job.ID)
	if err != nil {
		t.Fatalf("Todo: %v", err)
	}
	ids := todoTaskIDs(t, todo)
	if !ids[t1.ID] || ids[t2.ID] {
		t.Fatalf("step 1: want {T1}, got %+v", ids)
	}

	// 2. insert attempt(T1, exit=null) -> empty.
	claimed, err := s.ClaimTodo(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("ClaimTodo: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Task.ID != t1.ID {
		t.Fatalf("step 2: want to claim T1, got %+v", claimed)
	}
	a1 := claimed[0].Attempt.ID
	todo, _ = s.Todo(ctx, job.ID)
	if len(todo) != 0 {
		t.Fatalf("step 2: want empty todo, got %+v", todo)
	}

	// 3. attempt(T1).exit = 1 -> T1 only.
	if err := s.RecordAttemptFinish(ctx, a1, 1); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	ids = todoTaskIDs(t, todo)
	if !ids[t1.ID] || ids[t2.ID] {
		t.Fatalf("step 3: want {T1}, got %+v", ids)
	}

	// 4. insert attempt(T1, exit=0) -> T2 only.
	claimed, err = s.ClaimTodo(ctx, job.ID, 10)
	if err != nil || len(claimed) != 1 || claimed[0].Task.ID != t1.ID {
		t.Fatalf("step 4: want to claim T1, got %+v, err %v", claimed, err)
	}
	a2 := claimed[0].Attempt.ID
	if err := s.RecordAttemptFinish(ctx, a2, 0); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	ids = todoTaskIDs(t, todo)
	if ids[t1.ID] || !ids[t2.ID] {
		t.Fatalf("step 4: want {T2}, got %+v", ids)
	}

	// 5. artificially update latest attempt(T1).exit = 1 -> T1 only.
	if err := s.RecordAttemptFinish(ctx, a2, 1); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	ids = todoTaskIDs(t, todo)
	if !ids[t1.ID] || ids[t2.ID] {
		t.Fatalf("step 5: want {T1}, got %+v", ids)
	}

	// 6. insert attempt(T1, exit=1) -> 3 failures -> empty (T1 terminal).
	claimed, err = s.ClaimTodo(ctx, job.ID, 10)
	if err != nil || len(claimed) != 1 || claimed[0].Task.ID != t1.ID {
		t.Fatalf("step 6: want to claim T1, got %+v, err %v", claimed, err)
	}
	a3 := claimed[0].Attempt.ID
	if err := s.RecordAttemptFinish(ctx, a3, 1); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	if len(todo) != 0 {
		t.Fatalf("step 6: want empty todo (T1 terminal), got %+v", todo)
	}

	// 7. update the last attempt(T1).exit = 0 -> T2 only.
	if err := s.RecordAttemptFinish(ctx, a3, 0); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	ids = todoTaskIDs(t, todo)
	if ids[t1.ID] || !ids[t2.ID] {
		t.Fatalf("step 7: want {T2}, got %+v", ids)
	}

	// 8. insert attempt(T2, exit=0) -> empty.
	claimed, err = s.ClaimTodo(ctx, job.ID, 10)
	if err != nil || len(claimed) != 1 || claimed[0].Task.ID != t2.ID {
		t.Fatalf("step 8: want to claim T2, got %+v, err %v", claimed, err)
	}
	a4 := claimed[0].Attempt.ID
	if err := s.RecordAttemptFinish(ctx, a4, 0); err != nil {
		t.Fatalf("RecordAttemptFinish: %v", err)
	}
	todo, _ = s.Todo(ctx, job.ID)
	if len(todo) != 0 {
		t.Fatalf("step 8: want empty todo, got %+v", todo)
	}
}

func TestInsertTask_Invariants(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job, _ := s.CreateJob(ctx, "ref", 3)
	fs, _ := s.CreateFilesystem(ctx, job.ID, Filesystem{Name: "xyzzy", MaxConcurrency: 1})
	foo, _ := s.GetOrCreateDataItem(ctx, fs.ID, "foo")
	bar, _ := s.GetOrCreateDataItem(ctx, fs.ID, "bar")

	if _, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: foo.ID, TargetDataID: foo.ID}); err == nil {
		t.Fatal("want error for source == target")
	}

	if _, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: foo.ID, TargetDataID: bar.ID}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if _, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: bar.ID, TargetDataID: bar.ID}); err == nil {
		t.Fatal("want error for source == target")
	}

	// Duplicate target within job.
	quux, _ := s.GetOrCreateDataItem(ctx, fs.ID, "quux")
	if _, err := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: quux.ID, TargetDataID: bar.ID}); err == nil {
		t.Fatal("want error for duplicate target within job")
	}
}

func TestFilesystemStatus_Concurrency(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job, _ := s.CreateJob(ctx, "ref", 3)
	_ = s.FinishPreparePhase(ctx, job.ID)
	fs, _ := s.CreateFilesystem(ctx, job.ID, Filesystem{Name: "xyzzy", MaxConcurrency: 1})
	foo, _ := s.GetOrCreateDataItem(ctx, fs.ID, "foo")
	bar, _ := s.GetOrCreateDataItem(ctx, fs.ID, "bar")
	quux, _ := s.GetOrCreateDataItem(ctx, fs.ID, "quux")

	t1, _ := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: foo.ID, TargetDataID: bar.ID})
	_, _ = s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: bar.ID, TargetDataID: quux.ID, DependencyTaskID: &t1.ID})

	claimed, err := s.ClaimTodo(ctx, job.ID, 10)
	if err != nil {
		t.Fatalf("ClaimTodo: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("want exactly 1 claimed (fs at capacity), got %d", len(claimed))
	}

	statuses, err := s.FilesystemStatus(ctx, job.ID)
	if err != nil {
		t.Fatalf("FilesystemStatus: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Concurrency != 1 {
		t.Fatalf("want concurrency 1, got %+v", statuses)
	}
}

func TestDataItemSizeAndChecksum(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job, _ := s.CreateJob(ctx, "ref", 3)
	fs, _ := s.CreateFilesystem(ctx, job.ID, Filesystem{Name: "xyzzy", MaxConcurrency: 1})
	item, _ := s.GetOrCreateDataItem(ctx, fs.ID, "foo")

	if err := s.SetDataItemSize(ctx, item.ID, 1024); err != nil {
		t.Fatalf("SetDataItemSize: %v", err)
	}
	if err := s.RecordChecksum(ctx, item.ID, "md5", "aaa"); err != nil {
		t.Fatalf("RecordChecksum: %v", err)
	}
	// A re-checksum under the same algorithm replaces the previous pair.
	if err := s.RecordChecksum(ctx, item.ID, "md5", "bbb"); err != nil {
		t.Fatalf("RecordChecksum: %v", err)
	}
	if err := s.RecordChecksum(ctx, item.ID, "sha256", "ccc"); err != nil {
		t.Fatalf("RecordChecksum: %v", err)
	}

	got, _ := s.GetOrCreateDataItem(ctx, fs.ID, "foo")
	if got.Size == nil || *got.Size != 1024 {
		t.Fatalf("want size 1024, got %v", got.Size)
	}
	if len(got.Checksums) != 2 {
		t.Fatalf("want 2 checksums, got %+v", got.Checksums)
	}
	for _, c := range got.Checksums {
		if c.Algorithm == "md5" && c.Checksum != "bbb" {
			t.Fatalf("md5 re-checksum not replaced: %+v", c)
		}
	}

	if err := s.SetDataItemSize(ctx, "no-such-id", 1); err != ErrNotFound {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestTodoETAFromThroughput(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job, _ := s.CreateJob(ctx, "ref", 3)
	_ = s.FinishPreparePhase(ctx, job.ID)
	fs, _ := s.CreateFilesystem(ctx, job.ID, Filesystem{Name: "xyzzy", MaxConcurrency: 10})
	a, _ := s.GetOrCreateDataItem(ctx, fs.ID, "a")
	b, _ := s.GetOrCreateDataItem(ctx, fs.ID, "b")
	c, _ := s.GetOrCreateDataItem(ctx, fs.ID, "c")
	d, _ := s.GetOrCreateDataItem(ctx, fs.ID, "d")
	_ = s.SetDataItemSize(ctx, a.ID, 4096)
	_ = s.SetDataItemSize(ctx, c.ID, 8192)

	_, _ = s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: a.ID, TargetDataID: b.ID})
	t2, _ := s.InsertTask(ctx, Task{JobID: job.ID, SourceDataID: c.ID, TargetDataID: d.ID})

	claimed, err := s.ClaimTodo(ctx, job.ID, 10)
	if err != nil || len(claimed) != 2 {
		t.Fatalf("ClaimTodo: %+v, err %v", claimed, err)
	}
	time.Sleep(2 * time.Millisecond)
	for _, cl := range claimed {
		code := 0
		if cl.Task.ID == t2.ID {
			code = 1
		}
		if err := s.RecordAttemptFinish(ctx, cl.Attempt.ID, code); err != nil {
			t.Fatalf("RecordAttemptFinish: %v", err)
		}
	}

	// T2 is retryable and throughput history now exists for the
	// (xyzzy, xyzzy) pair, so its todo row carries an estimate.
	todo, err := s.Todo(ctx, job.ID)
	if err != nil {
		t.Fatalf("Todo: %v", err)
	}
	if len(todo) != 1 || todo[0].Task.ID != t2.ID {
		t.Fatalf("want {T2}, got %+v", todo)
	}
	if todo[0].ETA == nil || *todo[0].ETA <= 0 {
		t.Fatalf("want positive ETA, got %v", todo[0].ETA)
	}
}
