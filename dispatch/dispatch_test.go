package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wtsi-hgi/shepherd-go/capability"
	"github.com/wtsi-hgi/shepherd-go/emit"
	"github.com/wtsi-hgi/shepherd-go/store"
)

// fakeDispatcher resolves immediately, with the exit code returned by exit
// (0 when exit is nil).
type fakeDispatcher struct {
	mu    sync.Mutex
	calls int
	exit  func(script string) int
}

func (f *fakeDispatcher) Submit(_ context.Context, _ string, script string, _ capability.ResourceRequest) (<-chan capability.Outcome, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	code := 0
	if f.exit != nil {
		code = f.exit(script)
	}
	ch := make(chan capability.Outcome, 1)
	ch <- capability.Outcome{ExitCode: code, StartedAt: time.Now(), FinishedAt: time.Now()}
	close(ch)
	return ch, nil
}

func setupJob(t *testing.T, maxAttempts int) (store.Store, string) {
	t.Helper()
	st := store.NewMemoryStore()
	job, err := st.CreateJob(context.Background(), "client", maxAttempts)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	fs, err := st.CreateFilesystem(context.Background(), job.ID, store.Filesystem{Name: "xyzzy", MaxConcurrency: 10})
	if err != nil {
		t.Fatalf("CreateFilesystem: %v", err)
	}
	src, err := st.GetOrCreateDataItem(context.Background(), fs.ID, "/foo")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem: %v", err)
	}
	tgt, err := st.GetOrCreateDataItem(context.Background(), fs.ID, "/bar")
	if err != nil {
		t.Fatalf("GetOrCreateDataItem: %v", err)
	}
	if _, err := st.InsertTask(context.Background(), store.Task{JobID: job.ID, SourceDataID: src.ID, TargetDataID: tgt.ID, Script: "cp /foo /bar"}); err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	if err := st.FinishPreparePhase(context.Background(), job.ID); err != nil {
		t.Fatalf("FinishPreparePhase: %v", err)
	}
	return st, job.ID
}

func TestLoopRunCompletesOnSuccess(t *testing.T) {
	st, jobID := setupJob(t, 3)
	fd := &fakeDispatcher{}
	loop := New(st, fd, emit.NewNullEmitter(), nil, jobID)
	loop.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	job, err := st.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job.TransferPhase.Finish == nil {
		t.Fatal("expected transfer phase to be finished")
	}
	if fd.calls != 1 {
		t.Errorf("expected exactly 1 dispatcher call, got %d", fd.calls)
	}
}

func TestLoopRunRetriesThenTerminates(t *testing.T) {
	st, jobID := setupJob(t, 2)
	fd := &fakeDispatcher{exit: func(string) int { return 1 }}
	loop := New(st, fd, emit.NewNullEmitter(), nil, jobID)
	loop.PollInterval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	fd.mu.Lock()
	calls := fd.calls
	fd.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected exactly max_attempts=2 dispatcher calls, got %d", calls)
	}

	rows, err := st.JobStatus(context.Background(), jobID)
	if err != nil {
		t.Fatalf("JobStatus: %v", err)
	}
	if len(rows) != 1 || rows[0].Failed != 1 {
		t.Errorf("expected one terminally-failed row, got %+v", rows)
	}
}

// hangingDispatcher returns futures that never resolve, standing in for
// an executor that outlives the dispatcher's own shutdown.
type hangingDispatcher struct{}

func (hangingDispatcher) Submit(context.Context, string, string, capability.ResourceRequest) (<-chan capability.Outcome, error) {
	return make(chan capability.Outcome), nil
}

func TestLoopRunRecordsCancelledAttempt(t *testing.T) {
	st, jobID := setupJob(t, 3)

	todo, err := st.Todo(context.Background(), jobID)
	if err != nil || len(todo) != 1 {
		t.Fatalf("Todo: %+v, err %v", todo, err)
	}
	taskID := todo[0].Task.ID

	loop := New(st, hangingDispatcher{}, emit.NewNullEmitter(), nil, jobID)
	loop.PollInterval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	if err := loop.Run(ctx); err != context.Canceled {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	// The cancelled attempt must still have been recorded as finished
	// with a non-zero exit code, not left inflight.
	status, err := st.TaskStatus(context.Background(), taskID)
	if err != nil {
		t.Fatalf("TaskStatus: %v", err)
	}
	if status.Inflight {
		t.Fatal("cancelled attempt left inflight; task is stuck out of todo")
	}
	if !status.Failed {
		t.Fatalf("want cancelled attempt recorded as failed, got %+v", status)
	}
}

func TestLoopRunFailsWithoutDispatcher(t *testing.T) {
	st, jobID := setupJob(t, 1)
	loop := New(st, nil, emit.NewNullEmitter(), nil, jobID)
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("expected error when no Dispatcher is configured")
	}
}
