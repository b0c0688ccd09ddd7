// Package store persists shepherd's state: filesystems, data items, jobs,
// tasks, and attempts, plus the derived views the dispatch loop and CLI
// read from.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested ID does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an insert would violate a uniqueness
// invariant (duplicate filesystem name, duplicate (source,target) within
// a job, duplicate target, and so on).
var ErrConflict = errors.New("store: conflict")

// ErrSchemaMismatch is returned by NewSQLiteStore and NewMySQLStore when an
// existing database's schema_version row does not match the schema version
// this build expects.
// There is no migration path; operators must start a fresh store.
var ErrSchemaMismatch = errors.New("store: schema version mismatch")

// Store is the state-store capability: CRUD over the domain model plus
// the read-only derived views. Implementations must make CreateJob,
// InsertTask, ClaimTodo, and RecordAttemptFinish safe for concurrent
// callers, since the dispatch loop may run fanned out across multiple
// processes sharing one store.
type Store interface {
	// CreateFilesystem registers a filesystem for job. Name must be
	// unique within the job.
	CreateFilesystem(ctx context.Context, jobID string, fs Filesystem) (Filesystem, error)

	// GetOrCreateDataItem returns the existing DataItem for
	// (filesystemID, address) or creates one if absent.
	GetOrCreateDataItem(ctx context.Context, filesystemID, address string) (DataItem, error)

	// SetDataItemSize records the size in bytes of dataID's address.
	// Sizes feed the job_throughput view's bytes/sec and todo's ETA
	// estimate; a data item without one contributes no bytes/sec sample
	// and gets no ETA, though its attempts still count toward the
	// failure rate.
	SetDataItemSize(ctx context.Context, dataID string, size int64) error

	// RecordChecksum records an (algorithm, checksum) pair for dataID.
	// A re-checksum under the same algorithm replaces the previous row
	// for that (data item, algorithm) pair; the data item itself is
	// never mutated.
	RecordChecksum(ctx context.Context, dataID, algorithm, checksum string) error

	// CreateJob inserts a new Job in its prepare phase.
	CreateJob(ctx context.Context, clientRef string, maxAttempts int) (Job, error)

	// GetJob returns a job by ID.
	GetJob(ctx context.Context, jobID string) (Job, error)

	// FinishPreparePhase closes job's prepare phase and opens transfer.
	FinishPreparePhase(ctx context.Context, jobID string) error

	// FinishTransferPhase closes job's transfer phase.
	FinishTransferPhase(ctx context.Context, jobID string) error

	// InsertTask inserts a single task, enforcing source != target,
	// dependency != self, and target and (source,target) uniqueness
	// within the job. Expanding a multi-hop chain for one file must use
	// InsertTaskChain instead, so that all of that file's tasks are
	// rolled back together on any failure; a bare loop of InsertTask
	// calls over a chain is not atomic.
	InsertTask(ctx context.Context, task Task) (Task, error)

	// InsertTaskChain inserts tasks as a single all-or-none unit: if any
	// task in tasks
	// fails its invariants or uniqueness constraints, none of them are
	// persisted. Callers assign each task's ID (and any DependencyTaskID
	// chaining to a sibling's ID) before calling, since the chain must be
	// fully formed before any row is written.
	InsertTaskChain(ctx context.Context, tasks []Task) ([]Task, error)

	// GetTask returns a task by ID.
	GetTask(ctx context.Context, taskID string) (Task, error)

	// TaskStatus returns the task_status row for taskID.
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)

	// JobStatus returns the job_status rows for jobID.
	JobStatus(ctx context.Context, jobID string) ([]JobStatusCounts, error)

	// JobThroughput returns the job_throughput rows for jobID.
	JobThroughput(ctx context.Context, jobID string) ([]JobThroughput, error)

	// FilesystemStatus returns the filesystem_status rows for jobID.
	FilesystemStatus(ctx context.Context, jobID string) ([]FilesystemStatus, error)

	// Todo returns the current todo eligibility view for jobID, ordered
	// by ETA ascending with nulls last. It does not claim
	// anything; ClaimTodo is the dispatch-loop act that does.
	Todo(ctx context.Context, jobID string) ([]TodoItem, error)

	// ClaimTodo selects up to limit eligible tasks for jobID, ordered by
	// ETA ascending with nulls last, and atomically inserts a
	// new inflight Attempt for each — the act that removes them from
	// todo. Returns the created attempts paired with their tasks.
	ClaimTodo(ctx context.Context, jobID string, limit int) ([]ClaimedAttempt, error)

	// RecordAttemptFinish sets an attempt's finish time and exit code.
	RecordAttemptFinish(ctx context.Context, attemptID string, exitCode int) error

	// Close releases any underlying resources (database connections).
	Close() error
}

// ClaimedAttempt pairs a freshly claimed Attempt with the Task it is an
// attempt of, as returned by ClaimTodo.
type ClaimedAttempt struct {
	Attempt Attempt
	Task    Task
}
