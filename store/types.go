package store

import "time"

// Filesystem is a registered transfer endpoint. Identity is Name within a
// job; immutable once created.
type Filesystem struct {
	ID             string
	JobID          string
	Name           string
	DriverKey      string
	Options        map[string]string
	MaxConcurrency int
}

// DataItem is an opaque addressable unit on a Filesystem. Its filesystem
// and address never change after creation; Size may be recorded later by
// SetDataItemSize, and a re-checksum replaces the Checksum row for that
// algorithm rather than touching the data item.
type DataItem struct {
	ID           string
	FilesystemID string
	Address      string
	Size         *int64
	Checksums    []Checksum
	Metadata     map[string]string
}

// Checksum is one (algorithm, checksum) pair recorded for a DataItem.
type Checksum struct {
	Algorithm string
	Checksum  string
}

// Job is one transfer run: a set of tasks moving data from a source
// filesystem to a target filesystem under a planned route.
type Job struct {
	ID            string
	ClientRef     string
	MaxAttempts   int
	PreparePhase  Phase
	TransferPhase Phase
}

// Phase is one of a Job's two timestamped lifecycle windows.
type Phase struct {
	Start  *time.Time
	Finish *time.Time
}

// Open reports whether the phase has not yet finished.
func (p Phase) Open() bool { return p.Finish == nil }

// Task is one chained transfer step: move SourceDataID to TargetDataID by
// running Script. DependencyTaskID, if set, must succeed before Task is
// eligible.
type Task struct {
	ID               string
	JobID            string
	SourceDataID     string
	TargetDataID     string
	Script           string
	DependencyTaskID *string
}

// Attempt is one execution of a Task. ExitCode is nil while inflight.
type Attempt struct {
	ID       string
	TaskID   string
	Start    time.Time
	Finish   *time.Time
	ExitCode *int
}

// Inflight reports whether the attempt has not yet finished.
func (a Attempt) Inflight() bool { return a.ExitCode == nil }

// Succeeded reports whether the attempt finished with exit code 0.
func (a Attempt) Succeeded() bool { return a.ExitCode != nil && *a.ExitCode == 0 }

// Failed reports whether the attempt finished with a non-zero exit code.
func (a Attempt) Failed() bool { return a.ExitCode != nil && *a.ExitCode != 0 }

// TaskStatus is one row of the task_status derived view: the most recent
// attempt of a task (attempt=0 for a task with no attempts at all).
type TaskStatus struct {
	TaskID       string
	AttemptID    string // empty when AttemptCount == 0
	AttemptCount int
	Succeeded    bool
	Failed       bool
	Inflight     bool
}

// JobStatusCounts is one row of the job_status derived view: counts over
// the latest attempt of every task in (job, source_fs, target_fs).
type JobStatusCounts struct {
	JobID     string
	SourceFS  string
	TargetFS  string
	Pending   int
	Running   int
	Failed    int
	Succeeded int
}

// JobThroughput is one row of the job_throughput derived view.
type JobThroughput struct {
	JobID       string
	SourceFS    string
	TargetFS    string
	BytesPerSec float64
	FailureRate float64
}

// FilesystemStatus is one row of the filesystem_status derived view: a
// filesystem's current inflight-attempt concurrency within a job.
type FilesystemStatus struct {
	JobID          string
	Filesystem     string
	Concurrency    int
	MaxConcurrency int
}

// TodoItem is one row of the todo eligibility view: a Task that is
// currently eligible for dispatch, with an optional ETA estimate.
type TodoItem struct {
	Task Task
	ETA  *float64 // size / (transfer_rate * (1 - failure_rate)); nil when unknown
}
