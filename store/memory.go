package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store, used by tests and by callers that do
// not need cross-process dispatch. Correctness relies on the store, not
// on mutual exclusion between dispatchers, so a single in-process
// MemoryStore trivially satisfies that.
type MemoryStore struct {
	mu sync.Mutex

	filesystems map[string]Filesystem
	fsByJobName map[string]map[string]string // jobID -> name -> filesystemID

	dataItems    map[string]DataItem
	dataByFsAddr map[string]string // filesystemID+"\x00"+address -> dataID

	jobs map[string]Job

	tasks map[string]Task

	attempts     map[string]Attempt
	attemptOrder map[string][]string // taskID -> attemptIDs, chronological
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		filesystems:  make(map[string]Filesystem),
		fsByJobName:  make(map[string]map[string]string),
		dataItems:    make(map[string]DataItem),
		dataByFsAddr: make(map[string]string),
		jobs:         make(map[string]Job),
		tasks:        make(map[string]Task),
		attempts:     make(map[string]Attempt),
		attemptOrder: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateFilesystem(_ context.Context, jobID string, fs Filesystem) (Filesystem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.fsByJobName[jobID]; !ok {
		m.fsByJobName[jobID] = make(map[string]string)
	}
	if _, exists := m.fsByJobName[jobID][fs.Name]; exists {
		return Filesystem{}, fmt.Errorf("%w: filesystem %q already registered for job %q", ErrConflict, fs.Name, jobID)
	}

	fs.ID = uuid.NewString()
	fs.JobID = jobID
	m.filesystems[fs.ID] = fs
	m.fsByJobName[jobID][fs.Name] = fs.ID
	return fs, nil
}

func (m *MemoryStore) GetOrCreateDataItem(_ context.Context, filesystemID, address string) (DataItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := filesystemID + "\x00" + address
	if id, ok := m.dataByFsAddr[key]; ok {
		return m.dataItems[id], nil
	}

	item := DataItem{ID: uuid.NewString(), FilesystemID: filesystemID, Address: address}
	m.dataItems[item.ID] = item
	m.dataByFsAddr[key] = item.ID
	return item, nil
}

func (m *MemoryStore) SetDataItemSize(_ context.Context, dataID string, size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.dataItems[dataID]
	if !ok {
		return ErrNotFound
	}
	item.Size = &size
	m.dataItems[dataID] = item
	return nil
}

func (m *MemoryStore) RecordChecksum(_ context.Context, dataID, algorithm, checksum string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.dataItems[dataID]
	if !ok {
		return ErrNotFound
	}
	kept := make([]Checksum, 0, len(item.Checksums)+1)
	for _, c := range item.Checksums {
		if c.Algorithm != algorithm {
			kept = append(kept, c)
		}
	}
	item.Checksums = append(kept, Checksum{Algorithm: algorithm, Checksum: checksum})
	m.dataItems[dataID] = item
	return nil
}

func (m *MemoryStore) CreateJob(_ context.Context, clientRef string, maxAttempts int) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	job := Job{
		ID:           uuid.NewString(),
		ClientRef:    clientRef,
		MaxAttempts:  maxAttempts,
		PreparePhase: Phase{Start: &now},
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *MemoryStore) GetJob(_ context.Context, jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return job, nil
}

func (m *MemoryStore) FinishPreparePhase(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	job.PreparePhase.Finish = &now
	job.TransferPhase.Start = &now
	m.jobs[jobID] = job
	return nil
}

func (m *MemoryStore) FinishTransferPhase(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	job.TransferPhase.Finish = &now
	m.jobs[jobID] = job
	return nil
}

// insertTaskLocked validates task's invariants and inserts it, assigning
// a fresh ID unless the caller already set one. InsertTaskChain
// pre-assigns IDs across a whole file's hop chain before any task is
// stored, so a later hop can reference an earlier hop's ID as its
// dependency before that earlier hop is itself committed.
func (m *MemoryStore) insertTaskLocked(task Task) (Task, error) {
	if task.SourceDataID == task.TargetDataID {
		return Task{}, fmt.Errorf("%w: source == target", ErrConflict)
	}

	for _, existing := range m.tasks {
		if existing.JobID != task.JobID {
			continue
		}
		if existing.TargetDataID == task.TargetDataID {
			return Task{}, fmt.Errorf("%w: target %q already written by another task in this job", ErrConflict, task.TargetDataID)
		}
		if existing.SourceDataID == task.SourceDataID && existing.TargetDataID == task.TargetDataID {
			return Task{}, fmt.Errorf("%w: (source,target) pair already present in this job", ErrConflict)
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.DependencyTaskID != nil && *task.DependencyTaskID == task.ID {
		return Task{}, fmt.Errorf("%w: dependency == self", ErrConflict)
	}
	m.tasks[task.ID] = task
	return task, nil
}

func (m *MemoryStore) InsertTask(_ context.Context, task Task) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task.ID = ""
	return m.insertTaskLocked(task)
}

// InsertTaskChain inserts tasks as a single all-or-none unit: if any
// task fails its invariants or uniqueness constraints, every task
// already inserted earlier in this same call is removed again before
// returning the error.
func (m *MemoryStore) InsertTaskChain(_ context.Context, tasks []Task) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inserted := make([]Task, 0, len(tasks))
	for _, task := range tasks {
		result, err := m.insertTaskLocked(task)
		if err != nil {
			for _, done := range inserted {
				delete(m.tasks, done.ID)
			}
			return nil, err
		}
		inserted = append(inserted, result)
	}
	return inserted, nil
}

func (m *MemoryStore) GetTask(_ context.Context, taskID string) (Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return task, nil
}

// latestAttempt returns the most recently created attempt of taskID, and
// whether any attempt exists.
func (m *MemoryStore) latestAttempt(taskID string) (Attempt, bool) {
	ids := m.attemptOrder[taskID]
	if len(ids) == 0 {
		return Attempt{}, false
	}
	return m.attempts[ids[len(ids)-1]], true
}

func (m *MemoryStore) taskStatusLocked(taskID string) TaskStatus {
	ids := m.attemptOrder[taskID]
	status := TaskStatus{TaskID: taskID, AttemptCount: len(ids)}
	if len(ids) == 0 {
		return status
	}
	latest := m.attempts[ids[len(ids)-1]]
	status.AttemptID = latest.ID
	status.Succeeded = latest.Succeeded()
	status.Failed = latest.Failed()
	status.Inflight = latest.Inflight()
	return status
}

func (m *MemoryStore) TaskStatus(_ context.Context, taskID string) (TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.tasks[taskID]; !ok {
		return TaskStatus{}, ErrNotFound
	}
	return m.taskStatusLocked(taskID), nil
}

// fsPair returns the (source filesystem name, target filesystem name) for
// a task, by way of its DataItems.
func (m *MemoryStore) fsPair(task Task) (string, string) {
	source := m.dataItems[task.SourceDataID]
	target := m.dataItems[task.TargetDataID]
	return m.filesystems[source.FilesystemID].Name, m.filesystems[target.FilesystemID].Name
}

func (m *MemoryStore) JobStatus(_ context.Context, jobID string) ([]JobStatusCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	counts := make(map[[2]string]*JobStatusCounts)
	for _, task := range m.tasks {
		if task.JobID != jobID {
			continue
		}
		srcFS, tgtFS := m.fsPair(task)
		key := [2]string{srcFS, tgtFS}
		row, ok := counts[key]
		if !ok {
			row = &JobStatusCounts{JobID: jobID, SourceFS: srcFS, TargetFS: tgtFS}
			counts[key] = row
		}
		status := m.taskStatusLocked(task.ID)
		switch {
		case status.Succeeded:
			row.Succeeded++
		case status.Inflight:
			row.Running++
		case status.AttemptCount == 0:
			row.Pending++
		case status.Failed && status.AttemptCount >= job.MaxAttempts:
			row.Failed++
		case status.Failed:
			row.Pending++
		}
	}

	out := make([]JobStatusCounts, 0, len(counts))
	for _, row := range counts {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceFS != out[j].SourceFS {
			return out[i].SourceFS < out[j].SourceFS
		}
		return out[i].TargetFS < out[j].TargetFS
	})
	return out, nil
}

func (m *MemoryStore) JobThroughput(_ context.Context, jobID string) ([]JobThroughput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.jobThroughputLocked(jobID), nil
}

func (m *MemoryStore) jobThroughputLocked(jobID string) []JobThroughput {
	type agg struct {
		bytesTotal   int64
		secondsTotal float64
		completed    int
		failed       int
	}
	aggs := make(map[[2]string]*agg)

	for _, task := range m.tasks {
		if task.JobID != jobID {
			continue
		}
		srcFS, tgtFS := m.fsPair(task)
		key := [2]string{srcFS, tgtFS}
		a, ok := aggs[key]
		if !ok {
			a = &agg{}
			aggs[key] = a
		}
		for _, attemptID := range m.attemptOrder[task.ID] {
			attempt := m.attempts[attemptID]
			if attempt.Inflight() {
				continue
			}
			a.completed++
			if attempt.Failed() {
				a.failed++
				continue
			}
			if attempt.Finish == nil {
				continue
			}
			size := m.dataItems[task.SourceDataID].Size
			elapsed := attempt.Finish.Sub(attempt.Start).Seconds()
			if size != nil && elapsed > 0 {
				a.bytesTotal += *size
				a.secondsTotal += elapsed
			}
		}
	}

	out := make([]JobThroughput, 0, len(aggs))
	for key, a := range aggs {
		row := JobThroughput{JobID: jobID, SourceFS: key[0], TargetFS: key[1]}
		if a.secondsTotal > 0 {
			row.BytesPerSec = float64(a.bytesTotal) / a.secondsTotal
		}
		if a.completed > 0 {
			row.FailureRate = float64(a.failed) / float64(a.completed)
		}
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceFS != out[j].SourceFS {
			return out[i].SourceFS < out[j].SourceFS
		}
		return out[i].TargetFS < out[j].TargetFS
	})
	return out
}

// concurrencyLocked counts inflight attempts whose task uses fsID as
// either source or target filesystem, within jobID.
func (m *MemoryStore) concurrencyLocked(jobID, fsID string) int {
	n := 0
	for _, task := range m.tasks {
		if task.JobID != jobID {
			continue
		}
		source := m.dataItems[task.SourceDataID]
		target := m.dataItems[task.TargetDataID]
		if source.FilesystemID != fsID && target.FilesystemID != fsID {
			continue
		}
		if latest, ok := m.latestAttempt(task.ID); ok && latest.Inflight() {
			n++
		}
	}
	return n
}

func (m *MemoryStore) FilesystemStatus(_ context.Context, jobID string) ([]FilesystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []FilesystemStatus
	for _, fs := range m.filesystems {
		if fs.JobID != jobID {
			continue
		}
		out = append(out, FilesystemStatus{
			JobID:          jobID,
			Filesystem:     fs.Name,
			Concurrency:    m.concurrencyLocked(jobID, fs.ID),
			MaxConcurrency: fs.MaxConcurrency,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filesystem < out[j].Filesystem })
	return out, nil
}

// eligibleLocked checks every condition a task must meet to be
// dispatchable: transfer phase open, not succeeded, not inflight, retry
// budget left, dependency satisfied, and both filesystems under their
// concurrency caps.
func (m *MemoryStore) eligibleLocked(job Job, task Task) bool {
	if !job.TransferPhase.Open() {
		return false
	}

	status := m.taskStatusLocked(task.ID)
	if status.Succeeded {
		return false
	}
	if status.AttemptCount > 0 && !status.Failed {
		return false // inflight
	}
	if status.AttemptCount >= job.MaxAttempts {
		return false
	}

	if task.DependencyTaskID != nil {
		dep := m.taskStatusLocked(*task.DependencyTaskID)
		if !dep.Succeeded {
			return false
		}
	}

	source := m.dataItems[task.SourceDataID]
	target := m.dataItems[task.TargetDataID]
	sourceFS := m.filesystems[source.FilesystemID]
	targetFS := m.filesystems[target.FilesystemID]
	if m.concurrencyLocked(task.JobID, sourceFS.ID) >= sourceFS.MaxConcurrency {
		return false
	}
	if m.concurrencyLocked(task.JobID, targetFS.ID) >= targetFS.MaxConcurrency {
		return false
	}

	return true
}

// etaLocked computes size / (transfer_rate * (1 - failure_rate)) from
// the job_throughput stats, or nil when no throughput history exists yet
// for this (source,target).
func (m *MemoryStore) etaLocked(jobID string, task Task) *float64 {
	size := m.dataItems[task.SourceDataID].Size
	if size == nil {
		return nil
	}
	srcFS, tgtFS := m.fsPair(task)

	rows := m.jobThroughputLocked(jobID)
	for _, row := range rows {
		if row.SourceFS != srcFS || row.TargetFS != tgtFS {
			continue
		}
		if row.BytesPerSec <= 0 || row.FailureRate >= 1 {
			return nil
		}
		eta := float64(*size) / (row.BytesPerSec * (1 - row.FailureRate))
		return &eta
	}
	return nil
}

// todoLocked computes the current todo view for jobID without claiming.
func (m *MemoryStore) todoLocked(jobID string) ([]TodoItem, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	var candidates []TodoItem
	for _, task := range m.tasks {
		if task.JobID != jobID {
			continue
		}
		if !m.eligibleLocked(job, task) {
			continue
		}
		candidates = append(candidates, TodoItem{Task: task, ETA: m.etaLocked(jobID, task)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].ETA, candidates[j].ETA
		switch {
		case a == nil && b == nil:
			return candidates[i].Task.ID < candidates[j].Task.ID
		case a == nil:
			return false
		case b == nil:
			return true
		case *a != *b:
			return *a < *b
		default:
			return candidates[i].Task.ID < candidates[j].Task.ID
		}
	})

	return candidates, nil
}

func (m *MemoryStore) Todo(_ context.Context, jobID string) ([]TodoItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.todoLocked(jobID)
}

func (m *MemoryStore) ClaimTodo(_ context.Context, jobID string, limit int) ([]ClaimedAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates, err := m.todoLocked(jobID)
	if err != nil {
		return nil, err
	}

	job := m.jobs[jobID]
	now := time.Now()
	claimed := make([]ClaimedAttempt, 0, len(candidates))
	for _, c := range candidates {
		if limit >= 0 && len(claimed) >= limit {
			break
		}
		// Each claim consumes filesystem capacity, so a candidate that
		// was eligible when the batch was computed may no longer be.
		if !m.eligibleLocked(job, c.Task) {
			continue
		}
		attempt := Attempt{ID: uuid.NewString(), TaskID: c.Task.ID, Start: now}
		m.attempts[attempt.ID] = attempt
		m.attemptOrder[c.Task.ID] = append(m.attemptOrder[c.Task.ID], attempt.ID)
		claimed = append(claimed, ClaimedAttempt{Attempt: attempt, Task: c.Task})
	}
	return claimed, nil
}

func (m *MemoryStore) RecordAttemptFinish(_ context.Context, attemptID string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attempt, ok := m.attempts[attemptID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	attempt.Finish = &now
	code := exitCode
	attempt.ExitCode = &code
	m.attempts[attemptID] = attempt
	return nil
}

func (m *MemoryStore) Close() error { return nil }
