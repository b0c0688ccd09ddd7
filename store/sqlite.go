package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// schemaVersion is written to the schema_version table on first use. An
// existing database with a different value fails ErrSchemaMismatch: there
// is no migration path.
const schemaVersion = 1

// dialect distinguishes SQL surface differences that affect correctness,
// not just CREATE TABLE syntax: only MySQL's InnoDB supports SELECT ...
// FOR UPDATE SKIP LOCKED, which ClaimTodo needs to serialize claims
// across separate OS processes sharing one database. SQLite
// has no such clause and no such problem — a single SQLite file has one
// writer by construction, so SQLiteStore's ClaimTodo keeps relying on
// sqlStore's in-process mutex alone.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectMySQL
)

// querier is satisfied by both *sql.DB and *sql.Tx. The derived-view
// helpers below accept one so ClaimTodo's MySQL path can run the same
// eligibility reads inside its claim transaction (for a consistent,
// lockable view) while every other caller just passes s.db.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// sqlStore holds the SQL query logic shared by SQLiteStore and
// MySQLStore: both dialects accept the same query shapes ("?"
// placeholders) over equivalent tables, so only the CREATE TABLE dialect
// (sqliteSchema vs. mysqlSchema), connection setup, pragmas, and
// ClaimTodo's locking strategy differ between the two.
type sqlStore struct {
	db      *sql.DB
	mu      sync.Mutex
	dialect dialect
}

// sqliteSchema is the SQLite dialect's CREATE TABLE/INDEX statements.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
	`CREATE TABLE IF NOT EXISTS filesystems (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		name TEXT NOT NULL,
		driver_key TEXT NOT NULL,
		options TEXT NOT NULL DEFAULT '{}',
		max_concurrency INTEGER NOT NULL,
		UNIQUE(job_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS data_items (
		id TEXT PRIMARY KEY,
		filesystem_id TEXT NOT NULL REFERENCES filesystems(id),
		address TEXT NOT NULL,
		size INTEGER,
		UNIQUE(filesystem_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		client_ref TEXT NOT NULL,
		max_attempts INTEGER NOT NULL,
		prepare_start TIMESTAMP,
		prepare_finish TIMESTAMP,
		transfer_start TIMESTAMP,
		transfer_finish TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL REFERENCES jobs(id),
		source_data_id TEXT NOT NULL REFERENCES data_items(id),
		target_data_id TEXT NOT NULL REFERENCES data_items(id),
		script TEXT NOT NULL,
		dependency_task_id TEXT REFERENCES tasks(id),
		UNIQUE(job_id, target_data_id),
		UNIQUE(job_id, source_data_id, target_data_id)
	)`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		start TIMESTAMP NOT NULL,
		finish TIMESTAMP,
		exit_code INTEGER,
		UNIQUE(task_id, start)
	)`,
	`CREATE TABLE IF NOT EXISTS checksums (
		data_id TEXT NOT NULL REFERENCES data_items(id),
		algorithm TEXT NOT NULL,
		checksum TEXT NOT NULL,
		UNIQUE(data_id, algorithm)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_attempts_task ON attempts(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_job ON tasks(job_id)`,
	`CREATE INDEX IF NOT EXISTS idx_data_items_fs ON data_items(filesystem_id)`,
}

// SQLiteStore is a SQLite-backed Store. Intended
// for development and single-dispatcher deployments; SQLite's single
// writer is enough for one process claiming todo on its own behalf.
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path.
// ":memory:" is accepted for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	core := &sqlStore{db: db, dialect: dialectSQLite}
	if err := core.init(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{core}, nil
}

func (s *sqlStore) init(ctx context.Context, schema []string) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !isDuplicateIndexError(err) {
			return fmt.Errorf("store: create schema: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("store: seed schema_version: %w", err)
		}
		return nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version); err != nil {
		return fmt.Errorf("store: read schema_version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: store has version %d, build expects %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

// isDuplicateIndexError reports whether err is MySQL's "Duplicate key
// name" (error 1061), returned by a plain CREATE INDEX re-run against a
// database that already has it — MySQL has no CREATE INDEX IF NOT
// EXISTS, unlike SQLite. SQLite's own IF NOT EXISTS clauses never
// produce this error, so the check is a no-op on that dialect.
func isDuplicateIndexError(err error) bool {
	return strings.Contains(err.Error(), "Duplicate key name")
}

func (s *sqlStore) CreateFilesystem(ctx context.Context, jobID string, fs Filesystem) (Filesystem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fs.ID = uuid.NewString()
	fs.JobID = jobID
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO filesystems (id, job_id, name, driver_key, max_concurrency) VALUES (?, ?, ?, ?, ?)`,
		fs.ID, jobID, fs.Name, fs.DriverKey, fs.MaxConcurrency)
	if err != nil {
		return Filesystem{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fs, nil
}

func (s *sqlStore) GetOrCreateDataItem(ctx context.Context, filesystemID, address string) (DataItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item DataItem
	var size sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, filesystem_id, address, size FROM data_items WHERE filesystem_id = ? AND address = ?`,
		filesystemID, address).Scan(&item.ID, &item.FilesystemID, &item.Address, &size)
	if err == nil {
		if size.Valid {
			v := size.Int64
			item.Size = &v
		}
		if item.Checksums, err = dataItemChecksums(ctx, s.db, item.ID); err != nil {
			return DataItem{}, err
		}
		return item, nil
	}
	if err != sql.ErrNoRows {
		return DataItem{}, fmt.Errorf("store: query data item: %w", err)
	}

	item = DataItem{ID: uuid.NewString(), FilesystemID: filesystemID, Address: address}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO data_items (id, filesystem_id, address) VALUES (?, ?, ?)`,
		item.ID, item.FilesystemID, item.Address); err != nil {
		return DataItem{}, fmt.Errorf("store: insert data item: %w", err)
	}
	return item, nil
}

func dataItemChecksums(ctx context.Context, q querier, dataID string) ([]Checksum, error) {
	rows, err := q.QueryContext(ctx, `SELECT algorithm, checksum FROM checksums WHERE data_id = ? ORDER BY algorithm`, dataID)
	if err != nil {
		return nil, fmt.Errorf("store: query checksums: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Checksum
	for rows.Next() {
		var c Checksum
		if err := rows.Scan(&c.Algorithm, &c.Checksum); err != nil {
			return nil, fmt.Errorf("store: scan checksum: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) SetDataItemSize(ctx context.Context, dataID string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE data_items SET size = ? WHERE id = ?`, size, dataID)
	if err != nil {
		return fmt.Errorf("store: set data item size: %w", err)
	}
	return checkRowsAffected(res)
}

// RecordChecksum replaces any previous row for (dataID, algorithm) with
// the new pair. Delete-then-insert keeps the statement portable across
// both SQL dialects.
func (s *sqlStore) RecordChecksum(ctx context.Context, dataID, algorithm, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM data_items WHERE id = ?`, dataID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("store: record checksum: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin checksum transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checksums WHERE data_id = ? AND algorithm = ?`, dataID, algorithm); err != nil {
		return fmt.Errorf("store: replace checksum: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO checksums (data_id, algorithm, checksum) VALUES (?, ?, ?)`, dataID, algorithm, checksum); err != nil {
		return fmt.Errorf("store: insert checksum: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit checksum transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) CreateJob(ctx context.Context, clientRef string, maxAttempts int) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := Job{ID: uuid.NewString(), ClientRef: clientRef, MaxAttempts: maxAttempts}
	now := time.Now()
	job.PreparePhase.Start = &now
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, client_ref, max_attempts, prepare_start) VALUES (?, ?, ?, ?)`,
		job.ID, job.ClientRef, job.MaxAttempts, now); err != nil {
		return Job{}, fmt.Errorf("store: insert job: %w", err)
	}
	return job, nil
}

func scanJob(row interface {
	Scan(dest ...interface{}) error
}) (Job, error) {
	var job Job
	var prepareStart, prepareFinish, transferStart, transferFinish sql.NullTime
	if err := row.Scan(&job.ID, &job.ClientRef, &job.MaxAttempts, &prepareStart, &prepareFinish, &transferStart, &transferFinish); err != nil {
		return Job{}, err
	}
	if prepareStart.Valid {
		job.PreparePhase.Start = &prepareStart.Time
	}
	if prepareFinish.Valid {
		job.PreparePhase.Finish = &prepareFinish.Time
	}
	if transferStart.Valid {
		job.TransferPhase.Start = &transferStart.Time
	}
	if transferFinish.Valid {
		job.TransferPhase.Finish = &transferFinish.Time
	}
	return job, nil
}

func getJob(ctx context.Context, q querier, jobID string) (Job, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, client_ref, max_attempts, prepare_start, prepare_finish, transfer_start, transfer_finish FROM jobs WHERE id = ?`,
		jobID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, fmt.Errorf("store: get job: %w", err)
	}
	return job, nil
}

func (s *sqlStore) GetJob(ctx context.Context, jobID string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getJob(ctx, s.db, jobID)
}

func (s *sqlStore) FinishPreparePhase(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET prepare_finish = ?, transfer_start = ? WHERE id = ?`, now, now, jobID)
	if err != nil {
		return fmt.Errorf("store: finish prepare phase: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *sqlStore) FinishTransferPhase(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET transfer_finish = ? WHERE id = ?`, now, jobID)
	if err != nil {
		return fmt.Errorf("store: finish transfer phase: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// insertTaskRow validates task's invariants and inserts it against q,
// assigning a fresh ID unless the caller already set one (InsertTaskChain
// pre-assigns IDs across a file's whole hop chain before any row is
// written, so a later hop can reference an earlier hop's ID as its
// dependency).
func insertTaskRow(ctx context.Context, q querier, task Task) (Task, error) {
	if task.SourceDataID == task.TargetDataID {
		return Task{}, fmt.Errorf("%w: source == target", ErrConflict)
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.DependencyTaskID != nil && *task.DependencyTaskID == task.ID {
		return Task{}, fmt.Errorf("%w: dependency == self", ErrConflict)
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO tasks (id, job_id, source_data_id, target_data_id, script, dependency_task_id) VALUES (?, ?, ?, ?, ?, ?)`,
		task.ID, task.JobID, task.SourceDataID, task.TargetDataID, task.Script, task.DependencyTaskID)
	if err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return task, nil
}

func (s *sqlStore) InsertTask(ctx context.Context, task Task) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task.ID = ""
	return insertTaskRow(ctx, s.db, task)
}

// InsertTaskChain inserts tasks as a single all-or-none unit: all rows
// are written inside one transaction, rolled back in full if any hop's
// insert fails, satisfying the task expander's per-file atomicity
// requirement that a bare loop of InsertTask calls cannot.
func (s *sqlStore) InsertTaskChain(ctx context.Context, tasks []Task) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tasks) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin task chain transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		inserted, err := insertTaskRow(ctx, tx, t)
		if err != nil {
			return nil, fmt.Errorf("store: insert task chain: %w", err)
		}
		out = append(out, inserted)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit task chain transaction: %w", err)
	}
	return out, nil
}

func scanTask(row interface {
	Scan(dest ...interface{}) error
}) (Task, error) {
	var task Task
	var dep sql.NullString
	if err := row.Scan(&task.ID, &task.JobID, &task.SourceDataID, &task.TargetDataID, &task.Script, &dep); err != nil {
		return Task{}, err
	}
	if dep.Valid {
		task.DependencyTaskID = &dep.String
	}
	return task, nil
}

func (s *sqlStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return getTaskRow(ctx, s.db, taskID)
}

func getTaskRow(ctx context.Context, q querier, taskID string) (Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, job_id, source_data_id, target_data_id, script, dependency_task_id FROM tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("store: get task: %w", err)
	}
	return task, nil
}

// taskStatus mirrors MemoryStore's definition of task_status: the most
// recent attempt by start time, or the zero-attempt row.
func taskStatus(ctx context.Context, q querier, taskID string) (TaskStatus, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, exit_code FROM attempts WHERE task_id = ? ORDER BY start ASC`, taskID)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("store: query attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	status := TaskStatus{TaskID: taskID}
	for rows.Next() {
		var id string
		var exitCode sql.NullInt64
		if err := rows.Scan(&id, &exitCode); err != nil {
			return TaskStatus{}, fmt.Errorf("store: scan attempt: %w", err)
		}
		status.AttemptCount++
		status.AttemptID = id
		status.Inflight = !exitCode.Valid
		status.Succeeded = exitCode.Valid && exitCode.Int64 == 0
		status.Failed = exitCode.Valid && exitCode.Int64 != 0
	}
	if err := rows.Err(); err != nil {
		return TaskStatus{}, fmt.Errorf("store: iterate attempts: %w", err)
	}
	return status, nil
}

func (s *sqlStore) TaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := getTaskRow(ctx, s.db, taskID); err != nil {
		return TaskStatus{}, err
	}
	return taskStatus(ctx, s.db, taskID)
}

// fsPair returns the (source, target) filesystem names for a task.
func fsPair(ctx context.Context, q querier, task Task) (string, string, error) {
	var srcFS, tgtFS string
	err := q.QueryRowContext(ctx, `
		SELECT f.name FROM data_items d JOIN filesystems f ON f.id = d.filesystem_id WHERE d.id = ?`,
		task.SourceDataID).Scan(&srcFS)
	if err != nil {
		return "", "", fmt.Errorf("store: source filesystem: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		SELECT f.name FROM data_items d JOIN filesystems f ON f.id = d.filesystem_id WHERE d.id = ?`,
		task.TargetDataID).Scan(&tgtFS)
	if err != nil {
		return "", "", fmt.Errorf("store: target filesystem: %w", err)
	}
	return srcFS, tgtFS, nil
}

func jobTasks(ctx context.Context, q querier, jobID string) ([]Task, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, job_id, source_data_id, target_data_id, script, dependency_task_id FROM tasks WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *sqlStore) JobStatus(ctx context.Context, jobID string) ([]JobStatusCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jobStatus(ctx, s.db, jobID)
}

func jobStatus(ctx context.Context, q querier, jobID string) ([]JobStatusCounts, error) {
	job, err := getJob(ctx, q, jobID)
	if err != nil {
		return nil, err
	}

	tasks, err := jobTasks(ctx, q, jobID)
	if err != nil {
		return nil, err
	}

	type key struct{ src, tgt string }
	counts := make(map[key]*JobStatusCounts)
	for _, task := range tasks {
		srcFS, tgtFS, err := fsPair(ctx, q, task)
		if err != nil {
			return nil, err
		}
		k := key{srcFS, tgtFS}
		row, ok := counts[k]
		if !ok {
			row = &JobStatusCounts{JobID: jobID, SourceFS: srcFS, TargetFS: tgtFS}
			counts[k] = row
		}
		status, err := taskStatus(ctx, q, task.ID)
		if err != nil {
			return nil, err
		}
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
	return out, nil
}

func (s *sqlStore) JobThroughput(ctx context.Context, jobID string) ([]JobThroughput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return jobThroughput(ctx, s.db, jobID)
}

func jobThroughput(ctx context.Context, q querier, jobID string) ([]JobThroughput, error) {
	tasks, err := jobTasks(ctx, q, jobID)
	if err != nil {
		return nil, err
	}

	type key struct{ src, tgt string }
	type agg struct {
		bytesTotal   int64
		secondsTotal float64
		completed    int
		failed       int
	}
	aggs := make(map[key]*agg)

	for _, task := range tasks {
		srcFS, tgtFS, err := fsPair(ctx, q, task)
		if err != nil {
			return nil, err
		}
		k := key{srcFS, tgtFS}
		a, ok := aggs[k]
		if !ok {
			a = &agg{}
			aggs[k] = a
		}

		rows, err := q.QueryContext(ctx,
			`SELECT start, finish, exit_code FROM attempts WHERE task_id = ?`, task.ID)
		if err != nil {
			return nil, fmt.Errorf("store: query attempts: %w", err)
		}
		var size sql.NullInt64
		if err := q.QueryRowContext(ctx, `SELECT size FROM data_items WHERE id = ?`, task.SourceDataID).Scan(&size); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: query source size: %w", err)
		}
		for rows.Next() {
			var start time.Time
			var finish sql.NullTime
			var exitCode sql.NullInt64
			if err := rows.Scan(&start, &finish, &exitCode); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("store: scan attempt: %w", err)
			}
			if !exitCode.Valid {
				continue
			}
			a.completed++
			if exitCode.Int64 != 0 {
				a.failed++
				continue
			}
			if !finish.Valid || !size.Valid {
				continue
			}
			elapsed := finish.Time.Sub(start).Seconds()
			if elapsed > 0 {
				a.bytesTotal += size.Int64
				a.secondsTotal += elapsed
			}
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("store: iterate attempts: %w", err)
		}
		_ = rows.Close()
	}

	out := make([]JobThroughput, 0, len(aggs))
	for k, a := range aggs {
		row := JobThroughput{JobID: jobID, SourceFS: k.src, TargetFS: k.tgt}
		if a.secondsTotal > 0 {
			row.BytesPerSec = float64(a.bytesTotal) / a.secondsTotal
		}
		if a.completed > 0 {
			row.FailureRate = float64(a.failed) / float64(a.completed)
		}
		out = append(out, row)
	}
	return out, nil
}

func concurrency(ctx context.Context, q querier, jobID, fsID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM attempts a
		JOIN tasks t ON t.id = a.task_id
		JOIN data_items ds ON ds.id = t.source_data_id
		JOIN data_items dt ON dt.id = t.target_data_id
		WHERE t.job_id = ? AND a.exit_code IS NULL
		  AND a.id IN (
			SELECT id FROM attempts a2 WHERE a2.task_id = a.task_id ORDER BY a2.start DESC LIMIT 1
		  )
		  AND (ds.filesystem_id = ? OR dt.filesystem_id = ?)`,
		jobID, fsID, fsID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: concurrency query: %w", err)
	}
	return n, nil
}

func (s *sqlStore) FilesystemStatus(ctx context.Context, jobID string) ([]FilesystemStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, max_concurrency FROM filesystems WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, fmt.Errorf("store: query filesystems: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []FilesystemStatus
	for rows.Next() {
		var id, name string
		var maxConcurrency int
		if err := rows.Scan(&id, &name, &maxConcurrency); err != nil {
			return nil, fmt.Errorf("store: scan filesystem: %w", err)
		}
		c, err := concurrency(ctx, s.db, jobID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, FilesystemStatus{JobID: jobID, Filesystem: name, Concurrency: c, MaxConcurrency: maxConcurrency})
	}
	return out, rows.Err()
}

// eligible checks every condition a task must meet to be dispatchable
// (transfer phase open, not succeeded, not inflight, retry budget left,
// dependency satisfied, both filesystems under their caps), reading
// through q so ClaimTodo's MySQL path can evaluate eligibility inside
// its own claim transaction.
func eligible(ctx context.Context, q querier, job Job, task Task) (bool, error) {
	if !job.TransferPhase.Open() {
		return false, nil
	}

	status, err := taskStatus(ctx, q, task.ID)
	if err != nil {
		return false, err
	}
	if status.Succeeded {
		return false, nil
	}
	if status.AttemptCount > 0 && !status.Failed {
		return false, nil
	}
	if status.AttemptCount >= job.MaxAttempts {
		return false, nil
	}

	if task.DependencyTaskID != nil {
		dep, err := taskStatus(ctx, q, *task.DependencyTaskID)
		if err != nil {
			return false, err
		}
		if !dep.Succeeded {
			return false, nil
		}
	}

	var sourceFSID, targetFSID string
	var sourceMax, targetMax int
	err = q.QueryRowContext(ctx, `
		SELECT f.id, f.max_concurrency FROM data_items d JOIN filesystems f ON f.id = d.filesystem_id WHERE d.id = ?`,
		task.SourceDataID).Scan(&sourceFSID, &sourceMax)
	if err != nil {
		return false, fmt.Errorf("store: source filesystem: %w", err)
	}
	err = q.QueryRowContext(ctx, `
		SELECT f.id, f.max_concurrency FROM data_items d JOIN filesystems f ON f.id = d.filesystem_id WHERE d.id = ?`,
		task.TargetDataID).Scan(&targetFSID, &targetMax)
	if err != nil {
		return false, fmt.Errorf("store: target filesystem: %w", err)
	}

	sourceConcurrency, err := concurrency(ctx, q, task.JobID, sourceFSID)
	if err != nil {
		return false, err
	}
	if sourceConcurrency >= sourceMax {
		return false, nil
	}
	targetConcurrency, err := concurrency(ctx, q, task.JobID, targetFSID)
	if err != nil {
		return false, err
	}
	if targetConcurrency >= targetMax {
		return false, nil
	}

	return true, nil
}

func eta(ctx context.Context, q querier, jobID string, task Task) (*float64, error) {
	var size sql.NullInt64
	if err := q.QueryRowContext(ctx, `SELECT size FROM data_items WHERE id = ?`, task.SourceDataID).Scan(&size); err != nil {
		return nil, fmt.Errorf("store: source size: %w", err)
	}
	if !size.Valid {
		return nil, nil
	}
	srcFS, tgtFS, err := fsPair(ctx, q, task)
	if err != nil {
		return nil, err
	}
	rows, err := jobThroughput(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if row.SourceFS != srcFS || row.TargetFS != tgtFS {
			continue
		}
		if row.BytesPerSec <= 0 || row.FailureRate >= 1 {
			return nil, nil
		}
		e := float64(size.Int64) / (row.BytesPerSec * (1 - row.FailureRate))
		return &e, nil
	}
	return nil, nil
}

func todo(ctx context.Context, q querier, jobID string) ([]TodoItem, error) {
	job, err := getJob(ctx, q, jobID)
	if err != nil {
		return nil, err
	}

	tasks, err := jobTasks(ctx, q, jobID)
	if err != nil {
		return nil, err
	}

	var candidates []TodoItem
	for _, task := range tasks {
		ok, err := eligible(ctx, q, job, task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		e, err := eta(ctx, q, jobID, task)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, TodoItem{Task: task, ETA: e})
	}

	sortTodoItems(candidates)
	return candidates, nil
}

func sortTodoItems(items []TodoItem) {
	// Ascending ETA, nulls last, task ID as final tie-break — matches
	// MemoryStore's ordering so callers see identical behaviour across
	// backends.
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && todoLess(items[j], items[j-1]); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func todoLess(a, b TodoItem) bool {
	switch {
	case a.ETA == nil && b.ETA == nil:
		return a.Task.ID < b.Task.ID
	case a.ETA == nil:
		return false
	case b.ETA == nil:
		return true
	case *a.ETA != *b.ETA:
		return *a.ETA < *b.ETA
	default:
		return a.Task.ID < b.Task.ID
	}
}

func (s *sqlStore) Todo(ctx context.Context, jobID string) ([]TodoItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return todo(ctx, s.db, jobID)
}

// ClaimTodo dispatches to the locking strategy appropriate for the
// dialect: SQLite is single-writer by construction, so its path only
// needs sqlStore's in-process mutex; MySQL may be shared by several
// dispatch-loop processes at once and needs real row locking.
func (s *sqlStore) ClaimTodo(ctx context.Context, jobID string, limit int) ([]ClaimedAttempt, error) {
	if s.dialect == dialectMySQL {
		return s.claimTodoMySQL(ctx, jobID, limit)
	}
	return s.claimTodoSQLite(ctx, jobID, limit)
}

// claimTodoSQLite is ClaimTodo's path for a SQLite file: only one writer
// connection ever exists for it (db.SetMaxOpenConns(1) in
// NewSQLiteStore), so the in-process mutex is the only serialization
// that can ever matter here.
func (s *sqlStore) claimTodoSQLite(ctx context.Context, jobID string, limit int) ([]ClaimedAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates, err := todo(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	claimed := make([]ClaimedAttempt, 0, len(candidates))
	for _, c := range candidates {
		if limit >= 0 && len(claimed) >= limit {
			break
		}
		// Each claim in this batch consumes filesystem capacity, so a
		// candidate that was eligible when the batch was computed may no
		// longer be. The recheck reads through tx and sees the attempts
		// inserted so far.
		ok, err := eligible(ctx, tx, job, c.Task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		attempt := Attempt{ID: uuid.NewString(), TaskID: c.Task.ID, Start: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, task_id, start) VALUES (?, ?, ?)`,
			attempt.ID, attempt.TaskID, attempt.Start); err != nil {
			return nil, fmt.Errorf("store: claim attempt: %w", err)
		}
		claimed = append(claimed, ClaimedAttempt{Attempt: attempt, Task: c.Task})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim transaction: %w", err)
	}
	return claimed, nil
}

// claimTodoMySQL is ClaimTodo's path for a MySQL-backed store, shared by
// several dispatch-loop processes across the cluster coordinated solely
// through the database. The candidate read and the attempt inserts all
// happen inside one SERIALIZABLE transaction, and each candidate's task
// row is additionally re-locked with SELECT ... FOR UPDATE SKIP LOCKED
// immediately before its attempt is inserted: a concurrent process
// racing to claim the same task finds the row already locked and skips
// it instead of also inserting an attempt for it.
func (s *sqlStore) claimTodoMySQL(ctx context.Context, jobID string, limit int) ([]ClaimedAttempt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("store: begin claim transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	candidates, err := todo(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	job, err := getJob(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	claimed := make([]ClaimedAttempt, 0, len(candidates))
	for _, c := range candidates {
		if limit >= 0 && len(claimed) >= limit {
			break
		}

		var lockedID string
		err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ? FOR UPDATE SKIP LOCKED`, c.Task.ID).Scan(&lockedID)
		if err == sql.ErrNoRows {
			// A concurrent dispatcher already holds this task's row
			// lock within its own in-flight claim transaction; skip it
			// rather than double-claim.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: lock candidate task: %w", err)
		}

		// Claims earlier in this batch consume filesystem capacity, so
		// re-evaluate before committing to this one.
		ok, err := eligible(ctx, tx, job, c.Task)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		attempt := Attempt{ID: uuid.NewString(), TaskID: c.Task.ID, Start: now}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attempts (id, task_id, start) VALUES (?, ?, ?)`,
			attempt.ID, attempt.TaskID, attempt.Start); err != nil {
			return nil, fmt.Errorf("store: claim attempt: %w", err)
		}
		claimed = append(claimed, ClaimedAttempt{Attempt: attempt, Task: c.Task})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit claim transaction: %w", err)
	}
	return claimed, nil
}

func (s *sqlStore) RecordAttemptFinish(ctx context.Context, attemptID string, exitCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE attempts SET finish = ?, exit_code = ? WHERE id = ?`, time.Now(), exitCode, attemptID)
	if err != nil {
		return fmt.Errorf("store: record attempt finish: %w", err)
	}
	return checkRowsAffected(res)
}
