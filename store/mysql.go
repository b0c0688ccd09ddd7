package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// mysqlSchema mirrors sqliteSchema (same shapes, same "?" placeholders)
// with MySQL's types and engine substituted: VARCHAR ids, DATETIME
// timestamps, InnoDB for foreign-key enforcement. A shared cluster
// deployment runs against a MySQL server rather than a single SQLite
// file.
var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS schema_version (version INT NOT NULL) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS filesystems (
		id VARCHAR(36) PRIMARY KEY,
		job_id VARCHAR(36) NOT NULL,
		name VARCHAR(255) NOT NULL,
		driver_key VARCHAR(64) NOT NULL,
		options TEXT NOT NULL,
		max_concurrency INT NOT NULL,
		UNIQUE KEY uq_filesystems_job_name (job_id, name)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS data_items (
		id VARCHAR(36) PRIMARY KEY,
		filesystem_id VARCHAR(36) NOT NULL,
		address VARCHAR(2048) NOT NULL,
		size BIGINT,
		UNIQUE KEY uq_data_items_fs_addr (filesystem_id, address(768)),
		FOREIGN KEY (filesystem_id) REFERENCES filesystems(id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id VARCHAR(36) PRIMARY KEY,
		client_ref VARCHAR(255) NOT NULL,
		max_attempts INT NOT NULL,
		prepare_start DATETIME(6),
		prepare_finish DATETIME(6),
		transfer_start DATETIME(6),
		transfer_finish DATETIME(6)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id VARCHAR(36) PRIMARY KEY,
		job_id VARCHAR(36) NOT NULL,
		source_data_id VARCHAR(36) NOT NULL,
		target_data_id VARCHAR(36) NOT NULL,
		script MEDIUMTEXT NOT NULL,
		dependency_task_id VARCHAR(36),
		UNIQUE KEY uq_tasks_job_target (job_id, target_data_id),
		UNIQUE KEY uq_tasks_job_src_tgt (job_id, source_data_id, target_data_id),
		FOREIGN KEY (job_id) REFERENCES jobs(id),
		FOREIGN KEY (source_data_id) REFERENCES data_items(id),
		FOREIGN KEY (target_data_id) REFERENCES data_items(id),
		FOREIGN KEY (dependency_task_id) REFERENCES tasks(id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS attempts (
		id VARCHAR(36) PRIMARY KEY,
		task_id VARCHAR(36) NOT NULL,
		start DATETIME(6) NOT NULL,
		finish DATETIME(6),
		exit_code INT,
		UNIQUE KEY uq_attempts_task_start (task_id, start),
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	) ENGINE=InnoDB`,
	`CREATE TABLE IF NOT EXISTS checksums (
		data_id VARCHAR(36) NOT NULL,
		algorithm VARCHAR(32) NOT NULL,
		checksum VARCHAR(128) NOT NULL,
		UNIQUE KEY uq_checksums_data_algo (data_id, algorithm),
		FOREIGN KEY (data_id) REFERENCES data_items(id)
	) ENGINE=InnoDB`,
	`CREATE INDEX idx_attempts_task ON attempts(task_id)`,
	`CREATE INDEX idx_tasks_job ON tasks(job_id)`,
	`CREATE INDEX idx_data_items_fs ON data_items(filesystem_id)`,
}

// MySQLStore is a MySQL-backed Store, for deployments where several
// dispatch-loop processes share one job's state. ClaimTodo runs against
// this dialect inside a SERIALIZABLE transaction and re-locks each
// candidate task row with SELECT ... FOR UPDATE SKIP LOCKED immediately
// before claiming it, so two dispatcher processes racing for
// the same task never both insert an attempt for it — one finds the row
// already locked and skips it. SQLite cannot offer this (no FOR UPDATE
// SKIP LOCKED clause), which is why it instead relies on being
// single-writer by construction.
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore opens a MySQL database using dsn (the go-sql-driver/mysql
// DSN format, e.g. "user:pass@tcp(host:3306)/dbname?parseTime=true").
// parseTime=true is required: the store scans DATETIME columns directly
// into time.Time.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping mysql: %w", err)
	}

	core := &sqlStore{db: db, dialect: dialectMySQL}
	if err := core.init(ctx, mysqlSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &MySQLStore{core}, nil
}
