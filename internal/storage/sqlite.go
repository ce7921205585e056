package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_definitions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	schedule TEXT NOT NULL,
	job_type TEXT NOT NULL,
	target TEXT NOT NULL,
	payload TEXT,
	max_retries INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 2,
	enabled INTEGER NOT NULL DEFAULT 1,
	next_fire_at INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_job_definitions_due ON job_definitions(enabled, next_fire_at);

CREATE TABLE IF NOT EXISTS job_instances (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	scheduled_time INTEGER NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 2,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	last_error TEXT,
	worker_id TEXT,
	lease_expires_at INTEGER,
	next_attempt_at INTEGER,
	cancel_requested INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER,
	finished_at INTEGER,
	disposition TEXT,
	created_at INTEGER NOT NULL,
	UNIQUE(job_id, scheduled_time)
);
CREATE INDEX IF NOT EXISTS idx_job_instances_status ON job_instances(status);
CREATE INDEX IF NOT EXISTS idx_job_instances_lease ON job_instances(status, lease_expires_at);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT,
	body TEXT,
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	scheduled_at INTEGER NOT NULL,
	sent_at INTEGER,
	error_message TEXT,
	source_instance_id TEXT,
	dedupe_key TEXT UNIQUE,
	claimed_until INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notifications_due ON notifications(status, scheduled_at);

CREATE TABLE IF NOT EXISTS notification_attempts (
	request_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	error TEXT,
	attempted_at INTEGER NOT NULL,
	PRIMARY KEY (request_id, attempt)
);

CREATE TABLE IF NOT EXISTS notification_dead_letters (
	request_id TEXT PRIMARY KEY,
	channel TEXT NOT NULL,
	recipient TEXT NOT NULL,
	subject TEXT,
	error TEXT,
	retry_count INTEGER NOT NULL,
	failed_at INTEGER NOT NULL
);
`

// SQLiteStore implements JobStore and NotificationStore on SQLite
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

var (
	_ JobStore          = (*SQLiteStore)(nil)
	_ NotificationStore = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) the database at dbPath and applies the schema
func NewSQLiteStore(logger *zap.Logger, dbPath string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", dbPath)
	if dbPath == ":memory:" {
		dsn = "file::memory:?_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers; the compare-and-swap updates
	// stay correct regardless.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		logger: logger.Named("store"),
		db:     db,
	}

	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initialize() error {
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}
