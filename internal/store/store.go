package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	return retry.Do(fn,
		retry.Attempts(4),
		retry.Delay(25*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(isBusyLock),
		retry.LastErrorOnly(true),
	)
}

// Store persists sandbox records, thread bindings and a TTL key-value table
// in one SQLite database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS sandboxes (
	owner_id            TEXT PRIMARY KEY,
	sandbox_id          TEXT NOT NULL DEFAULT '',
	backend             TEXT NOT NULL DEFAULT '',
	image               TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL,
	memory_limit_mb     INTEGER NOT NULL DEFAULT 0,
	cpu_cores           REAL NOT NULL DEFAULT 0,
	disk_limit_mb       INTEGER NOT NULL DEFAULT 0,
	workspace_host_path TEXT NOT NULL DEFAULT '',
	error               TEXT NOT NULL DEFAULT '',
	created_at          INTEGER NOT NULL,
	started_at          INTEGER,
	stopped_at          INTEGER,
	last_health_check   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sandboxes_status ON sandboxes(status);
CREATE INDEX IF NOT EXISTS idx_sandboxes_sandbox_id ON sandboxes(sandbox_id);

CREATE TABLE IF NOT EXISTS thread_bindings (
	thread_id              TEXT PRIMARY KEY,
	owner_id               TEXT NOT NULL,
	scope_key              TEXT NOT NULL,
	sandbox_id             TEXT NOT NULL,
	repository_id          TEXT NOT NULL DEFAULT '',
	repo_url               TEXT NOT NULL DEFAULT '',
	branch                 TEXT NOT NULL DEFAULT '',
	work_dir               TEXT NOT NULL DEFAULT '',
	interactive_session_id TEXT NOT NULL DEFAULT '',
	state                  TEXT NOT NULL,
	is_active              INTEGER NOT NULL DEFAULT 1,
	last_activity_at       INTEGER NOT NULL,
	created_at             INTEGER NOT NULL,
	warned_for             INTEGER
);
CREATE INDEX IF NOT EXISTS idx_bindings_active ON thread_bindings(is_active);
CREATE INDEX IF NOT EXISTS idx_bindings_sandbox ON thread_bindings(sandbox_id);

CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
// WAL mode allows multiple readers + 1 writer.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas to every new
// connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=cache_size(-64000)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scannable interface {
	Scan(dest ...any) error
}

func checkRowAffected(result sql.Result, kind, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}
