// Package audit persists security-relevant kernel events to SQLite. The
// recorder satisfies the kernel's audit sink interface, so the kernel itself
// never touches the database driver.
package audit

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"estakernel/internal/types"

	_ "modernc.org/sqlite"
)

// Entry is one recorded audit event.
type Entry struct {
	ID     int64
	At     time.Time
	Kind   string
	PID    types.ProcessID
	Detail string
}

// Recorder appends audit entries to a SQLite database.
type Recorder struct {
	db   *sql.DB
	path string
}

// Open initializes the audit database at the given path.
func Open(path string) (*Recorder, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	r := &Recorder{db: db, path: path}
	if err := r.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Recorder) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		at INTEGER NOT NULL,
		kind TEXT NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		detail TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_kind ON audit_log(kind);
	CREATE INDEX IF NOT EXISTS idx_audit_pid ON audit_log(pid);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at);
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit schema: %w", err)
	}
	return nil
}

// Record appends one audit entry. Failures are swallowed: the audit trail
// must never take the kernel down, and the kernel's sink interface has no
// error channel for the same reason.
func (r *Recorder) Record(now time.Time, kind string, pid types.ProcessID, detail string) {
	r.db.Exec(
		"INSERT INTO audit_log (at, kind, pid, detail) VALUES (?, ?, ?, ?)",
		now.UTC().UnixNano(), kind, uint64(pid), detail,
	)
}

// Recent returns the newest entries, most recent first.
func (r *Recorder) Recent(limit int) ([]Entry, error) {
	rows, err := r.db.Query(
		"SELECT id, at, kind, pid, detail FROM audit_log ORDER BY id DESC LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ByKind returns the newest entries of one kind, most recent first.
func (r *Recorder) ByKind(kind string, limit int) ([]Entry, error) {
	rows, err := r.db.Query(
		"SELECT id, at, kind, pid, detail FROM audit_log WHERE kind = ? ORDER BY id DESC LIMIT ?",
		kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ForProcess returns the newest entries for one process, most recent first.
func (r *Recorder) ForProcess(pid types.ProcessID, limit int) ([]Entry, error) {
	rows, err := r.db.Query(
		"SELECT id, at, kind, pid, detail FROM audit_log WHERE pid = ? ORDER BY id DESC LIMIT ?",
		uint64(pid), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var at int64
		var pid uint64
		if err := rows.Scan(&e.ID, &at, &e.Kind, &pid, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.At = time.Unix(0, at).UTC()
		e.PID = types.ProcessID(pid)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of audit entries.
func (r *Recorder) Count() (int, error) {
	var n int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count audit entries: %w", err)
	}
	return n, nil
}

// Prune removes entries older than the cutoff and returns how many went.
func (r *Recorder) Prune(olderThan time.Time) (int64, error) {
	res, err := r.db.Exec("DELETE FROM audit_log WHERE at < ?", olderThan.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit log: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}
