// Package statedb records which mom daemon is running, and where, so the
// lifecycle commands (stop, status, up) can find it from another process.
package statedb

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// FileName is the database file inside the mom home directory.
const FileName = "state.db"

// DefaultStaleAfter is how old a heartbeat may get before the daemon that
// wrote it is considered dead.
const DefaultStaleAfter = 30 * time.Second

// StateDB wraps a SQLite database holding daemon registrations.
// Multiple OS processes can safely read/write via WAL mode + busy timeout.
type StateDB struct {
	db  *sql.DB
	pid int
}

// DaemonRow is one registered daemon process.
type DaemonRow struct {
	PID       int
	Addr      string
	Version   string
	Stdio     bool
	Started   time.Time
	Heartbeat time.Time
}

// Alive reports whether the heartbeat is fresher than staleAfter.
func (d DaemonRow) Alive(staleAfter time.Duration) bool {
	return time.Since(d.Heartbeat) < staleAfter
}

// Open creates or opens a SQLite database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}
	// One connection so the pragmas below apply to every statement.
	db.SetMaxOpenConns(1)

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}

	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db, pid: os.Getpid()}, nil
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced use cases (e.g., testing).
func (s *StateDB) DB() *sql.DB {
	return s.db
}

// PID is the process id this handle registers under.
func (s *StateDB) PID() int {
	return s.pid
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS daemons (
			pid       INTEGER PRIMARY KEY,
			addr      TEXT NOT NULL DEFAULT '',
			version   TEXT NOT NULL DEFAULT '',
			stdio     INTEGER NOT NULL DEFAULT 0,
			started   INTEGER NOT NULL,
			heartbeat INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create daemons: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// --- Daemon registration ---

// RegisterDaemon records this process as a running daemon listening on addr.
// Stdio daemons register with an empty addr.
func (s *StateDB) RegisterDaemon(addr, version string, stdio bool) error {
	now := time.Now().UnixMilli()
	flag := 0
	if stdio {
		flag = 1
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO daemons (pid, addr, version, stdio, started, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.pid, addr, version, flag, now, now)
	return err
}

// Heartbeat updates the heartbeat timestamp for this process.
func (s *StateDB) Heartbeat() error {
	res, err := s.db.Exec(
		"UPDATE daemons SET heartbeat = ? WHERE pid = ?",
		time.Now().UnixMilli(), s.pid,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("statedb: pid %d not registered", s.pid)
	}
	return nil
}

// UnregisterDaemon removes this process from the daemon table.
func (s *StateDB) UnregisterDaemon() error {
	return s.RemoveDaemon(s.pid)
}

// RemoveDaemon removes the row for pid, e.g. after it was found dead.
func (s *StateDB) RemoveDaemon(pid int) error {
	_, err := s.db.Exec("DELETE FROM daemons WHERE pid = ?", pid)
	return err
}

// CleanDeadDaemons removes rows whose heartbeat is older than staleAfter and
// returns how many were removed.
func (s *StateDB) CleanDeadDaemons(staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter).UnixMilli()
	res, err := s.db.Exec("DELETE FROM daemons WHERE heartbeat < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Daemons lists every registered daemon, freshest heartbeat first.
func (s *StateDB) Daemons() ([]DaemonRow, error) {
	rows, err := s.db.Query(`
		SELECT pid, addr, version, stdio, started, heartbeat
		FROM daemons ORDER BY heartbeat DESC, pid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DaemonRow
	for rows.Next() {
		var (
			d                  DaemonRow
			stdio              int
			started, heartbeat int64
		)
		if err := rows.Scan(&d.PID, &d.Addr, &d.Version, &stdio, &started, &heartbeat); err != nil {
			return nil, err
		}
		d.Stdio = stdio != 0
		d.Started = time.UnixMilli(started)
		d.Heartbeat = time.UnixMilli(heartbeat)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ErrNoDaemon is returned by Current when no live HTTP daemon is registered.
var ErrNoDaemon = errors.New("no running daemon")

// Current returns the freshest HTTP daemon whose heartbeat is within
// staleAfter. Stdio daemons belong to their parent process and are skipped.
func (s *StateDB) Current(staleAfter time.Duration) (DaemonRow, error) {
	all, err := s.Daemons()
	if err != nil {
		return DaemonRow{}, err
	}
	for _, d := range all {
		if !d.Stdio && d.Alive(staleAfter) {
			return d, nil
		}
	}
	return DaemonRow{}, ErrNoDaemon
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}
