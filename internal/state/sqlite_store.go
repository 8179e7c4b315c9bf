package state

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ChuLiYu/cycle-monitor/pkg/types"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps machine state in a SQLite database in WAL mode. Each Save
// is a single upsert, so concurrent writers never lose each other's update.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLiteStore opens (or creates) the database at path.
func OpenSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, logger: loggerOrDefault(logger)}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS machine_state (
		machine_id     TEXT PRIMARY KEY,
		last_cycle     INTEGER NOT NULL,
		last_timestamp TEXT NOT NULL
	);`)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *SQLiteStore) Path() string { return s.path }

// Load implements Store.
func (s *SQLiteStore) Load(id types.MachineID) (types.MachineState, bool) {
	var e entry
	err := s.db.QueryRow(
		`SELECT last_cycle, last_timestamp FROM machine_state WHERE machine_id = ?`, string(id),
	).Scan(&e.LastCycle, &e.LastTimestamp)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to load state", "machine", id, "path", s.path, "error", err)
		}
		return types.MachineState{}, false
	}
	st, err := e.toState(id)
	if err != nil {
		s.logger.Warn("State entry is invalid; ignoring", "machine", id, "path", s.path, "error", err)
		return types.MachineState{}, false
	}
	return st, true
}

// Save implements Store.
func (s *SQLiteStore) Save(id types.MachineID, lastCycle int, lastTimestamp time.Time) error {
	e := newEntry(lastCycle, lastTimestamp)
	_, err := s.db.Exec(
		`INSERT INTO machine_state (machine_id, last_cycle, last_timestamp)
		 VALUES (?, ?, ?)
		 ON CONFLICT(machine_id) DO UPDATE SET
			last_cycle = excluded.last_cycle,
			last_timestamp = excluded.last_timestamp`,
		string(id), e.LastCycle, e.LastTimestamp,
	)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", id, err)
	}
	return nil
}

// Delete implements Store.
func (s *SQLiteStore) Delete(id types.MachineID) error {
	if _, err := s.db.Exec(`DELETE FROM machine_state WHERE machine_id = ?`, string(id)); err != nil {
		return fmt.Errorf("delete state for %s: %w", id, err)
	}
	return nil
}
