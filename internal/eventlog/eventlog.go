// Package eventlog persists the operational record of a drain run: an
// append-only SQLite table of coded, severity-tagged events that survives
// the process and can be queried after the fact.
package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Severity levels for recorded events.
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Stable numeric codes for every major transition. Codes are part of the
// operational contract: dashboards and alerts key on them, so existing
// values never change meaning.
const (
	CodeRunStart = 1000
	CodeRunDone  = 1001

	CodeSelectionStart  = 1100
	CodeSelectionDone   = 1101
	CodeSelectionEmpty  = 1102
	CodeSelectionFailed = 1103
	CodeParityInvalid   = 1104

	CodeMaintenanceStart = 1200
	CodeMaintenanceDone  = 1201
	CodeMaintenanceError = 1202

	CodePreDrainStart = 1300

	CodeDrainStart    = 1400
	CodeWarningSent   = 1401
	CodeRestartIssued = 1402
	CodeForcedRestart = 1403
	CodeBrokerError   = 1404
	CodeDrainDone     = 1405

	CodeAuthError = 1500
)

// Event is one operational log record.
type Event struct {
	ID       int64     `json:"id"`
	RunID    string    `json:"run_id"`
	Code     int       `json:"code"`
	Severity string    `json:"severity"`
	Machine  string    `json:"machine"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}

// Store wraps a SQLite connection holding the event table.
type Store struct {
	conn *sql.DB
}

// New opens the SQLite database at path, enables WAL mode, and runs migrations.
func New(path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	if err := migrate(conn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &Store{conn: conn}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id   TEXT NOT NULL,
			code     INTEGER NOT NULL,
			severity TEXT NOT NULL,
			machine  TEXT NOT NULL DEFAULT '',
			message  TEXT NOT NULL,
			at       DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id);
		CREATE INDEX IF NOT EXISTS idx_events_code ON events(code);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Append inserts one event. The store assigns the row id; e.At defaults to
// now when zero.
func (s *Store) Append(e Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.conn.Exec(`
		INSERT INTO events (run_id, code, severity, machine, message, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Code, e.Severity, e.Machine, e.Message,
		at.UTC().Format(time.RFC3339),
	)
	return err
}

// ByRun returns all events for a run in insertion order.
func (s *Store) ByRun(runID string) ([]Event, error) {
	rows, err := s.conn.Query(`
		SELECT id, run_id, code, severity, machine, message, at
		FROM events WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var at string
		if err := rows.Scan(&e.ID, &e.RunID, &e.Code, &e.Severity, &e.Machine, &e.Message, &at); err != nil {
			return nil, err
		}
		e.At, err = time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, fmt.Errorf("parse at %q: %w", at, err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// CountBySeverity returns event counts grouped by severity across all runs.
func (s *Store) CountBySeverity() (map[string]int, error) {
	rows, err := s.conn.Query(`SELECT severity, COUNT(*) FROM events GROUP BY severity`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var n int
		if err := rows.Scan(&severity, &n); err != nil {
			return nil, err
		}
		counts[severity] = n
	}
	return counts, rows.Err()
}
