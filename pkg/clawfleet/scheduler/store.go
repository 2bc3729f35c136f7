// Package scheduler drives time-based job creation. A single tick loop
// walks every configured schedule, decides due-ness and fires the fleet's
// trigger path. Runtime state (last run, runtime disable) is persisted in
// <stateDir>/scheduler.db so restarts neither re-fire nor forget.
package scheduler

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver.
)

const schema = `
CREATE TABLE IF NOT EXISTS schedule_state (
	agent       TEXT NOT NULL,
	schedule    TEXT NOT NULL,
	last_run_at TEXT,
	disabled    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (agent, schedule)
);`

// StateRow is one persisted (agent, schedule) runtime state.
type StateRow struct {
	Agent     string
	Schedule  string
	LastRunAt *time.Time
	Disabled  bool
}

// StateStore persists schedule runtime state in the state directory.
type StateStore struct {
	db *sql.DB
}

// OpenStateStore opens (and on first use creates) <stateDir>/scheduler.db.
func OpenStateStore(stateDir string) (*StateStore, error) {
	path := filepath.Join(stateDir, "scheduler.db")
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open scheduler state %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping scheduler state: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create scheduler schema: %w", err)
	}
	return &StateStore{db: db}, nil
}

func (s *StateStore) Close() error {
	return s.db.Close()
}

// Save upserts one schedule's runtime state.
func (s *StateStore) Save(row StateRow) error {
	var lastRunAt sql.NullString
	if row.LastRunAt != nil {
		lastRunAt = sql.NullString{String: row.LastRunAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO schedule_state (agent, schedule, last_run_at, disabled)
		VALUES (?, ?, ?, ?)`,
		row.Agent, row.Schedule, lastRunAt, boolToInt(row.Disabled),
	)
	if err != nil {
		return fmt.Errorf("save schedule state %s/%s: %w", row.Agent, row.Schedule, err)
	}
	return nil
}

// Delete removes one schedule's persisted state. Used to prune schedules
// that no longer exist in config.
func (s *StateStore) Delete(agent, schedule string) error {
	_, err := s.db.Exec("DELETE FROM schedule_state WHERE agent = ? AND schedule = ?", agent, schedule)
	if err != nil {
		return fmt.Errorf("delete schedule state %s/%s: %w", agent, schedule, err)
	}
	return nil
}

// LoadAll reads every persisted schedule state.
func (s *StateStore) LoadAll() ([]StateRow, error) {
	rows, err := s.db.Query("SELECT agent, schedule, last_run_at, disabled FROM schedule_state")
	if err != nil {
		return nil, fmt.Errorf("load schedule state: %w", err)
	}
	defer rows.Close()

	var out []StateRow
	for rows.Next() {
		var (
			row       StateRow
			lastRunAt sql.NullString
			disabled  int
		)
		if err := rows.Scan(&row.Agent, &row.Schedule, &lastRunAt, &disabled); err != nil {
			return nil, fmt.Errorf("scan schedule state: %w", err)
		}
		if lastRunAt.Valid {
			t, err := time.Parse(time.RFC3339, lastRunAt.String)
			if err == nil {
				row.LastRunAt = &t
			}
		}
		row.Disabled = disabled != 0
		out = append(out, row)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
