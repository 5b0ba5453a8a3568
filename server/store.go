package server

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound indicates the requested run doesn't exist.
var ErrRunNotFound = errors.New("run not found")

// Run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is one recorded top-level call.
type Run struct {
	ID         int64
	Function   string
	Status     string
	Result     string
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// StoredNotification is one recorded watch or viz notification.
type StoredNotification struct {
	RunID     int64
	Channel   string
	Variable  string
	Value     string
	CreatedAt time.Time
}

// RunStore persists runs and their notifications in SQLite.
type RunStore struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenRunStore opens (and initializes) the store at the given path.
func OpenRunStore(path string) (*RunStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Set busy timeout for concurrent access.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		function TEXT NOT NULL,
		status TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating runs table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id),
		channel TEXT NOT NULL,
		variable TEXT NOT NULL,
		value TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating notifications table: %w", err)
	}

	return &RunStore{db: db}, nil
}

// Close closes the database connection.
func (s *RunStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginRun records the start of a top-level call and returns its ID.
func (s *RunStore) BeginRun(function string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`INSERT INTO runs (function, status, started_at) VALUES (?, ?, ?)`,
		function, RunRunning, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	return result.LastInsertId()
}

// FinishRun records the outcome of a run.
func (s *RunStore) FinishRun(id int64, status, result, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, result = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, result, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating run %d: %w", id, err)
	}
	return nil
}

// AddNotification appends one notification to a run's log.
func (s *RunStore) AddNotification(runID int64, channel, variable, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO notifications (run_id, channel, variable, value, created_at) VALUES (?, ?, ?, ?, ?)`,
		runID, channel, variable, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting notification: %w", err)
	}
	return nil
}

// GetRun loads one run by ID.
func (s *RunStore) GetRun(id int64) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(
		`SELECT id, function, status, result, error, started_at, COALESCE(finished_at, started_at)
		 FROM runs WHERE id = ?`, id)

	var run Run
	err := row.Scan(&run.ID, &run.Function, &run.Status, &run.Result, &run.Error, &run.StartedAt, &run.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %d: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first.
func (s *RunStore) ListRuns(limit int) ([]Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(
		`SELECT id, function, status, result, error, started_at, COALESCE(finished_at, started_at)
		 FROM runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(&run.ID, &run.Function, &run.Status, &run.Result, &run.Error, &run.StartedAt, &run.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Notifications returns the notifications recorded for a run, oldest
// first.
func (s *RunStore) Notifications(runID int64) ([]StoredNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT run_id, channel, variable, value, created_at
		 FROM notifications WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	defer rows.Close()

	var notifications []StoredNotification
	for rows.Next() {
		var n StoredNotification
		if err := rows.Scan(&n.RunID, &n.Channel, &n.Variable, &n.Value, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}
