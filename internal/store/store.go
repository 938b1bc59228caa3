// Package store persists run history that outlives a session: agent
// insights keyed by topic, and the verification outcomes of every task.
// Backed by SQLite at .rev/insights.db; the planner reads insights back as
// extra context on later runs.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/redsand/rev-sub002/internal/logging"
)

// Store wraps the SQLite handle. A single connection is enough: writes are
// rare and serialized by the mutex.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS insights (
	topic       TEXT NOT NULL,
	content     TEXT NOT NULL,
	session_id  TEXT NOT NULL,
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (topic, session_id)
);
CREATE TABLE IF NOT EXISTS verifications (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id   TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	attempt      INTEGER NOT NULL,
	passed       BOOLEAN NOT NULL,
	should_replan BOOLEAN NOT NULL,
	message      TEXT NOT NULL,
	created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_verifications_session ON verifications(session_id);
`

// Open initializes the database at path, creating parent directories and
// the schema as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("set busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("set journal_mode=WAL: %v", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	logging.StoreDebug("store opened at %s", path)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// Insight is one persisted research or learning finding.
type Insight struct {
	Topic     string
	Content   string
	SessionID string
	CreatedAt time.Time
}

// PutInsight upserts a finding for a topic within a session.
func (s *Store) PutInsight(sessionID, topic, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO insights (topic, content, session_id) VALUES (?, ?, ?)
		 ON CONFLICT(topic, session_id) DO UPDATE SET content = excluded.content`,
		topic, content, sessionID,
	)
	if err != nil {
		logging.StoreError("store insight %q: %v", topic, err)
		return fmt.Errorf("store insight: %w", err)
	}
	return nil
}

// RecentInsights returns the newest findings across sessions, newest first.
func (s *Store) RecentInsights(limit int) ([]Insight, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT topic, content, session_id, created_at
		 FROM insights ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query insights: %w", err)
	}
	defer rows.Close()

	var out []Insight
	for rows.Next() {
		var in Insight
		if err := rows.Scan(&in.Topic, &in.Content, &in.SessionID, &in.CreatedAt); err != nil {
			continue
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// VerificationRecord is one stored verifier verdict.
type VerificationRecord struct {
	ID           int64
	SessionID    string
	TaskID       string
	ActionType   string
	Attempt      int
	Passed       bool
	ShouldReplan bool
	Message      string
	CreatedAt    time.Time
}

// RecordVerification appends a verifier verdict for a task attempt.
func (s *Store) RecordVerification(rec VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO verifications
		 (session_id, task_id, action_type, attempt, passed, should_replan, message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.TaskID, rec.ActionType, rec.Attempt,
		rec.Passed, rec.ShouldReplan, rec.Message,
	)
	if err != nil {
		logging.StoreError("record verification for %s: %v", rec.TaskID, err)
		return fmt.Errorf("record verification: %w", err)
	}
	logging.StoreDebug("verification recorded: task=%s attempt=%d passed=%v",
		rec.TaskID, rec.Attempt, rec.Passed)
	return nil
}

// VerificationHistory returns a session's verdicts, newest first.
func (s *Store) VerificationHistory(sessionID string, limit int) ([]VerificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, session_id, task_id, action_type, attempt, passed, should_replan, message, created_at
		 FROM verifications WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query verifications: %w", err)
	}
	defer rows.Close()

	var out []VerificationRecord
	for rows.Next() {
		var rec VerificationRecord
		if err := rows.Scan(
			&rec.ID, &rec.SessionID, &rec.TaskID, &rec.ActionType, &rec.Attempt,
			&rec.Passed, &rec.ShouldReplan, &rec.Message, &rec.CreatedAt,
		); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FailureRate reports the fraction of failed verifications per action type,
// for surfacing weak spots to the planner.
func (s *Store) FailureRate() (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT action_type,
		        SUM(CASE WHEN passed THEN 0 ELSE 1 END) * 1.0 / COUNT(*)
		 FROM verifications GROUP BY action_type`)
	if err != nil {
		return nil, fmt.Errorf("query failure rate: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var action string
		var rate float64
		if err := rows.Scan(&action, &rate); err != nil {
			continue
		}
		out[action] = rate
	}
	return out, rows.Err()
}
