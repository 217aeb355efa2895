// Package store persists lessons, attempts and learner state in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an attempt id is already recorded for
	// another learner.
	ErrConflict = errors.New("attempt id already recorded")
)

// Persistence steps applied for every graded attempt, in order.
const (
	StepAttempt      = "attempt"
	StepProfile      = "profile"
	StepProgress     = "progress"
	StepDifficulties = "difficulties"
)

type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath. ":memory:" gives a
// private in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" || strings.Contains(dbPath, "mode=memory") {
		// every connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		display_name TEXT NOT NULL DEFAULT '',
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'student',
		active INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS auth_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		expires_at DATETIME NOT NULL,
		FOREIGN KEY (user_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lessons (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		knowledge_base TEXT NOT NULL DEFAULT '',
		points_reward INTEGER NOT NULL DEFAULT 100,
		topics TEXT NOT NULL DEFAULT '[]',
		questions TEXT NOT NULL DEFAULT '[]',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS quiz_attempts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL DEFAULT '',
		quiz_type TEXT NOT NULL,
		correct_answers INTEGER NOT NULL DEFAULT 0,
		incorrect_answers INTEGER NOT NULL DEFAULT 0,
		score REAL NOT NULL DEFAULT 0,
		points_earned INTEGER NOT NULL DEFAULT 0,
		topics_covered TEXT NOT NULL DEFAULT '[]',
		time_taken INTEGER NOT NULL DEFAULT 0,
		responses TEXT NOT NULL DEFAULT '[]',
		feedback TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_quiz_attempts_user ON quiz_attempts(user_id, created_at);

	CREATE TABLE IF NOT EXISTS attempt_steps (
		attempt_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		step TEXT NOT NULL,
		applied_at DATETIME NOT NULL,
		PRIMARY KEY (attempt_id, user_id, step)
	);

	CREATE TABLE IF NOT EXISTS user_lesson_progress (
		user_id TEXT NOT NULL,
		lesson_id TEXT NOT NULL,
		status TEXT NOT NULL,
		progress_percentage INTEGER NOT NULL DEFAULT 0,
		responses TEXT NOT NULL DEFAULT '[]',
		ai_feedback TEXT NOT NULL DEFAULT '{}',
		completed_at DATETIME,
		PRIMARY KEY (user_id, lesson_id)
	);

	CREATE TABLE IF NOT EXISTS user_learning_profiles (
		user_id TEXT PRIMARY KEY,
		total_quizzes_completed INTEGER NOT NULL DEFAULT 0,
		total_lessons_completed INTEGER NOT NULL DEFAULT 0,
		points INTEGER NOT NULL DEFAULT 0,
		average_score REAL NOT NULL DEFAULT 0,
		level INTEGER NOT NULL DEFAULT 1,
		streak_days INTEGER NOT NULL DEFAULT 0,
		last_activity_date TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_difficulties (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '',
		difficulty_level TEXT NOT NULL DEFAULT 'medium',
		error_count INTEGER NOT NULL DEFAULT 1,
		resolved INTEGER NOT NULL DEFAULT 0,
		last_error_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_user_difficulties_topic ON user_difficulties(user_id, topic, resolved);
	`
	_, err := s.db.Exec(schema)
	return err
}

// applyStep runs fn in a transaction together with the marker row for
// (attemptID, userID, step). A step already recorded for the attempt is
// skipped and reported as not applied.
func (s *Store) applyStep(ctx context.Context, attemptID, userID, step string, fn func(tx *sql.Tx) error) (applied bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin %s: %w", step, err)
	}
	defer func() {
		if err != nil || !applied {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempt_steps (attempt_id, user_id, step, applied_at) VALUES (?, ?, ?, ?)`,
		attemptID, userID, step, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("record %s: %w", step, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		slog.Debug("step already applied", "attempt_id", attemptID, "user_id", userID, "step", step)
		return false, nil
	}

	if err := fn(tx); err != nil {
		return false, fmt.Errorf("%s: %w", step, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit %s: %w", step, err)
	}
	return true, nil
}

// AppliedSteps returns the persistence steps already recorded for a
// learner's attempt.
func (s *Store) AppliedSteps(ctx context.Context, attemptID, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step FROM attempt_steps WHERE attempt_id = ? AND user_id = ? ORDER BY applied_at, step`,
		attemptID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var steps []string
	for rows.Next() {
		var step string
		if err := rows.Scan(&step); err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func fromJSON(s string, v any) error {
	if s == "" {
		return nil
	}
	return json.Unmarshal([]byte(s), v)
}
