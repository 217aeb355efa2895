package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couture-edu/couture/internal/model"
)

// RecordAttempt inserts the immutable attempt row. It reports false when the
// attempt was already recorded for the same learner and fails with
// ErrConflict when the id belongs to another learner.
func (s *Store) RecordAttempt(ctx context.Context, a model.Attempt) (bool, error) {
	topics, err := toJSON(a.TopicsCovered)
	if err != nil {
		return false, fmt.Errorf("encode topics: %w", err)
	}
	responses, err := toJSON(a.Responses)
	if err != nil {
		return false, fmt.Errorf("encode responses: %w", err)
	}
	var feedback sql.NullString
	if a.Feedback != nil {
		fb, err := toJSON(a.Feedback)
		if err != nil {
			return false, fmt.Errorf("encode feedback: %w", err)
		}
		feedback = sql.NullString{String: fb, Valid: true}
	}

	return s.applyStep(ctx, a.ID, a.UserID, StepAttempt, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO quiz_attempts (id, user_id, lesson_id, quiz_type, correct_answers, incorrect_answers,
				score, points_earned, topics_covered, time_taken, responses, feedback, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			a.ID, a.UserID, a.LessonID, a.QuizType, a.CorrectAnswers, a.IncorrectAnswers,
			a.Score, a.PointsEarned, topics, a.TimeTaken, responses, feedback, a.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("attempt %s: %w", a.ID, ErrConflict)
		}
		return nil
	})
}

const attemptColumns = `id, user_id, lesson_id, quiz_type, correct_answers, incorrect_answers,
	score, points_earned, topics_covered, time_taken, responses, feedback, created_at`

// GetAttempt returns one attempt.
func (s *Store) GetAttempt(ctx context.Context, id string) (model.Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptColumns+` FROM quiz_attempts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return a, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, err
}

// ListAttempts returns attempts newest first. An empty userID lists all users.
func (s *Store) ListAttempts(ctx context.Context, userID string) ([]model.Attempt, error) {
	query := `SELECT ` + attemptColumns + ` FROM quiz_attempts`
	var args []any
	if userID != "" {
		query += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []model.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row scanner) (model.Attempt, error) {
	var a model.Attempt
	var topics, responses string
	var feedback sql.NullString
	err := row.Scan(&a.ID, &a.UserID, &a.LessonID, &a.QuizType, &a.CorrectAnswers, &a.IncorrectAnswers,
		&a.Score, &a.PointsEarned, &topics, &a.TimeTaken, &responses, &feedback, &a.CreatedAt)
	if err != nil {
		return a, err
	}
	if err := fromJSON(topics, &a.TopicsCovered); err != nil {
		return a, fmt.Errorf("decode topics of attempt %s: %w", a.ID, err)
	}
	if err := fromJSON(responses, &a.Responses); err != nil {
		return a, fmt.Errorf("decode responses of attempt %s: %w", a.ID, err)
	}
	if feedback.Valid {
		a.Feedback = &model.Feedback{}
		if err := fromJSON(feedback.String, a.Feedback); err != nil {
			return a, fmt.Errorf("decode feedback of attempt %s: %w", a.ID, err)
		}
	}
	return a, nil
}
