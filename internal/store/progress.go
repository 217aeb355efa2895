package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/couture-edu/couture/internal/model"
)

// SaveProgress upserts the learner's latest state for a lesson as part of
// attempt attemptID.
func (s *Store) SaveProgress(ctx context.Context, attemptID string, p model.LessonProgress) (bool, error) {
	responses, err := toJSON(p.Responses)
	if err != nil {
		return false, fmt.Errorf("encode responses: %w", err)
	}
	feedback, err := toJSON(p.Feedback)
	if err != nil {
		return false, fmt.Errorf("encode feedback: %w", err)
	}
	return s.applyStep(ctx, attemptID, p.UserID, StepProgress, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_lesson_progress
				(user_id, lesson_id, status, progress_percentage, responses, ai_feedback, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, lesson_id) DO UPDATE SET
				status = excluded.status,
				progress_percentage = excluded.progress_percentage,
				responses = excluded.responses,
				ai_feedback = excluded.ai_feedback,
				completed_at = excluded.completed_at`,
			p.UserID, p.LessonID, p.Status, p.Percentage, responses, feedback, p.CompletedAt.UTC(),
		)
		return err
	})
}

// GetProgress returns the learner's progress for a lesson.
func (s *Store) GetProgress(ctx context.Context, userID, lessonID string) (model.LessonProgress, error) {
	var p model.LessonProgress
	var responses, feedback string
	var completed sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, lesson_id, status, progress_percentage, responses, ai_feedback, completed_at
		 FROM user_lesson_progress WHERE user_id = ? AND lesson_id = ?`, userID, lessonID,
	).Scan(&p.UserID, &p.LessonID, &p.Status, &p.Percentage, &responses, &feedback, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("progress %s/%s: %w", userID, lessonID, ErrNotFound)
	}
	if err != nil {
		return p, err
	}
	p.CompletedAt = completed.Time
	if err := fromJSON(responses, &p.Responses); err != nil {
		return p, fmt.Errorf("decode responses: %w", err)
	}
	if err := fromJSON(feedback, &p.Feedback); err != nil {
		return p, fmt.Errorf("decode feedback: %w", err)
	}
	return p, nil
}
