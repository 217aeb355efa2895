package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/couture-edu/couture/internal/model"
)

// levelAfter returns the severity of a record that had prevCount errors
// before the current one.
func levelAfter(prevCount int) model.DifficultyLevel {
	switch {
	case prevCount >= 3:
		return model.DifficultyCritical
	case prevCount >= 2:
		return model.DifficultyHigh
	default:
		return model.DifficultyMedium
	}
}

// RecordDifficulties applies find-and-increment for every missed topic: an
// unresolved record for (user, topic) gets its counter bumped, otherwise a
// new medium record is created.
func (s *Store) RecordDifficulties(ctx context.Context, attemptID, userID string, missed []model.MissedTopic, at time.Time) (bool, error) {
	at = at.UTC()
	return s.applyStep(ctx, attemptID, userID, StepDifficulties, func(tx *sql.Tx) error {
		for _, m := range missed {
			var id string
			var count int
			err := tx.QueryRowContext(ctx,
				`SELECT id, error_count FROM user_difficulties
				 WHERE user_id = ? AND topic = ? AND resolved = 0
				 ORDER BY last_error_at DESC LIMIT 1`, userID, m.Topic,
			).Scan(&id, &count)

			switch {
			case errors.Is(err, sql.ErrNoRows):
				_, err = tx.ExecContext(ctx,
					`INSERT INTO user_difficulties (id, user_id, topic, context, difficulty_level, error_count, resolved, last_error_at)
					 VALUES (?, ?, ?, ?, ?, 1, 0, ?)`,
					uuid.NewString(), userID, m.Topic, m.Context, model.DifficultyMedium, at,
				)
			case err == nil:
				_, err = tx.ExecContext(ctx,
					`UPDATE user_difficulties
					 SET error_count = error_count + 1, difficulty_level = ?, context = ?, last_error_at = ?
					 WHERE id = ?`,
					levelAfter(count), m.Context, at, id,
				)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListDifficulties returns a learner's difficulty records, most recent first.
func (s *Store) ListDifficulties(ctx context.Context, userID string, includeResolved bool) ([]model.Difficulty, error) {
	query := `SELECT id, user_id, topic, context, difficulty_level, error_count, resolved, last_error_at
		FROM user_difficulties WHERE user_id = ?`
	if !includeResolved {
		query += ` AND resolved = 0`
	}
	query += ` ORDER BY last_error_at DESC, topic`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Difficulty
	for rows.Next() {
		var d model.Difficulty
		if err := rows.Scan(&d.ID, &d.UserID, &d.Topic, &d.Context, &d.Level, &d.ErrorCount, &d.Resolved, &d.LastErrorAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
