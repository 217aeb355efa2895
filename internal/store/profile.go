package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/couture-edu/couture/internal/model"
)

const dayLayout = "2006-01-02"

// ApplyProfileDelta folds one graded attempt into the learner profile with a
// single upsert, so concurrent attempts cannot lose each other's updates.
// The profile is created on first use.
func (s *Store) ApplyProfileDelta(ctx context.Context, attemptID, userID string, d model.ProfileDelta) (bool, error) {
	day := d.Day
	if day.IsZero() {
		day = time.Now()
	}
	today := day.Format(dayLayout)
	yesterday := day.AddDate(0, 0, -1).Format(dayLayout)
	lessons := 0
	if d.LessonCompleted {
		lessons = 1
	}
	points := max(d.Points, 0)

	return s.applyStep(ctx, attemptID, userID, StepProfile, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO user_learning_profiles (user_id, total_quizzes_completed, total_lessons_completed,
				points, average_score, level, streak_days, last_activity_date, updated_at)
			 VALUES (?, 1, ?, ?, ?, ? / 1000 + 1, 1, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
				average_score = (average_score * total_quizzes_completed + excluded.average_score)
					/ (total_quizzes_completed + 1),
				total_quizzes_completed = total_quizzes_completed + 1,
				total_lessons_completed = total_lessons_completed + excluded.total_lessons_completed,
				points = points + excluded.points,
				level = (points + excluded.points) / 1000 + 1,
				streak_days = CASE
					WHEN last_activity_date = excluded.last_activity_date THEN MAX(streak_days, 1)
					WHEN last_activity_date = ? THEN streak_days + 1
					ELSE 1
				END,
				last_activity_date = excluded.last_activity_date,
				updated_at = excluded.updated_at`,
			userID, lessons, points, d.Score, points, today, time.Now().UTC(), yesterday,
		)
		return err
	})
}

// GetProfile returns the learner profile. Learners without attempts get a
// fresh level-1 profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (model.LearnerProfile, error) {
	p := model.LearnerProfile{UserID: userID, Level: 1}
	err := s.db.QueryRowContext(ctx,
		`SELECT total_quizzes_completed, total_lessons_completed, points, average_score, level,
			streak_days, last_activity_date, updated_at
		 FROM user_learning_profiles WHERE user_id = ?`, userID,
	).Scan(&p.TotalQuizzesCompleted, &p.TotalLessonsCompleted, &p.Points, &p.AverageScore, &p.Level,
		&p.StreakDays, &p.LastActivityDate, &p.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return p, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT topic FROM user_difficulties WHERE user_id = ? AND resolved = 0 ORDER BY topic`, userID)
	if err != nil {
		return p, err
	}
	defer rows.Close()
	p.Weaknesses = []string{}
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return p, err
		}
		p.Weaknesses = append(p.Weaknesses, topic)
	}
	return p, rows.Err()
}
