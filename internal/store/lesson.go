package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/couture-edu/couture/internal/model"
)

// UpsertLesson inserts or replaces a lesson definition.
func (s *Store) UpsertLesson(ctx context.Context, l model.Lesson) error {
	topics, err := toJSON(l.Topics)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}
	questions, err := toJSON(l.Questions)
	if err != nil {
		return fmt.Errorf("encode questions: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, title, knowledge_base, points_reward, topics, questions, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			knowledge_base = excluded.knowledge_base,
			points_reward = excluded.points_reward,
			topics = excluded.topics,
			questions = excluded.questions,
			updated_at = excluded.updated_at`,
		l.ID, l.Title, l.KnowledgeBase, l.PointsReward, topics, questions, time.Now().UTC(),
	)
	return err
}

// GetLesson returns a lesson with its questions in authored order.
func (s *Store) GetLesson(ctx context.Context, id string) (model.Lesson, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, knowledge_base, points_reward, topics, questions, updated_at
		 FROM lessons WHERE id = ?`, id)
	l, err := scanLesson(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Lesson{}, fmt.Errorf("lesson %s: %w", id, ErrNotFound)
	}
	return l, err
}

// ListLessons returns all lessons ordered by title.
func (s *Store) ListLessons(ctx context.Context) ([]model.Lesson, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, knowledge_base, points_reward, topics, questions, updated_at
		 FROM lessons ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lessons []model.Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, err
		}
		lessons = append(lessons, l)
	}
	return lessons, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLesson(row scanner) (model.Lesson, error) {
	var l model.Lesson
	var topics, questions string
	if err := row.Scan(&l.ID, &l.Title, &l.KnowledgeBase, &l.PointsReward, &topics, &questions, &l.UpdatedAt); err != nil {
		return l, err
	}
	if err := fromJSON(topics, &l.Topics); err != nil {
		return l, fmt.Errorf("decode topics of lesson %s: %w", l.ID, err)
	}
	if err := fromJSON(questions, &l.Questions); err != nil {
		return l, fmt.Errorf("decode questions of lesson %s: %w", l.ID, err)
	}
	return l, nil
}
