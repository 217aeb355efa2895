package store

import (
	"context"
	"fmt"

	"github.com/couture-edu/couture/internal/model"
)

// ExportAttempts builds export-ready results for every recorded attempt,
// oldest first.
func (s *Store) ExportAttempts(ctx context.Context) ([]model.AttemptResult, error) {
	attempts, err := s.ListAttempts(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}

	users := make(map[string]*model.User)
	lessons := make(map[string]*model.Lesson)

	results := make([]model.AttemptResult, 0, len(attempts))
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]

		u, ok := users[a.UserID]
		if !ok {
			if u, err = s.GetUserByID(ctx, a.UserID); err != nil {
				return nil, fmt.Errorf("get user %s: %w", a.UserID, err)
			}
			users[a.UserID] = u
		}

		var lesson *model.Lesson
		if a.LessonID != "" {
			if lesson, ok = lessons[a.LessonID]; !ok {
				if l, err := s.GetLesson(ctx, a.LessonID); err == nil {
					lesson = &l
				}
				lessons[a.LessonID] = lesson
			}
		}

		r := model.AttemptResult{
			AttemptID:    a.ID,
			LessonID:     a.LessonID,
			QuizType:     a.QuizType,
			Score:        a.Score,
			PointsEarned: a.PointsEarned,
			CreatedAt:    a.CreatedAt,
		}
		if u != nil {
			r.Username = u.Username
			r.DisplayName = u.DisplayName
		}
		if lesson != nil {
			r.LessonTitle = lesson.Title
		}
		r.Questions = questionResults(a, lesson)
		results = append(results, r)
	}
	return results, nil
}

func questionResults(a model.Attempt, lesson *model.Lesson) []model.QuestionResult {
	if a.Feedback == nil {
		out := make([]model.QuestionResult, 0, len(a.Responses))
		for _, r := range a.Responses {
			out = append(out, model.QuestionResult{QuestionID: r.QuestionID, UserAnswer: r.Answer})
		}
		return out
	}

	byID := make(map[string]model.Question)
	if lesson != nil {
		for _, q := range lesson.Questions {
			byID[q.ID] = q
		}
	}
	out := make([]model.QuestionResult, 0, len(a.Feedback.QuestionFeedback))
	for _, f := range a.Feedback.QuestionFeedback {
		q := byID[f.QuestionID]
		out = append(out, model.QuestionResult{
			QuestionID: f.QuestionID,
			Prompt:     q.Prompt,
			Type:       q.Type,
			UserAnswer: f.UserAnswer,
			IsCorrect:  f.IsCorrect,
			Score:      f.Score,
			Feedback:   f.AIReasoning,
		})
	}
	return out
}
