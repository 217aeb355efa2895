package model

import "time"

// AttemptExport is the top-level JSON structure for attempt export.
type AttemptExport struct {
	ExportedAt  time.Time       `json:"exported_at"`
	NumAttempts int             `json:"num_attempts"`
	Results     []AttemptResult `json:"results"`
}

// AttemptResult holds one attempt with its learner and per-question data for export.
type AttemptResult struct {
	AttemptID    string           `json:"attempt_id"`
	Username     string           `json:"username"`
	DisplayName  string           `json:"display_name"`
	LessonID     string           `json:"lesson_id,omitempty"`
	LessonTitle  string           `json:"lesson_title,omitempty"`
	QuizType     QuizType         `json:"quiz_type"`
	Score        float64          `json:"score"`
	PointsEarned int              `json:"points_earned"`
	CreatedAt    time.Time        `json:"created_at"`
	Questions    []QuestionResult `json:"questions"`
}

// QuestionResult holds per-question data for export.
type QuestionResult struct {
	QuestionID string       `json:"question_id"`
	Prompt     string       `json:"question,omitempty"`
	Type       QuestionType `json:"type,omitempty"`
	UserAnswer string       `json:"user_answer"`
	IsCorrect  bool         `json:"is_correct"`
	Score      float64      `json:"score"`
	Feedback   string       `json:"feedback"`
}
