package model

import (
	"context"
	"time"
)

// UserRole represents a user's access level.
type UserRole string

const (
	// UserRoleStudent is a learner.
	UserRoleStudent UserRole = "student"
	// UserRoleTeacher authors lessons and may request difficulty suggestions.
	UserRoleTeacher UserRole = "teacher"
	// UserRoleAdmin manages users and lessons.
	UserRoleAdmin UserRole = "admin"
)

// User represents a system user.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Role         UserRole  `json:"role"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// AuthSession represents an authentication session.
type AuthSession struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type userCtxKey struct{}

// ContextWithUser stores a user in the request context.
func ContextWithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromContext retrieves the authenticated user from context, or nil.
func UserFromContext(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// QuestionType is the kind of an authored question.
type QuestionType string

const (
	// QuestionFreeText is graded by the language model.
	QuestionFreeText QuestionType = "dissertativa"
	// QuestionSingleChoice has exactly one correct option.
	QuestionSingleChoice QuestionType = "multipla_escolha"
)

// Option is one answer choice of a single-choice question.
type Option struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	IsCorrect bool   `json:"is_correct"`
}

// Question is an authored lesson question.
type Question struct {
	ID      string       `json:"id"`
	Order   int          `json:"order"`
	Type    QuestionType `json:"type"`
	Prompt  string       `json:"question"`
	Options []Option     `json:"options,omitempty"`
	Topics  []string     `json:"topics,omitempty"`
}

// CorrectOption returns the first option flagged correct.
func (q Question) CorrectOption() (Option, bool) {
	for _, o := range q.Options {
		if o.IsCorrect {
			return o, true
		}
	}
	return Option{}, false
}

// Lesson is the snapshot of an authored lesson used while grading an attempt.
type Lesson struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	KnowledgeBase string     `json:"knowledge_base"`
	PointsReward  int        `json:"points_reward"`
	Topics        []string   `json:"topics"`
	Questions     []Question `json:"questions"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Response is a learner's answer to one question.
type Response struct {
	QuestionID string `json:"question_id" validate:"required"`
	Answer     string `json:"answer"`
}

// QuestionFeedback is the graded outcome of one question.
type QuestionFeedback struct {
	QuestionID  string  `json:"question_id"`
	UserAnswer  string  `json:"user_answer"`
	IsCorrect   bool    `json:"is_correct"`
	AIReasoning string  `json:"ai_reasoning"`
	Score       float64 `json:"score"`

	// Fallback is set when the grader could not obtain a usable verdict.
	Fallback bool `json:"-"`
}

// Feedback is the full grading payload returned to the learner and stored with the attempt.
type Feedback struct {
	OverallScore     float64            `json:"overall_score"`
	QuestionFeedback []QuestionFeedback `json:"question_feedback"`
	GeneratedAt      time.Time          `json:"generated_at"`
}

// QuizType identifies the submission path that produced an attempt.
type QuizType string

const (
	QuizLessonBased QuizType = "lesson_based"
	QuizPractice    QuizType = "practice"
	QuizAdaptive    QuizType = "adaptive"
)

// Attempt is an immutable record of one graded submission.
type Attempt struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	LessonID         string     `json:"lesson_id,omitempty"`
	QuizType         QuizType   `json:"quiz_type"`
	CorrectAnswers   int        `json:"correct_answers"`
	IncorrectAnswers int        `json:"incorrect_answers"`
	Score            float64    `json:"score"`
	PointsEarned     int        `json:"points_earned"`
	TopicsCovered    []string   `json:"topics_covered"`
	TimeTaken        int        `json:"time_taken,omitempty"`
	Responses        []Response `json:"responses"`
	Feedback         *Feedback  `json:"feedback,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// QuizQuestion is one question of an objective quiz; the correct answer
// travels with the question.
type QuizQuestion struct {
	ID            string   `json:"id,omitempty"`
	Question      string   `json:"question" validate:"required"`
	CorrectAnswer string   `json:"correctAnswer" validate:"required"`
	Topics        []string `json:"topics,omitempty"`
}

// ProgressStatus is the state of a learner's progress through a lesson.
type ProgressStatus string

const (
	ProgressInProgress ProgressStatus = "in_progress"
	ProgressCompleted  ProgressStatus = "completed"
)

// LessonProgress tracks a learner's latest state for one lesson.
type LessonProgress struct {
	UserID      string         `json:"user_id"`
	LessonID    string         `json:"lesson_id"`
	Status      ProgressStatus `json:"status"`
	Percentage  int            `json:"progress_percentage"`
	Responses   []Response     `json:"responses"`
	Feedback    Feedback       `json:"ai_feedback"`
	CompletedAt time.Time      `json:"completed_at"`
}

// LearnerProfile is the per-user gamification and performance aggregate.
type LearnerProfile struct {
	UserID                string    `json:"user_id"`
	TotalQuizzesCompleted int       `json:"total_quizzes_completed"`
	TotalLessonsCompleted int       `json:"total_lessons_completed"`
	Points                int       `json:"points"`
	AverageScore          float64   `json:"average_score"`
	Level                 int       `json:"level"`
	StreakDays            int       `json:"streak_days"`
	LastActivityDate      string    `json:"last_activity_date"`
	UpdatedAt             time.Time `json:"updated_at"`

	// Weaknesses lists the topics of unresolved difficulties.
	Weaknesses []string `json:"weaknesses"`
}

// ProfileDelta is the change one graded attempt applies to a learner profile.
type ProfileDelta struct {
	Score           float64
	Points          int
	LessonCompleted bool
	Day             time.Time
}

// DifficultyLevel is the severity tier of a difficulty record.
type DifficultyLevel string

const (
	DifficultyMedium   DifficultyLevel = "medium"
	DifficultyHigh     DifficultyLevel = "high"
	DifficultyCritical DifficultyLevel = "critical"
)

// Difficulty is a per-user, per-topic counter of missed questions.
type Difficulty struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	Topic       string          `json:"topic"`
	Context     string          `json:"context"`
	Level       DifficultyLevel `json:"difficulty_level"`
	ErrorCount  int             `json:"error_count"`
	Resolved    bool            `json:"resolved"`
	LastErrorAt time.Time       `json:"last_error_at"`
}

// MissedTopic is one topic the learner got wrong in an attempt.
type MissedTopic struct {
	Topic   string
	Context string
}

// GradingConfig holds runtime grading parameters set via CLI flags.
type GradingConfig struct {
	PromptVariant string        // Free-text grading prompt variant (strict, standard, lenient)
	Concurrency   int           // Questions graded in parallel per attempt
	CallTimeout   time.Duration // Deadline for each LLM call
	LockTimeout   time.Duration // Maximum wait for the per-user lock
}
