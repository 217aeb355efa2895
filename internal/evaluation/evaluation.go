// Package evaluation runs a learner submission through grading, scoring and
// the learner state writer.
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/couture-edu/couture/internal/event"
	"github.com/couture-edu/couture/internal/grading"
	"github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/llm/prompts"
	"github.com/couture-edu/couture/internal/metrics"
	"github.com/couture-edu/couture/internal/model"
	"github.com/couture-edu/couture/internal/store"
	"github.com/couture-edu/couture/internal/userlock"
)

var (
	// ErrInvalidSubmission is returned for malformed intake.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrLessonNotFound is returned when the submitted lesson does not exist.
	ErrLessonNotFound = errors.New("lesson not found")
	// ErrAttemptConflict is returned when an attempt id is already recorded
	// for another learner or lesson.
	ErrAttemptConflict = fmt.Errorf("%w: attempt id belongs to another submission", ErrInvalidSubmission)
)

const defaultLockTimeout = 10 * time.Second

// Store is the persistence the pipeline needs.
type Store interface {
	GetLesson(ctx context.Context, id string) (model.Lesson, error)
	GetAttempt(ctx context.Context, id string) (model.Attempt, error)
	RecordAttempt(ctx context.Context, a model.Attempt) (bool, error)
	ApplyProfileDelta(ctx context.Context, attemptID, userID string, d model.ProfileDelta) (bool, error)
	SaveProgress(ctx context.Context, attemptID string, p model.LessonProgress) (bool, error)
	RecordDifficulties(ctx context.Context, attemptID, userID string, missed []model.MissedTopic, at time.Time) (bool, error)
}

// Submission is one learner's answers to a lesson.
type Submission struct {
	LessonID  string           `json:"lesson_id" validate:"required"`
	UserID    string           `json:"user_id" validate:"required"`
	Responses []model.Response `json:"responses" validate:"required,dive"`
	// AttemptID makes a retried submission idempotent. Generated when empty.
	AttemptID string `json:"attempt_id,omitempty" validate:"omitempty,uuid"`
}

// QuizSubmission is an objective quiz whose questions carry their answer
// key. Answers[i] answers Questions[i].
type QuizSubmission struct {
	AttemptID     string               `json:"attempt_id,omitempty" validate:"omitempty,uuid"`
	UserID        string               `json:"user_id" validate:"required"`
	LessonID      string               `json:"lesson_id,omitempty"`
	QuizType      model.QuizType       `json:"quiz_type" validate:"omitempty,oneof=lesson_based practice adaptive"`
	Questions     []model.QuizQuestion `json:"questions" validate:"required,dive"`
	Answers       []string             `json:"answers"`
	TopicsCovered []string             `json:"topics_covered"`
	TimeTaken     int                  `json:"time_taken" validate:"gte=0"`
}

// QuestionDraft is an authored question awaiting a difficulty level.
type QuestionDraft struct {
	Question     string   `json:"question_text" validate:"required"`
	Topic        string   `json:"topic_name" validate:"required"`
	SingleChoice bool     `json:"single_choice"`
	Options      []string `json:"options"`
}

// Result is returned for a graded submission.
type Result struct {
	AttemptID    string         `json:"attempt_id"`
	Feedback     model.Feedback `json:"feedback"`
	Score        float64        `json:"score"`
	PointsEarned int            `json:"points_earned"`
	// Partial is set when grading succeeded but some state was not saved.
	Partial     bool     `json:"partial,omitempty"`
	FailedSteps []string `json:"failed_steps,omitempty"`
}

// Config tunes the service.
type Config struct {
	LockTimeout time.Duration
}

// Service evaluates submissions.
type Service struct {
	store     Store
	grader    *grading.Grader
	locker    userlock.Locker
	publisher event.Publisher
	validate  *validator.Validate

	lockTimeout time.Duration
	now         func() time.Time
}

// New creates a Service. A nil locker or publisher falls back to an
// in-process lock and no events.
func New(st Store, g *grading.Grader, locker userlock.Locker, pub event.Publisher, cfg Config) *Service {
	if locker == nil {
		locker = userlock.NewLocal()
	}
	if pub == nil {
		pub = event.Nop{}
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = defaultLockTimeout
	}
	return &Service{
		store:       st,
		grader:      g,
		locker:      locker,
		publisher:   pub,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		lockTimeout: cfg.LockTimeout,
		now:         time.Now,
	}
}

func (s *Service) reject(reason string, err error) error {
	metrics.RejectedAttempts.WithLabelValues(reason).Inc()
	return err
}

// Evaluate grades a lesson submission and records it. Intake and authoring
// problems are returned as errors before any state changes; persistence
// problems only mark the result partial. Resubmitting a recorded attempt id
// returns the recorded result and only completes the steps still missing.
func (s *Service) Evaluate(ctx context.Context, sub Submission) (*Result, error) {
	if err := s.validate.Struct(sub); err != nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: %v", ErrInvalidSubmission, err))
	}

	lesson, err := s.store.GetLesson(ctx, sub.LessonID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, s.reject("lesson_not_found", fmt.Errorf("%w: %s", ErrLessonNotFound, sub.LessonID))
	}
	if err != nil {
		return nil, fmt.Errorf("load lesson %s: %w", sub.LessonID, err)
	}
	if err := grading.CheckLesson(lesson); err != nil {
		return nil, s.reject("authoring", err)
	}

	missedOf := func(a model.Attempt) []model.MissedTopic {
		return grading.MissedTopics(ctx, lesson, a.Feedback.QuestionFeedback)
	}
	rec, err := s.replay(ctx, sub.AttemptID, sub.UserID, lesson.ID, missedOf)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		graded, err := s.grader.GradeLesson(ctx, lesson, sub.Responses)
		if err != nil {
			return nil, err
		}
		sum, err := grading.Summarize(graded.Feedback, len(lesson.Questions), lesson.PointsReward)
		if err != nil {
			return nil, err
		}

		now := s.now()
		rec = &record{
			attempt: model.Attempt{
				ID:               attemptIDOr(sub.AttemptID),
				UserID:           sub.UserID,
				LessonID:         lesson.ID,
				QuizType:         model.QuizLessonBased,
				CorrectAnswers:   sum.CorrectAnswers,
				IncorrectAnswers: sum.IncorrectAnswers,
				Score:            sum.ScorePercent,
				PointsEarned:     sum.PointsEarned,
				TopicsCovered:    lesson.Topics,
				Responses:        sub.Responses,
				Feedback: &model.Feedback{
					OverallScore:     sum.ScorePercent,
					QuestionFeedback: graded.Feedback,
					GeneratedAt:      now.UTC(),
				},
				CreatedAt: now,
			},
			missed: graded.Missed,
		}
	}

	steps := []step{
		s.attemptStep(rec, lesson.ID, missedOf),
		{store.StepProfile, func(ctx context.Context) (bool, error) {
			return s.store.ApplyProfileDelta(ctx, rec.attempt.ID, sub.UserID, model.ProfileDelta{
				Score:           rec.attempt.Score,
				Points:          rec.attempt.PointsEarned,
				LessonCompleted: true,
				Day:             s.now(),
			})
		}},
		{store.StepProgress, func(ctx context.Context) (bool, error) {
			return s.store.SaveProgress(ctx, rec.attempt.ID, model.LessonProgress{
				UserID:      sub.UserID,
				LessonID:    lesson.ID,
				Status:      model.ProgressCompleted,
				Percentage:  100,
				Responses:   rec.attempt.Responses,
				Feedback:    *rec.attempt.Feedback,
				CompletedAt: rec.attempt.CreatedAt,
			})
		}},
		{store.StepDifficulties, func(ctx context.Context) (bool, error) {
			return s.store.RecordDifficulties(ctx, rec.attempt.ID, sub.UserID, rec.missed, s.now())
		}},
	}
	return s.finish(ctx, event.AttemptGraded, rec, steps)
}

// SubmitQuiz grades an objective quiz by exact answer match and records it.
func (s *Service) SubmitQuiz(ctx context.Context, sub QuizSubmission) (*Result, error) {
	if err := s.validate.Struct(sub); err != nil {
		return nil, s.reject("invalid", fmt.Errorf("%w: %v", ErrInvalidSubmission, err))
	}
	if len(sub.Questions) == 0 {
		return nil, s.reject("authoring", grading.ErrNoQuestions)
	}

	missedOf := func(a model.Attempt) []model.MissedTopic {
		return quizMissed(ctx, sub.Questions, a.Feedback.QuestionFeedback)
	}
	rec, err := s.replay(ctx, sub.AttemptID, sub.UserID, sub.LessonID, missedOf)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		var correct int
		feedback := make([]model.QuestionFeedback, 0, len(sub.Questions))
		responses := make([]model.Response, 0, len(sub.Questions))
		for i, q := range sub.Questions {
			var answer string
			if i < len(sub.Answers) {
				answer = sub.Answers[i]
			}
			ok := strings.TrimSpace(answer) == strings.TrimSpace(q.CorrectAnswer)
			fb := model.QuestionFeedback{QuestionID: q.ID, UserAnswer: answer, IsCorrect: ok}
			if ok {
				correct++
				fb.Score = grading.MaxQuestionScore
			}
			feedback = append(feedback, fb)
			responses = append(responses, model.Response{QuestionID: q.ID, Answer: answer})
		}
		sum, err := grading.SummarizeQuiz(correct, len(sub.Questions))
		if err != nil {
			return nil, err
		}

		now := s.now()
		quizType := sub.QuizType
		if quizType == "" {
			quizType = model.QuizPractice
		}
		rec = &record{
			attempt: model.Attempt{
				ID:               attemptIDOr(sub.AttemptID),
				UserID:           sub.UserID,
				LessonID:         sub.LessonID,
				QuizType:         quizType,
				CorrectAnswers:   sum.CorrectAnswers,
				IncorrectAnswers: sum.IncorrectAnswers,
				Score:            sum.ScorePercent,
				PointsEarned:     sum.PointsEarned,
				TopicsCovered:    sub.TopicsCovered,
				TimeTaken:        sub.TimeTaken,
				Responses:        responses,
				Feedback:         &model.Feedback{OverallScore: sum.ScorePercent, QuestionFeedback: feedback, GeneratedAt: now.UTC()},
				CreatedAt:        now,
			},
			missed: quizMissed(ctx, sub.Questions, feedback),
		}
	}

	steps := []step{
		s.attemptStep(rec, sub.LessonID, missedOf),
		{store.StepProfile, func(ctx context.Context) (bool, error) {
			return s.store.ApplyProfileDelta(ctx, rec.attempt.ID, sub.UserID, model.ProfileDelta{
				Score:  rec.attempt.Score,
				Points: rec.attempt.PointsEarned,
				Day:    s.now(),
			})
		}},
		{store.StepDifficulties, func(ctx context.Context) (bool, error) {
			return s.store.RecordDifficulties(ctx, rec.attempt.ID, sub.UserID, rec.missed, s.now())
		}},
	}
	return s.finish(ctx, event.QuizSubmitted, rec, steps)
}

// quizMissed returns the topic of every wrong answer. feedback[i] grades
// questions[i].
func quizMissed(ctx context.Context, questions []model.QuizQuestion, feedback []model.QuestionFeedback) []model.MissedTopic {
	var missed []model.MissedTopic
	for i, fb := range feedback {
		if fb.IsCorrect || i >= len(questions) {
			continue
		}
		q := questions[i]
		topic := i18n.T(ctx, "GeneralTopic")
		if len(q.Topics) > 0 && q.Topics[0] != "" {
			topic = q.Topics[0]
		}
		missed = append(missed, model.MissedTopic{Topic: topic, Context: q.Question})
	}
	return missed
}

func attemptIDOr(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// finish persists rec and builds the response. Replayed attempts are not
// counted or announced again.
func (s *Service) finish(ctx context.Context, routingKey string, rec *record, steps []step) (*Result, error) {
	failed, err := s.persist(ctx, rec.attempt.ID, rec.attempt.UserID, steps)
	if err != nil {
		return nil, err
	}
	res := rec.result(failed)
	if rec.replayed {
		return res, nil
	}
	metrics.Attempts.WithLabelValues(string(rec.attempt.QuizType)).Inc()
	s.publish(ctx, routingKey, rec.attempt, rec.missed, res)
	return res, nil
}

// SuggestDifficulty asks the model for a 1-4 difficulty level for a draft
// question.
func (s *Service) SuggestDifficulty(ctx context.Context, d QuestionDraft) (int, error) {
	if err := s.validate.Struct(d); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSubmission, err)
	}
	return s.grader.SuggestDifficulty(ctx, prompts.DifficultyData{
		Question:     d.Question,
		Topic:        d.Topic,
		SingleChoice: d.SingleChoice,
		Options:      d.Options,
	})
}

func (s *Service) publish(ctx context.Context, key string, a model.Attempt, missed []model.MissedTopic, res *Result) {
	topics := make([]string, 0, len(missed))
	for _, m := range missed {
		topics = append(topics, m.Topic)
	}
	err := s.publisher.Publish(context.WithoutCancel(ctx), key, event.AttemptGradedPayload{
		AttemptID:     a.ID,
		UserID:        a.UserID,
		LessonID:      a.LessonID,
		QuizType:      string(a.QuizType),
		Score:         a.Score,
		PointsEarned:  a.PointsEarned,
		MissedTopics:  topics,
		Partial:       res.Partial,
		FailedSteps:   res.FailedSteps,
		TopicsCovered: a.TopicsCovered,
	})
	if err != nil {
		slog.Warn("publish event", "routing_key", key, "attempt_id", a.ID, "error", err)
	}
}
