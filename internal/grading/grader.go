// Package grading scores learner answers and aggregates attempt results.
package grading

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couture-edu/couture/internal/i18n"
	"github.com/couture-edu/couture/internal/llm"
	"github.com/couture-edu/couture/internal/llm/prompts"
	"github.com/couture-edu/couture/internal/metrics"
	"github.com/couture-edu/couture/internal/model"
)

// ErrNoCorrectOption is returned for single-choice questions authored
// without a correct option.
var ErrNoCorrectOption = errors.New("question has no correct option")

// NoCorrectOptionError names the question that failed the check. It
// matches ErrNoCorrectOption with errors.Is.
type NoCorrectOptionError struct {
	QuestionID string
}

func (e *NoCorrectOptionError) Error() string {
	return ErrNoCorrectOption.Error() + ": " + e.QuestionID
}

func (e *NoCorrectOptionError) Unwrap() error { return ErrNoCorrectOption }

const (
	defaultConcurrency = 4
	defaultCallTimeout = 20 * time.Second
)

// gradeSchema is the structured reply requested for free-text grading.
var gradeSchema = &llm.Schema{
	Name:        "free-text-grade",
	Description: "Grade of a free-text answer on a 0-10 scale with short feedback.",
	Definition: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"score":    map[string]any{"type": "number", "description": "Grade from 0 to 10."},
			"feedback": map[string]any{"type": "string", "description": "Constructive feedback, at most 3 sentences."},
		},
		"required":             []string{"score", "feedback"},
		"additionalProperties": false,
	},
}

// Grader grades individual questions. Problems with the AI provider never
// surface as errors; they degrade the affected question to a fallback grade.
type Grader struct {
	provider    llm.Provider
	variant     prompts.PromptVariant
	concurrency int
	callTimeout time.Duration
}

// New creates a Grader.
func New(provider llm.Provider, cfg model.GradingConfig) *Grader {
	g := &Grader{
		provider:    provider,
		variant:     prompts.PromptVariant(cfg.PromptVariant),
		concurrency: cfg.Concurrency,
		callTimeout: cfg.CallTimeout,
	}
	if !prompts.IsValidVariant(cfg.PromptVariant) {
		g.variant = prompts.PromptStandard
	}
	if g.concurrency <= 0 {
		g.concurrency = defaultConcurrency
	}
	if g.callTimeout <= 0 {
		g.callTimeout = defaultCallTimeout
	}
	return g
}

// CheckLesson rejects lessons that cannot be graded.
func CheckLesson(lesson model.Lesson) error {
	if len(lesson.Questions) == 0 {
		return ErrNoQuestions
	}
	for _, q := range lesson.Questions {
		if q.Type != model.QuestionSingleChoice {
			continue
		}
		if _, ok := q.CorrectOption(); !ok {
			return &NoCorrectOptionError{QuestionID: q.ID}
		}
	}
	return nil
}

// Graded is the outcome of grading a whole submission.
type Graded struct {
	// Feedback holds one entry per answered question, in authored order.
	Feedback []model.QuestionFeedback
	// Missed lists the topic of every question answered incorrectly.
	Missed []model.MissedTopic
}

// GradeLesson grades every answered question of lesson concurrently and
// returns the results in authored order. Questions without a response are
// skipped. The lesson must have passed CheckLesson.
//
// When ctx ends before grading finishes the partial grades are discarded and
// ctx.Err() is returned; fallback grades only stand in for a failed call.
func (g *Grader) GradeLesson(ctx context.Context, lesson model.Lesson, responses []model.Response) (Graded, error) {
	answers := make(map[string]string, len(responses))
	for _, r := range responses {
		if _, dup := answers[r.QuestionID]; !dup {
			answers[r.QuestionID] = r.Answer
		}
	}

	type slot struct {
		feedback model.QuestionFeedback
		missed   *model.MissedTopic
		answered bool
	}
	slots := make([]slot, len(lesson.Questions))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, q := range lesson.Questions {
		answer, ok := answers[q.ID]
		if !ok {
			continue
		}
		eg.Go(func() error {
			fb, missed := g.Grade(egCtx, lesson, q, answer)
			slots[i] = slot{feedback: fb, missed: missed, answered: true}
			return nil
		})
	}
	_ = eg.Wait()
	if err := ctx.Err(); err != nil {
		return Graded{}, fmt.Errorf("grade lesson %s: %w", lesson.ID, err)
	}

	var out Graded
	for _, s := range slots {
		if !s.answered {
			continue
		}
		out.Feedback = append(out.Feedback, s.feedback)
		if s.missed != nil {
			out.Missed = append(out.Missed, *s.missed)
		}
	}
	return out, nil
}

// Grade grades a single question. The returned topic is non-nil when the
// answer counts as incorrect.
func (g *Grader) Grade(ctx context.Context, lesson model.Lesson, q model.Question, answer string) (model.QuestionFeedback, *model.MissedTopic) {
	var fb model.QuestionFeedback
	if q.Type == model.QuestionSingleChoice {
		fb = g.gradeChoice(ctx, lesson, q, answer)
	} else {
		fb = g.gradeFreeText(ctx, lesson, q, answer)
	}
	if fb.IsCorrect {
		return fb, nil
	}
	missed := missedTopic(ctx, lesson, q)
	return fb, &missed
}

// MissedTopics rebuilds the missed topics of already graded feedback, in
// feedback order. Entries for questions no longer in lesson are ignored.
func MissedTopics(ctx context.Context, lesson model.Lesson, feedback []model.QuestionFeedback) []model.MissedTopic {
	byID := make(map[string]model.Question, len(lesson.Questions))
	for _, q := range lesson.Questions {
		byID[q.ID] = q
	}
	var out []model.MissedTopic
	for _, fb := range feedback {
		q, ok := byID[fb.QuestionID]
		if !ok || fb.IsCorrect {
			continue
		}
		out = append(out, missedTopic(ctx, lesson, q))
	}
	return out
}

func missedTopic(ctx context.Context, lesson model.Lesson, q model.Question) model.MissedTopic {
	contextMsg := "MissedFreeTextContext"
	if q.Type == model.QuestionSingleChoice {
		contextMsg = "MissedChoiceContext"
	}
	return model.MissedTopic{
		Topic:   topicOf(ctx, lesson, q),
		Context: i18n.Td(ctx, contextMsg, map[string]any{"Question": q.Prompt}),
	}
}

func (g *Grader) gradeChoice(ctx context.Context, lesson model.Lesson, q model.Question, answer string) model.QuestionFeedback {
	correct, _ := q.CorrectOption()
	fb := model.QuestionFeedback{
		QuestionID: q.ID,
		UserAnswer: answer,
		IsCorrect:  strings.TrimSpace(answer) == correct.ID,
	}

	if fb.IsCorrect {
		fb.Score = MaxQuestionScore
		fb.AIReasoning = i18n.Td(ctx, "ChoiceCorrect", map[string]any{"Option": correct.ID})
	} else {
		fb.AIReasoning = i18n.Td(ctx, "ChoiceIncorrect", map[string]any{"Option": correct.ID, "Text": correct.Text})
	}

	if strings.TrimSpace(lesson.KnowledgeBase) == "" {
		return fb
	}
	p, err := prompts.BuildChoicePrompt(prompts.ChoiceData{
		KnowledgeBase: lesson.KnowledgeBase,
		Question:      q.Prompt,
		CorrectOption: correct.Text,
	})
	if err != nil {
		slog.Error("build choice prompt", "question_id", q.ID, "error", err)
		return fb
	}
	resp, err := g.complete(ctx, llm.PurposeChoiceExplanation, p, nil)
	if err != nil {
		slog.Warn("choice explanation unavailable", "question_id", q.ID, "error", err)
		return fb
	}
	if text := resp.Text(); text != "" {
		fb.AIReasoning += " " + text
	}
	return fb
}

func (g *Grader) gradeFreeText(ctx context.Context, lesson model.Lesson, q model.Question, answer string) model.QuestionFeedback {
	fb := model.QuestionFeedback{QuestionID: q.ID, UserAnswer: answer}

	p, err := prompts.BuildFreeTextPrompt(g.variant, prompts.FreeTextData{
		KnowledgeBase: lesson.KnowledgeBase,
		Question:      q.Prompt,
		Answer:        answer,
	})
	if err != nil {
		slog.Error("build free-text prompt", "question_id", q.ID, "error", err)
		return g.fallback(ctx, fb, "prompt_error")
	}

	var raw string
	resp, err := g.complete(ctx, llm.PurposeFreeTextGrade, p, gradeSchema)
	var invalid *llm.ErrInvalidResponse
	switch {
	case err == nil:
		raw = resp.Text()
	case errors.As(err, &invalid) && len(invalid.Content) > 0:
		raw = string(invalid.Content)
	case ctx.Err() != nil:
		// the whole request is gone; the caller discards this grade
		fb.Score = FallbackScore
		return fb
	default:
		slog.Warn("free-text grading unavailable", "question_id", q.ID, "error", err)
		return g.fallback(ctx, fb, "provider_error")
	}

	v, ok := parseVerdict(raw)
	fb.Score = v.Score
	fb.AIReasoning = v.Feedback
	fb.IsCorrect = v.Score >= PassThreshold
	if !ok {
		slog.Warn("unparseable free-text grade", "question_id", q.ID, "reply", raw)
		fb.Fallback = true
		metrics.GradingFallbacks.WithLabelValues("unparseable").Inc()
	}
	return fb
}

func (g *Grader) fallback(ctx context.Context, fb model.QuestionFeedback, reason string) model.QuestionFeedback {
	fb.Score = FallbackScore
	fb.IsCorrect = false
	fb.AIReasoning = i18n.T(ctx, "CouldNotEvaluate")
	fb.Fallback = true
	metrics.GradingFallbacks.WithLabelValues(reason).Inc()
	return fb
}

func (g *Grader) complete(ctx context.Context, purpose string, p prompts.Prompt, schema *llm.Schema) (*llm.Response, error) {
	ctx, cancel := context.WithTimeout(llm.WithPurpose(ctx, purpose), g.callTimeout)
	defer cancel()

	req := llm.UserPrompt(p.System, p.User)
	req.Schema = schema
	req.Temperature = 0.2
	req.MaxTokens = 512
	return g.provider.Generate(ctx, req)
}

// SuggestDifficulty asks the model for a 1-4 difficulty level. Replies
// outside that range yield DefaultDifficulty.
func (g *Grader) SuggestDifficulty(ctx context.Context, data prompts.DifficultyData) (int, error) {
	p, err := prompts.BuildDifficultyPrompt(data)
	if err != nil {
		return 0, fmt.Errorf("build difficulty prompt: %w", err)
	}
	resp, err := g.complete(ctx, llm.PurposeSuggestDifficulty, p, nil)
	if err != nil {
		return 0, err
	}
	return parseDifficulty(resp.Text()), nil
}

func topicOf(ctx context.Context, lesson model.Lesson, q model.Question) string {
	if len(q.Topics) > 0 && q.Topics[0] != "" {
		return q.Topics[0]
	}
	if len(lesson.Topics) > 0 && lesson.Topics[0] != "" {
		return lesson.Topics[0]
	}
	return i18n.T(ctx, "GeneralTopic")
}
