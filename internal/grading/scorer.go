package grading

import (
	"errors"
	"math"

	"github.com/couture-edu/couture/internal/model"
)

// ErrNoQuestions is returned when a lesson or quiz has nothing to grade.
var ErrNoQuestions = errors.New("lesson has no questions")

// DefaultPointsReward applies to lessons authored without a reward.
const DefaultPointsReward = 100

// Summary aggregates graded questions into an attempt score.
type Summary struct {
	ScorePercent     float64
	PointsEarned     int
	CorrectAnswers   int
	IncorrectAnswers int
}

// Summarize computes the attempt score over questionCount questions. Only
// graded questions appear in feedback; missing ones count as zero.
func Summarize(feedback []model.QuestionFeedback, questionCount, pointsReward int) (Summary, error) {
	if questionCount <= 0 {
		return Summary{}, ErrNoQuestions
	}
	if pointsReward <= 0 {
		pointsReward = DefaultPointsReward
	}

	var s Summary
	var total float64
	for _, f := range feedback {
		total += f.Score
		if f.IsCorrect {
			s.CorrectAnswers++
		} else {
			s.IncorrectAnswers++
		}
	}
	s.ScorePercent = 100 * total / (MaxQuestionScore * float64(questionCount))
	s.PointsEarned = int(math.Round(float64(pointsReward) * s.ScorePercent / 100))
	return s, nil
}

// SummarizeQuiz scores an objective quiz: each correct answer weighs the
// same and points are 50 plus half the percentage.
func SummarizeQuiz(correct, total int) (Summary, error) {
	if total <= 0 {
		return Summary{}, ErrNoQuestions
	}
	if correct < 0 {
		correct = 0
	}
	if correct > total {
		correct = total
	}
	score := 100 * float64(correct) / float64(total)
	return Summary{
		ScorePercent:     score,
		PointsEarned:     int(math.Round(50 + score/2)),
		CorrectAnswers:   correct,
		IncorrectAnswers: total - correct,
	}, nil
}

// Level maps accumulated points to a learner level.
func Level(points int) int {
	if points < 0 {
		points = 0
	}
	return points/1000 + 1
}
