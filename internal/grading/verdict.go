package grading

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
)

const (
	// MaxQuestionScore is the top of the per-question scale.
	MaxQuestionScore = 10.0
	// FallbackScore is awarded when no usable grade could be obtained.
	FallbackScore = 5.0
	// PassThreshold is the lowest free-text score counted as correct.
	PassThreshold = 7.0
)

var (
	scoreRegex    = regexp.MustCompile(`(?i)\b(?:NOTA|SCORE)\s*:\s*(-?\d+(?:[.,]\d+)?)`)
	feedbackRegex = regexp.MustCompile(`(?is)\bFEEDBACK\s*:\s*(.+)`)
	fenceRegex    = regexp.MustCompile("(?s)^```(?:json)?\\s*(.*?)\\s*```$")
)

// verdict is the grade extracted from one model reply.
type verdict struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

// parseVerdict extracts a grade from a model reply. It tries a JSON object
// first, then the NOTA:/FEEDBACK: text format. When no number can be found
// it returns FallbackScore with the raw text as feedback and ok=false.
func parseVerdict(raw string) (v verdict, ok bool) {
	text := strings.TrimSpace(raw)
	if m := fenceRegex.FindStringSubmatch(text); m != nil {
		text = m[1]
	}

	if strings.HasPrefix(text, "{") {
		var parsed struct {
			Score    *float64 `json:"score"`
			Feedback string   `json:"feedback"`
		}
		if err := json.Unmarshal([]byte(text), &parsed); err == nil && parsed.Score != nil {
			return verdict{Score: clampScore(*parsed.Score), Feedback: strings.TrimSpace(parsed.Feedback)}, true
		}
	}

	v.Feedback = text
	if m := feedbackRegex.FindStringSubmatch(text); m != nil {
		v.Feedback = strings.TrimSpace(m[1])
	}

	m := scoreRegex.FindStringSubmatch(text)
	if m == nil {
		v.Score = FallbackScore
		return v, false
	}
	score, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		v.Score = FallbackScore
		return v, false
	}
	v.Score = clampScore(score)
	return v, true
}

func clampScore(s float64) float64 {
	if math.IsNaN(s) {
		return FallbackScore
	}
	return math.Max(0, math.Min(MaxQuestionScore, s))
}

// DefaultDifficulty is suggested when the model reply is not a level.
const DefaultDifficulty = 2

var leadingIntRegex = regexp.MustCompile(`^\s*(\d+)`)

func parseDifficulty(raw string) int {
	m := leadingIntRegex.FindStringSubmatch(raw)
	if m == nil {
		return DefaultDifficulty
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n < 1 || n > 4 {
		return DefaultDifficulty
	}
	return n
}
