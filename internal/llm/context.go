package llm

import "context"

type contextKey string

const purposeKey contextKey = "llm_purpose"

// Purpose labels used for metrics and logs.
const (
	PurposeFreeTextGrade     = "free_text_grade"
	PurposeChoiceExplanation = "choice_explanation"
	PurposeSuggestDifficulty = "suggest_difficulty"
)

// WithPurpose attaches a purpose label to the context.
func WithPurpose(ctx context.Context, purpose string) context.Context {
	return context.WithValue(ctx, purposeKey, purpose)
}

// PurposeFrom extracts the purpose label from the context.
func PurposeFrom(ctx context.Context) string {
	if v, ok := ctx.Value(purposeKey).(string); ok {
		return v
	}
	return "unknown"
}
