// Package event publishes domain events to RabbitMQ.
package event

import (
	"context"
	"time"
)

// Exchange is the topic exchange every event is published to.
const Exchange = "couture.events"

// Routing keys.
const (
	AttemptGraded = "attempt.graded"
	QuizSubmitted = "quiz.submitted"
)

// Publisher hands events to the broker.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	Close() error
}

// Envelope is the JSON body of every message.
type Envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

// AttemptGradedPayload describes a graded lesson or quiz attempt.
type AttemptGradedPayload struct {
	AttemptID     string   `json:"attempt_id"`
	UserID        string   `json:"user_id"`
	LessonID      string   `json:"lesson_id,omitempty"`
	QuizType      string   `json:"quiz_type"`
	Score         float64  `json:"score"`
	PointsEarned  int      `json:"points_earned"`
	MissedTopics  []string `json:"missed_topics"`
	Partial       bool     `json:"partial"`
	FailedSteps   []string `json:"failed_steps,omitempty"`
	TopicsCovered []string `json:"topics_covered"`
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) error { return nil }
func (Nop) Close() error                             { return nil }
