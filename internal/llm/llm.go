// Package llm is the boundary to the external AI completion service.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// Provider sends a chat-style completion request and returns the reply.
type Provider interface {
	// Generate sends the request to the model. When req.Schema is set the
	// provider asks for structured output and validates the reply against it.
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the model identifier this provider is configured to use.
	ModelID() string
}

// Pinger is implemented by providers that can cheaply check their endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Request describes one completion call.
type Request struct {
	// System fixes the model's role and output format.
	System string

	// Messages is the ordered, role-tagged conversation. Grading calls use a
	// single user message.
	Messages []Message

	// Schema, when set, requests JSON output conforming to it.
	Schema *Schema

	MaxTokens   int
	Temperature float64
}

// Message is a single role-tagged message.
type Message struct {
	Role    Role
	Content string
}

// Role is the message sender role.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Schema defines the JSON structure expected from the model.
type Schema struct {
	// Name identifies the schema, kebab-case (e.g. "free-text-grade").
	Name string

	Description string

	// Definition is the JSON Schema document.
	Definition map[string]any
}

// Response holds the model's output.
type Response struct {
	// Content is the reply body: validated JSON when a schema was requested,
	// otherwise the raw completion text.
	Content json.RawMessage

	Usage      Usage
	Model      string
	StopReason string
}

// Text returns the reply as plain text.
func (r *Response) Text() string {
	if r == nil {
		return ""
	}
	return strings.TrimSpace(string(r.Content))
}

// Usage tracks token consumption for a single request.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// unwrapper is implemented by decorators around a Provider.
type unwrapper interface {
	Unwrap() Provider
}

// Ping checks the endpoint of the innermost provider that supports it.
// Providers without a cheap check are assumed healthy.
func Ping(ctx context.Context, p Provider) error {
	for p != nil {
		if pinger, ok := p.(Pinger); ok {
			return pinger.Ping(ctx)
		}
		u, ok := p.(unwrapper)
		if !ok {
			return nil
		}
		p = u.Unwrap()
	}
	return errors.New("nil provider")
}

// UserPrompt builds a single-turn request.
func UserPrompt(system, user string) Request {
	return Request{
		System:   system,
		Messages: []Message{{Role: RoleUser, Content: user}},
	}
}
