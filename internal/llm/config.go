package llm

import (
	"fmt"
	"time"
)

// Config holds all AI provider configuration. It is built once at startup
// from flags and environment and injected into the grading service.
type Config struct {
	// Provider is one of "openai", "anthropic", "gemini" or "mock".
	Provider string

	OpenAI    OpenAIConfig
	Anthropic AnthropicConfig
	Gemini    GeminiConfig
	Retry     RetryConfig

	// StructuredOutput requests schema-constrained JSON replies. Disable it
	// for OpenAI-compatible gateways that reject response_format.
	StructuredOutput bool
}

// OpenAIConfig configures any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// AnthropicConfig holds Anthropic-specific configuration.
type AnthropicConfig struct {
	APIKey string
	Model  string
}

// GeminiConfig holds Gemini-specific configuration.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// RetryConfig bounds retries of transient transport failures.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultConfig returns a Config pointed at the OpenAI-compatible gateway.
func DefaultConfig() Config {
	return Config{
		Provider: "openai",
		OpenAI: OpenAIConfig{
			Model: "google/gemini-2.5-flash",
		},
		Anthropic: AnthropicConfig{
			Model: "claude-haiku",
		},
		Gemini: GeminiConfig{
			Model: "gemini-flash",
		},
		Retry: RetryConfig{
			MaxAttempts: 2,
			InitialWait: 500 * time.Millisecond,
			MaxWait:     4 * time.Second,
			Multiplier:  2.0,
		},
		StructuredOutput: true,
	}
}

// Validate checks that the selected provider has its required API key set.
func (c Config) Validate() error {
	switch c.Provider {
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("an API key is required for the openai provider (--llm-key)")
		}
	case "anthropic":
		if c.Anthropic.APIKey == "" {
			return fmt.Errorf("an API key is required for the anthropic provider (--llm-key)")
		}
	case "gemini":
		if c.Gemini.APIKey == "" {
			return fmt.Errorf("an API key is required for the gemini provider (--llm-key)")
		}
	case "mock":
	default:
		return fmt.Errorf("unknown LLM provider: %q", c.Provider)
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	return nil
}

// resolveModel maps a friendly model name to a provider model ID. Unknown
// names pass through so full IDs can be configured directly.
func resolveModel(name string, models map[string]string) string {
	if id, ok := models[name]; ok {
		return id
	}
	return name
}
