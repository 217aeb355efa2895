package llm

import (
	"context"
	"fmt"
)

// NewProvider builds the configured provider wrapped as
// caller → retry → instrumentation → base.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	var (
		base Provider
		err  error
	)
	switch cfg.Provider {
	case "openai", "":
		base, err = NewOpenAIProvider(cfg.OpenAI, cfg.StructuredOutput)
	case "anthropic":
		base, err = NewAnthropicProvider(cfg.Anthropic)
	case "gemini":
		base, err = NewGeminiProvider(ctx, cfg.Gemini)
	case "mock":
		base = NewMockProvider()
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	return WithRetry(WithInstrumentation(base), cfg.Retry), nil
}
