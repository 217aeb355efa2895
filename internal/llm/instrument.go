package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/couture-edu/couture/internal/metrics"
)

// InstrumentedProvider records latency and outcome of every call in the
// Prometheus registry and logs it at debug level.
type InstrumentedProvider struct {
	inner Provider
}

// WithInstrumentation wraps p with metrics and logging.
func WithInstrumentation(p Provider) Provider {
	return &InstrumentedProvider{inner: p}
}

func (i *InstrumentedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	purpose := PurposeFrom(ctx)
	model := i.inner.ModelID()
	start := time.Now()

	resp, err := i.inner.Generate(ctx, req)

	elapsed := time.Since(start)
	outcome := outcomeOf(err)
	metrics.LLMLatency.WithLabelValues(model, purpose).Observe(elapsed.Seconds())
	metrics.LLMRequests.WithLabelValues(model, purpose, outcome).Inc()

	attrs := []any{"model", model, "purpose", purpose, "outcome", outcome, "latency_ms", elapsed.Milliseconds()}
	if resp != nil {
		attrs = append(attrs, "input_tokens", resp.Usage.InputTokens, "output_tokens", resp.Usage.OutputTokens)
	}
	if err != nil {
		slog.Warn("LLM request failed", append(attrs, "error", err)...)
	} else {
		slog.Debug("LLM request", attrs...)
	}
	return resp, err
}

func (i *InstrumentedProvider) ModelID() string {
	return i.inner.ModelID()
}

func (i *InstrumentedProvider) Unwrap() Provider {
	return i.inner
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	var rl *ErrRateLimit
	var invalid *ErrInvalidResponse
	switch {
	case errors.As(err, &rl):
		return "rate_limited"
	case errors.As(err, &invalid):
		return "invalid_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
