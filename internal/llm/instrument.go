package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/observability"
)

// instrumented wraps a Service with logging, metrics and tracing.
type instrumented struct {
	name    string
	inner   Service
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// Instrument wraps svc so every chat call is logged, timed and traced under
// the given provider name. Nil logger, metrics or tracer disable that concern.
func Instrument(name string, svc Service, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) Service {
	return &instrumented{name: name, inner: svc, logger: logger, metrics: metrics, tracer: tracer}
}

func (i *instrumented) Chat(ctx context.Context, req *Request) (*Response, error) {
	model := req.Options.Model

	start := time.Now()
	ctx, span := i.startSpan(ctx, model)
	resp, err := i.inner.Chat(ctx, req)
	elapsed := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	if i.metrics != nil {
		prompt, completion := 0, 0
		if resp != nil {
			prompt, completion = resp.PromptTokens, resp.CompletionTokens
			model = resp.Model
		}
		i.metrics.RecordLLMRequest(i.name, model, status, elapsed.Seconds(), prompt, completion)
	}
	if span != nil {
		span(err)
	}
	if i.logger != nil {
		if err != nil {
			i.logger.Error(ctx, "llm request failed", "provider", i.name, "model", model, "duration_ms", elapsed.Milliseconds(), "error", err)
		} else {
			i.logger.Debug(ctx, "llm request completed",
				"provider", i.name,
				"model", resp.Model,
				"duration_ms", elapsed.Milliseconds(),
				"prompt_tokens", resp.PromptTokens,
				"completion_tokens", resp.CompletionTokens,
				"tool_calls", len(resp.ToolCalls))
		}
	}

	return resp, err
}

// startSpan returns the possibly-annotated context and a closer to call with
// the final error. The closer is nil when tracing is disabled.
func (i *instrumented) startSpan(ctx context.Context, model string) (context.Context, func(error)) {
	if i.tracer == nil {
		return ctx, nil
	}
	ctx, span := i.tracer.StartLLM(ctx, i.name, model)
	return ctx, func(err error) {
		observability.EndSpan(span, err)
	}
}

// NewRegistryFromConfig builds a provider registry from configuration.
// Providers with empty API keys are skipped so a partially configured file
// still works for the providers it does configure.
func NewRegistryFromConfig(cfg config.LLMConfig, logger *observability.Logger, metrics *observability.Metrics, tracer *observability.Tracer) (*Registry, error) {
	registry := NewRegistry(cfg.DefaultProvider, nil)

	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}

		var (
			svc Service
			err error
		)
		switch name {
		case "anthropic":
			svc, err = NewAnthropicService(AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
				MaxTokens:    pc.MaxTokens,
			})
		case "openai":
			svc, err = NewOpenAIService(OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
				MaxTokens:    pc.MaxTokens,
			})
		default:
			err = fmt.Errorf("%w: %s", ErrNoProvider, name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to configure provider %s: %w", name, err)
		}

		registry.Register(name, Instrument(name, svc, logger, metrics, tracer))
	}

	return registry, nil
}
