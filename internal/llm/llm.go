package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// TextGenerator is a text-in, text-out model capability.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// GeneratorFunc adapts a plain function to TextGenerator.
type GeneratorFunc func(ctx context.Context, prompt string) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var errEmptyResponse = errors.New("empty response")

// CapabilityError wraps any failure of the upstream model call.
type CapabilityError struct {
	Provider string
	Err      error
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s capability error: %v", e.Provider, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

func capabilityError(provider string, err error) error {
	var ce *CapabilityError
	if errors.As(err, &ce) {
		return err
	}
	return &CapabilityError{Provider: provider, Err: err}
}

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ProviderConfig selects and configures one upstream model.
type ProviderConfig struct {
	Provider string
	OpenAI   OpenAIConfig
	Gemini   GeminiConfig
	Limits   LimitConfig
}

// NewProvider builds the configured generator wrapped in rate and
// concurrency limits. The returned closer releases provider resources.
func NewProvider(ctx context.Context, cfg ProviderConfig, logger *zap.Logger) (TextGenerator, io.Closer, error) {
	var (
		gen    TextGenerator
		closer io.Closer = nopCloser{}
	)
	switch cfg.Provider {
	case ProviderOpenAI, "":
		if cfg.OpenAI.APIKey == "" {
			return nil, nil, fmt.Errorf("openai api key is required")
		}
		gen = NewOpenAIClient(cfg.OpenAI, logger)
	case ProviderGemini:
		c, err := NewGeminiClient(ctx, cfg.Gemini, logger)
		if err != nil {
			return nil, nil, err
		}
		gen, closer = c, c
	default:
		return nil, nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return NewLimited(gen, cfg.Limits), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
