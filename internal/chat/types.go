package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/history"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

var (
	ErrEmptyMessage  = errors.New("message is required")
	ErrQuotaExceeded = errors.New("free character limit reached")
	ErrNoReply       = errors.New("model returned no reply")
)

// Options tune a single completion.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generator produces the next assistant turn for a transcript.
type Generator interface {
	Complete(ctx context.Context, messages []history.Message, opts Options) (history.Message, error)
}

// GeneratorFromConfig builds the configured backend.
func GeneratorFromConfig(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "openai":
		g, err := NewOpenAIGenerator(cfg.APIKey, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint), nil
	case "mock":
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}
