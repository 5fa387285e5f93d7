package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/resilience"
)

// GuardedSynth short-circuits a provider that keeps failing to connect.
type GuardedSynth struct {
	inner   Synthesizer
	breaker *resilience.CircuitBreaker
}

func NewGuardedSynth(inner Synthesizer, breaker *resilience.CircuitBreaker) *GuardedSynth {
	return &GuardedSynth{inner: inner, breaker: breaker}
}

func (g *GuardedSynth) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	var (
		body    io.ReadCloser
		callErr error
	)
	err := g.breaker.Execute(func() error {
		body, callErr = g.inner.Stream(ctx, req)
		if callErr != nil && ctx.Err() != nil {
			// caller went away; not the provider's fault
			return nil
		}
		return callErr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, fmt.Errorf("tts provider unavailable: %w", err)
	}
	if callErr != nil {
		return nil, callErr
	}
	return body, nil
}

// FromConfig builds the configured synthesizer wrapped in a circuit breaker.
func FromConfig(cfg config.TTSConfig, logger *slog.Logger) (Synthesizer, error) {
	var (
		inner Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "openai":
		inner, err = NewOpenAISynth(cfg.APIKey, cfg.BaseURL)
	case "exec":
		inner, err = NewExecSynth(cfg.Command)
	case "mock":
		inner = NewMockSynth(cfg.MockChunkBytes, cfg.MockChunks, time.Duration(cfg.MockIntervalMS)*time.Millisecond)
	default:
		err = fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{
		Name:         "tts-" + cfg.Mode,
		MaxFailures:  cfg.BreakerMaxFailures,
		ResetTimeout: time.Duration(cfg.BreakerResetMS) * time.Millisecond,
		Logger:       logger,
	})
	return NewGuardedSynth(inner, breaker), nil
}

// RequestFromConfig returns the static voice settings applied to every stream.
func RequestFromConfig(cfg config.TTSConfig, text string) Request {
	return Request{
		Text:   text,
		Voice:  cfg.Voice,
		Model:  cfg.Model,
		Format: cfg.Format,
		Speed:  cfg.Speed,
	}
}
