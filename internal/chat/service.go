// Package chat answers user messages with a language model while keeping a
// per-user transcript.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/history"
)

type Service struct {
	cfg       config.LLMConfig
	freeLimit int
	store     history.Store
	generator Generator
	logger    *slog.Logger
	timeout   time.Duration
}

func NewService(cfg config.LLMConfig, historyCfg config.HistoryConfig, store history.Store, generator Generator, log *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		freeLimit: historyCfg.FreeCharacterLimit,
		store:     store,
		generator: generator,
		logger:    log.With(slog.String("component", "chat-service")),
		timeout:   60 * time.Second,
	}
}

// Reply generates the assistant's answer to text and appends both turns to
// the user's transcript. The system persona is sent with every request but
// never stored.
func (s *Service) Reply(ctx context.Context, userID, text string) (history.Message, error) {
	if userID == "" {
		return history.Message{}, history.ErrEmptyUserID
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return history.Message{}, ErrEmptyMessage
	}

	transcript, err := s.store.Get(ctx, userID)
	if err != nil {
		return history.Message{}, err
	}

	if s.freeLimit > 0 {
		profile, err := s.store.Profile(ctx, userID)
		if err != nil {
			return history.Message{}, err
		}
		used := history.Characters(transcript) + len([]rune(text))
		if !profile.Premium && used > s.freeLimit {
			return history.Message{}, ErrQuotaExceeded
		}
	}

	userTurn := history.Message{Role: RoleUser, Content: text}
	prompt := make([]history.Message, 0, len(transcript)+2)
	if s.cfg.SystemPrompt != "" {
		prompt = append(prompt, history.Message{Role: RoleSystem, Content: s.cfg.SystemPrompt})
	}
	prompt = append(prompt, transcript...)
	prompt = append(prompt, userTurn)

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	reply, err := s.generator.Complete(genCtx, prompt, Options{
		Model:       s.cfg.Model,
		Temperature: s.cfg.Temperature,
		MaxTokens:   s.cfg.MaxTokens,
	})
	if err != nil {
		return history.Message{}, fmt.Errorf("generate reply: %w", err)
	}
	if strings.TrimSpace(reply.Content) == "" {
		return history.Message{}, ErrNoReply
	}
	reply.Role = RoleAssistant

	transcript = append(transcript, userTurn, reply)
	if err := s.store.Set(ctx, userID, transcript); err != nil {
		return history.Message{}, err
	}

	s.logger.Info("reply generated",
		slog.String("user_id", userID),
		slog.Int("turns", len(transcript)),
		slog.Duration("latency", time.Since(start)))
	return reply, nil
}

// History returns the stored transcript.
func (s *Service) History(ctx context.Context, userID string) ([]history.Message, error) {
	return s.store.Get(ctx, userID)
}

// Clear deletes the stored transcript.
func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.store.Delete(ctx, userID)
}

// Visit records a session start for userID.
func (s *Service) Visit(ctx context.Context, userID string) (history.Profile, error) {
	return s.store.Touch(ctx, userID)
}
