package chat

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/speech-relay/internal/history"
)

type MockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() *MockGenerator { return &MockGenerator{delay: 20 * time.Millisecond} }

func (m *MockGenerator) Complete(ctx context.Context, messages []history.Message, _ Options) (history.Message, error) {
	select {
	case <-ctx.Done():
		return history.Message{}, ctx.Err()
	case <-time.After(m.delay):
	}
	var last string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			last = messages[i].Content
			break
		}
	}
	return history.Message{
		Role:    RoleAssistant,
		Content: "[mock completion for " + strings.TrimSpace(last) + "]",
	}, nil
}
