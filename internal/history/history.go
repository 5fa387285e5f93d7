// Package history persists per-user chat transcripts and visit bookkeeping.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
)

// ErrEmptyUserID is returned when an operation has no user to key on.
var ErrEmptyUserID = errors.New("user id must not be empty")

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Profile holds per-user visit bookkeeping.
type Profile struct {
	UserID      string    `json:"userId"`
	Visits      int       `json:"visits"`
	LastVisited time.Time `json:"lastVisited"`
	Premium     bool      `json:"premium"`
}

type Store interface {
	Get(ctx context.Context, userID string) ([]Message, error)
	// Set replaces the transcript, dropping the oldest turns until the
	// encoded document fits the configured limit.
	Set(ctx context.Context, userID string, messages []Message) error
	Delete(ctx context.Context, userID string) error
	// Touch records a visit and returns the updated profile.
	Touch(ctx context.Context, userID string) (Profile, error)
	Profile(ctx context.Context, userID string) (Profile, error)
	// SetPremium is for operator tooling; no request path grants premium.
	SetPremium(ctx context.Context, userID string, premium bool) error
	Ping(ctx context.Context) error
	Close() error
}

// Trim drops messages from the front until the JSON encoding of the
// remainder is at most maxBytes. A non-positive limit disables trimming.
func Trim(messages []Message, maxBytes int) ([]Message, error) {
	if maxBytes <= 0 {
		return messages, nil
	}
	for {
		data, err := json.Marshal(messages)
		if err != nil {
			return nil, err
		}
		if len(data) <= maxBytes || len(messages) == 0 {
			return messages, nil
		}
		messages = messages[1:]
	}
}

// Characters counts the content characters across messages.
func Characters(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += len([]rune(m.Content))
	}
	return total
}

// Open selects the configured driver.
func Open(ctx context.Context, cfg config.HistoryConfig, log *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := OpenSQLite(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := OpenPostgres(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemoryStore(cfg.MaxDocumentBytes), nil
	default:
		return nil, fmt.Errorf("unsupported history driver %q", cfg.Driver)
	}
}

func encode(messages []Message, maxBytes int) ([]byte, error) {
	trimmed, err := Trim(messages, maxBytes)
	if err != nil {
		return nil, err
	}
	if trimmed == nil {
		trimmed = []Message{}
	}
	return json.Marshal(trimmed)
}

func decode(data []byte) ([]Message, error) {
	var messages []Message
	if len(data) == 0 {
		return messages, nil
	}
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return messages, nil
}
