package chat

import (
	"context"
	"errors"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/loqalabs/speech-relay/internal/history"
)

// OpenAIGenerator talks to any OpenAI-compatible chat completions API,
// including Groq when BaseURL points at it.
type OpenAIGenerator struct {
	client oai.Client
}

func NewOpenAIGenerator(apiKey, baseURL string) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, errors.New("openai chat: api key must not be empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIGenerator{client: oai.NewClient(opts...)}, nil
}

func (g *OpenAIGenerator) Complete(ctx context.Context, messages []history.Message, opts Options) (history.Message, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(opts.Model),
		Messages: toOpenAIMessages(messages),
	}
	if opts.Temperature > 0 {
		params.Temperature = oai.Float(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = oai.Int(int64(opts.MaxTokens))
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return history.Message{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return history.Message{}, ErrNoReply
	}
	return history.Message{Role: RoleAssistant, Content: resp.Choices[0].Message.Content}, nil
}

func toOpenAIMessages(messages []history.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, oai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}
