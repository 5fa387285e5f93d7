package chat

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loqalabs/speech-relay/internal/history"
)

// OllamaGenerator calls a local Ollama server's streaming chat endpoint.
type OllamaGenerator struct {
	endpoint string
	client   *http.Client
}

func NewOllamaGenerator(endpoint string) *OllamaGenerator {
	return &OllamaGenerator{endpoint: strings.TrimRight(endpoint, "/"), client: http.DefaultClient}
}

type ollamaRequest struct {
	Model    string            `json:"model"`
	Messages []history.Message `json:"messages"`
	Stream   bool              `json:"stream"`
	Options  ollamaOptions     `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message history.Message `json:"message"`
	Done    bool            `json:"done"`
	Error   string          `json:"error,omitempty"`
}

func (g *OllamaGenerator) Complete(ctx context.Context, messages []history.Message, opts Options) (history.Message, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    opts.Model,
		Messages: messages,
		Stream:   true,
		Options: ollamaOptions{
			Temperature: opts.Temperature,
			NumPredict:  opts.MaxTokens,
		},
	})
	if err != nil {
		return history.Message{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return history.Message{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return history.Message{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return history.Message{}, fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return history.Message{}, err
		}
		if chunk.Error != "" {
			return history.Message{}, fmt.Errorf("ollama: %s", chunk.Error)
		}
		reply.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return history.Message{}, err
	}
	if reply.Len() == 0 {
		return history.Message{}, ErrNoReply
	}
	return history.Message{Role: RoleAssistant, Content: reply.String()}, nil
}
