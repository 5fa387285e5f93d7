package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAISynth streams speech from the OpenAI audio/speech endpoint or any
// compatible server.
type OpenAISynth struct {
	client oai.Client
}

func NewOpenAISynth(apiKey, baseURL string) (*OpenAISynth, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: api key must not be empty")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAISynth{client: oai.NewClient(opts...)}, nil
}

func (s *OpenAISynth) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	params := oai.AudioSpeechNewParams{
		Input:          req.Text,
		Model:          oai.SpeechModel(req.Model),
		Voice:          oai.AudioSpeechNewParamsVoice(req.Voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormat(req.Format),
	}
	if req.Speed > 0 {
		params.Speed = oai.Float(req.Speed)
	}
	resp, err := s.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: %w", err)
	}
	return resp.Body, nil
}
