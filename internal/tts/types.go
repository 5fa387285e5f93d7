package tts

import (
	"context"
	"io"
)

// Request contains parameters to synthesize speech.
type Request struct {
	Text   string
	Voice  string
	Model  string
	Format string
	Speed  float64
}

// Synthesizer opens a streaming synthesis request. The returned reader yields
// encoded audio bytes in provider order; closing it aborts the request.
type Synthesizer interface {
	Stream(ctx context.Context, req Request) (io.ReadCloser, error)
}

// ContentType returns the MIME type for a response format.
func ContentType(format string) string {
	switch format {
	case "opus":
		return "audio/ogg"
	case "aac":
		return "audio/aac"
	case "flac":
		return "audio/flac"
	case "wav":
		return "audio/wav"
	case "pcm":
		return "audio/pcm"
	default:
		return "audio/mpeg"
	}
}
