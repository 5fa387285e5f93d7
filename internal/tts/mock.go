package tts

import (
	"context"
	"io"
	"time"
)

// MockSynth emits a deterministic byte pattern in fixed-size chunks.
type MockSynth struct {
	chunkSize int
	chunks    int
	interval  time.Duration
}

func NewMockSynth(chunkSize, chunks int, interval time.Duration) *MockSynth {
	if chunkSize <= 0 {
		chunkSize = 4096
	}
	if chunks <= 0 {
		chunks = 1
	}
	return &MockSynth{chunkSize: chunkSize, chunks: chunks, interval: interval}
}

// Chunk returns the bytes emitted at position i.
func (m *MockSynth) Chunk(i int) []byte {
	buf := make([]byte, m.chunkSize)
	for j := range buf {
		buf[j] = byte((i*m.chunkSize + j) % 251)
	}
	return buf
}

func (m *MockSynth) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < m.chunks; i++ {
			if i > 0 && m.interval > 0 {
				select {
				case <-ctx.Done():
					pw.CloseWithError(context.Cause(ctx))
					return
				case <-time.After(m.interval):
				}
			}
			if _, err := pw.Write(m.Chunk(i)); err != nil {
				return
			}
		}
		pw.Close()
	}()
	return pr, nil
}
