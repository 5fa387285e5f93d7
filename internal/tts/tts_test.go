package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/resilience"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestOpenAISynthStreamsBody(t *testing.T) {
	audio := bytes.Repeat([]byte{0xFF, 0xFB, 0x90, 0x64}, 1024)
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/audio/speech" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(audio)
	}))
	defer srv.Close()

	synth, err := NewOpenAISynth("sk-test", srv.URL+"/v1/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := synth.Stream(context.Background(), Request{Text: "hello", Voice: "alloy", Model: "tts-1", Format: "mp3", Speed: 1})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(data, audio) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(data), len(audio))
	}
	if got["input"] != "hello" || got["model"] != "tts-1" || got["voice"] != "alloy" || got["response_format"] != "mp3" {
		t.Fatalf("unexpected request payload: %v", got)
	}
}

func TestOpenAISynthProviderError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	synth, err := NewOpenAISynth("sk-test", srv.URL+"/v1/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := synth.Stream(context.Background(), Request{Text: "hello", Voice: "alloy", Model: "tts-1", Format: "mp3"}); err == nil {
		t.Fatal("expected provider error")
	}
	if calls != 1 {
		t.Fatalf("expected exactly one provider call, got %d", calls)
	}
}

func TestOpenAISynthRequiresKey(t *testing.T) {
	if _, err := NewOpenAISynth("", ""); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestExecSynthStreamsStdout(t *testing.T) {
	synth, err := NewExecSynth(`sh -c "cat >/dev/null; printf audio-bytes"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := synth.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "audio-bytes" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestExecSynthReportsExitFailure(t *testing.T) {
	synth, err := NewExecSynth(`sh -c "cat >/dev/null; printf partial; exit 3"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := synth.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer body.Close()
	if _, err := io.ReadAll(body); err == nil {
		t.Fatal("expected error from failing command")
	}
}

func TestExecSynthRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSynth("   "); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestMockSynthIsDeterministic(t *testing.T) {
	synth := NewMockSynth(16, 3, time.Millisecond)
	body, err := synth.Stream(context.Background(), Request{Text: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := append(append(synth.Chunk(0), synth.Chunk(1)...), synth.Chunk(2)...)
	if !bytes.Equal(data, want) {
		t.Fatalf("mock output mismatch")
	}
}

func TestMockSynthHonoursCancel(t *testing.T) {
	synth := NewMockSynth(16, 100, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	body, err := synth.Stream(ctx, Request{Text: "hi"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	buf := make([]byte, 16)
	if _, err := io.ReadFull(body, buf); err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	cancel()
	if _, err := io.ReadAll(body); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type failingSynth struct{ calls int }

func (f *failingSynth) Stream(context.Context, Request) (io.ReadCloser, error) {
	f.calls++
	return nil, errors.New("connect refused")
}

func TestGuardedSynthOpensBreaker(t *testing.T) {
	inner := &failingSynth{}
	breaker := resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "test", MaxFailures: 2, ResetTimeout: time.Hour, Logger: newLogger()})
	guarded := NewGuardedSynth(inner, breaker)

	for i := 0; i < 2; i++ {
		if _, err := guarded.Stream(context.Background(), Request{Text: "hi"}); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := guarded.Stream(context.Background(), Request{Text: "hi"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", inner.calls)
	}
}

func TestFromConfigMock(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Mode = "mock"
	cfg.MockChunks = 2
	cfg.MockChunkBytes = 8
	cfg.MockIntervalMS = 0
	synth, err := FromConfig(cfg, newLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body, err := synth.Stream(context.Background(), RequestFromConfig(cfg, "hello"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	data, _ := io.ReadAll(body)
	if len(data) != 16 {
		t.Fatalf("expected 16 bytes, got %d", len(data))
	}
}

func TestFromConfigUnknownMode(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Mode = "wavenet"
	if _, err := FromConfig(cfg, newLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("mp3"); got != "audio/mpeg" {
		t.Fatalf("ContentType(mp3) = %q", got)
	}
	if got := ContentType("opus"); got != "audio/ogg" {
		t.Fatalf("ContentType(opus) = %q", got)
	}
}
