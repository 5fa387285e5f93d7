package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/speech-relay/internal/chat"
	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/history"
	"github.com/loqalabs/speech-relay/internal/relay"
	"github.com/loqalabs/speech-relay/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type pipeSynth struct {
	writers chan *io.PipeWriter
}

func (p *pipeSynth) Stream(context.Context, tts.Request) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	p.writers <- pw
	return pr, nil
}

type errSynth struct {
	calls atomic.Int32
}

func (e *errSynth) Stream(context.Context, tts.Request) (io.ReadCloser, error) {
	e.calls.Add(1)
	return nil, errors.New("provider returned 401")
}

// blockingSynth holds the connection open until its context ends.
type blockingSynth struct{ entered chan struct{} }

func (b blockingSynth) Stream(ctx context.Context, _ tts.Request) (io.ReadCloser, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

type testEnv struct {
	srv   *httptest.Server
	relay *relay.Relay
}

func newTestEnv(t *testing.T, synth tts.Synthesizer, httpCfg config.HTTPConfig, chatSvc *chat.Service, opts ...relay.Option) *testEnv {
	t.Helper()
	ttsCfg := config.Default().TTS
	ttsCfg.Mode = "mock"
	rl := relay.New(synth, ttsCfg, newLogger(), opts...)
	ready := &atomic.Bool{}
	ready.Store(true)
	s, err := NewServer(httpCfg, Deps{Relay: rl, Chat: chatSvc, Format: ttsCfg.Format, Ready: ready}, newLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		rl.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, relay: rl}
}

func (e *testEnv) post(t *testing.T, path, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestTTSStreamsAudioWithStreamID(t *testing.T) {
	mock := tts.NewMockSynth(1024, 3, 0)
	env := newTestEnv(t, mock, config.Default().HTTP, nil)

	resp := env.post(t, "/api/tts", `{"message":"hello"}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "audio/mpeg" {
		t.Fatalf("content type = %q, want audio/mpeg", got)
	}
	if len(resp.TransferEncoding) != 1 || resp.TransferEncoding[0] != "chunked" {
		t.Fatalf("transfer encoding = %v, want chunked", resp.TransferEncoding)
	}
	id := resp.Header.Get("Stream-ID")
	if id == "" {
		t.Fatal("missing Stream-ID header")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	want := append(append(mock.Chunk(0), mock.Chunk(1)...), mock.Chunk(2)...)
	if !bytes.Equal(body, want) {
		t.Fatalf("body mismatch: got %d bytes, want %d", len(body), len(want))
	}

	cancel := env.post(t, "/api/tts/cancel", `{"streamId":"`+id+`"}`, nil)
	if cancel.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel after completion = %d, want 404", cancel.StatusCode)
	}
	if got := decodeBody(t, cancel)["error"]; got != "Stream not found" {
		t.Fatalf("error = %v, want Stream not found", got)
	}
	if n := env.relay.Registry().Len(); n != 0 {
		t.Fatalf("registry size = %d, want 0", n)
	}
}

func TestTTSRequiresMessage(t *testing.T) {
	synth := &errSynth{}
	env := newTestEnv(t, synth, config.Default().HTTP, nil)

	for _, body := range []string{`{}`, `{"message":""}`, ``} {
		resp := env.post(t, "/api/tts", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("body %q: status = %d, want 400", body, resp.StatusCode)
		}
		if got := decodeBody(t, resp)["error"]; got != "Message is required" {
			t.Fatalf("body %q: error = %v", body, got)
		}
	}
	if synth.calls.Load() != 0 {
		t.Fatal("provider must not be called for invalid requests")
	}
	if n := env.relay.Registry().Len(); n != 0 {
		t.Fatalf("registry size = %d, want 0", n)
	}
}

func TestTTSStreamsWhitespaceMessage(t *testing.T) {
	mock := tts.NewMockSynth(64, 1, 0)
	env := newTestEnv(t, mock, config.Default().HTTP, nil)

	resp := env.post(t, "/api/tts", `{"message":"   "}`, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("Stream-ID") == "" {
		t.Fatal("missing Stream-ID header")
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !bytes.Equal(body, mock.Chunk(0)) {
		t.Fatalf("body = %d bytes, want %d", len(body), len(mock.Chunk(0)))
	}
}

func TestTTSCancelledWhileConnecting(t *testing.T) {
	synth := blockingSynth{entered: make(chan struct{})}
	env := newTestEnv(t, synth, config.Default().HTTP, nil,
		relay.WithIDGenerator(func() string { return "connecting" }))

	respCh := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/tts", strings.NewReader(`{"message":"hello"}`))
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			close(respCh)
			return
		}
		respCh <- resp
	}()

	select {
	case <-synth.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	if err := env.relay.Cancel("connecting"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	resp, ok := <-respCh
	if !ok {
		t.Fatal("tts request failed")
	}
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
		t.Fatalf("content type = %q", got)
	}
	if got := decodeBody(t, resp)["error"]; got != "Stream cancelled" {
		t.Fatalf("error = %v", got)
	}
}

func TestTTSRejectsMalformedJSON(t *testing.T) {
	env := newTestEnv(t, &errSynth{}, config.Default().HTTP, nil)
	resp := env.post(t, "/api/tts", `{"message":`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["error"]; got != "Invalid request body" {
		t.Fatalf("error = %v", got)
	}
}

func TestTTSProviderFailure(t *testing.T) {
	synth := &errSynth{}
	env := newTestEnv(t, synth, config.Default().HTTP, nil)

	resp := env.post(t, "/api/tts", `{"message":"hello"}`, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if resp.Header.Get("Stream-ID") != "" {
		t.Fatal("failed stream must not expose an id")
	}
	if got := decodeBody(t, resp)["error"]; got != "Error generating audio" {
		t.Fatalf("error = %v", got)
	}
	if synth.calls.Load() != 1 {
		t.Fatalf("provider calls = %d, want 1", synth.calls.Load())
	}
	if n := env.relay.Registry().Len(); n != 0 {
		t.Fatalf("registry size = %d, want 0", n)
	}
}

func TestTTSCancelMidStream(t *testing.T) {
	synth := &pipeSynth{writers: make(chan *io.PipeWriter, 1)}
	env := newTestEnv(t, synth, config.Default().HTTP, nil)

	respCh := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/tts", strings.NewReader(`{"message":"a long story"}`))
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			close(respCh)
			return
		}
		respCh <- resp
	}()

	var pw *io.PipeWriter
	select {
	case pw = <-synth.writers:
	case <-time.After(5 * time.Second):
		t.Fatal("provider was never called")
	}
	if _, err := pw.Write([]byte("abc")); err != nil {
		t.Fatalf("write first chunk: %v", err)
	}

	resp, ok := <-respCh
	if !ok {
		t.Fatal("tts request failed")
	}
	defer resp.Body.Close()
	id := resp.Header.Get("Stream-ID")
	if id == "" {
		t.Fatal("missing Stream-ID header")
	}
	first := make([]byte, 3)
	if _, err := io.ReadFull(resp.Body, first); err != nil || string(first) != "abc" {
		t.Fatalf("first chunk = %q, %v", first, err)
	}

	cancel := env.post(t, "/api/tts/cancel", `{"streamId":"`+id+`"}`, nil)
	if cancel.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d, want 200", cancel.StatusCode)
	}
	if got := decodeBody(t, cancel)["message"]; got != "Stream cancelled" {
		t.Fatalf("message = %v", got)
	}

	rest, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read rest: %v", err)
	}
	if len(rest) != 0 {
		t.Fatalf("received %d bytes after cancel", len(rest))
	}
	if _, err := pw.Write([]byte("more")); err == nil {
		t.Fatal("provider body should be closed after cancel")
	}

	again := env.post(t, "/api/tts/cancel", `{"streamId":"`+id+`"}`, nil)
	if again.StatusCode != http.StatusNotFound {
		t.Fatalf("second cancel = %d, want 404", again.StatusCode)
	}
	again.Body.Close()
}

func TestCancelUnknownOrMissingID(t *testing.T) {
	env := newTestEnv(t, &errSynth{}, config.Default().HTTP, nil)
	for _, body := range []string{`{"streamId":"nope"}`, `{}`} {
		resp := env.post(t, "/api/tts/cancel", body, nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("body %q: status = %d, want 404", body, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestCORSExposesStreamID(t *testing.T) {
	env := newTestEnv(t, tts.NewMockSynth(16, 1, 0), config.Default().HTTP, nil)

	req, _ := http.NewRequest(http.MethodOptions, env.srv.URL+"/api/tts", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}

	post := env.post(t, "/api/tts", `{"message":"hi"}`, http.Header{"Origin": {"http://localhost:5173"}})
	defer post.Body.Close()
	if got := post.Header.Get("Access-Control-Expose-Headers"); got != "Stream-ID" {
		t.Fatalf("expose headers = %q, want Stream-ID", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	cfg := config.Default().HTTP
	cfg.CORSOrigins = []string{"https://app.example.com"}
	env := newTestEnv(t, &errSynth{}, cfg, nil)

	resp := env.post(t, "/api/tts/cancel", `{}`, http.Header{"Origin": {"https://evil.example.com"}})
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("allow origin = %q, want empty", got)
	}

	resp = env.post(t, "/api/tts/cancel", `{}`, http.Header{"Origin": {"https://app.example.com"}})
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestRateLimit(t *testing.T) {
	cfg := config.Default().HTTP
	cfg.RateLimitRPS = 0.01
	cfg.RateLimitBurst = 1
	env := newTestEnv(t, &errSynth{}, cfg, nil)

	first := env.post(t, "/api/tts/cancel", `{"streamId":"x"}`, nil)
	first.Body.Close()
	if first.StatusCode != http.StatusNotFound {
		t.Fatalf("first status = %d, want 404", first.StatusCode)
	}
	second := env.post(t, "/api/tts/cancel", `{"streamId":"x"}`, nil)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
	if got := decodeBody(t, second)["error"]; got != "Too many requests" {
		t.Fatalf("error = %v", got)
	}
}

func TestRecoverPanic(t *testing.T) {
	h := chain(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}), recoverPanic(newLogger()))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Something broke!") {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestBodyLimit(t *testing.T) {
	cfg := config.Default().HTTP
	cfg.MaxBodyBytes = 16
	synth := &errSynth{}
	env := newTestEnv(t, synth, cfg, nil)

	resp := env.post(t, "/api/tts", `{"message":"`+strings.Repeat("x", 64)+`"}`, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
	if synth.calls.Load() != 0 {
		t.Fatal("oversized body must not reach the provider")
	}
}

func newChatService() *chat.Service {
	llmCfg := config.Default().LLM
	histCfg := config.Default().History
	histCfg.FreeCharacterLimit = 0
	return chat.NewService(llmCfg, histCfg, history.NewMemoryStore(histCfg.MaxDocumentBytes), chat.NewMockGenerator(), newLogger())
}

func TestChatAndHistory(t *testing.T) {
	env := newTestEnv(t, &errSynth{}, config.Default().HTTP, newChatService())
	user := http.Header{"X-User-Id": {"user-1"}}

	anon := env.post(t, "/api/chat", `{"message":"hi"}`, nil)
	if anon.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous chat = %d, want 401", anon.StatusCode)
	}
	anon.Body.Close()

	empty := env.post(t, "/api/chat", `{"message":""}`, user)
	if empty.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty chat = %d, want 400", empty.StatusCode)
	}
	empty.Body.Close()

	resp := env.post(t, "/api/chat", `{"message":"hi"}`, user)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat status = %d, want 200", resp.StatusCode)
	}
	if got := decodeBody(t, resp)["reply"]; got != "[mock completion for hi]" {
		t.Fatalf("reply = %v", got)
	}

	getHistory := func() []any {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/history", nil)
		req.Header.Set("X-User-ID", "user-1")
		resp, err := env.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("get history: %v", err)
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("history status = %d", resp.StatusCode)
		}
		out := decodeBody(t, resp)
		turns, ok := out["chatHistory"].([]any)
		if !ok {
			t.Fatalf("chatHistory missing: %v", out)
		}
		return turns
	}
	if turns := getHistory(); len(turns) != 2 {
		t.Fatalf("history turns = %d, want 2", len(turns))
	}

	req, _ := http.NewRequest(http.MethodDelete, env.srv.URL+"/api/history", nil)
	req.Header.Set("X-User-ID", "user-1")
	del, err := env.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("delete history: %v", err)
	}
	if got := decodeBody(t, del)["message"]; got != "History cleared" {
		t.Fatalf("message = %v", got)
	}
	if turns := getHistory(); len(turns) != 0 {
		t.Fatalf("history after clear = %d turns", len(turns))
	}
}

func TestChatRoutesDisabledWithoutService(t *testing.T) {
	env := newTestEnv(t, &errSynth{}, config.Default().HTTP, nil)
	resp := env.post(t, "/api/chat", `{"message":"hi"}`, http.Header{"X-User-Id": {"u"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestReadiness(t *testing.T) {
	rl := relay.New(&errSynth{}, config.Default().TTS, newLogger())
	defer rl.Close()
	ready := &atomic.Bool{}
	var failing atomic.Bool
	s, err := NewServer(config.Default().HTTP, Deps{
		Relay: rl,
		Ready: ready,
		Checkers: []Checker{{Name: "history", Check: func(context.Context) error {
			if failing.Load() {
				return errors.New("database is locked")
			}
			return nil
		}}},
	}, newLogger())
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	probe := func(path string) int {
		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	if code := probe("/healthz"); code != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", code)
	}
	if code := probe("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while starting = %d, want 503", code)
	}
	ready.Store(true)
	if code := probe("/readyz"); code != http.StatusOK {
		t.Fatalf("readyz = %d, want 200", code)
	}
	failing.Store(true)
	if code := probe("/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with failing check = %d, want 503", code)
	}
}

func TestRuntimeStartsAndStops(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.TTS.Mode = "mock"
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.LLM.Enabled = true
	cfg.LLM.Mode = "mock"
	cfg.History.Driver = "memory"

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("start returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
