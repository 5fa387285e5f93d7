package runtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/speech-relay/internal/chat"
	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/history"
	"github.com/loqalabs/speech-relay/internal/relay"
	"github.com/loqalabs/speech-relay/internal/tts"
)

const userIDHeader = "X-User-ID"

// Deps are the services the HTTP surface dispatches to. Chat may be nil, in
// which case the chat and history routes are not registered.
type Deps struct {
	Relay    *relay.Relay
	Chat     *chat.Service
	Format   string
	Checkers []Checker
	Meter    metric.MeterProvider
	Ready    *atomic.Bool
}

type Server struct {
	cfg     config.HTTPConfig
	relay   *relay.Relay
	chat    *chat.Service
	format  string
	health  *health
	handler http.Handler
	logger  *slog.Logger
}

func NewServer(cfg config.HTTPConfig, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Relay == nil {
		return nil, errors.New("runtime: relay is required")
	}
	mp := deps.Meter
	if mp == nil {
		mp = noop.NewMeterProvider()
	}
	duration, err := mp.Meter(tracerName).Float64Histogram("http.request.duration",
		metric.WithDescription("Duration of HTTP requests."),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		relay:  deps.Relay,
		chat:   deps.Chat,
		format: deps.Format,
		health: &health{ready: deps.Ready, checkers: deps.Checkers},
		logger: logger.With(slog.String("component", "http")),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health.healthz)
	mux.HandleFunc("GET /readyz", s.health.readyz)
	mux.HandleFunc("POST /api/tts", s.handleTTS)
	mux.HandleFunc("POST /api/tts/cancel", s.handleCancel)
	if s.chat != nil {
		mux.HandleFunc("POST /api/chat", s.handleChat)
		mux.HandleFunc("GET /api/history", s.handleGetHistory)
		mux.HandleFunc("DELETE /api/history", s.handleClearHistory)
	}

	s.handler = chain(mux,
		observe(duration, s.logger),
		recoverPanic(s.logger),
		cors(cfg.CORSOrigins),
		rateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst, s.logger),
		limitBody(cfg.MaxBodyBytes),
	)
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.handler }

type ttsRequest struct {
	Message string `json:"message"`
}

type cancelRequest struct {
	StreamID string `json:"streamId"`
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	var req ttsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stream, err := s.relay.Open(r.Context(), req.Message)
	if err != nil {
		switch {
		case errors.Is(err, relay.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, "Message is required")
		case errors.Is(err, relay.ErrStreamCancelled):
			s.logger.Info("stream cancelled before audio started")
			if r.Context().Err() == nil {
				writeError(w, http.StatusServiceUnavailable, "Stream cancelled")
			}
		default:
			s.logger.Error("error generating audio", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "Error generating audio")
		}
		return
	}

	aw := newAudioWriter(w, stream.ID(), tts.ContentType(s.format))
	n, err := stream.Forward(aw)
	switch {
	case err == nil, errors.Is(err, relay.ErrStreamCancelled):
		aw.commit()
	case !aw.committed:
		s.logger.Error("error generating audio",
			slog.String("stream_id", stream.ID()),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Error generating audio")
	default:
		// headers are gone; the client keeps the bytes it already has
		s.logger.Warn("audio stream ended early",
			slog.String("stream_id", stream.ID()),
			slog.Int64("bytes", n),
			slog.String("error", err.Error()))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.relay.Cancel(req.StreamID); err != nil {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Stream cancelled"})
}

type chatRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	reply, err := s.chat.Reply(r.Context(), userID, req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"reply": reply.Content})
	case errors.Is(err, chat.ErrEmptyMessage):
		writeError(w, http.StatusBadRequest, "Message is required")
	case errors.Is(err, chat.ErrQuotaExceeded):
		writeError(w, http.StatusForbidden, "Free character limit reached")
	default:
		s.logger.Error("chat reply failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Error generating reply")
	}
}

// handleGetHistory returns the transcript and counts the call as a visit.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if _, err := s.chat.Visit(r.Context(), userID); err != nil {
		s.logger.Warn("failed to record visit", slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	messages, err := s.chat.History(r.Context(), userID)
	if err != nil {
		s.logger.Error("load history failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Error loading history")
		return
	}
	if messages == nil {
		messages = []history.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chatHistory": messages})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.chat.Clear(r.Context(), userID); err != nil {
		s.logger.Error("clear history failed", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "Error clearing history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "History cleared"})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "User ID is required")
		return "", false
	}
	return userID, true
}

// decodeJSON treats an empty body as an empty object.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// audioWriter commits the audio headers on the first byte and flushes every
// chunk so the client hears it as soon as the provider sends it.
type audioWriter struct {
	w           http.ResponseWriter
	rc          *http.ResponseController
	streamID    string
	contentType string
	committed   bool
}

func newAudioWriter(w http.ResponseWriter, streamID, contentType string) *audioWriter {
	return &audioWriter{
		w:           w,
		rc:          http.NewResponseController(w),
		streamID:    streamID,
		contentType: contentType,
	}
}

func (a *audioWriter) commit() {
	if a.committed {
		return
	}
	a.committed = true
	h := a.w.Header()
	h.Set("Content-Type", a.contentType)
	h.Set("Transfer-Encoding", "chunked")
	h.Set("Stream-ID", a.streamID)
	h.Set("Cache-Control", "no-store")
	a.w.WriteHeader(http.StatusOK)
	_ = a.rc.Flush()
}

func (a *audioWriter) Write(p []byte) (int, error) {
	a.commit()
	n, err := a.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, a.rc.Flush()
}
