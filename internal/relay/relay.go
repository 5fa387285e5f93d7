// Package relay forwards synthesized speech from a provider to callers while
// tracking every in-flight stream so it can be cancelled by id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/loqalabs/speech-relay/internal/config"
	"github.com/loqalabs/speech-relay/internal/protocol"
	"github.com/loqalabs/speech-relay/internal/tts"
)

const readBufferSize = 32 * 1024

// Notifier receives lifecycle transitions. Implementations must not block.
type Notifier interface {
	Notify(ctx context.Context, evt protocol.StreamEvent)
}

type Option func(*Relay)

func WithMetrics(m *Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

func WithNotifier(n Notifier) Option {
	return func(r *Relay) { r.notifier = n }
}

// WithIDGenerator replaces the default UUIDv7 stream ids.
func WithIDGenerator(fn func() string) Option {
	return func(r *Relay) { r.newID = fn }
}

type Relay struct {
	synth    tts.Synthesizer
	cfg      config.TTSConfig
	idle     time.Duration
	registry *Registry
	metrics  *Metrics
	notifier Notifier
	newID    func() string
	logger   *slog.Logger
	closed   atomic.Bool
}

func New(synth tts.Synthesizer, cfg config.TTSConfig, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		synth:    synth,
		cfg:      cfg,
		idle:     time.Duration(cfg.IdleTimeoutMS) * time.Millisecond,
		registry: NewRegistry(),
		newID:    newStreamID,
		logger:   logger.With(slog.String("component", "relay")),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics, _ = NewMetrics(noop.NewMeterProvider())
	}
	return r
}

func newStreamID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (r *Relay) Registry() *Registry { return r.registry }

// Open registers a new stream and connects to the provider. The returned
// stream has not forwarded any bytes yet.
func (r *Relay) Open(ctx context.Context, text string) (*Stream, error) {
	if text == "" {
		return nil, ErrInvalidRequest
	}
	if r.closed.Load() {
		return nil, fmt.Errorf("%w: relay is shutting down", ErrSynthesisFailed)
	}

	h := newHandle(ctx, r.newID(), time.Now())
	if err := r.registry.add(h); err != nil {
		h.cancel(err)
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	r.metrics.ActiveStreams.Add(h.ctx, 1)
	r.notify(h, StateCreated, nil)
	r.logger.Debug("stream registered", slog.String("stream_id", h.id), slog.Int("chars", len(text)))

	body, err := r.synth.Stream(h.ctx, tts.RequestFromConfig(r.cfg, text))
	if err != nil {
		if h.ctx.Err() != nil {
			r.terminate(h, StateCancelled, ErrStreamCancelled)
			return nil, ErrStreamCancelled
		}
		r.metrics.recordProviderError(h.ctx, "connect")
		r.terminate(h, StateFailed, err)
		return nil, fmt.Errorf("%w: %w", ErrSynthesisFailed, err)
	}
	if !h.attach(body) {
		return nil, ErrStreamCancelled
	}
	return &Stream{relay: r, handle: h, body: body}, nil
}

// Cancel stops a live stream. Unknown and finished ids yield ErrStreamNotFound.
func (r *Relay) Cancel(id string) error {
	h, ok := r.registry.Get(id)
	if !ok {
		return ErrStreamNotFound
	}
	if !r.terminate(h, StateCancelled, ErrStreamCancelled) {
		return ErrStreamNotFound
	}
	return nil
}

// Close cancels every live stream and rejects new ones.
func (r *Relay) Close() {
	r.closed.Store(true)
	for _, h := range r.registry.snapshot() {
		r.terminate(h, StateCancelled, ErrStreamCancelled)
	}
}

// terminate performs the single terminal transition for h. It reports false
// when another caller already did.
func (r *Relay) terminate(h *Handle, state State, cause error) bool {
	if !r.registry.release(h) {
		return false
	}
	h.finish(state, cause)

	ctx := context.WithoutCancel(h.ctx)
	r.metrics.recordOutcome(ctx, state, time.Since(h.createdAt).Seconds())

	var eventErr error
	if state == StateFailed {
		eventErr = cause
	}
	r.notify(h, state, eventErr)

	attrs := []any{
		slog.String("stream_id", h.id),
		slog.String("state", state.String()),
		slog.Int64("bytes", h.Bytes()),
		slog.Duration("duration", time.Since(h.createdAt)),
	}
	if state == StateFailed {
		r.logger.Warn("stream failed", append(attrs, slogError(cause))...)
	} else {
		r.logger.Info("stream finished", attrs...)
	}
	return true
}

func (r *Relay) notify(h *Handle, state State, err error) {
	if r.notifier == nil {
		return
	}
	evt := protocol.StreamEvent{
		StreamID:  h.id,
		State:     state.String(),
		Bytes:     h.Bytes(),
		Timestamp: time.Now().UTC(),
	}
	if err != nil {
		evt.Error = err.Error()
	}
	r.notifier.Notify(context.WithoutCancel(h.ctx), evt)
}

// Stream is an open provider connection waiting to be forwarded.
type Stream struct {
	relay  *Relay
	handle *Handle
	body   io.ReadCloser
}

func (s *Stream) ID() string { return s.handle.id }

func (s *Stream) State() State { return s.handle.State() }

// Forward copies provider bytes to w in order until the provider finishes,
// fails, or the stream is cancelled. Each provider chunk is written to w
// as soon as it is read.
func (s *Stream) Forward(w io.Writer) (int64, error) {
	h := s.handle
	idle := s.relay.idle
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() { h.abort(ErrIdleTimeout) })
		timer.Stop()
		defer timer.Stop()
	}

	buf := make([]byte, readBufferSize)
	var total int64
	for {
		if timer != nil {
			timer.Reset(idle)
		}
		n, rerr := s.body.Read(buf)
		if timer != nil && !timer.Stop() {
			// the deadline passed while Read was blocked
			h.abort(ErrIdleTimeout)
			return total, s.fail(ErrIdleTimeout)
		}

		if n > 0 {
			if h.markStreaming() {
				s.relay.metrics.FirstByteDuration.Record(h.ctx, time.Since(h.createdAt).Seconds())
				s.relay.notify(h, StateStreaming, nil)
			}
			wn, werr := w.Write(buf[:n])
			total += int64(wn)
			h.bytes.Add(int64(wn))
			s.relay.metrics.BytesForwarded.Add(h.ctx, int64(wn))
			if werr != nil {
				s.relay.terminate(h, StateCancelled, ErrStreamCancelled)
				return total, fmt.Errorf("%w: client write: %w", ErrStreamCancelled, werr)
			}
		}

		if rerr == nil {
			continue
		}
		if errors.Is(rerr, io.EOF) {
			if s.relay.terminate(h, StateCompleted, nil) {
				return total, nil
			}
			return total, ErrStreamCancelled
		}
		return total, s.fail(rerr)
	}
}

func (s *Stream) fail(readErr error) error {
	h := s.handle
	cause := context.Cause(h.ctx)
	switch {
	case errors.Is(cause, ErrIdleTimeout):
		s.relay.metrics.recordProviderError(h.ctx, "idle")
		s.relay.terminate(h, StateFailed, ErrIdleTimeout)
		return fmt.Errorf("%w: %w", ErrSynthesisFailed, ErrIdleTimeout)
	case cause != nil:
		// cancelled by id, shutdown, or the caller's context
		s.relay.terminate(h, StateCancelled, ErrStreamCancelled)
		return ErrStreamCancelled
	default:
		s.relay.metrics.recordProviderError(h.ctx, "stream")
		s.relay.terminate(h, StateFailed, readErr)
		return fmt.Errorf("%w: %w", ErrSynthesisFailed, readErr)
	}
}

// Close releases a stream that will not be forwarded.
func (s *Stream) Close() {
	s.relay.terminate(s.handle, StateCancelled, ErrStreamCancelled)
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
