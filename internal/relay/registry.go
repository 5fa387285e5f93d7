package relay

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// Handle tracks one in-flight synthesis stream. It exclusively owns the
// provider body once attached.
type Handle struct {
	id        string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelCauseFunc

	bytes atomic.Int64

	mu    sync.Mutex
	state State
	body  io.ReadCloser

	closeOnce sync.Once
}

func newHandle(parent context.Context, id string, now time.Time) *Handle {
	ctx, cancel := context.WithCancelCause(parent)
	return &Handle{id: id, createdAt: now, ctx: ctx, cancel: cancel, state: StateCreated}
}

func (h *Handle) ID() string { return h.id }

// Bytes reports how many audio bytes were forwarded so far.
func (h *Handle) Bytes() int64 { return h.bytes.Load() }

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// attach hands the provider body to the handle. It reports false, and closes
// the body, when the handle already reached a terminal state. The body is
// closed as soon as the handle's context ends so a blocked Read returns.
func (h *Handle) attach(body io.ReadCloser) bool {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		_ = body.Close()
		return false
	}
	h.body = body
	h.mu.Unlock()
	context.AfterFunc(h.ctx, h.closeBody)
	return true
}

func (h *Handle) markStreaming() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateCreated {
		return false
	}
	h.state = StateStreaming
	return true
}

// finish moves the handle to a terminal state, aborts the provider request
// and closes the body without draining it. Only the caller that released the
// handle from the registry may call it.
func (h *Handle) finish(state State, cause error) {
	h.mu.Lock()
	if h.state.Terminal() {
		h.mu.Unlock()
		return
	}
	h.state = state
	h.mu.Unlock()

	if cause == nil {
		cause = context.Canceled
	}
	h.cancel(cause)
	h.closeBody()
}

// abort stops the provider without changing state; the forwarding loop
// observes the cause and performs the terminal transition.
func (h *Handle) abort(cause error) {
	h.cancel(cause)
	h.closeBody()
}

func (h *Handle) closeBody() {
	h.mu.Lock()
	body := h.body
	h.mu.Unlock()
	if body == nil {
		return
	}
	h.closeOnce.Do(func() { _ = body.Close() })
}

// Registry is the set of live stream handles keyed by id.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

func (r *Registry) add(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[h.id]; exists {
		return errDuplicateStream
	}
	r.handles[h.id] = h
	return nil
}

func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// release removes h if it is still the live handle for its id.
func (r *Registry) release(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.id]; !ok || cur != h {
		return false
	}
	delete(r.handles, h.id)
	return true
}

func (r *Registry) snapshot() []*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}
