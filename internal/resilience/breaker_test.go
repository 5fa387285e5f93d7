package resilience

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func newBreaker(maxFailures int, reset time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: reset,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestDefaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	cb := newBreaker(3, time.Hour)
	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errTest }); !errors.Is(err, errTest) {
			t.Fatalf("call %d: got %v, want errTest", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("got %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn must not run while open")
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := newBreaker(2, time.Hour)
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestHalfOpenProbe(t *testing.T) {
	cb := newBreaker(1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}

	// failed probe re-opens
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after failed probe", cb.State())
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe: unexpected error: %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probe", cb.State())
	}
}

func TestSingleProbeInFlight(t *testing.T) {
	cb := newBreaker(1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cb.now = func() time.Time { return now }
	_ = cb.Execute(func() error { return errTest })
	now = now.Add(2 * time.Minute)

	err := cb.Execute(func() error {
		if inner := cb.Execute(func() error { return nil }); !errors.Is(inner, ErrCircuitOpen) {
			t.Errorf("concurrent probe: got %v, want ErrCircuitOpen", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
