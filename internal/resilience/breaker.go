// Package resilience guards calls to external providers with a circuit breaker.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	Name         string
	MaxFailures  int
	ResetTimeout time.Duration
	Logger       *slog.Logger
}

// CircuitBreaker opens after MaxFailures consecutive failures and lets a
// single probe through once ResetTimeout has elapsed. Calls are never retried.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	openedAt    time.Time
	probeActive bool
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		logger:       logger.With(slog.String("component", "breaker"), slog.String("breaker", cfg.Name)),
		now:          time.Now,
	}
}

// Execute runs fn unless the breaker is open. A nil return from fn counts as
// success.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.record(probe, err)
	return err
}

func (cb *CircuitBreaker) admit() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.resetTimeout {
			return false, ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.logger.Info("circuit breaker half-open")
		fallthrough
	case StateHalfOpen:
		if cb.probeActive {
			return false, ErrCircuitOpen
		}
		cb.probeActive = true
		return true, nil
	}
	return false, nil
}

func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeActive = false
	}
	if err == nil {
		if cb.state != StateClosed {
			cb.logger.Info("circuit breaker closed")
		}
		cb.state = StateClosed
		cb.failures = 0
		return
	}

	cb.failures++
	if probe || cb.failures >= cb.maxFailures {
		if cb.state != StateOpen {
			cb.logger.Warn("circuit breaker opened", slog.Int("consecutive_failures", cb.failures))
		}
		cb.state = StateOpen
		cb.openedAt = cb.now()
	}
}

// State reports the current state. An open breaker whose reset timeout has
// elapsed reports half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}
