// Package resilience provides the per-capability circuit breakers that guard
// ASR, LLM, and TTS provider calls.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open). Each breaker carries a localized fallback
// utterance; when the breaker rejects a call, the returned
// [*BreakerOpenError] tells the turn pipeline what to say to the caller
// instead of the failed capability's output.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive
	// failures. Calls are rejected immediately with [*BreakerOpenError]
	// until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the recovery timeout. A
	// limited number of calls are allowed through; if they succeed the
	// breaker closes, otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// BreakerOpenError is returned by [CircuitBreaker.Execute] when the breaker
// rejects a call. FallbackText is the localized utterance the pipeline plays
// in place of the capability's output.
type BreakerOpenError struct {
	// Service is the guarded capability name ("asr", "llm", "tts").
	Service string

	// FallbackText is the localized substitute utterance.
	FallbackText string
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open", e.Service)
}

// IsBreakerOpen reports whether err is (or wraps) a [*BreakerOpenError] and
// returns it.
func IsBreakerOpen(err error) (*BreakerOpenError, bool) {
	var boe *BreakerOpenError
	if errors.As(err, &boe) {
		return boe, true
	}
	return nil, false
}

// Config holds tuning knobs for a [CircuitBreaker].
type Config struct {
	// Service is the guarded capability name, used in log messages and in
	// the [BreakerOpenError] returned to callers.
	Service string

	// FallbackText is the localized utterance substituted when the breaker
	// rejects a call.
	FallbackText string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// RecoveryTimeout is how long the breaker stays open before
	// transitioning to half-open. Default: 30s.
	RecoveryTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the
	// half-open state before the breaker decides whether to close or
	// re-open. Default: 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	service         string
	fallbackText    string
	maxFailures     int
	recoveryTimeout time.Duration
	halfOpenMax     int

	mu              sync.Mutex
	state           State
	disabled        bool // permanently open; recovery never runs
	consecutiveFail int
	openedAt        time.Time
	halfOpenCalls   int
	halfOpenFails   int
}

// New creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with sensible defaults.
func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		service:         cfg.Service,
		fallbackText:    cfg.FallbackText,
		maxFailures:     cfg.MaxFailures,
		recoveryTimeout: cfg.RecoveryTimeout,
		halfOpenMax:     cfg.HalfOpenMax,
		state:           StateClosed,
	}
}

// NewDisabled creates a breaker that is permanently open, for capabilities
// whose provider is not configured (e.g. a missing API key). Execute always
// returns the fallback error and the guarded function is never invoked.
func NewDisabled(cfg Config) *CircuitBreaker {
	cb := New(cfg)
	cb.state = StateOpen
	cb.disabled = true
	slog.Warn("capability unavailable, circuit breaker permanently open",
		"service", cfg.Service)
	return cb
}

// openErr builds the rejection error for this breaker.
func (cb *CircuitBreaker) openErr() *BreakerOpenError {
	return &BreakerOpenError{Service: cb.service, FallbackText: cb.fallbackText}
}

// Execute runs fn if the breaker allows it. In the open state it returns a
// [*BreakerOpenError] without calling fn. In the half-open state a limited
// number of probe calls are permitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	if cb.disabled {
		cb.mu.Unlock()
		return cb.openErr()
	}

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.recoveryTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker transitioning to half-open",
				"service", cb.service)
		} else {
			cb.mu.Unlock()
			return cb.openErr()
		}

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMax {
			// Probe budget exhausted — stay open until a probe outcome
			// decides the state.
			cb.mu.Unlock()
			return cb.openErr()
		}
	}

	inHalfOpen := cb.state == StateHalfOpen
	if inHalfOpen {
		cb.halfOpenCalls++
	}
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	if inHalfOpen {
		cb.halfOpenFails++
		// Any failure in half-open immediately re-opens.
		cb.state = StateOpen
		cb.openedAt = time.Now()
		cb.consecutiveFail = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open",
			"service", cb.service)
		return
	}

	// Closed state.
	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.maxFailures {
		cb.state = StateOpen
		cb.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			"service", cb.service,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		successes := cb.halfOpenCalls - cb.halfOpenFails
		if successes >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.consecutiveFail = 0
			cb.halfOpenCalls = 0
			cb.halfOpenFails = 0
			slog.Info("circuit breaker closed after successful probes",
				"service", cb.service)
		}
		return
	}

	// Closed state — reset the consecutive failure counter on success.
	cb.consecutiveFail = 0
}

// State returns the current [State] of the breaker. If the breaker is open
// and the recovery timeout has elapsed, the returned state is
// [StateHalfOpen] (the actual transition happens on the next Execute call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disabled {
		return StateOpen
	}
	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.recoveryTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters. No-op for a permanently open breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.disabled {
		return
	}
	cb.state = StateClosed
	cb.consecutiveFail = 0
	cb.halfOpenCalls = 0
	cb.halfOpenFails = 0
	slog.Info("circuit breaker manually reset", "service", cb.service)
}
