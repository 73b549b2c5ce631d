// Package resilience keeps the voice pipeline running when a backend or the
// capture device misbehaves.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] puts one breaker in front of each provider of a kind and
// fails over in registration order; [TTSFallback], [STTFallback] and
// [LLMFallback] expose a group as a regular provider. [Backoff] paces capture
// restarts.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/clock"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects every call until the cool-down elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of probe calls.
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults noted on each.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs.
	Name string
	// MaxFailures is the run of consecutive failures that opens the breaker.
	// Default 5.
	MaxFailures int
	// ResetTimeout is how long the breaker stays open. Default 30s.
	ResetTimeout time.Duration
	// HalfOpenMax is both the number of probes admitted while half-open and
	// the number that must succeed to close again. Default 3.
	HalfOpenMax int
	// Clock defaults to [clock.Real].
	Clock clock.Clock
}

func (c *CircuitBreakerConfig) setDefaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// CircuitBreaker stops calling a backend after a run of failures and probes
// it again once a cool-down has passed.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	state    State
	openedAt time.Time
	failures int // consecutive, while closed
	probes   int // admitted, while half-open
	passed   int // succeeded, while half-open
}

// NewCircuitBreaker returns a closed breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.setDefaults()
	return &CircuitBreaker{cfg: cfg}
}

// Execute calls fn unless the breaker is open, in which case it returns
// [ErrCircuitOpen]. The result of fn is returned unchanged.
//
// Errors wrapping [context.Canceled] are not counted either way: a reply cut
// short by barge-in says nothing about the backend.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	admitted, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(admitted, err)
	return err
}

// State reports the current state. An open breaker whose cool-down has
// elapsed reports [StateHalfOpen] even before the next call moves it there.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.cooledDown() {
		return StateHalfOpen
	}
	return cb.state
}

// admit decides whether a call may proceed and returns the state it was
// admitted under.
func (cb *CircuitBreaker) admit() (State, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.cooledDown() {
		cb.moveTo(StateHalfOpen)
	}
	switch cb.state {
	case StateOpen:
		return cb.state, ErrCircuitOpen
	case StateHalfOpen:
		if cb.probes >= cb.cfg.HalfOpenMax {
			return cb.state, ErrCircuitOpen
		}
		cb.probes++
	}
	return cb.state, nil
}

// settle accounts for a finished call. Results of calls admitted under a
// state the breaker has since left are ignored.
func (cb *CircuitBreaker) settle(admitted State, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != admitted {
		return
	}
	probe := admitted == StateHalfOpen
	switch {
	case errors.Is(err, context.Canceled):
		if probe {
			cb.probes--
		}
	case err != nil && probe:
		cb.trip()
	case err != nil:
		cb.failures++
		if cb.failures >= cb.cfg.MaxFailures {
			cb.trip()
		}
	case probe:
		cb.passed++
		if cb.passed >= cb.cfg.HalfOpenMax {
			cb.moveTo(StateClosed)
		}
	default:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) cooledDown() bool {
	return cb.cfg.Clock.Now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout
}

func (cb *CircuitBreaker) trip() {
	cb.openedAt = cb.cfg.Clock.Now()
	cb.moveTo(StateOpen)
}

// moveTo changes state and clears the per-state counters. Caller holds mu.
func (cb *CircuitBreaker) moveTo(next State) {
	prev := cb.state
	cb.state = next
	cb.failures, cb.probes, cb.passed = 0, 0, 0

	level := slog.LevelInfo
	if next == StateOpen {
		level = slog.LevelWarn
	}
	slog.Log(context.Background(), level, "circuit breaker state change",
		"name", cb.cfg.Name, "from", prev.String(), "to", next.String())
}
