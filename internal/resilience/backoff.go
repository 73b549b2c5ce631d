package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Default backoff parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Backoff paces automatic restarts of a failing capture or recognition
// session. Each consecutive failure doubles the delay before the next
// attempt, up to MaxBackoff; a success resets it. After MaxRetries
// consecutive failures it gives up until reset.
//
// Backoff only computes delays. The caller owns the timer, so a restart
// can be cancelled by whatever owns the session.
//
// All methods are safe for concurrent use.
type Backoff struct {
	name       string
	maxRetries int
	initial    time.Duration
	maxBackoff time.Duration

	mu       sync.Mutex
	failures int
}

// BackoffConfig configures a [Backoff].
type BackoffConfig struct {
	// Name identifies the session in log output.
	Name string

	// MaxRetries is the number of consecutive failures tolerated before
	// giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the delay after the first failure. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// NewBackoff creates a new [Backoff] with the given configuration.
func NewBackoff(cfg BackoffConfig) *Backoff {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	maxBackoff = max(maxBackoff, backoff)
	return &Backoff{
		name:       cfg.Name,
		maxRetries: maxRetries,
		initial:    backoff,
		maxBackoff: maxBackoff,
	}
}

// Failure records a failed attempt and returns the delay before the next
// one. ok is false once MaxRetries consecutive failures have been recorded.
func (r *Backoff) Failure() (delay time.Duration, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures++
	if r.failures > r.maxRetries {
		slog.Error("restart attempts exhausted",
			"session", r.name,
			"max_retries", r.maxRetries,
		)
		return 0, false
	}
	delay = r.initial
	for i := 1; i < r.failures && delay < r.maxBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, r.maxBackoff)
	slog.Info("scheduling restart",
		"session", r.name,
		"attempt", r.failures,
		"max_retries", r.maxRetries,
		"backoff", delay,
	)
	return delay, true
}

// Success resets the failure count.
func (r *Backoff) Success() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		slog.Info("session recovered", "session", r.name, "after_failures", r.failures)
	}
	r.failures = 0
}

// Failures returns the number of consecutive failures.
func (r *Backoff) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}
