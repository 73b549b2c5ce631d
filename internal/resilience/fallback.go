package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxgate/voxgate/internal/observe"
)

// ErrAllFailed wraps the last error once every entry of a [FallbackGroup]
// failed or was skipped.
var ErrAllFailed = errors.New("resilience: all providers failed")

// FallbackConfig configures a [FallbackGroup].
type FallbackConfig struct {
	// CircuitBreaker is copied for every entry, with Name set to the entry.
	CircuitBreaker CircuitBreakerConfig

	// Kind is "stt", "tts" or "llm", used in logs and metrics.
	Kind string

	// Metrics counts failed attempts when set.
	Metrics *observe.Metrics
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and its fallbacks, each behind its own
// circuit breaker. Calls go to the first entry whose breaker admits them.
//
// Add fallbacks before sharing the group between goroutines.
type FallbackGroup[T any] struct {
	cfg     FallbackConfig
	members []member[T]
}

// NewFallbackGroup returns a group whose first entry is primary.
func NewFallbackGroup[T any](primary T, name string, cfg FallbackConfig) *FallbackGroup[T] {
	g := &FallbackGroup[T]{cfg: cfg}
	g.AddFallback(name, primary)
	return g
}

// AddFallback appends an entry, tried after all earlier ones.
func (g *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := g.cfg.CircuitBreaker
	bc.Name = name
	g.members = append(g.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Names lists the entries in failover order.
func (g *FallbackGroup[T]) Names() []string {
	out := make([]string, 0, len(g.members))
	for _, m := range g.members {
		out = append(out, m.name)
	}
	return out
}

// States maps entry names to their breaker state.
func (g *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.name] = m.breaker.State()
	}
	return out
}

// Execute is [ExecuteWithResult] for calls without a result.
func (g *FallbackGroup[T]) Execute(ctx context.Context, fn func(T) error) error {
	_, err := ExecuteWithResult(ctx, g, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// ExecuteWithResult calls fn on one entry after another until it succeeds.
// Open breakers are skipped. Cancellation ends the failover and is returned
// as is.
func ExecuteWithResult[T, R any](ctx context.Context, g *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var zero R
	var last error
	for _, m := range g.members {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		switch {
		case err == nil:
			return out, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("resilience: circuit open, skipping", "kind", g.cfg.Kind, "provider", m.name)
		default:
			if g.cfg.Metrics != nil {
				g.cfg.Metrics.RecordProviderError(ctx, m.name, g.cfg.Kind)
			}
			slog.Warn("resilience: provider failed, trying next", "kind", g.cfg.Kind, "provider", m.name, "err", err)
		}
		last = err
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, last)
}
