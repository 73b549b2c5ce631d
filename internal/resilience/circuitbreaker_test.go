package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	clockmock "github.com/voxgate/voxgate/internal/clock/mock"
)

var errTest = errors.New("test error")

func fail() error    { return errTest }
func succeed() error { return nil }

// trippedBreaker returns a breaker that has just opened on a manual clock.
func trippedBreaker(t *testing.T, halfOpenMax int) (*CircuitBreaker, *clockmock.Clock) {
	t.Helper()
	clk := clockmock.New(time.Unix(0, 0))
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         t.Name(),
		MaxFailures:  2,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Clock:        clk,
	})
	require.ErrorIs(t, cb.Execute(fail), errTest)
	require.ErrorIs(t, cb.Execute(fail), errTest)
	require.Equal(t, StateOpen, cb.State())
	return cb, clk
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})
	assert.Equal(t, 5, cb.cfg.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.cfg.ResetTimeout)
	assert.Equal(t, 3, cb.cfg.HalfOpenMax)
	assert.NotNil(t, cb.cfg.Clock)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	cb, _ := trippedBreaker(t, 1)

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessClearsFailureRun(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 3, ResetTimeout: time.Hour})

	for _, fn := range []func() error{fail, fail, succeed, fail, fail} {
		_ = cb.Execute(fn)
	}
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	t.Run("cool-down reports half-open", func(t *testing.T) {
		cb, clk := trippedBreaker(t, 1)
		clk.Advance(9 * time.Second)
		assert.Equal(t, StateOpen, cb.State())
		clk.Advance(time.Second)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("enough probes close", func(t *testing.T) {
		cb, clk := trippedBreaker(t, 2)
		clk.Advance(10 * time.Second)
		require.NoError(t, cb.Execute(succeed))
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(succeed))
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		cb, clk := trippedBreaker(t, 3)
		clk.Advance(10 * time.Second)
		require.NoError(t, cb.Execute(succeed))
		require.ErrorIs(t, cb.Execute(fail), errTest)
		assert.Equal(t, StateOpen, cb.State())
		require.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
	})

	t.Run("probe budget", func(t *testing.T) {
		cb, clk := trippedBreaker(t, 1)
		clk.Advance(10 * time.Second)

		release := make(chan struct{})
		started := make(chan struct{})
		done := make(chan error, 1)
		go func() {
			done <- cb.Execute(func() error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)
		close(release)
		require.NoError(t, <-done)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("cancelled probe returns its slot", func(t *testing.T) {
		cb, clk := trippedBreaker(t, 1)
		clk.Advance(10 * time.Second)
		require.ErrorIs(t, cb.Execute(func() error { return context.Canceled }), context.Canceled)
		assert.Equal(t, StateHalfOpen, cb.State())
		require.NoError(t, cb.Execute(succeed))
		assert.Equal(t, StateClosed, cb.State())
	})
}

func TestCircuitBreaker_CancellationNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	for range 5 {
		err := cb.Execute(func() error { return fmt.Errorf("tts: synthesize: %w", context.Canceled) })
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, StateClosed, cb.State())
}

// A breaker that never cools down is open exactly when the run of failures
// since the last success reached MaxFailures.
func TestCircuitBreaker_OpensOnFailureRun(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.IntRange(1, 5).Draw(t, "limit")
		outcomes := rapid.SliceOf(rapid.SampledFrom([]string{"ok", "fail", "cancel"})).Draw(t, "outcomes")

		cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: limit, ResetTimeout: time.Hour})
		run, open := 0, false
		for _, o := range outcomes {
			err := cb.Execute(func() error {
				switch o {
				case "fail":
					return errTest
				case "cancel":
					return context.Canceled
				}
				return nil
			})
			if open {
				if !errors.Is(err, ErrCircuitOpen) {
					t.Fatalf("open breaker admitted a call: %v", err)
				}
				continue
			}
			switch o {
			case "ok":
				run = 0
			case "fail":
				run++
			}
			open = run >= limit
			if got := cb.State() == StateOpen; got != open {
				t.Fatalf("after %v: open = %v, want %v", outcomes, got, open)
			}
		}
	})
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
	assert.Equal(t, "unknown", State(-1).String())
}
