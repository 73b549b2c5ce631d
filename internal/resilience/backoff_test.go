package resilience

import (
	"testing"
	"time"
)

func TestBackoff_Defaults(t *testing.T) {
	t.Parallel()
	r := NewBackoff(BackoffConfig{Name: "capture"})

	if r.maxRetries != 10 {
		t.Errorf("expected default maxRetries=10, got %d", r.maxRetries)
	}
	if r.initial != 1*time.Second {
		t.Errorf("expected default backoff=1s, got %v", r.initial)
	}
	if r.maxBackoff != 30*time.Second {
		t.Errorf("expected default maxBackoff=30s, got %v", r.maxBackoff)
	}
}

func TestBackoff_ExponentialBackoffCapped(t *testing.T) {
	t.Parallel()
	r := NewBackoff(BackoffConfig{
		Backoff:    100 * time.Millisecond,
		MaxBackoff: 500 * time.Millisecond,
		MaxRetries: 6,
	})

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for i, w := range want {
		got, ok := r.Failure()
		if !ok {
			t.Fatalf("attempt %d: gave up early", i+1)
		}
		if got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w)
		}
	}
	if _, ok := r.Failure(); ok {
		t.Error("expected give-up after MaxRetries failures")
	}
}

func TestBackoff_SuccessResets(t *testing.T) {
	t.Parallel()
	r := NewBackoff(BackoffConfig{Backoff: time.Second, MaxRetries: 2})

	r.Failure()
	r.Failure()
	if r.Failures() != 2 {
		t.Fatalf("failures = %d, want 2", r.Failures())
	}
	r.Success()
	if r.Failures() != 0 {
		t.Errorf("failures after Success = %d", r.Failures())
	}
	if d, ok := r.Failure(); !ok || d != time.Second {
		t.Errorf("after reset: delay = %v ok = %v, want 1s true", d, ok)
	}
}

func TestBackoff_MaxBackoffBelowBackoff(t *testing.T) {
	t.Parallel()
	r := NewBackoff(BackoffConfig{Backoff: 2 * time.Second, MaxBackoff: time.Second})
	if d, _ := r.Failure(); d != 2*time.Second {
		t.Errorf("delay = %v, want 2s", d)
	}
}
