// Package endpoint decides when a spoken span has ended.
//
// An [Endpointer] classifies captured frames through a [vad.Engine] and runs a
// single restartable silence countdown: a quiet frame arms it, a loud frame
// cancels it, and when it runs out uninterrupted the owner is told to end the
// utterance. [Utterance] accumulates the transcript of that span.
package endpoint

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxgate/voxgate/internal/clock"
	"github.com/voxgate/voxgate/pkg/audio"
	"github.com/voxgate/voxgate/pkg/provider/vad"
)

// DefaultCountdownInterval is the spacing of [Listener.SilenceCountdown] ticks.
const DefaultCountdownInterval = 100 * time.Millisecond

// ErrClosed is returned by Process after Close.
var ErrClosed = errors.New("endpoint: endpointer closed")

// Listener receives silence events. Callbacks are never invoked with the
// endpointer's lock held and may call back into it.
type Listener interface {
	// SilenceStarted reports that the countdown was armed.
	SilenceStarted(remaining time.Duration)

	// SilenceCountdown is a periodic tick while the countdown runs.
	SilenceCountdown(remaining time.Duration)

	// SilenceCanceled reports that speech interrupted the countdown.
	SilenceCanceled()

	// SilenceElapsed asks the owner to end the utterance. It is raised at most
	// once until Reset.
	SilenceElapsed()
}

// Config holds the endpointing parameters.
type Config struct {
	// SampleRate of the frames passed to Process.
	SampleRate int

	// SilenceThreshold is the normalised RMS volume below which a frame counts
	// as silence.
	SilenceThreshold float64

	// SilenceDuration is how long silence must last to end the utterance.
	SilenceDuration time.Duration

	// CountdownInterval spaces the countdown ticks. Zero means
	// [DefaultCountdownInterval].
	CountdownInterval time.Duration
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SilenceThreshold <= 0 || c.SilenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("endpoint: silence threshold %v out of range (0,1]", c.SilenceThreshold))
	}
	if c.SilenceDuration <= 0 {
		errs = append(errs, fmt.Errorf("endpoint: silence duration must be positive, got %s", c.SilenceDuration))
	}
	if c.CountdownInterval < 0 {
		errs = append(errs, fmt.Errorf("endpoint: countdown interval must not be negative, got %s", c.CountdownInterval))
	}
	return errors.Join(errs...)
}

// Option configures an [Endpointer].
type Option func(*Endpointer)

// WithClock sets the clock used for the countdown. Defaults to [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(e *Endpointer) { e.clk = c }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Endpointer) { e.log = l }
}

// Endpointer runs the silence countdown for one capture session.
//
// Process is called from the capture pump; the countdown fires on clock
// goroutines. All methods are safe for concurrent use.
type Endpointer struct {
	vad      vad.SessionHandle
	listener Listener
	clk      clock.Clock
	log      *slog.Logger
	duration time.Duration
	tick     time.Duration

	mu       sync.Mutex
	gen      uint64
	timer    clock.Timer
	deadline time.Time
	running  bool
	elapsed  bool
	closed   bool
}

// New opens a VAD session on engine and returns an Endpointer reporting to l.
func New(engine vad.Engine, cfg Config, l Listener, opts ...Option) (*Endpointer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sess, err := engine.NewSession(vad.Config{
		SampleRate:       cfg.SampleRate,
		SpeechThreshold:  cfg.SilenceThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("endpoint: open vad session: %w", err)
	}
	e := &Endpointer{
		vad:      sess,
		listener: l,
		clk:      clock.Real(),
		log:      slog.Default(),
		duration: cfg.SilenceDuration,
		tick:     cfg.CountdownInterval,
	}
	if e.tick == 0 {
		e.tick = DefaultCountdownInterval
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Process classifies frame. A quiet frame arms the countdown if none is
// running; a loud frame cancels a running one.
func (e *Endpointer) Process(frame audio.AudioFrame) error {
	ev, err := e.vad.ProcessFrame(frame)
	if err != nil {
		if errors.Is(err, vad.ErrSessionClosed) {
			return ErrClosed
		}
		return fmt.Errorf("endpoint: classify frame: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.elapsed {
		e.mu.Unlock()
		return nil
	}

	if ev.Type.IsSpeech() {
		if !e.running {
			e.mu.Unlock()
			return nil
		}
		e.cancelLocked()
		e.mu.Unlock()
		e.log.Debug("endpoint: silence canceled", "volume", ev.Probability)
		e.listener.SilenceCanceled()
		return nil
	}

	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.gen++
	e.deadline = e.clk.Now().Add(e.duration)
	e.armLocked(e.gen, min(e.tick, e.duration))
	e.mu.Unlock()

	e.listener.SilenceStarted(e.duration)
	return nil
}

// Running reports whether the countdown is armed.
func (e *Endpointer) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Cancel disarms the countdown without raising SilenceCanceled.
func (e *Endpointer) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelLocked()
}

// Reset disarms the countdown and clears the VAD state so the endpointer can
// serve another utterance.
func (e *Endpointer) Reset() {
	e.mu.Lock()
	e.cancelLocked()
	e.elapsed = false
	e.mu.Unlock()
	e.vad.Reset()
}

// Close disarms the countdown and releases the VAD session.
func (e *Endpointer) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.cancelLocked()
	e.mu.Unlock()
	return e.vad.Close()
}

func (e *Endpointer) cancelLocked() {
	e.running = false
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Endpointer) armLocked(gen uint64, d time.Duration) {
	e.timer = e.clk.AfterFunc(d, func() { e.fire(gen) })
}

// fire runs on a clock goroutine. A generation mismatch means the countdown
// was canceled or restarted after this timer was armed.
func (e *Endpointer) fire(gen uint64) {
	e.mu.Lock()
	if gen != e.gen || !e.running || e.closed {
		e.mu.Unlock()
		return
	}
	remaining := e.deadline.Sub(e.clk.Now())
	if remaining <= 0 {
		e.running = false
		e.elapsed = true
		e.timer = nil
		e.gen++
		e.mu.Unlock()
		e.log.Debug("endpoint: silence elapsed", "duration", e.duration)
		e.listener.SilenceElapsed()
		return
	}
	e.armLocked(gen, min(e.tick, remaining))
	e.mu.Unlock()
	e.listener.SilenceCountdown(remaining)
}
