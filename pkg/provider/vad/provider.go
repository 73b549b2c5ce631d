// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine classifies captured audio frames as speech or silence and
// surfaces it as a stateful, per-stream session. The endpointer uses the
// classification to drive its silence countdown.
//
// VAD is synchronous: ProcessFrame returns immediately with a detection result,
// making it suitable for the capture path that must not block.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import (
	"errors"
	"fmt"

	"github.com/voxgate/voxgate/pkg/audio"
)

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("vad: session closed")

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz of the frames passed to
	// ProcessFrame.
	SampleRate int

	// SpeechThreshold is the level at or above which a frame is classified as
	// speech. For the energy engine this is the normalised RMS volume.
	SpeechThreshold float64

	// SilenceThreshold is the level below which an active speech span is
	// considered ended. Must be ≤ SpeechThreshold. Equal values disable
	// hysteresis.
	SilenceThreshold float64
}

// Validate reports configuration problems.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate))
	}
	if c.SpeechThreshold < 0 || c.SpeechThreshold > 1 {
		errs = append(errs, fmt.Errorf("vad: speech threshold %v out of range [0,1]", c.SpeechThreshold))
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > c.SpeechThreshold {
		errs = append(errs, fmt.Errorf("vad: silence threshold %v must be in [0, speech threshold]", c.SilenceThreshold))
	}
	return errors.Join(errs...)
}

// SessionHandle represents an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single captured frame and returns the detection
	// result. It must not block.
	ProcessFrame(frame audio.AudioFrame) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases all resources associated with the session. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	//
	// Returns an error if the configuration is invalid.
	NewSession(cfg Config) (SessionHandle, error)
}
