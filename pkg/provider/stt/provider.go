// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a real-time transcription service (a DashScope-compatible
// recognition backend, Deepgram, or a local Whisper model) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened, a
// session accepts raw PCM audio frames in capture order and emits a single,
// arrival-ordered stream of TranscriptEvent values.
//
// A session never retries on its own. When the connection fails the event
// channel is closed and Err reports why; callers decide whether to open a new
// session.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio and Stop after the session has
// ended, either through Close, Stop or a transport failure.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. 16000 is the capture default.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "zh-CN", "en-US").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Hints are vocabulary hints (typically the wake-word keywords) that raise
	// recognition probability on providers that support boosting.
	Hints []string
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM. Chunks are sent
	// in call order and never dropped by the session. Calling SendAudio after
	// the session ended returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Events returns the transcript stream. The channel is closed once the
	// provider signals completion, the session fails, or Close is called.
	Events() <-chan TranscriptEvent

	// Stop signals end of audio. The provider flushes pending recognition and
	// closes Events once it has delivered the last transcript. Stop does not
	// wait for that; callers drain Events with their own deadline.
	Stop(ctx context.Context) error

	// Close aborts the session and releases all resources. Events is closed
	// when Close returns. Calling Close more than once is safe.
	Close() error

	// Err returns the error that terminated the session, or nil if it ended
	// normally or is still running.
	Err() error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// StartStream opens a new streaming transcription session. The returned
	// SessionHandle is ready to accept audio immediately.
	//
	// Returns an error if the provider cannot establish the session (e.g.,
	// authentication failure, unsupported configuration, or ctx already cancelled).
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
