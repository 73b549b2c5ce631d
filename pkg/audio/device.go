// Package audio defines the audio types and the device abstraction used by
// voxgate's capture and playback paths.
//
// The two primary abstractions are:
//
//   - [Device]: a local audio backend (sound card, WAV file) that opens
//     capture and output streams.
//   - [Output]: a playback stream with a monotonic sample clock onto which
//     buffers are scheduled at exact start times.
//
// Implementations live in adapter packages (audio/portaudio, audio/wavfile).
// This package lives under pkg/ because external code is expected to provide
// further backends.
package audio

import (
	"context"
	"time"
)

// CaptureConfig describes the frames a [Capture] should deliver.
type CaptureConfig struct {
	// SampleRate in Hz. Speech capture uses 16000.
	SampleRate int

	// FrameSamples is the number of mono samples per [AudioFrame].
	FrameSamples int

	// Buffer is the capacity of the frame channel. When the consumer falls
	// behind, new frames are dropped rather than queued.
	Buffer int
}

// Capture is an open microphone stream.
//
// Frames are delivered on [Capture.Frames] until the stream is closed or the
// device fails; the channel is then closed and [Capture.Err] reports the
// failure, if any. Implementations never block the device callback on a slow
// consumer.
type Capture interface {
	Frames() <-chan AudioFrame

	// Dropped returns the number of frames discarded because the consumer was
	// not keeping up.
	Dropped() int64

	// Err returns the error that terminated the stream, or nil.
	Err() error

	// Close stops the stream. Safe to call more than once.
	Close() error
}

// Voice is one buffer committed to an [Output].
type Voice interface {
	// Done is closed once the last sample has been rendered or the voice was stopped.
	Done() <-chan struct{}

	// Stop silences the voice immediately. Safe to call more than once.
	Stop()
}

// Output is an open playback stream.
//
// Now reports the stream's monotonic clock: the play position of the next
// sample to be rendered. Schedule commits pcm (in the stream's [Format]) to
// start exactly at the given clock time; a time already in the past starts on
// the next rendered sample. Two voices scheduled back to back (the second at
// the first's start plus its duration) splice without gap or overlap.
//
// Implementations must be safe for concurrent use.
type Output interface {
	Format() Format
	Now() time.Duration
	Schedule(pcm []byte, at time.Duration) (Voice, error)
	Close() error
}

// Device is the entry point for a local audio backend.
//
// Implementations must be safe for concurrent use.
type Device interface {
	// OpenCapture starts a capture stream. The ctx bounds the stream lifetime.
	OpenCapture(ctx context.Context, cfg CaptureConfig) (Capture, error)

	// OpenOutput opens the playback stream.
	OpenOutput(ctx context.Context) (Output, error)

	// Close releases the backend.
	Close() error
}
