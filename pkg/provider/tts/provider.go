// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (a DashScope-compatible
// backend, ElevenLabs, OpenAI) and presents a uniform request/response
// interface: one call synthesises one reply segment to fully decoded PCM.
// Segments are synthesised concurrently by the caller, so latency comes from
// parallelism across segments rather than streaming within one.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned when a request carries no text to speak.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
//
// Implementations must be safe for concurrent use. Many synthesis requests
// run in parallel, one per reply segment.
type Provider interface {
	// Synthesize converts req.Text to speech and returns the decoded 16-bit
	// PCM together with its format. An empty req.Voice or req.Model selects
	// the provider default.
	//
	// Returns an error if the service cannot be reached, rejects the request,
	// or returns audio that cannot be decoded.
	Synthesize(ctx context.Context, req Request) (*Audio, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]Voice, error)
}
