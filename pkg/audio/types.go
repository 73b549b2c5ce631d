package audio

import "time"

// AudioFrame is a single block of captured audio flowing from a [Capture]
// towards the endpointer and the speech transport.
type AudioFrame struct {
	// PCM audio data, 16-bit signed little-endian.
	Data []byte

	// SampleRate in Hz (16000 for speech capture).
	SampleRate int

	// Channels: 1 for mono capture.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration

	// Volume is the RMS of the normalised sample magnitudes, in [0,1].
	Volume float64
}

// Clip is a decoded, fully buffered piece of audio, typically the synthesised
// speech for one reply segment.
type Clip struct {
	PCM []byte
	Format
}

// Duration returns the playing time of the clip.
func (c Clip) Duration() time.Duration {
	return c.Format.Duration(len(c.PCM))
}
