package tts

import (
	"fmt"

	"github.com/voxgate/voxgate/pkg/audio"
)

// Request is one synthesis call.
type Request struct {
	Text  string
	Voice string
	Model string
}

// Audio is a synthesised utterance: little-endian PCM16 in the given format.
type Audio struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Clip validates a and returns it as an [audio.Clip].
func (a *Audio) Clip() (audio.Clip, error) {
	switch {
	case a == nil:
		return audio.Clip{}, fmt.Errorf("tts: no audio")
	case a.SampleRate <= 0:
		return audio.Clip{}, fmt.Errorf("tts: invalid sample rate %d", a.SampleRate)
	case a.Channels <= 0:
		return audio.Clip{}, fmt.Errorf("tts: invalid channel count %d", a.Channels)
	case len(a.PCM) == 0:
		return audio.Clip{}, fmt.Errorf("tts: empty audio")
	case len(a.PCM)%(2*a.Channels) != 0:
		return audio.Clip{}, fmt.Errorf("tts: %d bytes is not a whole number of %d-channel PCM16 frames", len(a.PCM), a.Channels)
	}
	return audio.Clip{PCM: a.PCM, Format: audio.Format{SampleRate: a.SampleRate, Channels: a.Channels}}, nil
}

// Voice describes a synthesis voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Language is a BCP-47 tag such as "zh-CN", if known.
	Language string

	// Metadata holds provider-specific voice attributes (gender, category, etc.).
	Metadata map[string]string
}
