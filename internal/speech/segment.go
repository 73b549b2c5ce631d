// Package speech holds the data model shared by the reply pipeline: the
// segmenter creates [Segment] values in sequence order, the synthesis
// dispatcher reports their audio, and the playback scheduler plays them.
package speech

import "github.com/voxgate/voxgate/pkg/audio"

// Status is the lifecycle state of a [Segment].
type Status int

const (
	// StatusPending means the segment has been created but synthesis has not started.
	StatusPending Status = iota

	// StatusSynthesizing means a synthesis request is in flight.
	StatusSynthesizing

	// StatusReady means decoded audio is available and the segment awaits its turn.
	StatusReady

	// StatusPlaying means the segment's audio is committed to the output clock.
	StatusPlaying

	// StatusCompleted means the segment finished playing.
	StatusCompleted

	// StatusFailed means synthesis or decoding failed; the segment is skipped.
	StatusFailed
)

// String returns the lower-case status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSynthesizing:
		return "synthesizing"
	case StatusReady:
		return "ready"
	case StatusPlaying:
		return "playing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Segment is one bounded, independently synthesizable chunk of a streamed reply.
type Segment struct {
	// SequenceID orders segments within a reply. It starts at 1 and increases
	// by one per segment.
	SequenceID int

	// Text is the trimmed text to speak.
	Text string

	// Status is the current lifecycle state.
	Status Status

	// Audio is set once the segment is ready.
	Audio *audio.Clip

	// Err records why a failed segment failed.
	Err error
}
