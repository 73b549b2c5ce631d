package stt

// TranscriptEvent is one incremental recognition result.
//
// Text is the full current hypothesis for the sentence, not a delta: a later
// event with the same SentenceID replaces an earlier one, and a new SentenceID
// means the previous sentence is closed.
type TranscriptEvent struct {
	// SentenceID identifies the sentence within the session. Providers that
	// do not number sentences derive it from the sentence start time.
	SentenceID string

	// Text is the current hypothesis for the sentence.
	Text string

	// IsFinal reports whether the provider has committed to Text.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64
}
