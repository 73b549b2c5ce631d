package endpoint

import (
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/voxgate/voxgate/pkg/provider/stt"
)

// Utterance accumulates the transcript of one spoken span.
//
// Each sentence is identified by its SentenceID. An event for the open
// sentence replaces its text, since recognisers send the full hypothesis
// rather than a delta. An event with a new SentenceID closes the open sentence
// and appends it to the utterance, and a final event closes its own sentence.
// Once [Utterance.Complete] has been called the utterance ignores further
// events.
type Utterance struct {
	mu       sync.Mutex
	closed   []string
	openID   string
	openText string
	hasOpen  bool
	done     bool
}

// Add applies ev. It reports false if the utterance was already completed.
func (u *Utterance) Add(ev stt.TranscriptEvent) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return false
	}
	if u.hasOpen && ev.SentenceID != u.openID {
		u.flushLocked()
	}
	u.openID = ev.SentenceID
	u.openText = strings.TrimSpace(ev.Text)
	u.hasOpen = true
	if ev.IsFinal {
		u.flushLocked()
	}
	return true
}

// Text returns the text accumulated so far, including the open sentence.
func (u *Utterance) Text() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	parts := u.closed
	if u.hasOpen && u.openText != "" {
		parts = append(parts[:len(parts):len(parts)], u.openText)
	}
	return join(parts)
}

// Complete closes the open sentence, freezes the utterance and returns its
// text. Later calls return the same text.
func (u *Utterance) Complete() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.done {
		u.flushLocked()
		u.done = true
	}
	return join(u.closed)
}

// Done reports whether Complete has been called.
func (u *Utterance) Done() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

func (u *Utterance) flushLocked() {
	if u.hasOpen && u.openText != "" {
		u.closed = append(u.closed, u.openText)
	}
	u.openID, u.openText, u.hasOpen = "", "", false
}

// join concatenates sentences, separating them with a space unless either
// side of the seam is an ideographic character.
func join(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		if i > 0 {
			prev, _ := utf8.DecodeLastRuneInString(parts[i-1])
			next, _ := utf8.DecodeRuneInString(p)
			if !ideographic(prev) && !ideographic(next) {
				b.WriteByte(' ')
			}
		}
		b.WriteString(p)
	}
	return b.String()
}

func ideographic(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) ||
		(r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF)
}
