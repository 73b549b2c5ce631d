// Package segmenter splits a streamed reply into bounded, punctuation-aware
// chunks that can be synthesised independently.
//
// Lengths are measured in UTF-8 bytes. Cut positions always fall on rune
// boundaries, so no emitted chunk ever splits a character.
package segmenter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/voxgate/voxgate/internal/speech"
)

// Default segment lengths.
const (
	DefaultMinLength    = 10
	DefaultMaxLength    = 200
	DefaultPreferLength = 50
)

// sentenceEnds close a sentence; secondaryDelims are the comma-class marks
// used when a forced split has to happen.
const (
	sentenceEnds    = "。！？；.!?;"
	secondaryDelims = "，、,"
)

// Config holds the segment length bounds.
type Config struct {
	MinLength    int
	MaxLength    int
	PreferLength int
}

// DefaultConfig returns the default bounds.
func DefaultConfig() Config {
	return Config{MinLength: DefaultMinLength, MaxLength: DefaultMaxLength, PreferLength: DefaultPreferLength}
}

// Validate checks 0 < min ≤ prefer ≤ max.
func (c Config) Validate() error {
	var errs []error
	if c.MinLength <= 0 {
		errs = append(errs, fmt.Errorf("min length must be positive, got %d", c.MinLength))
	}
	if c.MaxLength < utf8.UTFMax {
		errs = append(errs, fmt.Errorf("max length must be at least %d, got %d", utf8.UTFMax, c.MaxLength))
	}
	if c.PreferLength < c.MinLength || c.PreferLength > c.MaxLength {
		errs = append(errs, fmt.Errorf("prefer length %d must lie within [%d, %d]", c.PreferLength, c.MinLength, c.MaxLength))
	}
	return errors.Join(errs...)
}

// Segmenter accumulates reply text and emits [speech.Segment] values with
// increasing sequence ids. It is not safe for concurrent use; one reply owns
// one Segmenter.
type Segmenter struct {
	cfg  Config
	buf  string
	next int
}

// New creates a Segmenter with the given bounds.
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("segmenter: %w", err)
	}
	return &Segmenter{cfg: cfg, next: 1}, nil
}

// AddText appends chunk to the buffer and returns every segment that can be
// cut from it.
func (s *Segmenter) AddText(chunk string) []speech.Segment {
	s.buf = strings.TrimLeftFunc(s.buf+chunk, unicode.IsSpace)
	var out []speech.Segment
	for {
		cut := s.cutPosition()
		if cut <= 0 {
			return out
		}
		text := strings.TrimSpace(s.buf[:cut])
		s.buf = strings.TrimLeftFunc(s.buf[cut:], unicode.IsSpace)
		if text == "" {
			continue
		}
		out = append(out, s.emit(text))
	}
}

// Flush returns the remaining text as a final segment, whatever its length,
// and clears the buffer. It reports false when nothing but whitespace remains.
func (s *Segmenter) Flush() (speech.Segment, bool) {
	text := strings.TrimSpace(s.buf)
	s.buf = ""
	if text == "" {
		return speech.Segment{}, false
	}
	return s.emit(text), true
}

// Buffered returns the text not yet emitted.
func (s *Segmenter) Buffered() string { return s.buf }

// Reset drops buffered text and restarts numbering at 1.
func (s *Segmenter) Reset() {
	s.buf = ""
	s.next = 1
}

func (s *Segmenter) emit(text string) speech.Segment {
	seg := speech.Segment{SequenceID: s.next, Text: text, Status: speech.StatusPending}
	s.next++
	return seg
}

// cutPosition returns where the next segment ends, or 0 to wait for more text.
func (s *Segmenter) cutPosition() int {
	n := len(s.buf)
	switch {
	case n > s.cfg.MaxLength:
		return s.forcedCut()
	case n < s.cfg.MinLength:
		return 0
	}

	best := 0
	for i, r := range s.buf {
		if !strings.ContainsRune(sentenceEnds, r) {
			continue
		}
		pos := i + utf8.RuneLen(r)
		if pos < s.cfg.MinLength {
			continue
		}
		if best == 0 || abs(pos-s.cfg.PreferLength) < abs(best-s.cfg.PreferLength) {
			best = pos
		}
	}
	return best
}

// forcedCut cuts just after the last secondary delimiter that fits within the
// maximum length, or at the maximum length itself.
func (s *Segmenter) forcedCut() int {
	limit := s.cfg.MaxLength
	last := 0
	for i, r := range s.buf {
		end := i + utf8.RuneLen(r)
		if end > limit {
			break
		}
		if strings.ContainsRune(secondaryDelims, r) {
			last = end
		}
	}
	if last > 0 {
		return last
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(s.buf[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s.buf)
		cut = size
	}
	return cut
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

// Stream segments every fragment received on in and flushes when in is
// closed. The returned channel is closed after the final segment, or when ctx
// is cancelled.
func (s *Segmenter) Stream(ctx context.Context, in <-chan string) <-chan speech.Segment {
	out := make(chan speech.Segment)
	go func() {
		defer close(out)
		send := func(seg speech.Segment) bool {
			select {
			case out <- seg:
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					if seg, ok := s.Flush(); ok {
						send(seg)
					}
					return
				}
				for _, seg := range s.AddText(chunk) {
					if !send(seg) {
						return
					}
				}
			}
		}
	}()
	return out
}
