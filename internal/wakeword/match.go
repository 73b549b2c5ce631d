package wakeword

import (
	"strings"
)

// Match is a wake phrase found in an utterance.
type Match struct {
	// Keyword is the configured keyword that matched.
	Keyword string

	// SourceText is the full utterance as transcribed.
	SourceText string

	// Offset and End delimit the match within the normalised utterance.
	Offset, End int

	// Command is the utterance text after the keyword, trimmed of
	// separators. Empty when nothing followed the keyword.
	Command string

	// Fuzzy reports a phonetic rather than exact match.
	Fuzzy bool
}

type keyword struct {
	raw  string
	norm string
}

// Matcher finds wake phrases. It is read-only after construction and safe
// for concurrent use.
type Matcher struct {
	keywords []keyword
	fuzzy    *phonetic
}

// NewMatcher returns a Matcher for keywords. Keywords that normalise to
// nothing are ignored. fuzzy enables the phonetic fallback for Latin-script
// keywords.
func NewMatcher(keywords []string, fuzzy bool) *Matcher {
	m := &Matcher{}
	seen := make(map[string]bool)
	for _, kw := range keywords {
		n := normalizeKeyword(kw)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		m.keywords = append(m.keywords, keyword{raw: strings.TrimSpace(kw), norm: n})
	}
	if fuzzy {
		m.fuzzy = newPhonetic()
	}
	return m
}

// Empty reports whether the matcher has no usable keywords.
func (m *Matcher) Empty() bool { return len(m.keywords) == 0 }

// Find returns the earliest keyword occurrence in text. When two keywords
// start at the same offset the longer one wins. Without an exact match the
// phonetic fallback, if enabled, is tried.
func (m *Matcher) Find(text string) (Match, bool) {
	n := normalize(text)
	if n.text == "" {
		return Match{}, false
	}

	best := -1
	var bestKw keyword
	for _, kw := range m.keywords {
		idx := strings.Index(n.text, kw.norm)
		if idx < 0 {
			continue
		}
		if best < 0 || idx < best || (idx == best && len(kw.norm) > len(bestKw.norm)) {
			best, bestKw = idx, kw
		}
	}
	if best >= 0 {
		return m.build(text, n, bestKw.raw, best, best+len(bestKw.norm), false), true
	}

	if m.fuzzy != nil {
		if kw, start, end, ok := m.fuzzy.find(n.text, m.keywords); ok {
			return m.build(text, n, kw.raw, start, end, true), true
		}
	}
	return Match{}, false
}

func (m *Matcher) build(text string, n normalized, kw string, start, end int, fuzzy bool) Match {
	return Match{
		Keyword:    kw,
		SourceText: text,
		Offset:     start,
		End:        end,
		Command:    trimSeparators(text[n.srcEnd[end-1]:]),
		Fuzzy:      fuzzy,
	}
}
