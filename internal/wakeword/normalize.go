package wakeword

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// normalized is text prepared for keyword search, with a map back to the
// source it came from.
type normalized struct {
	text string

	// srcEnd[i] is the byte offset in the source just past the rune that
	// produced text[i].
	srcEnd []int
}

// normalize applies NFKC, folds full-width forms to half-width and
// lower-cases. Punctuation and symbols are dropped; runs of whitespace become
// a single space.
func normalize(s string) normalized {
	var (
		b       strings.Builder
		srcEnd  []int
		pending bool
	)
	for i, r := range s {
		_, size := utf8.DecodeRuneInString(s[i:])
		end := i + size
		folded := strings.ToLower(width.Fold.String(norm.NFKC.String(string(r))))
		for _, fr := range folded {
			if unicode.IsSpace(fr) {
				if b.Len() > 0 {
					pending = true
				}
				continue
			}
			if separator(fr) {
				continue
			}
			if pending {
				b.WriteByte(' ')
				srcEnd = append(srcEnd, i)
				pending = false
			}
			n, _ := b.WriteRune(fr)
			for range n {
				srcEnd = append(srcEnd, end)
			}
		}
	}
	return normalized{text: b.String(), srcEnd: srcEnd}
}

// normalizeKeyword returns the searchable form of a keyword.
func normalizeKeyword(kw string) string {
	return normalize(kw).text
}

func separator(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
}

// trimSeparators strips leading and trailing whitespace, plus leading
// punctuation and symbols, from a command.
func trimSeparators(s string) string {
	return strings.TrimSpace(strings.TrimLeftFunc(s, separator))
}

// latin reports whether every letter of s is Latin script.
func latin(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) && !unicode.Is(unicode.Latin, r) {
			return false
		}
	}
	return s != ""
}
