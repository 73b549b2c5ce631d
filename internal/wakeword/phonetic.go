package wakeword

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90
)

// phonetic is the fallback for keywords the recogniser misspells. Windows of
// the utterance with about as many words as the keyword are compared by
// Double Metaphone code and Jaro-Winkler similarity on the concatenated
// words, so "hey fox gate" can stand in for "hey voxgate".
type phonetic struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

func newPhonetic() *phonetic {
	return &phonetic{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

type span struct {
	start, end int
}

// tokens splits normalised text on the single spaces normalize leaves.
func tokens(text string) []span {
	var out []span
	start := 0
	for i := 0; i <= len(text); i++ {
		if i == len(text) || text[i] == ' ' {
			if i > start {
				out = append(out, span{start, i})
			}
			start = i + 1
		}
	}
	return out
}

// find returns the earliest window that matches a Latin-script keyword.
// Among windows starting at the same word the highest score wins.
func (p *phonetic) find(text string, keywords []keyword) (kw keyword, start, end int, ok bool) {
	words := tokens(text)
	bestStart, bestScore := -1, 0.0
	for _, k := range keywords {
		if !latin(k.norm) {
			continue
		}
		kwWords := strings.Fields(k.norm)
		kwConcat := strings.Join(kwWords, "")
		kwCode, _ := matchr.DoubleMetaphone(kwConcat)

		for size := max(1, len(kwWords)-1); size <= len(kwWords)+1; size++ {
			for i := 0; i+size <= len(words); i++ {
				if bestStart >= 0 && words[i].start > bestStart {
					break
				}
				var b strings.Builder
				for _, w := range words[i : i+size] {
					b.WriteString(text[w.start:w.end])
				}
				window := b.String()
				if !latin(window) {
					continue
				}
				score := matchr.JaroWinkler(window, kwConcat, false)
				code, alt := matchr.DoubleMetaphone(window)
				sameSound := kwCode != "" && (code == kwCode || alt == kwCode)
				if !(sameSound && score >= p.phoneticThreshold) && score < p.fuzzyThreshold {
					continue
				}
				s := words[i].start
				if bestStart < 0 || s < bestStart || (s == bestStart && score > bestScore) {
					bestStart, bestScore = s, score
					kw, start, end, ok = k, s, words[i+size-1].end, true
				}
			}
		}
	}
	return kw, start, end, ok
}
