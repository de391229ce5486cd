package trigger

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Scorer rates how well a trigger phrase matches somewhere inside a
// transcription, on a 0..1 scale. The trigger engine's control flow does not
// depend on the algorithm behind it.
type Scorer interface {
	Score(phrase, text string) float64
}

// PartialRatio scores the best phrase-sized window of the text by normalized
// edit distance, so a phrase buried in a longer utterance still scores high.
type PartialRatio struct{}

func (PartialRatio) Score(phrase, text string) float64 {
	phrase = strings.ToLower(strings.TrimSpace(phrase))
	text = strings.ToLower(strings.TrimSpace(text))
	if phrase == "" || text == "" {
		return 0
	}

	p := []rune(phrase)
	t := []rune(text)
	if len(t) <= len(p) {
		return similarity(phrase, text)
	}

	best := 0.0
	for i := 0; i+len(p) <= len(t); i++ {
		s := similarity(phrase, string(t[i:i+len(p)]))
		if s > best {
			best = s
		}
		if best == 1 {
			break
		}
	}
	return best
}

func similarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	max := la
	if lb > max {
		max = lb
	}
	if max == 0 {
		return 1
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1 - float64(d)/float64(max)
}
