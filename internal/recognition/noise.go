package recognition

import (
	"strings"
	"unicode"
)

const noiseChars = "={}[]()"

// FilterNoise cleans an interim transcript. Bracket and equals characters are
// stripped and immediately repeated words collapsed. It returns false when
// what remains is shorter than three characters or has no letters at all.
func FilterNoise(text string) (string, bool) {
	stripped := strings.Map(func(r rune) rune {
		if strings.ContainsRune(noiseChars, r) {
			return -1
		}
		return r
	}, text)

	words := strings.Fields(stripped)
	kept := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 && w == words[i-1] {
			continue
		}
		kept = append(kept, w)
	}
	out := strings.Join(kept, " ")

	if len([]rune(out)) < 3 {
		return "", false
	}
	if !strings.ContainsFunc(out, unicode.IsLetter) {
		return "", false
	}
	return out, true
}
