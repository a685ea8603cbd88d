package memlayers

import "strings"

// stopwords is a small stop-list for the cheap word-set similarity used by
// contradiction detection and consolidation. It is deliberately short: the
// Jaccard check is a coarse secondary signal, not the primary one.
var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true, "to": true,
	"of": true, "and": true, "in": true, "on": true, "for": true, "it": true,
	"this": true, "that": true, "was": true, "with": true,
}

// jaccardSimilarity computes word-set Jaccard similarity on stop-stripped,
// lowercased tokens from two strings.
func jaccardSimilarity(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	out := make(map[string]bool, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:\"'()")
		if w == "" || stopwords[w] {
			continue
		}
		out[w] = true
	}
	return out
}
