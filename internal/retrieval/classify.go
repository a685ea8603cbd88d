package retrieval

import (
	"regexp"
	"strings"
)

// howToPattern flags queries shaped like an instruction request in English
// or Thai ("how to", "ถ้า...ให้", "วิธี").
var howToPattern = regexp.MustCompile(`(?i)\b(how (do|to|can)|steps? to|procedure for)\b|ถ้า.*ให้|วิธี`)

// exactLookupPattern flags queries that look like they are hunting one
// specific fact: quoted strings, identifiers, or very short token counts.
var exactLookupPattern = regexp.MustCompile(`^[\w.\-/:]+$|"[^"]+"`)

// recallPattern flags queries shaped like a request to recall something
// that happened ("when did", "what did I say about", "remember").
var recallPattern = regexp.MustCompile(`(?i)\b(when did|what did .* (say|do)|remember|recall|last time)\b`)

// classify implements step 2: classify the query into a profile by lexical
// heuristics and return its prior fusion weights.
func classify(text string) (Profile, Weights) {
	trimmed := strings.TrimSpace(text)
	words := strings.Fields(trimmed)

	switch {
	case exactLookupPattern.MatchString(trimmed) && len(words) <= 4:
		return ProfileExactLookup, Weights{FTS: 0.75, Vector: 0.25}
	case howToPattern.MatchString(trimmed):
		return ProfileSemanticHowTo, Weights{FTS: 0.35, Vector: 0.65}
	case recallPattern.MatchString(trimmed):
		return ProfileSemanticRecall, Weights{FTS: 0.30, Vector: 0.70}
	default:
		return ProfileMixed, Weights{FTS: 0.5, Vector: 0.5}
	}
}

// candidateMultiplier bounds how many candidates each source fetches
// relative to the requested limit, per profile.
func candidateMultiplier(p Profile) int {
	switch p {
	case ProfileExactLookup:
		return 3
	case ProfileSemanticHowTo, ProfileSemanticRecall:
		return 5
	default:
		return 4
	}
}

// ftsSpecialChars strips characters that FTS5's MATCH syntax treats
// specially, so free-text user input doesn't trip a query-syntax error.
var ftsSpecialChars = regexp.MustCompile(`["*^:()]`)

// preprocess implements step 1: strip FTS specials. Thai segmentation, when
// configured, is applied by the caller (Engine.Search) since it requires a
// network round trip and must remain best-effort.
func preprocess(text string) string {
	return strings.TrimSpace(ftsSpecialChars.ReplaceAllString(text, " "))
}
