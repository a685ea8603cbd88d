// Package retrieval implements the hybrid lexical+vector search pipeline
// (C2): preprocessing, query-profile classification, weighted reciprocal
// rank fusion, decay/layer re-weighting, and a short-TTL result cache.
package retrieval

import (
	"time"

	"github.com/andyrt/andy/internal/store"
)

// Mode selects which candidate sources feed the fusion step.
type Mode string

const (
	ModeHybrid  Mode = "hybrid"
	ModeLexical Mode = "lexical"
	ModeVector  Mode = "vector"
)

// Source tags where a result came from, for the per-result diagnostic.
type Source string

const (
	SourceLexical Source = "lexical"
	SourceVector  Source = "vector"
	SourceBoth    Source = "both"
)

// Profile is the query classification from step 2 of the algorithm.
type Profile string

const (
	ProfileExactLookup    Profile = "exact-lookup"
	ProfileSemanticHowTo  Profile = "semantic-how-to"
	ProfileSemanticRecall Profile = "semantic-recall"
	ProfileMixed          Profile = "mixed"
)

// Query is the single entry point's input.
type Query struct {
	Text    string
	Type    string
	Limit   int
	Offset  int
	Mode    Mode
	Project string
	Layers  []store.Layer
}

// ResultItem is one ranked document with its fusion diagnostics.
type ResultItem struct {
	Document *store.Document
	Score    float64
	Source   Source
	RankFTS  int // 0 means "not present in this source's candidate list"
	RankVec  int
}

// Result is the full response payload, cached as a unit.
type Result struct {
	Items     []ResultItem
	Profile   Profile
	Weights   Weights
	Warning   string
	CachedAt  time.Time
}

// Weights are the prior (and, after step 5, posterior) fusion weights.
type Weights struct {
	FTS    float64
	Vector float64
}
