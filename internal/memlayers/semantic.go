package memlayers

import (
	"context"
	"fmt"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// Embedder is the minimal capability semantic write and consolidation need
// from the embedding model. It mirrors internal/retrieval's Embedder so the
// same implementation can back both.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// WriteSemantic creates a semantic-layer document. Confidence is derived
// from origin/source unless the caller supplies one explicitly (confidence
// < 0 means "derive it"). If a near-duplicate is found by vector similarity
// but disagrees on raw text, the write still succeeds and returns a
// potential_contradiction warning carrying the existing document's id.
func (l *Layers) WriteSemantic(ctx context.Context, content, origin, sourcePath, project string, confidence int, embed Embedder) (*store.Document, string, error) {
	now := time.Now().UTC()
	if confidence < 0 {
		confidence = originConfidence(origin, sourcePath)
	}

	d, err := l.Store.CreateDocument(ctx, &store.Document{
		Layer:      store.LayerSemantic,
		Type:       "semantic",
		Content:    content,
		Concepts:   "{}",
		Origin:     origin,
		SourcePath: sourcePath,
		Project:    project,
		Confidence: confidence,
		DecayScore: 100,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to create semantic memory: %w", err)
	}
	l.Invalidate()

	warning := l.contradictionHint(ctx, d, embed)
	return d, warning, nil
}

// contradictionHint implements spec's contradiction check: vector
// similarity > 0.85 against the nearest other semantic document, but raw
// text Jaccard < 0.7, signals a likely conflicting statement. Best-effort:
// a down vector backend or nil embedder silently skips the check.
func (l *Layers) contradictionHint(ctx context.Context, d *store.Document, embed Embedder) string {
	if embed == nil || l.Store.Vectors == nil || !l.Store.Vectors.Healthy(ctx) {
		return ""
	}

	vec, err := embed(ctx, d.Content)
	if err != nil {
		return ""
	}

	matches, err := l.Store.Vectors.Query(ctx, vec, 5)
	if err != nil {
		return ""
	}

	for _, m := range matches {
		if m.DocumentID == d.ID {
			continue
		}
		if float64(m.Score) <= 0.85 {
			continue
		}
		other, err := l.Store.GetDocument(ctx, m.DocumentID)
		if err != nil {
			continue
		}
		if jaccardSimilarity(d.Content, other.Content) < 0.7 {
			return fmt.Sprintf("potential_contradiction: conflicts with document %d", other.ID)
		}
	}
	return ""
}
