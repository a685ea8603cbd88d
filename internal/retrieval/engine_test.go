package retrieval

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/store"
)

// fakeVectors is a deterministic in-memory VectorCollection for tests that
// don't need a real qdrant instance.
type fakeVectors struct {
	points  map[int64][]float32
	healthy bool
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: make(map[int64][]float32), healthy: true}
}

func (f *fakeVectors) Upsert(ctx context.Context, points []store.VectorPoint) error {
	for _, p := range points {
		f.points[p.DocumentID] = p.Vector
	}
	return nil
}

func (f *fakeVectors) Query(ctx context.Context, vector []float32, limit int) ([]store.VectorMatch, error) {
	var matches []store.VectorMatch
	for id, v := range f.points {
		matches = append(matches, store.VectorMatch{DocumentID: id, Score: cosine(vector, v)})
	}
	// simple selection sort, test data is tiny
	for i := 0; i < len(matches); i++ {
		best := i
		for j := i + 1; j < len(matches); j++ {
			if matches[j].Score > matches[best].Score {
				best = j
			}
		}
		matches[i], matches[best] = matches[best], matches[i]
	}
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (f *fakeVectors) Delete(ctx context.Context, ids []int64) error {
	for _, id := range ids {
		delete(f.points, id)
	}
	return nil
}

func (f *fakeVectors) Healthy(ctx context.Context) bool { return f.healthy }
func (f *fakeVectors) Close()                           {}

func cosine(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (sqrt(normA) * sqrt(normB)))
}

func sqrt(f float64) float64 {
	x := f
	for i := 0; i < 30; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}

// fakeEmbed maps fixed phrases to orthogonal-ish vectors so the fusion test
// can control exactly which document is closest to the query.
func fakeEmbed(vecs map[string][]float32) Embedder {
	return func(ctx context.Context, text string) ([]float32, error) {
		if v, ok := vecs[text]; ok {
			return v, nil
		}
		return []float32{0.1, 0.1, 0.1}, nil
	}
}

func openTestEngine(t *testing.T, vectors store.VectorCollection, embed Embedder) (*Engine, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := store.Open(path, vectors)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	e := New(s, embed, time.Minute, "")
	return e, s
}

func TestHybridFusionOrdering(t *testing.T) {
	ctx := context.Background()

	queryVec := []float32{1, 0, 0}
	docVecs := map[string][]float32{
		"how to deploy when build fails": queryVec,
	}
	fv := newFakeVectors()
	e, s := openTestEngine(t, fv, fakeEmbed(docVecs))

	d1, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Content: "Docker compose deployment guide",
		Concepts: "{}", DecayScore: 100, CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
	})
	require.NoError(t, err)
	d2, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerProcedural, Content: "When build fails, run clean install",
		Concepts: "{}", DecayScore: 90, CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
	})
	require.NoError(t, err)
	d3, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerEpisodic, Content: "User deployed v0.6.0 on March 15",
		Concepts: "{}", DecayScore: 80, CreatedAt: time.Now().Add(-10 * 24 * time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, fv.Upsert(ctx, []store.VectorPoint{
		{DocumentID: d1.ID, Vector: []float32{0.9, 0.1, 0}},
		{DocumentID: d2.ID, Vector: []float32{0.95, 0.05, 0}},
		{DocumentID: d3.ID, Vector: []float32{0.1, 0.9, 0}},
	}))

	result, err := e.Search(ctx, Query{Text: "how to deploy when build fails", Limit: 10})
	require.NoError(t, err)
	require.Empty(t, result.Warning)
	require.Equal(t, ProfileSemanticHowTo, result.Profile)
	require.GreaterOrEqual(t, len(result.Items), 2)

	require.Equal(t, d2.ID, result.Items[0].Document.ID, "procedural document should rank first")
}

func TestVectorBackendDownDegradesToLexical(t *testing.T) {
	ctx := context.Background()
	fv := newFakeVectors()
	fv.healthy = false
	e, s := openTestEngine(t, fv, fakeEmbed(nil))

	_, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Content: "runbook for restarting the ingest worker",
		Concepts: "{}", DecayScore: 100,
	})
	require.NoError(t, err)

	result, err := e.Search(ctx, Query{Text: "runbook ingest worker", Limit: 10})
	require.NoError(t, err)
	require.NotEmpty(t, result.Warning)
	require.Len(t, result.Items, 1)
}

func TestCacheInvalidationAfterWrite(t *testing.T) {
	ctx := context.Background()
	e, s := openTestEngine(t, nil, nil)

	_, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Content: "first fact", Concepts: "{}", DecayScore: 100,
	})
	require.NoError(t, err)

	q := Query{Text: "first fact", Limit: 10}
	first, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, first.Items, 1)

	_, err = s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Content: "first fact, second sighting", Concepts: "{}", DecayScore: 100,
	})
	require.NoError(t, err)
	e.InvalidateCache()

	second, err := e.Search(ctx, q)
	require.NoError(t, err)
	require.Len(t, second.Items, 2)
}
