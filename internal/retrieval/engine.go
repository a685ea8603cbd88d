package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// Embedder turns text into the vector space the vector collection uses.
// Implementations are expected to call an external embedding service; a nil
// Embedder degrades every query to lexical-only, same as a down backend.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Engine is the single entry point for C2.
type Engine struct {
	store      *store.Store
	embed      Embedder
	cache      *resultCache
	thaiNLPURL string
	httpClient *http.Client
}

// New builds a retrieval engine over store s. cacheTTL and thaiNLPURL come
// from configuration; thaiNLPURL may be empty, in which case segmentation
// is skipped.
func New(s *store.Store, embed Embedder, cacheTTL time.Duration, thaiNLPURL string) *Engine {
	return &Engine{
		store:      s,
		embed:      embed,
		cache:      newResultCache(cacheTTL),
		thaiNLPURL: thaiNLPURL,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}
}

// InvalidateCache is called by memlayers/memoryapi after any write.
func (e *Engine) InvalidateCache() {
	e.cache.Invalidate()
}

// Search runs the nine-step hybrid retrieval algorithm.
func (e *Engine) Search(ctx context.Context, q Query) (*Result, error) {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Mode == "" {
		q.Mode = ModeHybrid
	}

	if cached, ok := e.cache.get(q); ok {
		return &cached, nil
	}

	text := preprocess(q.Text)
	text = e.segmentThai(ctx, text)

	profile, priorWeights := classify(text)
	multiplier := candidateMultiplier(profile)
	boundedLimit := q.Limit * multiplier

	candidates := make(map[int64]*candidate)
	var warning string

	if q.Mode == ModeHybrid || q.Mode == ModeLexical {
		// Project and layer are filtered with matchesFilter below rather than
		// in SQL, so the lexical and vector sides apply the same rules.
		raw, err := e.store.LexicalSearch(ctx, text, store.SearchFilter{
			Type: q.Type, Limit: boundedLimit * 2, // overfetch; filter below
		})
		if err != nil {
			return nil, fmt.Errorf("lexical search failed: %w", err)
		}
		var docs []*store.Document
		for _, d := range raw {
			if len(docs) >= boundedLimit {
				break
			}
			if matchesFilter(d, q) {
				docs = append(docs, d)
			}
		}
		for i, d := range docs {
			candidates[d.ID] = &candidate{doc: d, rankFTS: i + 1, scoreFTS: normalizedRank(i, len(docs))}
		}
	}

	if q.Mode == ModeHybrid || q.Mode == ModeVector {
		vecDocs, vecScores, err := e.vectorSearch(ctx, text, q, boundedLimit)
		if err != nil {
			warning = "vector backend unavailable, degraded to lexical-only"
			if q.Mode == ModeVector {
				return nil, fmt.Errorf("vector search failed: %w", err)
			}
		} else {
			for i, d := range vecDocs {
				if c, ok := candidates[d.ID]; ok {
					c.rankVec = i + 1
					c.scoreVec = vecScores[i]
				} else {
					candidates[d.ID] = &candidate{doc: d, rankVec: i + 1, scoreVec: vecScores[i]}
				}
			}
		}
	}

	weights := priorWeights
	if q.Mode == ModeHybrid && warning == "" {
		weights = posteriorCorrect(priorWeights, candidates, 10)
	}

	items := fuse(candidates, weights, profile, time.Now().UTC())

	start := q.Offset
	if start > len(items) {
		start = len(items)
	}
	end := start + q.Limit
	if end > len(items) {
		end = len(items)
	}

	result := Result{
		Items:    items[start:end],
		Profile:  profile,
		Weights:  weights,
		Warning:  warning,
		CachedAt: time.Now().UTC(),
	}

	e.cache.put(q, result)
	return &result, nil
}

// vectorSearch embeds the query and runs similarity search, applying the
// same project/layer filter in post-processing per step 4.
func (e *Engine) vectorSearch(ctx context.Context, text string, q Query, limit int) ([]*store.Document, []float64, error) {
	if e.embed == nil || e.store.Vectors == nil {
		return nil, nil, fmt.Errorf("vector backend not configured")
	}
	if !e.store.Vectors.Healthy(ctx) {
		return nil, nil, fmt.Errorf("vector backend unhealthy")
	}

	vec, err := e.embed(ctx, text)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed query: %w", err)
	}

	matches, err := e.store.Vectors.Query(ctx, vec, limit*2) // overfetch; filter below
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query vector backend: %w", err)
	}

	var docs []*store.Document
	var scores []float64
	for _, m := range matches {
		if len(docs) >= limit {
			break
		}
		d, err := e.store.GetDocument(ctx, m.DocumentID)
		if err != nil {
			continue // vector point outlived its document row
		}
		if !matchesFilter(d, q) {
			continue
		}
		docs = append(docs, d)
		scores = append(scores, float64(m.Score))
	}

	return docs, scores, nil
}

// matchesFilter applies step 3/4's project and layer rules: a document
// matches if its project equals the requested project or is null
// (universal); when no project is requested, only universal documents
// match. If the layer set contains semantic, legacy (null layer) counts.
func matchesFilter(d *store.Document, q Query) bool {
	if q.Project == "" {
		if d.Project != "" {
			return false
		}
	} else if d.Project != "" && d.Project != q.Project {
		return false
	}

	if len(q.Layers) == 0 {
		return true
	}
	effective := d.Layer
	if effective == store.LayerLegacy {
		effective = store.LayerSemantic
	}
	for _, l := range q.Layers {
		if l == effective {
			return true
		}
	}
	return false
}

func normalizedRank(i, n int) float64 {
	if n <= 1 {
		return 1.0
	}
	return 1.0 - float64(i)/float64(n)
}

// segmentThai calls the configured Thai segmenter and substitutes its
// output. Unavailability is best-effort: the original text passes through
// unchanged on any error.
func (e *Engine) segmentThai(ctx context.Context, text string) string {
	if e.thaiNLPURL == "" || !containsThai(text) {
		return text
	}

	body, _ := json.Marshal(map[string]string{"text": text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.thaiNLPURL+"/segment", strings.NewReader(string(body)))
	if err != nil {
		return text
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return text
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return text
	}

	var out struct {
		Segmented string `json:"segmented"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil || out.Segmented == "" {
		return text
	}
	return out.Segmented
}

func containsThai(s string) bool {
	for _, r := range s {
		if r >= 0x0E00 && r <= 0x0E7F {
			return true
		}
	}
	return false
}
