package memlayers

import (
	"context"
	"fmt"
	"log"

	"github.com/andyrt/andy/internal/store"
)

// consolidationVectorThreshold and consolidationJaccardThreshold are the
// dual thresholds a pair of semantic documents must clear to be treated as
// near-duplicates.
const (
	consolidationVectorThreshold  = 0.92
	consolidationJaccardThreshold = 0.85
)

// ConsolidationReport summarizes one consolidation pass.
type ConsolidationReport struct {
	ClustersFound int
	Superseded    int
}

// Consolidate runs the daily near-duplicate sweep over the semantic layer.
// Clustering is scoped within a project: documents are grouped by their
// exact project value, so a document in project "foo" is only compared
// against other project-"foo" documents, and project-less documents only
// against each other. This is a deliberate
// narrowing of the source's inconsistent cross-project behavior: treating
// "null project" as strictly universal during candidate search (step 3 of
// retrieval) means a cross-project merge would silently leak one project's
// phrasing into another's canonical answer, which read as a regression
// against the project isolation the rest of the retrieval path assumes.
func (l *Layers) Consolidate(ctx context.Context, embed Embedder, snapshotDir string) (*ConsolidationReport, error) {
	if embed == nil || l.Store.Vectors == nil || !l.Store.Vectors.Healthy(ctx) {
		return nil, fmt.Errorf("vector backend unavailable, skipping consolidation")
	}

	if snapshotDir != "" {
		if _, err := l.Store.Snapshot(snapshotDir); err != nil {
			return nil, fmt.Errorf("failed to snapshot before consolidation: %w", err)
		}
	}

	docs, err := l.Store.ListDocuments(ctx, semanticFilter())
	if err != nil {
		return nil, fmt.Errorf("failed to list semantic memory for consolidation: %w", err)
	}

	byProject := make(map[string][]int)
	for i, d := range docs {
		byProject[d.Project] = append(byProject[d.Project], i)
	}

	report := &ConsolidationReport{}
	visited := make(map[int64]bool)

	for project, idxs := range byProject {
		for a := 0; a < len(idxs); a++ {
			da := docs[idxs[a]]
			if visited[da.ID] {
				continue
			}

			vecA, err := embed(ctx, da.Content)
			if err != nil {
				continue
			}

			var cluster []int
			for b := a + 1; b < len(idxs); b++ {
				db := docs[idxs[b]]
				if visited[db.ID] {
					continue
				}

				vecB, err := embed(ctx, db.Content)
				if err != nil {
					continue
				}

				if cosineSimilarity(vecA, vecB) > consolidationVectorThreshold &&
					jaccardSimilarity(da.Content, db.Content) > consolidationJaccardThreshold {
					cluster = append(cluster, idxs[b])
				}
			}

			if len(cluster) == 0 {
				continue
			}
			report.ClustersFound++

			repIdx := idxs[a]
			for _, ci := range cluster {
				if docs[ci].Confidence > docs[repIdx].Confidence {
					repIdx = ci
				}
			}
			repID := docs[repIdx].ID

			members := append([]int{idxs[a]}, cluster...)
			for _, mi := range members {
				if docs[mi].ID == repID {
					visited[docs[mi].ID] = true
					continue
				}
				rep := repID
				if err := l.Store.ArchiveDocument(ctx, docs[mi].ID, &rep, "consolidation: near-duplicate cluster"); err != nil {
					log.Printf("[MEMLAYERS] failed to supersede document %d during consolidation (project %q): %v", docs[mi].ID, project, err)
					continue
				}
				visited[docs[mi].ID] = true
				report.Superseded++
			}
		}
	}

	if report.Superseded > 0 {
		l.Invalidate()
	}
	return report, nil
}

func semanticFilter() store.SearchFilter {
	return store.SearchFilter{
		Layers: []store.Layer{store.LayerSemantic, store.LayerLegacy},
		Limit:  10000,
	}
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (sqrtApprox(normA) * sqrtApprox(normB))
}

func sqrtApprox(f float64) float64 {
	if f == 0 {
		return 0
	}
	x := f
	for i := 0; i < 30; i++ {
		x = 0.5 * (x + f/x)
	}
	return x
}
