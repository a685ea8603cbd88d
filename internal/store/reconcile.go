package store

import (
	"context"
	"fmt"
	"log"
)

// ReconcileReport summarizes what Reconcile found and fixed.
type ReconcileReport struct {
	FTSRowsRebuilt    int
	VectorPointsAdded int
	VectorPointsStale int
}

// Reconcile is run once at startup to repair divergence between the
// relational table, its FTS5 shadow, and the vector collection after an
// unclean shutdown. Each store is individually durable but the three can
// disagree if a crash landed between writes.
func (s *Store) Reconcile(ctx context.Context, embed func(ctx context.Context, text string) ([]float32, error)) (*ReconcileReport, error) {
	report := &ReconcileReport{}

	if err := s.reconcileFTS(ctx, report); err != nil {
		return report, fmt.Errorf("failed to reconcile FTS index: %w", err)
	}

	if s.Vectors != nil && embed != nil {
		if err := s.reconcileVectors(ctx, embed, report); err != nil {
			log.Printf("[STORE] vector reconciliation incomplete: %v", err)
		}
	}

	return report, nil
}

// reconcileFTS finds document ids with no matching documents_fts rowid and
// rebuilds them. The triggers keep this in sync during normal operation;
// this path only fires after a crash mid-write or an external restore.
func (s *Store) reconcileFTS(ctx context.Context, report *ReconcileReport) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.content, d.source_path FROM documents d
		LEFT JOIN documents_fts f ON f.rowid = d.id
		WHERE f.rowid IS NULL`)
	if err != nil {
		return fmt.Errorf("failed to find orphaned documents: %w", err)
	}

	type orphan struct {
		id         int64
		content    string
		sourcePath string
	}
	var orphans []orphan
	for rows.Next() {
		var o orphan
		var sourcePath *string
		if err := rows.Scan(&o.id, &o.content, &sourcePath); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan orphan row: %w", err)
		}
		if sourcePath != nil {
			o.sourcePath = *sourcePath
		}
		orphans = append(orphans, o)
	}
	rows.Close()

	for _, o := range orphans {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO documents_fts(rowid, content, source_path) VALUES (?, ?, ?)`,
			o.id, o.content, o.sourcePath); err != nil {
			return fmt.Errorf("failed to rebuild fts row for document %d: %w", o.id, err)
		}
		report.FTSRowsRebuilt++
	}

	return nil
}

// reconcileVectors re-embeds and upserts every live document, since the
// collection offers no lookup of existing point ids. It does not remove
// vector points whose document was archived or deleted; ArchiveDocument and
// DeleteDocument do not touch the vector collection either, and
// VectorPointsStale is not set.
func (s *Store) reconcileVectors(ctx context.Context, embed func(ctx context.Context, text string) ([]float32, error), report *ReconcileReport) error {
	if !s.Vectors.Healthy(ctx) {
		return fmt.Errorf("vector backend unavailable, skipping reconciliation")
	}

	docs, err := s.ListDocuments(ctx, SearchFilter{Limit: 10000, IncludePrivate: true})
	if err != nil {
		return fmt.Errorf("failed to list documents for vector reconciliation: %w", err)
	}

	var points []VectorPoint
	for _, d := range docs {
		vec, err := embed(ctx, d.Content)
		if err != nil {
			log.Printf("[STORE] failed to embed document %d during reconciliation: %v", d.ID, err)
			continue
		}
		points = append(points, VectorPoint{
			DocumentID: d.ID,
			Vector:     vec,
			Payload:    map[string]string{"layer": string(d.Layer), "project": d.Project},
		})
	}

	if len(points) == 0 {
		return nil
	}

	if err := s.Vectors.Upsert(ctx, points); err != nil {
		return fmt.Errorf("failed to upsert reconciled vector points: %w", err)
	}
	report.VectorPointsAdded = len(points)
	return nil
}
