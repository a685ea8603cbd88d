package memlayers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// episodicTTL is the fixed lifetime of an episodic document from creation.
const episodicTTL = 90 * 24 * time.Hour

// WriteEpisodic creates an episodic-layer document with a 90-day expiry
// from creation.
func (l *Layers) WriteEpisodic(ctx context.Context, mem EpisodicMemory, project string) (*store.Document, error) {
	now := time.Now().UTC()
	if mem.RecordedAt.IsZero() {
		mem.RecordedAt = now
	}

	envelope, err := marshalEnvelope(mem)
	if err != nil {
		return nil, fmt.Errorf("failed to encode episodic envelope: %w", err)
	}

	expires := now.Add(episodicTTL)
	d, err := l.Store.CreateDocument(ctx, &store.Document{
		Layer:      store.LayerEpisodic,
		Type:       "episodic",
		Content:    mem.Summary,
		Concepts:   envelope,
		Project:    project,
		Confidence: 70,
		DecayScore: 100,
		ExpiresAt:  &expires,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create episodic memory: %w", err)
	}
	l.Invalidate()
	return d, nil
}

// FindRelatedEpisodes is a lexical-first retrieval scoped to the episodic
// layer, ordered by recorded-at descending.
func (l *Layers) FindRelatedEpisodes(ctx context.Context, query string, limit int) ([]*store.Document, error) {
	docs, err := l.Store.LexicalSearch(ctx, query, store.SearchFilter{
		Layers: []store.Layer{store.LayerEpisodic},
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search episodic memory: %w", err)
	}

	sort.Slice(docs, func(i, j int) bool {
		ri := recordedAt(docs[i])
		rj := recordedAt(docs[j])
		return ri.After(rj)
	})
	return docs, nil
}

func recordedAt(d *store.Document) time.Time {
	var mem EpisodicMemory
	if err := json.Unmarshal([]byte(d.Concepts), &mem); err != nil || mem.RecordedAt.IsZero() {
		return d.CreatedAt
	}
	return mem.RecordedAt
}

// archivedForm is the short envelope a purged episodic document is reduced
// to when it is archived rather than removed.
type archivedForm struct {
	Summary      string `json:"summary"`
	ArchivedFrom string `json:"archivedFrom"`
}

// PurgeExpiredEpisodic sweeps episodic documents past their TTL. Each is
// archived (demoted to the legacy/null layer, TTL cleared, decay halved,
// envelope replaced with a short archived form) when its payload still
// parses, or removed otherwise.
func (l *Layers) PurgeExpiredEpisodic(ctx context.Context) (archived, removed int, err error) {
	now := time.Now().UTC()
	docs, err := l.Store.ListDocuments(ctx, store.SearchFilter{
		Layers: []store.Layer{store.LayerEpisodic},
		Limit:  10000,
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list episodic memory for purge: %w", err)
	}

	for _, d := range docs {
		if d.ExpiresAt == nil || d.ExpiresAt.After(now) {
			continue
		}

		var mem EpisodicMemory
		if parseErr := json.Unmarshal([]byte(d.Concepts), &mem); parseErr != nil {
			if delErr := l.Store.DeleteDocument(ctx, d.ID); delErr != nil {
				return archived, removed, fmt.Errorf("failed to remove unparseable episodic document %d: %w", d.ID, delErr)
			}
			removed++
			continue
		}

		form := archivedForm{Summary: truncate(mem.Summary, 140), ArchivedFrom: "episodic"}
		envelope, marshalErr := marshalEnvelope(form)
		if marshalErr != nil {
			return archived, removed, fmt.Errorf("failed to encode archived form for %d: %w", d.ID, marshalErr)
		}

		d.Layer = store.LayerLegacy
		d.ExpiresAt = nil
		d.DecayScore = d.DecayScore / 2
		d.Concepts = envelope
		if err := l.Store.UpdateDocument(ctx, d); err != nil {
			return archived, removed, fmt.Errorf("failed to archive episodic document %d: %w", d.ID, err)
		}
		archived++
	}

	if archived > 0 || removed > 0 {
		l.Invalidate()
	}
	return archived, removed, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
