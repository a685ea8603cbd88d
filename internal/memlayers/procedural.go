package memlayers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// UpsertProcedural finds the existing procedural document for trigger (one
// document per trigger) and merges steps (deduplicated, order preserved),
// or creates a new one. The caller's steps/source are the incoming side of
// the merge.
func (l *Layers) UpsertProcedural(ctx context.Context, mem ProceduralMemory) (*store.Document, error) {
	existing, err := l.findProcedural(ctx, mem.Trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to look up procedural memory for trigger %q: %w", mem.Trigger, err)
	}

	now := time.Now().UTC()

	if existing == nil {
		mem.LastUsed = now
		envelope, err := marshalEnvelope(mem)
		if err != nil {
			return nil, fmt.Errorf("failed to encode procedural envelope: %w", err)
		}
		d, err := l.Store.CreateDocument(ctx, &store.Document{
			Layer:      store.LayerProcedural,
			Type:       "procedural",
			Content:    mem.Trigger,
			Concepts:   envelope,
			Origin:     mem.Source,
			Confidence: 60,
			DecayScore: 100,
			CreatedAt:  now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create procedural memory: %w", err)
		}
		l.Invalidate()
		return d, nil
	}

	var current ProceduralMemory
	if err := json.Unmarshal([]byte(existing.Concepts), &current); err != nil {
		return nil, fmt.Errorf("failed to parse existing procedural envelope: %w", err)
	}

	current.Steps = mergeSteps(current.Steps, mem.Steps)
	current.LastUsed = now
	if mem.Source != "" {
		current.Source = mem.Source
	}

	envelope, err := marshalEnvelope(current)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged procedural envelope: %w", err)
	}

	existing.Concepts = envelope
	existing.UpdatedAt = now
	if err := l.Store.UpdateDocument(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update procedural memory: %w", err)
	}
	l.Invalidate()
	return existing, nil
}

// RecordProceduralUse increments the success counter and bumps confidence
// upward (capped at 100), called whenever a procedure is consulted and used.
func (l *Layers) RecordProceduralUse(ctx context.Context, docID int64) (*store.Document, error) {
	d, err := l.Store.GetDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch procedural memory %d: %w", docID, err)
	}

	var mem ProceduralMemory
	if err := json.Unmarshal([]byte(d.Concepts), &mem); err != nil {
		return nil, fmt.Errorf("failed to parse procedural envelope for %d: %w", docID, err)
	}

	mem.SuccessCount++
	mem.LastUsed = time.Now().UTC()

	envelope, err := marshalEnvelope(mem)
	if err != nil {
		return nil, fmt.Errorf("failed to encode procedural envelope for %d: %w", docID, err)
	}

	d.Concepts = envelope
	d.Confidence += 5
	if d.Confidence > 100 {
		d.Confidence = 100
	}
	d.AccessCount++
	d.LastAccessedAt = time.Now().UTC()

	if err := l.Store.UpdateDocument(ctx, d); err != nil {
		return nil, fmt.Errorf("failed to record procedural use for %d: %w", docID, err)
	}
	l.Invalidate()
	return d, nil
}

func (l *Layers) findProcedural(ctx context.Context, trigger string) (*store.Document, error) {
	docs, err := l.Store.ListDocuments(ctx, store.SearchFilter{
		Layers: []store.Layer{store.LayerProcedural},
		Limit:  1000,
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.Content == trigger {
			return d, nil
		}
	}
	return nil, nil
}
