package memlayers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// UpsertUserModel merges patch into the one existing user_model document for
// userID (creating it if absent) via deep merge. Confidence is pinned at
// 0.95, the document is private, decay never moves off 1.0, and it never
// expires.
func (l *Layers) UpsertUserModel(ctx context.Context, userID string, patch map[string]interface{}) (*store.Document, error) {
	existing, err := l.findUserModel(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user model for %s: %w", userID, err)
	}

	var current map[string]interface{}
	if existing != nil {
		if err := json.Unmarshal([]byte(existing.Concepts), &current); err != nil {
			return nil, fmt.Errorf("failed to parse existing user model envelope: %w", err)
		}
	}

	merged := deepMerge(current, patch)
	merged["userId"] = userID

	envelope, err := marshalEnvelope(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode user model envelope: %w", err)
	}

	now := time.Now().UTC()
	if existing != nil {
		existing.Concepts = envelope
		existing.Confidence = 95
		existing.DecayScore = 100
		existing.IsPrivate = true
		existing.UpdatedAt = now
		if err := l.Store.UpdateDocument(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update user model: %w", err)
		}
		l.Invalidate()
		return existing, nil
	}

	d, err := l.Store.CreateDocument(ctx, &store.Document{
		Layer:      store.LayerUserModel,
		Type:       "user_model",
		Content:    userID,
		Concepts:   envelope,
		Confidence: 95,
		DecayScore: 100,
		IsPrivate:  true,
		Project:    "",
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create user model: %w", err)
	}
	l.Invalidate()
	return d, nil
}

// DeleteUserModel removes the one user_model document for userID, if any.
// A missing document is not an error: delete is idempotent.
func (l *Layers) DeleteUserModel(ctx context.Context, userID string) error {
	existing, err := l.findUserModel(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to look up user model for %s: %w", userID, err)
	}
	if existing == nil {
		return nil
	}
	if err := l.Store.DeleteDocument(ctx, existing.ID); err != nil {
		return fmt.Errorf("failed to delete user model for %s: %w", userID, err)
	}
	l.Invalidate()
	return nil
}

func (l *Layers) findUserModel(ctx context.Context, userID string) (*store.Document, error) {
	docs, err := l.Store.ListDocuments(ctx, store.SearchFilter{
		Layers:         []store.Layer{store.LayerUserModel},
		Limit:          1000,
		IncludePrivate: true,
	})
	if err != nil {
		return nil, err
	}
	for _, d := range docs {
		if d.Content == userID {
			return d, nil
		}
	}
	return nil, nil
}
