// Package memlayers implements the five typed views over the Store (C3):
// user model, procedural, semantic, episodic, and legacy. It owns the
// deep-merge/step-merge upsert rules, the decay formula, TTL purge, the
// learning router, and daily near-duplicate consolidation.
package memlayers

import (
	"encoding/json"
	"time"

	"github.com/andyrt/andy/internal/store"
)

// UserModel is the specialized envelope for layer=user_model documents.
type UserModel struct {
	UserID       string                 `json:"userId"`
	Expertise    map[string]interface{} `json:"expertise,omitempty"`
	Preferences  map[string]interface{} `json:"preferences,omitempty"`
	CommonTopics []string               `json:"commonTopics,omitempty"`
	Timezone     string                 `json:"timezone,omitempty"`
	Notes        string                 `json:"notes,omitempty"`
}

// ProceduralMemory is the specialized envelope for layer=procedural documents.
type ProceduralMemory struct {
	Trigger      string   `json:"trigger"`
	Steps        []string `json:"steps"`
	Source       string   `json:"source,omitempty"`
	SuccessCount int      `json:"successCount"`
	LastUsed     time.Time `json:"lastUsed,omitempty"`
}

// Outcome is an episodic memory's recorded result.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
	OutcomeUnknown Outcome = "unknown"
)

// EpisodicMemory is the specialized envelope for layer=episodic documents.
type EpisodicMemory struct {
	UserID     string        `json:"userId,omitempty"`
	GroupID    string        `json:"groupId,omitempty"`
	Summary    string        `json:"summary"`
	Topics     []string      `json:"topics,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration,omitempty"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// Layers bundles the Store and retrieval cache invalidation hook every
// layer operation needs.
type Layers struct {
	Store      *store.Store
	Invalidate func() // called after any write; cmd/andy wires Engine.InvalidateCache
}

// New builds a Layers view. invalidate may be nil in tests.
func New(s *store.Store, invalidate func()) *Layers {
	if invalidate == nil {
		invalidate = func() {}
	}
	return &Layers{Store: s, Invalidate: invalidate}
}

func marshalEnvelope(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
