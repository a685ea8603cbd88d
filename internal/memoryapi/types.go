// Package memoryapi exposes the synchronous Memory API (C4): the
// bearer-authenticated HTTP surface agents and the dispatcher use to read
// and write the five-layer memory store, grounded on the teacher's
// gorilla/mux server.go route table adapted from the captain/review-board
// domain onto spec.md §6's endpoint list.
package memoryapi

import (
	"context"

	"github.com/andyrt/andy/internal/memlayers"
	"github.com/andyrt/andy/internal/retrieval"
	"github.com/andyrt/andy/internal/store"
)

// Embedder mirrors retrieval.Embedder/memlayers.Embedder's signature so the
// Server can hold one implementation and convert it at each call site
// (Go requires an explicit conversion between distinct named func types).
type Embedder func(ctx context.Context, text string) ([]float32, error)

// LearnRequest is POST /api/learn's body. Layer is an optional explicit
// override; when empty memlayers.RouteLayer decides.
type LearnRequest struct {
	Content    string `json:"content"`
	Layer      string `json:"layer,omitempty"`
	Origin     string `json:"origin,omitempty"`
	SourcePath string `json:"sourcePath,omitempty"`
	Project    string `json:"project,omitempty"`
	Confidence int    `json:"confidence,omitempty"`

	// Present only when the routed/overridden layer needs them.
	UserID  string   `json:"userId,omitempty"`
	Trigger string   `json:"trigger,omitempty"`
	Steps   []string `json:"steps,omitempty"`
	GroupID string   `json:"groupId,omitempty"`
	Outcome string   `json:"outcome,omitempty"`
}

// LearnResponse wraps the created document plus any non-fatal warning
// (e.g. a semantic contradiction hint).
type LearnResponse struct {
	Document *store.Document `json:"document"`
	Layer    string          `json:"layer"`
	Warning  string          `json:"warning,omitempty"`
}

// SupersedeRequest is POST /api/supersede's body.
type SupersedeRequest struct {
	ID               int64  `json:"id"`
	RepresentativeID int64  `json:"representativeId"`
	Reason           string `json:"reason"`
}

// UserModelRequest is POST /api/user-model's body: a deep-merge patch
// against the existing user model envelope.
type UserModelRequest struct {
	UserID string                 `json:"userId"`
	Patch  map[string]interface{} `json:"patch"`
}

// ProceduralRequest is POST /api/procedural's body.
type ProceduralRequest struct {
	Trigger string   `json:"trigger"`
	Steps   []string `json:"steps"`
	Source  string   `json:"source,omitempty"`
}

// ProceduralUsageRequest is POST /api/procedural/usage's body.
type ProceduralUsageRequest struct {
	ID int64 `json:"id"`
}

// EpisodicRequest is POST /api/episodic's body.
type EpisodicRequest struct {
	UserID   string   `json:"userId,omitempty"`
	GroupID  string   `json:"groupId,omitempty"`
	Summary  string   `json:"summary"`
	Topics   []string `json:"topics,omitempty"`
	Outcome  string   `json:"outcome,omitempty"`
	Project  string   `json:"project,omitempty"`
	Duration int64    `json:"durationMs,omitempty"`
}

// StatsResponse is GET /api/stats's payload.
type StatsResponse struct {
	TotalDocs   int64            `json:"totalDocs"`
	ByLayer     map[string]int64 `json:"byLayer"`
	LastIndexed string           `json:"lastIndexed,omitempty"`
}

// GraphResponse is GET /api/graph's payload: principles + sampled learnings
// with edges drawn between documents sharing a concept tag.
type GraphResponse struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphNode is one document surfaced in the graph view.
type GraphNode struct {
	ID      int64    `json:"id"`
	Type    string   `json:"type"`
	Content string   `json:"content"`
	Tags    []string `json:"tags,omitempty"`
}

// GraphEdge connects two documents that share at least one concept tag.
type GraphEdge struct {
	From  int64  `json:"from"`
	To    int64  `json:"to"`
	Label string `json:"label"`
}

// layersAPI narrows memlayers.Layers to what handlers call directly,
// letting tests substitute a fake without dragging in a real Store.
type layersAPI interface {
	UpsertUserModel(ctx context.Context, userID string, patch map[string]interface{}) (*store.Document, error)
	DeleteUserModel(ctx context.Context, userID string) error
	UpsertProcedural(ctx context.Context, mem memlayers.ProceduralMemory) (*store.Document, error)
	RecordProceduralUse(ctx context.Context, docID int64) (*store.Document, error)
	WriteEpisodic(ctx context.Context, mem memlayers.EpisodicMemory, project string) (*store.Document, error)
	FindRelatedEpisodes(ctx context.Context, query string, limit int) ([]*store.Document, error)
	PurgeExpiredEpisodic(ctx context.Context) (archived, removed int, err error)
	WriteSemantic(ctx context.Context, content, origin, sourcePath, project string, confidence int, embed memlayers.Embedder) (*store.Document, string, error)
}

// engineAPI narrows retrieval.Engine to what handlers call directly.
type engineAPI interface {
	Search(ctx context.Context, q retrieval.Query) (*retrieval.Result, error)
	InvalidateCache()
}
