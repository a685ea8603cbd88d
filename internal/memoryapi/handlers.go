package memoryapi

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/andyrt/andy/internal/memlayers"
	"github.com/andyrt/andy/internal/retrieval"
	"github.com/andyrt/andy/internal/store"
)

// handleSearch implements GET /api/search over the retrieval engine.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := parseQuery(r, 20)

	result, err := s.engine.Search(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("search failed: %w", err))
		return
	}

	for _, item := range result.Items {
		s.trackAccess(item.Document.ID)
	}
	writeJSON(w, http.StatusOK, result)
}

// consultLimit bounds the number of principle/pattern documents consult
// synthesizes a reply from.
const consultLimit = 5

// handleConsult implements GET /api/consult: the same hybrid search as
// /api/search, restricted to principle/pattern document types with a fixed
// small limit, followed by a templated textual reply.
func (s *Server) handleConsult(w http.ResponseWriter, r *http.Request) {
	text := r.URL.Query().Get("q")

	var matched []retrieval.ResultItem
	for _, docType := range []string{"principle", "pattern"} {
		q := retrieval.Query{Text: text, Type: docType, Limit: consultLimit, Mode: retrieval.ModeHybrid}
		result, err := s.engine.Search(r.Context(), q)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("consult search failed: %w", err))
			return
		}
		matched = append(matched, result.Items...)
	}

	var sb strings.Builder
	if len(matched) == 0 {
		sb.WriteString("No established principle or pattern covers this directly; proceed with judgment.")
	} else {
		sb.WriteString("Guidance drawn from prior experience:\n")
		for _, item := range matched {
			s.trackAccess(item.Document.ID)
			fmt.Fprintf(&sb, "- (%s) %s\n", item.Document.Type, item.Document.Content)
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   text,
		"matches": matched,
		"reply":   sb.String(),
	})
}

// handleReflect implements GET /api/reflect: a uniformly random document
// among principles and learnings.
func (s *Server) handleReflect(w http.ResponseWriter, r *http.Request) {
	var pool []*store.Document
	for _, docType := range []string{"principle", "learning"} {
		docs, err := s.store.ListDocuments(r.Context(), store.SearchFilter{Type: docType, Limit: 1000})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("reflect list failed: %w", err))
			return
		}
		pool = append(pool, docs...)
	}

	if len(pool) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"document": nil})
		return
	}

	doc := pool[rand.Intn(len(pool))]
	s.trackAccess(doc.ID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"document": doc})
}

// handleList implements GET /api/list, deduplicated by source file by
// default (?dedupe=false disables it).
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.SearchFilter{
		Type:    r.URL.Query().Get("type"),
		Project: r.URL.Query().Get("project"),
		Limit:   queryInt(r, "limit", 200),
	}
	if layers := parseLayers(r.URL.Query().Get("layer")); len(layers) > 0 {
		f.Layers = layers
	}

	docs, err := s.store.ListDocuments(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("list failed: %w", err))
		return
	}

	if r.URL.Query().Get("dedupe") != "false" {
		docs = dedupeBySource(docs)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// dedupeBySource keeps the first (newest-first order is not guaranteed by
// ListDocuments, so this keeps first-seen) document per distinct, non-empty
// source path; documents without a source path are always kept.
func dedupeBySource(docs []*store.Document) []*store.Document {
	seen := make(map[string]bool, len(docs))
	out := make([]*store.Document, 0, len(docs))
	for _, d := range docs {
		if d.SourcePath == "" {
			out = append(out, d)
			continue
		}
		if seen[d.SourcePath] {
			continue
		}
		seen[d.SourcePath] = true
		out = append(out, d)
	}
	return out
}

// handleStats implements GET /api/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{ByLayer: make(map[string]int64)}

	for _, layer := range []store.Layer{store.LayerUserModel, store.LayerProcedural, store.LayerSemantic, store.LayerEpisodic, store.LayerLegacy} {
		docs, err := s.store.ListDocuments(r.Context(), store.SearchFilter{Layers: []store.Layer{layer}, Limit: 1000000, IncludePrivate: true})
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Errorf("stats failed: %w", err))
			return
		}
		name := string(layer)
		if name == "" {
			name = "legacy"
		}
		resp.ByLayer[name] = int64(len(docs))
		resp.TotalDocs += int64(len(docs))
	}
	resp.LastIndexed = time.Now().UTC().Format(time.RFC3339)

	writeJSON(w, http.StatusOK, resp)
}

// handleDoc implements GET /api/doc/{id}.
func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid document id: %w", err))
		return
	}

	doc, err := s.store.GetDocument(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("document %d not found: %w", id, err))
		return
	}

	s.trackAccess(doc.ID)
	writeJSON(w, http.StatusOK, doc)
}

// graphSampleSize bounds how many learnings /api/graph samples alongside
// every principle.
const graphSampleSize = 30

// handleGraph implements GET /api/graph: principles plus sampled learnings,
// edges drawn between documents that share a concept tag.
func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	principles, err := s.store.ListDocuments(r.Context(), store.SearchFilter{Type: "principle", Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("graph principles failed: %w", err))
		return
	}
	learnings, err := s.store.ListDocuments(r.Context(), store.SearchFilter{Type: "learning", Limit: 1000})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("graph learnings failed: %w", err))
		return
	}
	if len(learnings) > graphSampleSize {
		rand.Shuffle(len(learnings), func(i, j int) { learnings[i], learnings[j] = learnings[j], learnings[i] })
		learnings = learnings[:graphSampleSize]
	}

	docs := append(append([]*store.Document{}, principles...), learnings...)
	nodes := make([]GraphNode, 0, len(docs))
	tagsByDoc := make(map[int64][]string, len(docs))
	for _, d := range docs {
		tags := extractTags(d.Concepts)
		tagsByDoc[d.ID] = tags
		nodes = append(nodes, GraphNode{ID: d.ID, Type: d.Type, Content: d.Content, Tags: tags})
	}

	var edges []GraphEdge
	for i := 0; i < len(docs); i++ {
		for j := i + 1; j < len(docs); j++ {
			shared := sharedTag(tagsByDoc[docs[i].ID], tagsByDoc[docs[j].ID])
			if shared != "" {
				edges = append(edges, GraphEdge{From: docs[i].ID, To: docs[j].ID, Label: shared})
			}
		}
	}

	writeJSON(w, http.StatusOK, GraphResponse{Nodes: nodes, Edges: edges})
}

// extractTags reads a best-effort "tags" array out of a document's concepts
// envelope; documents without one contribute no edges.
func extractTags(concepts string) []string {
	var envelope struct {
		Tags []string `json:"tags"`
	}
	if err := json.Unmarshal([]byte(concepts), &envelope); err != nil {
		return nil
	}
	return envelope.Tags
}

func sharedTag(a, b []string) string {
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if set[t] {
			return t
		}
	}
	return ""
}

// handleLearn implements POST /api/learn: the learning router plus a write
// into whichever layer it (or an explicit override) selects.
func (s *Server) handleLearn(w http.ResponseWriter, r *http.Request) {
	var req LearnRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("content is required"))
		return
	}

	layer := memlayers.RouteLayer(req.Content, store.Layer(req.Layer))

	var (
		doc     *store.Document
		warning string
		err     error
	)

	switch layer {
	case store.LayerUserModel:
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required for a user_model write"))
			return
		}
		patch := map[string]interface{}{"notes": req.Content}
		doc, err = s.layers.UpsertUserModel(r.Context(), req.UserID, patch)

	case store.LayerProcedural:
		trigger := req.Trigger
		steps := req.Steps
		if trigger == "" {
			trigger = strings.TrimSpace(req.Content)
		}
		if len(steps) == 0 {
			steps = []string{req.Content}
		}
		doc, err = s.layers.UpsertProcedural(r.Context(), memlayers.ProceduralMemory{
			Trigger: trigger, Steps: steps, Source: req.Origin,
		})

	case store.LayerEpisodic:
		outcome := memlayers.Outcome(req.Outcome)
		if outcome == "" {
			outcome = memlayers.OutcomeUnknown
		}
		doc, err = s.layers.WriteEpisodic(r.Context(), memlayers.EpisodicMemory{
			UserID: req.UserID, GroupID: req.GroupID, Summary: req.Content,
			Outcome: outcome, RecordedAt: time.Now().UTC(),
		}, req.Project)

	default:
		confidence := -1
		if req.Confidence > 0 {
			confidence = req.Confidence
		}
		doc, warning, err = s.layers.WriteSemantic(r.Context(), req.Content, req.Origin, req.SourcePath, req.Project, confidence, memlayers.Embedder(s.embed))
	}

	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("learn failed: %w", err))
		return
	}

	writeJSON(w, http.StatusOK, LearnResponse{Document: doc, Layer: string(layer), Warning: warning})
}

// handleSupersede implements POST /api/supersede.
func (s *Server) handleSupersede(w http.ResponseWriter, r *http.Request) {
	var req SupersedeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == 0 || req.RepresentativeID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id and representativeId are required"))
		return
	}

	if err := s.store.ArchiveDocument(r.Context(), req.ID, &req.RepresentativeID, req.Reason); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("supersede failed: %w", err))
		return
	}
	s.engine.InvalidateCache()
	writeJSON(w, http.StatusOK, map[string]string{"status": "superseded"})
}

// handleUserModelGet implements GET /api/user-model?userId=.
func (s *Server) handleUserModelGet(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}

	docs, err := s.store.ListDocuments(r.Context(), store.SearchFilter{
		Layers: []store.Layer{store.LayerUserModel}, IncludePrivate: true, Limit: 1000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("user-model lookup failed: %w", err))
		return
	}
	for _, d := range docs {
		if d.Content == userID {
			s.trackAccess(d.ID)
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"document": nil})
}

// handleUserModelPost implements POST /api/user-model: a deep-merge patch.
func (s *Server) handleUserModelPost(w http.ResponseWriter, r *http.Request) {
	var req UserModelRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}

	doc, err := s.layers.UpsertUserModel(r.Context(), req.UserID, req.Patch)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("user-model update failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleUserModelDelete implements DELETE /api/user-model?userId=.
func (s *Server) handleUserModelDelete(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("userId is required"))
		return
	}
	if err := s.layers.DeleteUserModel(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("user-model delete failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleProceduralGet implements GET /api/procedural?trigger=.
func (s *Server) handleProceduralGet(w http.ResponseWriter, r *http.Request) {
	trigger := r.URL.Query().Get("trigger")
	docs, err := s.store.ListDocuments(r.Context(), store.SearchFilter{
		Layers: []store.Layer{store.LayerProcedural}, Limit: 1000,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("procedural search failed: %w", err))
		return
	}
	if trigger != "" {
		var filtered []*store.Document
		for _, d := range docs {
			if d.Content == trigger {
				filtered = append(filtered, d)
			}
		}
		docs = filtered
	}
	for _, d := range docs {
		s.trackAccess(d.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// handleProceduralPost implements POST /api/procedural.
func (s *Server) handleProceduralPost(w http.ResponseWriter, r *http.Request) {
	var req ProceduralRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Trigger == "" || len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("trigger and steps are required"))
		return
	}

	doc, err := s.layers.UpsertProcedural(r.Context(), memlayers.ProceduralMemory{
		Trigger: req.Trigger, Steps: req.Steps, Source: req.Source,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("procedural learn failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleProceduralUsage implements POST /api/procedural/usage.
func (s *Server) handleProceduralUsage(w http.ResponseWriter, r *http.Request) {
	var req ProceduralUsageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ID == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("id is required"))
		return
	}

	doc, err := s.layers.RecordProceduralUse(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("procedural usage failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleEpisodicGet implements GET /api/episodic?query=&limit=.
func (s *Server) handleEpisodicGet(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("query")
	limit := queryInt(r, "limit", 20)

	docs, err := s.layers.FindRelatedEpisodes(r.Context(), query, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("episodic search failed: %w", err))
		return
	}
	for _, d := range docs {
		s.trackAccess(d.ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// handleEpisodicPost implements POST /api/episodic.
func (s *Server) handleEpisodicPost(w http.ResponseWriter, r *http.Request) {
	var req EpisodicRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Summary) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("summary is required"))
		return
	}

	outcome := memlayers.Outcome(req.Outcome)
	if outcome == "" {
		outcome = memlayers.OutcomeUnknown
	}

	doc, err := s.layers.WriteEpisodic(r.Context(), memlayers.EpisodicMemory{
		UserID: req.UserID, GroupID: req.GroupID, Summary: req.Summary, Topics: req.Topics,
		Outcome: outcome, Duration: time.Duration(req.Duration) * time.Millisecond, RecordedAt: time.Now().UTC(),
	}, req.Project)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("episodic write failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleEpisodicPurge implements POST /api/episodic/purge.
func (s *Server) handleEpisodicPurge(w http.ResponseWriter, r *http.Request) {
	archived, removed, err := s.layers.PurgeExpiredEpisodic(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("episodic purge failed: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"archived": archived, "removed": removed})
}

// parseQuery builds a retrieval.Query from GET request params.
func parseQuery(r *http.Request, defaultLimit int) retrieval.Query {
	q := r.URL.Query()
	return retrieval.Query{
		Text:    q.Get("q"),
		Type:    q.Get("type"),
		Limit:   queryInt(r, "limit", defaultLimit),
		Offset:  queryInt(r, "offset", 0),
		Mode:    retrieval.Mode(q.Get("mode")),
		Project: q.Get("project"),
		Layers:  parseLayers(q.Get("layer")),
	}
}

func parseLayers(raw string) []store.Layer {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]store.Layer, 0, len(parts))
	for _, p := range parts {
		out = append(out, store.Layer(strings.TrimSpace(p)))
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// decodeJSON decodes the request body into v, writing a 400 error and
// returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}
