package memoryapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andyrt/andy/internal/memlayers"
	"github.com/andyrt/andy/internal/retrieval"
	"github.com/andyrt/andy/internal/store"
)

func newTestServer(t *testing.T, token string) (*Server, *store.Store) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.sqlite3")
	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	engine := retrieval.New(s, nil, time.Minute, "")
	layers := memlayers.New(s, engine.InvalidateCache)

	return New(engine, layers, s, nil, token), s
}

func doRequest(t *testing.T, h http.Handler, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	srv, _ := newTestServer(t, "secret")
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/stats", "secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEmptyTokenDisablesAuth(t *testing.T) {
	srv, _ := newTestServer(t, "")
	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/stats", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestLearnRoutesSemanticAndIsSearchable(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/learn", "", LearnRequest{
		Content: "the build pipeline retries flaky tests three times",
		Origin:  "user_explicit",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var learnResp LearnResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &learnResp))
	require.Equal(t, "semantic", learnResp.Layer)
	require.NotNil(t, learnResp.Document)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/search?q=flaky+tests", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var result retrieval.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.NotEmpty(t, result.Items)
}

func TestUserModelLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/user-model", "", UserModelRequest{
		UserID: "u1",
		Patch:  map[string]interface{}{"notes": "prefers terse replies"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/user-model?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc store.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "u1", doc.Content)

	rec = doRequest(t, srv.Router(), http.MethodDelete, "/api/user-model?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/user-model?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var empty map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &empty))
	require.Nil(t, empty["document"])
}

func TestProceduralLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/procedural", "", ProceduralRequest{
		Trigger: "deploy fails with timeout",
		Steps:   []string{"check health endpoint", "roll back"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var doc store.Document
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))

	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/procedural/usage", "", ProceduralUsageRequest{ID: doc.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/procedural?trigger=deploy+fails+with+timeout", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEpisodicWriteAndQuery(t *testing.T) {
	srv, _ := newTestServer(t, "")

	rec := doRequest(t, srv.Router(), http.MethodPost, "/api/episodic", "", EpisodicRequest{
		Summary: "deploy to staging succeeded after retry",
		Outcome: "success",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/episodic?query=deploy+staging", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/episodic/purge", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSupersedeInvalidatesCache(t *testing.T) {
	srv, s := newTestServer(t, "")
	ctx := context.Background()

	original, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Type: "semantic", Content: "old fact",
		Concepts: "{}", Confidence: 50, DecayScore: 100, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	replacement, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Type: "semantic", Content: "new fact",
		Concepts: "{}", Confidence: 90, DecayScore: 100, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/search?q=old+fact", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var before retrieval.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &before))
	require.Len(t, before.Items, 1)

	rec = doRequest(t, srv.Router(), http.MethodPost, "/api/supersede", "", SupersedeRequest{
		ID: original.ID, RepresentativeID: replacement.ID, Reason: "corrected",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/search?q=old+fact", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var after retrieval.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &after))
	require.Empty(t, after.Items, "the cached search result must be dropped once the document is superseded")
}

func TestDocAndListEndpoints(t *testing.T) {
	srv, s := newTestServer(t, "")
	ctx := context.Background()

	d, err := s.CreateDocument(ctx, &store.Document{
		Layer: store.LayerSemantic, Type: "semantic", Content: "a fact worth keeping",
		Concepts: "{}", Confidence: 80, DecayScore: 100, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/api/doc/"+strconv.FormatInt(d.ID, 10), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv.Router(), http.MethodGet, "/api/list", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
