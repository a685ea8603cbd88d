package memoryapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/andyrt/andy/internal/store"
)

// Server wires the retrieval engine, the five memory layers, and the raw
// Store behind one bearer-authenticated HTTP surface.
type Server struct {
	engine engineAPI
	layers layersAPI
	store  *store.Store
	embed  Embedder
	token  string
}

// New builds a Server. token is compared against every request's bearer
// token in constant time; an empty token disables auth (local/dev only).
func New(engine engineAPI, layers layersAPI, s *store.Store, embed Embedder, token string) *Server {
	return &Server{engine: engine, layers: layers, store: s, embed: embed, token: token}
}

// Router builds the mux.Router serving every endpoint in spec.md §6.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	api.HandleFunc("/consult", s.handleConsult).Methods(http.MethodGet)
	api.HandleFunc("/reflect", s.handleReflect).Methods(http.MethodGet)
	api.HandleFunc("/list", s.handleList).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/doc/{id}", s.handleDoc).Methods(http.MethodGet)
	api.HandleFunc("/graph", s.handleGraph).Methods(http.MethodGet)
	api.HandleFunc("/learn", s.handleLearn).Methods(http.MethodPost)
	api.HandleFunc("/supersede", s.handleSupersede).Methods(http.MethodPost)
	api.HandleFunc("/user-model", s.handleUserModelGet).Methods(http.MethodGet)
	api.HandleFunc("/user-model", s.handleUserModelPost).Methods(http.MethodPost)
	api.HandleFunc("/user-model", s.handleUserModelDelete).Methods(http.MethodDelete)
	api.HandleFunc("/procedural", s.handleProceduralGet).Methods(http.MethodGet)
	api.HandleFunc("/procedural", s.handleProceduralPost).Methods(http.MethodPost)
	api.HandleFunc("/procedural/usage", s.handleProceduralUsage).Methods(http.MethodPost)
	api.HandleFunc("/episodic", s.handleEpisodicGet).Methods(http.MethodGet)
	api.HandleFunc("/episodic", s.handleEpisodicPost).Methods(http.MethodPost)
	api.HandleFunc("/episodic/purge", s.handleEpisodicPurge).Methods(http.MethodPost)

	return r
}

// authMiddleware compares the request's bearer token against the
// configured token in constant time, per spec.md §4.4.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, errAuth("missing bearer token"))
			return
		}

		given := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(given), []byte(s.token)) != 1 {
			writeError(w, http.StatusUnauthorized, errAuth("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errAuth string

func (e errAuth) Error() string { return string(e) }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// trackAccess fires a detached, best-effort access-count/last-accessed-at
// update so a Store failure here never delays or fails the caller's
// response, per spec.md §4.4.
func (s *Server) trackAccess(id int64) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.store.TouchAccess(ctx, id)
	}()
}
