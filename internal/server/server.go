package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"github.com/TobiSchelling/gamedex/internal/config"
	"github.com/TobiSchelling/gamedex/internal/store"
	"github.com/TobiSchelling/gamedex/internal/unify"
	"github.com/TobiSchelling/gamedex/internal/validate"
)

// Server exposes the reconciled dataset read-only over HTTP. It never
// writes the stores; the update pipeline remains the single writer.
type Server struct {
	st        *store.Store
	unifier   *unify.Unifier
	validator *validate.Validator
	log       logrus.FieldLogger
	router    chi.Router
}

// New creates a server over an opened store.
func New(cfg *config.Config, st *store.Store, log logrus.FieldLogger) *Server {
	s := &Server{
		st:        st,
		unifier:   unify.New(cfg.Unify.MinReviewCount, log),
		validator: validate.New(log),
		log:       log,
	}
	s.routes()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/games/{appID}", s.handleGame)
		r.Get("/unified", s.handleUnified)
		r.Get("/findings", s.handleFindings)
	})
	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.st.GetStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"games":            stats.Games,
		"free_games":       stats.FreeGames,
		"stubs":            stats.Stubs,
		"demo_pairs":       stats.DemoPairs,
		"pending_removals": stats.PendingRemovals,
		"video_sources":    stats.VideoSources,
		"videos":           stats.Videos,
		"last_committed":   s.st.LastCommitted(),
	})
}

func (s *Server) handleGame(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "appID")
	g, ok := s.st.Game(appID)
	if !ok {
		http.Error(w, "game not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, g)
}

// unifiedEntry is the wire shape of one unified game.
type unifiedEntry struct {
	Key       string   `json:"key"`
	Name      string   `json:"name,omitempty"`
	DemoID    string   `json:"demo_id,omitempty"`
	FullID    string   `json:"full_id,omitempty"`
	ParentKey string   `json:"parent_key,omitempty"`
	Videos    []string `json:"videos,omitempty"`
}

func (s *Server) handleUnified(w http.ResponseWriter, r *http.Request) {
	entries := s.unifier.Unify(s.st.Games(), s.st.FreeGames(), s.st.AllVideos())

	out := make([]unifiedEntry, 0, len(entries))
	for _, e := range entries {
		ue := unifiedEntry{
			Key:       e.Key,
			DemoID:    e.DemoID,
			FullID:    e.FullID,
			ParentKey: e.ParentKey,
			Videos:    e.VideoIDs,
		}
		switch {
		case e.Game != nil:
			ue.Name = e.Game.Name
		case e.Free != nil:
			ue.Name = e.Free.Name
		}
		out = append(out, ue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	s.writeJSON(w, http.StatusOK, out)
}

// findingEntry is the wire shape of one validation finding.
type findingEntry struct {
	Kind     string `json:"kind"`
	Severity string `json:"severity"`
	EntityID string `json:"entity_id"`
	Detail   string `json:"detail"`
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	findings := s.validator.Validate(s.st.Snapshot())
	out := make([]findingEntry, 0, len(findings))
	for _, f := range findings {
		out = append(out, findingEntry{
			Kind:     string(f.Kind),
			Severity: string(f.Severity),
			EntityID: f.EntityID,
			Detail:   f.Detail,
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers already written; nothing useful to send the client.
		s.log.Warnf("Encoding response: %v", err)
	}
}
