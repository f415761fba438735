package patrol

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Router returns the operational HTTP API: health, statistics, on-demand
// account inspection, rule reload, and the per-site fetch history.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/v1/stats", s.handleStats)
	r.Get("/v1/check/{site}/{id}", s.handleCheck)
	r.Get("/v1/fetches/{site}", s.handleFetches)
	r.Post("/v1/rules/reload", s.handleRulesReload)

	return r
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	sites, quota := s.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"sites": sites,
		"quota": quota,
	})
}

func (s *Service) handleCheck(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid user id"})
		return
	}

	reasons, err := s.CheckUser(r.Context(), site, id)
	switch {
	case errors.Is(err, ErrUnknownSite):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "unknown site"})
		return
	case errors.Is(err, ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "user not found"})
		return
	case err != nil:
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	if reasons == nil {
		reasons = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"site":    site,
		"user_id": id,
		"reasons": reasons,
	})
}

func (s *Service) handleFetches(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	recs, err := s.st.RecentFetches(r.Context(), site, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"site": site, "fetches": recs})
}

func (s *Service) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	s.RefreshRules(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
