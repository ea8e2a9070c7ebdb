package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rubiojr/panhub/pkg/hotsearch"
)

func (s *Server) HandleHotSearches(w http.ResponseWriter, r *http.Request) {
	limit := hotsearch.DefaultLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	entries, err := s.deps.HotSearch.Top(r.Context(), limit)
	if err != nil {
		s.logger.Errorf("listing hot searches: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load hot searches")
		return
	}
	if entries == nil {
		entries = []hotsearch.Entry{}
	}
	s.writeOK(w, HotSearchesData{HotSearches: entries})
}

func (s *Server) HandleRecordHotSearch(w http.ResponseWriter, r *http.Request) {
	var req TermRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Term == "" {
		s.writeError(w, http.StatusBadRequest, "missing search term")
		return
	}

	err := s.deps.HotSearch.Record(r.Context(), req.Term)
	switch {
	case errors.Is(err, hotsearch.ErrForbiddenTerm):
		// Accepted but not stored.
		s.logger.Debugf("ignoring forbidden term")
	case errors.Is(err, hotsearch.ErrEmptyTerm), errors.Is(err, hotsearch.ErrTermTooLong):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Errorf("recording %q: %v", req.Term, err)
		s.writeError(w, http.StatusInternalServerError, "failed to record search term")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) HandleDeleteHotSearch(w http.ResponseWriter, r *http.Request) {
	term := r.PathValue("term")
	err := s.deps.HotSearch.Delete(r.Context(), term)
	switch {
	case errors.Is(err, hotsearch.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.logger.Errorf("deleting %q: %v", term, err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete search term")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) HandleClearHotSearches(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.HotSearch.Clear(r.Context()); err != nil {
		s.logger.Errorf("clearing hot searches: %v", err)
		s.writeError(w, http.StatusInternalServerError, "failed to clear hot searches")
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) HandleHotSearchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.HotSearch.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load hot search stats")
		return
	}
	s.writeOK(w, stats)
}
