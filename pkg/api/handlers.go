package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/search"
	"github.com/rubiojr/panhub/pkg/version"
)

func (s *Server) HandleSearch(w http.ResponseWriter, r *http.Request) {
	params, err := search.ParseSearchParams(r.URL.Query())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if params.Keyword == "" {
		s.writeError(w, http.StatusBadRequest, "Query parameter 'kw' is required")
		return
	}

	batch, err := s.deps.Search.Search(r.Context(), params)
	switch {
	case errors.Is(err, search.ErrEmptyKeyword), errors.Is(err, search.ErrInvalidSource):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.logger.Debugf("search %q abandoned: %v", params.Keyword, err)
		s.writeError(w, http.StatusServiceUnavailable, "search cancelled")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, orchestrator.Response{Code: 0, Message: "success", Data: batch})
}

func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.deps.Cache != nil {
		st := s.deps.Cache.Stats()
		resp.Cache = &st
	}
	if s.deps.Sessions != nil {
		resp.Sessions = s.deps.Sessions.Len()
	}
	if s.deps.Hub != nil {
		resp.Listeners = s.deps.Hub.Size()
	}
	s.writeOK(w, resp)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.APIVersion(),
	}

	s.writeJSON(w, http.StatusOK, health)
}
