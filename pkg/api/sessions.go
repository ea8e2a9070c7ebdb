package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sessions"
)

func (s *Server) settingsFor(req *SessionSettings) orchestrator.Settings {
	settings := s.deps.Settings()
	if req == nil {
		return settings
	}
	if len(req.Plugins) > 0 {
		settings.Plugins = req.Plugins
	}
	if len(req.Channels) > 0 {
		settings.Channels = req.Channels
	}
	if req.Concurrency > 0 {
		settings.Concurrency = orchestrator.ClampConcurrency(req.Concurrency)
	}
	if req.PluginTimeoutMs > 0 {
		settings.PluginTimeout = time.Duration(req.PluginTimeoutMs) * time.Millisecond
	}
	return settings
}

func (s *Server) sessionError(w http.ResponseWriter, err error) {
	var invalid *sessions.InvalidSearchError
	switch {
	case errors.As(err, &invalid):
		s.writeError(w, http.StatusBadRequest, invalid.Message)
	case errors.Is(err, sessions.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, sessions.ErrTooManySessions):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) requireSessions(w http.ResponseWriter) bool {
	if s.deps.Sessions == nil {
		s.writeError(w, http.StatusServiceUnavailable, "sessions are disabled")
		return false
	}
	return true
}

func (s *Server) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	var req SessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := s.deps.Sessions.Create(req.Keyword, s.settingsFor(req.Settings))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, Envelope{Code: 0, Message: "success", Data: SessionResponse{
		ID:        sess.ID,
		Keyword:   sess.Keyword,
		CreatedAt: sess.CreatedAt,
		Snapshot:  sess.Snapshot(),
	}})
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	sess, err := s.deps.Sessions.Get(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeOK(w, SessionResponse{
		ID:        sess.ID,
		Keyword:   sess.Keyword,
		CreatedAt: sess.CreatedAt,
		Snapshot:  sess.Snapshot(),
	})
}

func (s *Server) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	if err := s.deps.Sessions.Delete(r.PathValue("id")); err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeOK(w, nil)
}

func (s *Server) HandlePauseSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	snap, changed, err := s.deps.Sessions.Pause(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeOK(w, SessionActionResponse{Changed: changed, Snapshot: snap})
}

func (s *Server) HandleResumeSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	snap, changed, err := s.deps.Sessions.Resume(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeOK(w, SessionActionResponse{Changed: changed, Snapshot: snap})
}

func (s *Server) HandleResetSession(w http.ResponseWriter, r *http.Request) {
	if !s.requireSessions(w) {
		return
	}
	snap, err := s.deps.Sessions.Reset(r.PathValue("id"))
	if err != nil {
		s.sessionError(w, err)
		return
	}
	s.writeOK(w, SessionActionResponse{Changed: true, Snapshot: snap})
}
