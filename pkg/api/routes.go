package api

import (
	"net/http"
)

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	// API routes with method-specific routing
	mux.HandleFunc("GET /api/search", s.HandleSearch)
	mux.HandleFunc("GET /api/stats", s.HandleStats)
	mux.HandleFunc("GET /health", s.HandleHealth)

	mux.HandleFunc("GET /api/hot-searches", s.HandleHotSearches)
	mux.HandleFunc("POST /api/hot-searches", s.HandleRecordHotSearch)
	mux.HandleFunc("DELETE /api/hot-searches", s.HandleClearHotSearches)
	mux.HandleFunc("DELETE /api/hot-searches/{term}", s.HandleDeleteHotSearch)
	mux.HandleFunc("GET /api/hot-searches/stats", s.HandleHotSearchStats)

	mux.HandleFunc("POST /api/sessions", s.HandleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.HandleGetSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.HandleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{id}/pause", s.HandlePauseSession)
	mux.HandleFunc("POST /api/sessions/{id}/resume", s.HandleResumeSession)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.HandleResetSession)
	mux.HandleFunc("GET /api/sessions/{id}/ws", s.HandleSessionStream)
}

// Handler returns the routes wrapped in the CORS and rate limiting middleware.
// A non-positive rps disables rate limiting.
func (s *Server) Handler(rps float64, burst int) http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return CorsMiddleware(RateLimitMiddleware(rps, burst)(mux))
}
