package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
	"github.com/rubiojr/panhub/pkg/search"
	"github.com/rubiojr/panhub/pkg/sessions"
)

// Deps are the services the API exposes. Cache, Sessions and Hub may be nil;
// the routes depending on them answer 503.
type Deps struct {
	Search    *search.SearchService
	HotSearch hotsearch.Store
	Cache     *cache.Cache
	Sessions  *sessions.Manager
	Hub       *realtime.SnapshotHub
	// Settings returns the current default search settings for new sessions.
	Settings func() orchestrator.Settings
}

type Server struct {
	deps    Deps
	logger  *log.Logger
	started time.Time
}

func NewServer(deps Deps) *Server {
	if deps.Settings == nil {
		deps.Settings = func() orchestrator.Settings {
			d := search.DefaultDefaults()
			return orchestrator.Settings{
				Plugins:       d.Plugins,
				Channels:      d.Channels,
				Concurrency:   d.Concurrency,
				PluginTimeout: d.PluginTimeout,
			}
		}
	}
	return &Server{
		deps:    deps,
		logger:  log.ForService("api"),
		started: time.Now(),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warnf("Error encoding JSON response: %v", err)
	}
}

func (s *Server) writeOK(w http.ResponseWriter, data any) {
	s.writeJSON(w, http.StatusOK, Envelope{Code: 0, Message: "success", Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Envelope{Code: -1, Message: message})
}

func CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
