package api

import (
	"time"

	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/orchestrator"
)

// Envelope wraps every JSON response. Code 0 is success, -1 a failure
// described by Message.
type Envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

type HotSearchesData struct {
	HotSearches []hotsearch.Entry `json:"hotSearches"`
}

type TermRequest struct {
	Term string `json:"term"`
}

// SessionSettings overrides the server's default search settings. Zero
// fields keep the default.
type SessionSettings struct {
	Plugins         []string `json:"plugins,omitempty"`
	Channels        []string `json:"channels,omitempty"`
	Concurrency     int      `json:"concurrency,omitempty"`
	PluginTimeoutMs int64    `json:"plugin_timeout_ms,omitempty"`
}

type SessionRequest struct {
	Keyword  string           `json:"keyword"`
	Settings *SessionSettings `json:"settings,omitempty"`
}

type SessionResponse struct {
	ID        string                `json:"id"`
	Keyword   string                `json:"keyword"`
	CreatedAt time.Time             `json:"created_at"`
	Snapshot  orchestrator.Snapshot `json:"snapshot"`
}

type SessionActionResponse struct {
	Changed  bool                  `json:"changed"`
	Snapshot orchestrator.Snapshot `json:"snapshot"`
}

type StatsResponse struct {
	Cache     *cache.Stats `json:"cache,omitempty"`
	Sessions  int          `json:"sessions"`
	Listeners int          `json:"listeners"`
	Uptime    string       `json:"uptime"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}
