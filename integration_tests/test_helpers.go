package integration_tests

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rubiojr/panhub/pkg/api"
	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
	"github.com/rubiojr/panhub/pkg/search"
	"github.com/rubiojr/panhub/pkg/sessions"
)

// SharedLink is returned by every upstream source, so a correct merge keeps
// exactly one copy of it.
const SharedLink = "https://www.alipan.com/s/shared"

// FakeUpstream is a PanSou compatible service answering one quark link per
// source id plus SharedLink. Ids listed in failing answer 500.
type FakeUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	calls   map[string]int
	failing map[string]bool
}

func NewFakeUpstream(t *testing.T, failing ...string) *FakeUpstream {
	t.Helper()
	u := &FakeUpstream{calls: map[string]int{}, failing: map[string]bool{}}
	for _, id := range failing {
		u.failing[id] = true
	}
	u.Server = httptest.NewServer(http.HandlerFunc(u.handle))
	t.Cleanup(u.Close)
	return u
}

func (u *FakeUpstream) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("plugins")
	if q.Get("src") == "tg" {
		id = q.Get("channels")
	}

	u.mu.Lock()
	u.calls[id]++
	fail := u.failing[id]
	u.mu.Unlock()

	if fail {
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}
	merged := orchestrator.MergedByType{
		"quark":  {{URL: "https://pan.quark.cn/s/" + id, Note: q.Get("kw"), Source: id}},
		"aliyun": {{URL: SharedLink, Source: id}},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(orchestrator.Response{
		Code:    0,
		Message: "success",
		Data:    &orchestrator.ResultBatch{Total: merged.Total(), MergedByType: merged},
	})
}

// Calls returns how many times id was queried.
func (u *FakeUpstream) Calls(id string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.calls[id]
}

// TotalCalls returns the number of upstream requests served.
func (u *FakeUpstream) TotalCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, c := range u.calls {
		n += c
	}
	return n
}

// Stack is a full server wired like `panhub serve`, with a SQLite hot search
// store in a temporary directory.
type Stack struct {
	Upstream *FakeUpstream
	API      *httptest.Server
	Hot      hotsearch.Store
	Sessions *sessions.Manager
	Cache    *cache.Cache
}

// StartStack wires upstream, backend, cache, hot search store, sessions and
// the HTTP API. Sessions default to settings.
func StartStack(t *testing.T, upstream *FakeUpstream, settings orchestrator.Settings) *Stack {
	t.Helper()

	hot, err := hotsearch.OpenSQLite(filepath.Join(t.TempDir(), "hot_searches.db"), hotsearch.DefaultMaxEntries)
	if err != nil {
		t.Fatalf("opening hot search store: %v", err)
	}
	resultCache, err := cache.New(cache.Config{TTL: time.Minute})
	if err != nil {
		t.Fatalf("creating cache: %v", err)
	}

	fastRetry := search.Backoff{MaxRetries: 1, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	svc := search.NewSearchService(
		search.NewUpstreamSource(upstream.URL, nil, fastRetry),
		search.WithCache(resultCache),
	)
	hub := realtime.NewSnapshotHub(0)
	manager := sessions.NewManager(sessions.Config{}, svc.Executor(), hub,
		sessions.WithKeywordRecorder(func(ctx context.Context, keyword string) {
			if err := hot.Record(ctx, keyword); err != nil {
				t.Logf("recording %q: %v", keyword, err)
			}
		}),
	)

	server := api.NewServer(api.Deps{
		Search:    svc,
		HotSearch: hot,
		Cache:     resultCache,
		Sessions:  manager,
		Hub:       hub,
		Settings:  func() orchestrator.Settings { return settings },
	})
	ts := httptest.NewServer(server.Handler(0, 0))

	t.Cleanup(func() {
		ts.Close()
		manager.Stop()
		_ = hot.Close()
	})
	return &Stack{Upstream: upstream, API: ts, Hot: hot, Sessions: manager, Cache: resultCache}
}

// WaitFor polls cond until it holds or the deadline passes.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
