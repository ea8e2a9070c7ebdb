package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/hotsearch"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
	"github.com/rubiojr/panhub/pkg/search"
	"github.com/rubiojr/panhub/pkg/sessions"
	"github.com/rubiojr/panhub/pkg/sources"
)

type testEnv struct {
	ts       *httptest.Server
	hot      hotsearch.Store
	sessions *sessions.Manager
	hub      *realtime.SnapshotHub
}

func setupTestAPIServer(t *testing.T) *testEnv {
	t.Helper()

	src := search.SourceFunc(func(ctx context.Context, family sources.Family, id, keyword string) (orchestrator.MergedByType, error) {
		return orchestrator.MergedByType{
			"quark": {{URL: "https://pan.quark.cn/s/" + id, Note: keyword}},
		}, nil
	})
	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	svc := search.NewSearchService(src, search.WithCache(c))
	hot := hotsearch.NewMemoryStore(hotsearch.DefaultMaxEntries)
	hub := realtime.NewSnapshotHub(16)
	mgr := sessions.NewManager(sessions.Config{}, svc.Executor(), hub,
		sessions.WithKeywordRecorder(func(ctx context.Context, kw string) {
			hot.Record(ctx, kw)
		}))

	srv := NewServer(Deps{
		Search:    svc,
		HotSearch: hot,
		Cache:     c,
		Sessions:  mgr,
		Hub:       hub,
		Settings: func() orchestrator.Settings {
			return orchestrator.Settings{
				Plugins:     []string{"labi", "nyaa"},
				Channels:    []string{"c1", "c2", "c3"},
				Concurrency: 2,
			}
		},
	})
	ts := httptest.NewServer(srv.Handler(0, 0))
	t.Cleanup(func() {
		ts.Close()
		mgr.Stop()
	})
	return &testEnv{ts: ts, hot: hot, sessions: mgr, hub: hub}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*http.Response, Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, e.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding %s %s: %v", method, path, err)
	}
	return resp, env
}

// decodeData re-decodes the envelope's data field into dst.
func decodeData(t *testing.T, env Envelope, dst any) {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("decoding data: %v", err)
	}
}

func TestSearchEndpoint(t *testing.T) {
	env := setupTestAPIServer(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantCode   int
		wantTotal  int
	}{
		{"plugins", "kw=movie&src=plugin&plugins=labi,nyaa", http.StatusOK, 0, 2},
		{"channels", "kw=movie&src=tg&channels=a,b,c&conc=2", http.StatusOK, 0, 3},
		{"unknown plugins only", "kw=movie&src=plugin&plugins=bogus", http.StatusOK, 0, 0},
		{"missing keyword", "src=plugin", http.StatusBadRequest, -1, 0},
		{"bad src", "kw=movie&src=web", http.StatusBadRequest, -1, 0},
		{"bad ext", "kw=movie&ext=" + url.QueryEscape("{"), http.StatusBadRequest, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(env.ts.URL + "/api/search?" + tt.query)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			var out orchestrator.Response
			if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if out.Code != tt.wantCode {
				t.Errorf("expected code %d, got %d (%s)", tt.wantCode, out.Code, out.Message)
			}
			if tt.wantCode == 0 {
				if out.Data == nil || out.Data.Total != tt.wantTotal {
					t.Errorf("expected total %d, got %+v", tt.wantTotal, out.Data)
				}
			}
		})
	}
}

func TestHotSearchEndpoints(t *testing.T) {
	env := setupTestAPIServer(t)

	for _, term := range []string{"三体", "三体", "流浪地球"} {
		if resp, out := env.do(t, "POST", "/api/hot-searches", TermRequest{Term: term}); resp.StatusCode != http.StatusOK || out.Code != 0 {
			t.Fatalf("record %q: %d %+v", term, resp.StatusCode, out)
		}
	}

	// Forbidden terms are accepted and dropped.
	if resp, out := env.do(t, "POST", "/api/hot-searches", TermRequest{Term: "赌博网站"}); resp.StatusCode != http.StatusOK || out.Code != 0 {
		t.Errorf("forbidden term: %d %+v", resp.StatusCode, out)
	}
	if resp, out := env.do(t, "POST", "/api/hot-searches", "{}"); resp.StatusCode != http.StatusBadRequest || out.Code != -1 {
		t.Errorf("missing term: %d %+v", resp.StatusCode, out)
	}
	if resp, _ := env.do(t, "POST", "/api/hot-searches", TermRequest{Term: strings.Repeat("x", 100)}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("long term: expected 400, got %d", resp.StatusCode)
	}

	_, out := env.do(t, "GET", "/api/hot-searches?limit=1", nil)
	var list HotSearchesData
	decodeData(t, out, &list)
	if len(list.HotSearches) != 1 || list.HotSearches[0].Term != "三体" || list.HotSearches[0].Score != 2 {
		t.Errorf("unexpected top list %+v", list.HotSearches)
	}

	_, out = env.do(t, "GET", "/api/hot-searches/stats", nil)
	var stats hotsearch.Stats
	decodeData(t, out, &stats)
	if stats.Total != 2 {
		t.Errorf("expected 2 terms, got %+v", stats)
	}

	if resp, _ := env.do(t, "DELETE", "/api/hot-searches/"+url.PathEscape("流浪地球"), nil); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", resp.StatusCode)
	}
	if resp, out := env.do(t, "DELETE", "/api/hot-searches/nothing", nil); resp.StatusCode != http.StatusNotFound || out.Code != -1 {
		t.Errorf("delete missing: %d %+v", resp.StatusCode, out)
	}
	if resp, _ := env.do(t, "DELETE", "/api/hot-searches", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("clear: expected 200, got %d", resp.StatusCode)
	}

	_, out = env.do(t, "GET", "/api/hot-searches", nil)
	list = HotSearchesData{}
	decodeData(t, out, &list)
	if list.HotSearches == nil || len(list.HotSearches) != 0 {
		t.Errorf("expected an empty list after clear, got %+v", list.HotSearches)
	}
}

func waitSessionPhase(t *testing.T, env *testEnv, id string, want orchestrator.Phase) SessionResponse {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, out := env.do(t, "GET", "/api/sessions/"+id, nil)
		var sr SessionResponse
		decodeData(t, out, &sr)
		if sr.Snapshot.Phase == want {
			return sr
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s, phase is %s", want, sr.Snapshot.Phase)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionLifecycle(t *testing.T) {
	env := setupTestAPIServer(t)

	resp, out := env.do(t, "POST", "/api/sessions", SessionRequest{Keyword: "三体"})
	if resp.StatusCode != http.StatusCreated || out.Code != 0 {
		t.Fatalf("create: %d %+v", resp.StatusCode, out)
	}
	var created SessionResponse
	decodeData(t, out, &created)
	if created.ID == "" || created.Keyword != "三体" {
		t.Fatalf("unexpected session %+v", created)
	}

	done := waitSessionPhase(t, env, created.ID, orchestrator.Completed)
	if done.Snapshot.Total != 5 {
		t.Errorf("expected 5 results (2 plugins, 3 channels), got %d", done.Snapshot.Total)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		top, _ := env.hot.Top(context.Background(), 1)
		if len(top) == 1 && top[0].Term == "三体" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the completed keyword recorded, got %+v", top)
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, out = env.do(t, "POST", "/api/sessions/"+created.ID+"/pause", nil)
	var action SessionActionResponse
	decodeData(t, out, &action)
	if action.Changed {
		t.Error("pause of a completed search should not change anything")
	}

	_, out = env.do(t, "POST", "/api/sessions/"+created.ID+"/reset", nil)
	decodeData(t, out, &action)
	if action.Snapshot.Phase != orchestrator.Idle {
		t.Errorf("expected idle after reset, got %s", action.Snapshot.Phase)
	}

	if resp, _ := env.do(t, "DELETE", "/api/sessions/"+created.ID, nil); resp.StatusCode != http.StatusOK {
		t.Errorf("delete: expected 200, got %d", resp.StatusCode)
	}
	if resp, out := env.do(t, "GET", "/api/sessions/"+created.ID, nil); resp.StatusCode != http.StatusNotFound || out.Code != -1 {
		t.Errorf("get deleted: %d %+v", resp.StatusCode, out)
	}
}

func TestSessionSettingsOverride(t *testing.T) {
	env := setupTestAPIServer(t)

	_, out := env.do(t, "POST", "/api/sessions", SessionRequest{
		Keyword:  "x",
		Settings: &SessionSettings{Plugins: []string{"panta"}, Channels: []string{"only"}, Concurrency: 1},
	})
	var created SessionResponse
	decodeData(t, out, &created)

	done := waitSessionPhase(t, env, created.ID, orchestrator.Completed)
	if done.Snapshot.Total != 2 {
		t.Errorf("expected 2 results, got %d", done.Snapshot.Total)
	}
}

func TestSessionValidation(t *testing.T) {
	env := setupTestAPIServer(t)

	tests := []struct {
		name string
		body any
		want string
	}{
		{"empty keyword", SessionRequest{Keyword: "  "}, orchestrator.ErrMsgEmptyKeyword},
		{"no sources", SessionRequest{Keyword: "x", Settings: &SessionSettings{Plugins: []string{"bogus"}, Channels: []string{" "}}}, ""},
		{"bad body", "{", "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := env.do(t, "POST", "/api/sessions", tt.body)
			if resp.StatusCode != http.StatusBadRequest || out.Code != -1 {
				t.Fatalf("expected 400/-1, got %d %+v", resp.StatusCode, out)
			}
			if tt.want != "" && out.Message != tt.want {
				t.Errorf("expected %q, got %q", tt.want, out.Message)
			}
		})
	}
	if env.sessions.Len() != 0 {
		t.Errorf("expected no sessions, have %d", env.sessions.Len())
	}
}

func wsDial(t *testing.T, ts *httptest.Server, id string) (*websocket.Conn, realtime.Event) {
	t.Helper()
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = "/api/sessions/" + id + "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}

	var first realtime.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read init: %v", err)
	}
	if first.Type != realtime.EventInit {
		t.Fatalf("expected init message, got %q", first.Type)
	}
	return conn, first
}

func TestSessionStream(t *testing.T) {
	env := setupTestAPIServer(t)

	_, out := env.do(t, "POST", "/api/sessions", SessionRequest{Keyword: "stream"})
	var created SessionResponse
	decodeData(t, out, &created)
	waitSessionPhase(t, env, created.ID, orchestrator.Completed)

	conn, first := wsDial(t, env.ts, created.ID)
	defer conn.Close()
	if first.Session != created.ID || first.Snapshot.Phase != orchestrator.Completed {
		t.Errorf("unexpected init %+v", first)
	}

	env.do(t, "POST", "/api/sessions/"+created.ID+"/reset", nil)

	var ev realtime.Event
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read update: %v", err)
	}
	if ev.Type != realtime.EventSnapshot || ev.Snapshot.Phase != orchestrator.Idle {
		t.Errorf("expected an idle snapshot, got %+v", ev)
	}

	env.do(t, "DELETE", "/api/sessions/"+created.ID, nil)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				t.Errorf("expected a normal close, got %v", err)
			}
			break
		}
	}
}

func TestSessionStreamUnknownSession(t *testing.T) {
	env := setupTestAPIServer(t)
	resp, err := http.Get(env.ts.URL + "/api/sessions/nope/ws")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestStatsAndHealth(t *testing.T) {
	env := setupTestAPIServer(t)
	resp, err := http.Get(env.ts.URL + "/api/search?kw=x&src=plugin&plugins=labi")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	_, out := env.do(t, "GET", "/api/stats", nil)
	var stats StatsResponse
	decodeData(t, out, &stats)
	if stats.Cache == nil || stats.Cache.Total != 1 {
		t.Errorf("expected one cached source answer, got %+v", stats.Cache)
	}

	resp, err = http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatal(err)
	}
	if health.Status != "ok" || health.Version == "" {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := CorsMiddleware(RateLimitMiddleware(1, 2)(ok))

	statuses := make([]int, 0, 3)
	for range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/api/search", nil)
		req.RemoteAddr = "10.0.0.1:1234"
		h.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Error("missing CORS header")
		}
	}
	if statuses[0] != http.StatusNoContent || statuses[1] != http.StatusNoContent || statuses[2] != http.StatusTooManyRequests {
		t.Errorf("unexpected statuses %v", statuses)
	}

	// Another client has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/api/search", nil)
	req.RemoteAddr = "10.0.0.2:1234"
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected second client allowed, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("OPTIONS", "/api/search", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected preflight 200, got %d", rec.Code)
	}
}
