package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rubiojr/panhub/pkg/api"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
)

func testSettings() orchestrator.Settings {
	return orchestrator.Settings{
		Plugins:       []string{"pansearch", "qupansou", "panta", "hunhepan", "labi"},
		Channels:      []string{"c1", "c2", "c3"},
		Concurrency:   2,
		PluginTimeout: 2 * time.Second,
	}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var env struct {
		Code    int             `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decoding %s response: %v", url, err)
	}
	if env.Code != 0 {
		t.Fatalf("POST %s: code %d: %s", url, env.Code, env.Message)
	}
	return resp, env.Data
}

func TestRemoteSearchEndToEnd(t *testing.T) {
	stack := StartStack(t, NewFakeUpstream(t), testSettings())

	recorder := func(ctx context.Context, keyword string) {
		postJSON(t, stack.API.URL+"/api/hot-searches", api.TermRequest{Term: keyword})
	}
	orch := orchestrator.New(
		orchestrator.NewHTTPExecutor(stack.API.URL+"/api", nil),
		orchestrator.WithKeywordRecorder(recorder),
	)

	snap := orch.Search(context.Background(), "三体", testSettings())
	if snap.Phase != orchestrator.Completed {
		t.Fatalf("phase = %s (%s), want completed", snap.Phase, snap.Error)
	}
	// 3 remaining plugins in chunks of 2 and 1 remaining channel.
	if snap.DeepBatches != 2 {
		t.Errorf("deep batches = %d, want 2", snap.DeepBatches)
	}
	if got := len(snap.Merged["quark"]); got != 8 {
		t.Errorf("quark links = %d, want one per source (8)", got)
	}
	if got := snap.Merged["aliyun"]; len(got) != 1 || got[0].URL != SharedLink {
		t.Errorf("aliyun bucket = %+v, want the shared link once", got)
	}
	if snap.Total != 9 {
		t.Errorf("total = %d, want 9", snap.Total)
	}
	if calls := stack.Upstream.TotalCalls(); calls != 8 {
		t.Errorf("upstream calls = %d, want 8", calls)
	}

	again := orch.Search(context.Background(), "三体", testSettings())
	if again.Total != 9 || again.Generation <= snap.Generation {
		t.Errorf("second search: total %d generation %d", again.Total, again.Generation)
	}
	if calls := stack.Upstream.TotalCalls(); calls != 8 {
		t.Errorf("cached search reached upstream: %d calls", calls)
	}

	entries, err := stack.Hot.Top(context.Background(), 10)
	if err != nil {
		t.Fatalf("Top: %v", err)
	}
	if len(entries) != 1 || entries[0].Term != "三体" || entries[0].Score != 2 {
		t.Errorf("hot searches = %+v, want 三体 with score 2", entries)
	}
}

func TestUpstreamFailureIsAbsorbed(t *testing.T) {
	stack := StartStack(t, NewFakeUpstream(t, "labi"), testSettings())
	orch := orchestrator.New(orchestrator.NewHTTPExecutor(stack.API.URL+"/api", nil))

	snap := orch.Search(context.Background(), "nyaa", testSettings())
	if snap.Phase != orchestrator.Completed {
		t.Fatalf("phase = %s (%s), want completed", snap.Phase, snap.Error)
	}
	for _, item := range snap.Merged["quark"] {
		if strings.HasSuffix(item.URL, "/labi") {
			t.Errorf("failing source contributed %s", item.URL)
		}
	}
	if snap.Total != 8 {
		t.Errorf("total = %d, want 8", snap.Total)
	}
	// One attempt plus one retry.
	if calls := stack.Upstream.Calls("labi"); calls != 2 {
		t.Errorf("labi calls = %d, want 2", calls)
	}
}

func TestSessionStreamEndToEnd(t *testing.T) {
	stack := StartStack(t, NewFakeUpstream(t), testSettings())

	resp, data := postJSON(t, stack.API.URL+"/api/sessions", api.SessionRequest{Keyword: "流浪地球"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session status = %d", resp.StatusCode)
	}
	var created api.SessionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("decoding session: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(stack.API.URL, "http") + "/api/sessions/" + created.ID + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", wsURL, err)
	}
	defer conn.Close()

	var last realtime.Event
	deadline := time.Now().Add(5 * time.Second)
	for last.Snapshot.Phase != orchestrator.Completed {
		if err := conn.SetReadDeadline(deadline); err != nil {
			t.Fatal(err)
		}
		if err := conn.ReadJSON(&last); err != nil {
			t.Fatalf("reading stream: %v", err)
		}
		if last.Session != created.ID {
			t.Fatalf("event for session %q, want %q", last.Session, created.ID)
		}
	}
	if last.Snapshot.Total != 9 {
		t.Errorf("streamed total = %d, want 9", last.Snapshot.Total)
	}

	recorded := WaitFor(t, 2*time.Second, func() bool {
		entries, err := stack.Hot.Top(context.Background(), 10)
		return err == nil && len(entries) == 1 && entries[0].Term == "流浪地球"
	})
	if !recorded {
		t.Error("completed session keyword was not recorded")
	}
}
