package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/sources"
)

const (
	// DefaultPluginTimeout applies when a call carries no positive timeout.
	DefaultPluginTimeout = 5 * time.Second
	// DefaultTimeoutGrace is added to the per-source timeout for the local
	// deadline, leaving the endpoint room to answer after its own timeout.
	DefaultTimeoutGrace = 2 * time.Second
	// TimeoutExtKey is the ext field carrying the per-source timeout.
	TimeoutExtKey = "__plugin_timeout_ms"
)

// Call is one request for one family within one batch.
type Call struct {
	Family      sources.Family
	IDs         []string
	Keyword     string
	Concurrency int
	Timeout     time.Duration
}

func (c Call) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultPluginTimeout
	}
	return c.Timeout
}

// Executor performs a call. It returns nil on any failure, including
// cancellation; it never panics or blocks past ctx.
type Executor interface {
	Execute(ctx context.Context, call Call) *ResultBatch
}

// ExecutorFunc adapts an ordinary function to Executor.
type ExecutorFunc func(ctx context.Context, call Call) *ResultBatch

func (f ExecutorFunc) Execute(ctx context.Context, call Call) *ResultBatch {
	return f(ctx, call)
}

// HTTPExecutor calls a remote `/search` endpoint speaking the merged_by_type
// envelope.
type HTTPExecutor struct {
	base   string
	client *http.Client
	grace  time.Duration
	logger *log.Logger
}

// NewHTTPExecutor returns an executor for apiBase (e.g. http://host/api).
// A nil client selects http.DefaultClient.
func NewHTTPExecutor(apiBase string, client *http.Client) *HTTPExecutor {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPExecutor{
		base:   strings.TrimRight(apiBase, "/"),
		client: client,
		grace:  DefaultTimeoutGrace,
		logger: log.ForService("orchestrator").Child("http"),
	}
}

// SetGrace overrides DefaultTimeoutGrace.
func (e *HTTPExecutor) SetGrace(d time.Duration) {
	if d >= 0 {
		e.grace = d
	}
}

// SearchURL builds the request URL for call.
func (e *HTTPExecutor) SearchURL(call Call) string {
	ext, _ := json.Marshal(map[string]int64{TimeoutExtKey: call.timeout().Milliseconds()})
	q := url.Values{}
	q.Set("kw", call.Keyword)
	q.Set("res", "merged_by_type")
	q.Set("src", call.Family.Wire())
	q.Set(call.Family.IDsParam(), strings.Join(call.IDs, ","))
	q.Set("conc", strconv.Itoa(call.Concurrency))
	q.Set("ext", string(ext))
	return e.base + "/search?" + q.Encode()
}

func (e *HTTPExecutor) Execute(ctx context.Context, call Call) *ResultBatch {
	ctx, cancel := context.WithTimeout(ctx, call.timeout()+e.grace)
	defer cancel()

	batch, err := e.do(ctx, call)
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Debugf("%s call %v abandoned: %v", call.Family, call.IDs, err)
		} else {
			e.logger.Warnf("%s call %v failed: %v", call.Family, call.IDs, err)
		}
		return nil
	}
	return batch
}

func (e *HTTPExecutor) do(ctx context.Context, call Call) (*ResultBatch, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.SearchURL(call), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var env Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if env.Code != 0 {
		return nil, fmt.Errorf("endpoint error %d: %s", env.Code, env.Message)
	}
	if env.Data == nil {
		return nil, fmt.Errorf("response without data")
	}
	return env.Data, nil
}
