package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sources"
)

// Source answers a keyword for one plugin or one channel.
type Source interface {
	Search(ctx context.Context, family sources.Family, id, keyword string) (orchestrator.MergedByType, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context, family sources.Family, id, keyword string) (orchestrator.MergedByType, error)

func (f SourceFunc) Search(ctx context.Context, family sources.Family, id, keyword string) (orchestrator.MergedByType, error) {
	return f(ctx, family, id, keyword)
}

// UpstreamSource queries a PanSou compatible service one source id at a time.
type UpstreamSource struct {
	base    string
	client  *http.Client
	backoff Backoff
	logger  *log.Logger
}

// NewUpstreamSource returns a source backed by the service at base
// (e.g. http://pansou:8888). A nil client selects http.DefaultClient.
func NewUpstreamSource(base string, client *http.Client, backoff Backoff) *UpstreamSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &UpstreamSource{
		base:    strings.TrimRight(base, "/"),
		client:  client,
		backoff: backoff,
		logger:  log.ForService("search").Child("upstream"),
	}
}

func (u *UpstreamSource) Search(ctx context.Context, family sources.Family, id, keyword string) (orchestrator.MergedByType, error) {
	q := url.Values{}
	q.Set("kw", keyword)
	q.Set("res", "merged_by_type")
	q.Set("src", family.Wire())
	q.Set(family.IDsParam(), id)
	endpoint := u.base + "/api/search?" + q.Encode()

	var out orchestrator.MergedByType
	err := Retry(ctx, u.backoff, func(ctx context.Context) error {
		m, err := u.fetch(ctx, endpoint)
		if err != nil {
			u.logger.Debugf("%s %s: %v", family, id, err)
			return err
		}
		out = m
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s %s: %w", family, id, err)
	}
	return out, nil
}

func (u *UpstreamSource) fetch(ctx context.Context, endpoint string) (orchestrator.MergedByType, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("building request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	var env orchestrator.Response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, Permanent(fmt.Errorf("decoding upstream response: %w", err))
	}
	if env.Code != 0 {
		return nil, Permanent(fmt.Errorf("upstream error %d: %s", env.Code, env.Message))
	}
	if env.Data == nil {
		return orchestrator.MergedByType{}, nil
	}
	return env.Data.MergedByType, nil
}
