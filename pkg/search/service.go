package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rubiojr/panhub/pkg/cache"
	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/sources"
)

const (
	// SourceAll queries both families.
	SourceAll = "all"
	// ResultMergedByType is the only result shape produced.
	ResultMergedByType = "merged_by_type"

	// MaxPluginTimeout caps the per call timeout a client may ask for in ext.
	MaxPluginTimeout = time.Minute
)

var (
	// ErrEmptyKeyword is returned when kw is missing or blank.
	ErrEmptyKeyword = errors.New("keyword is required")
	// ErrInvalidSource is returned for an unknown src value.
	ErrInvalidSource = errors.New("src must be one of all, plugin or tg")
)

// SearchParams represents one call to the search endpoint.
// The zero value of every optional field means "use the service default".
type SearchParams struct {
	// Keyword is the trimmed search term. Required.
	Keyword string

	// Source selects the families to query: "all", "plugin" or "tg".
	// Defaults to "all".
	Source string

	// Plugins lists the plugin ids to query.
	// If empty, the configured default plugins are used.
	Plugins []string

	// Channels lists the channel ids to query.
	// If empty, the configured default channels are used.
	Channels []string

	// Concurrency bounds the number of sources queried at once.
	// Clamped to [1,16]; 0 selects the default.
	Concurrency int

	// ResultType is the requested result shape. Only merged_by_type is produced.
	ResultType string

	// Refresh bypasses the per-source cache when true.
	Refresh bool

	// PluginTimeout is the deadline of each single source query.
	// Read from ext.__plugin_timeout_ms; 0 selects the default.
	PluginTimeout time.Duration
}

// Defaults holds the values used for parameters a request leaves out.
type Defaults struct {
	Plugins       []string
	Channels      []string
	Concurrency   int
	PluginTimeout time.Duration
}

// DefaultDefaults queries every known plugin and the default channels.
func DefaultDefaults() Defaults {
	return Defaults{
		Plugins:       sources.AllPlugins,
		Channels:      sources.DefaultChannels,
		Concurrency:   orchestrator.DefaultConcurrency,
		PluginTimeout: orchestrator.DefaultPluginTimeout,
	}
}

// SearchService answers per-batch search calls by fanning out to a Source.
// It is safe for concurrent use.
type SearchService struct {
	source   Source
	cache    *cache.Cache
	defaults atomic.Pointer[Defaults]
	logger   *log.Logger
}

// Option configures a SearchService.
type Option func(*SearchService)

// WithCache enables per-source result caching.
func WithCache(c *cache.Cache) Option {
	return func(s *SearchService) { s.cache = c }
}

// WithDefaults replaces the values used for omitted parameters.
func WithDefaults(d Defaults) Option {
	return func(s *SearchService) { s.SetDefaults(d) }
}

// NewSearchService creates a search service backed by source.
//
// Parameters:
//   - source: answers a keyword for one plugin or channel id
//   - opts: optional cache and default overrides
//
// Returns:
//   - *SearchService: A service ready to answer Search calls
func NewSearchService(source Source, opts ...Option) *SearchService {
	s := &SearchService{
		source: source,
		logger: log.ForService("search"),
	}
	s.SetDefaults(DefaultDefaults())
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Defaults returns the values used for omitted parameters.
func (s *SearchService) Defaults() Defaults {
	return *s.defaults.Load()
}

// SetDefaults replaces the values used for omitted parameters. Calls already
// running keep the previous ones.
func (s *SearchService) SetDefaults(d Defaults) {
	s.defaults.Store(&d)
}

type task struct {
	family sources.Family
	id     string
}

// Search executes one call. Every requested source is queried once, at most
// params.Concurrency at a time, each under its own timeout. Sources that fail
// or time out are logged and contribute nothing.
//
// The operation:
// 1. Fills omitted parameters from the service defaults
// 2. Orders channels so priority channels go first
// 3. Queries each source, consulting the cache unless Refresh is set
// 4. Merges the answers in request order with orchestrator.Merge
//
// Returns:
//   - *orchestrator.ResultBatch: merged results, possibly empty
//   - error: ErrEmptyKeyword, ErrInvalidSource or the context error when ctx ends
//
// Example:
//
//	batch, err := svc.Search(ctx, SearchParams{
//		Keyword: "三体",
//		Source:  "tg",
//		Channels: []string{"tgsearchers3"},
//	})
func (s *SearchService) Search(ctx context.Context, params SearchParams) (*orchestrator.ResultBatch, error) {
	params = s.fill(params)
	if params.Keyword == "" {
		return nil, ErrEmptyKeyword
	}
	tasks, err := s.plan(params)
	if err != nil {
		return nil, err
	}

	answers := make([]orchestrator.MergedByType, len(tasks))
	sem := semaphore.NewWeighted(int64(params.Concurrency))
	var wg sync.WaitGroup
	for i, t := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			answers[i] = s.query(ctx, t, params)
		}()
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	merged := orchestrator.MergedByType{}
	for _, a := range answers {
		merged = orchestrator.Merge(merged, a)
	}
	s.logger.Debugf("%q: %d sources, %d results", params.Keyword, len(tasks), merged.Total())
	return &orchestrator.ResultBatch{Total: merged.Total(), MergedByType: merged}, nil
}

func (s *SearchService) fill(p SearchParams) SearchParams {
	d := s.Defaults()
	p.Keyword = strings.TrimSpace(p.Keyword)
	if p.Source == "" {
		p.Source = SourceAll
	}
	if len(p.Plugins) == 0 {
		p.Plugins = d.Plugins
	}
	if len(p.Channels) == 0 {
		p.Channels = d.Channels
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Concurrency
	}
	p.Concurrency = orchestrator.ClampConcurrency(p.Concurrency)
	if p.PluginTimeout <= 0 {
		p.PluginTimeout = d.PluginTimeout
	}
	if p.PluginTimeout <= 0 {
		p.PluginTimeout = orchestrator.DefaultPluginTimeout
	}
	if p.ResultType == "" {
		p.ResultType = ResultMergedByType
	}
	return p
}

func (s *SearchService) plan(p SearchParams) ([]task, error) {
	var tasks []task
	switch p.Source {
	case SourceAll, "plugin", "tg":
	default:
		return nil, ErrInvalidSource
	}
	if p.Source != "tg" {
		for _, id := range sources.FilterKnownPlugins(p.Plugins) {
			tasks = append(tasks, task{family: sources.Plugin, id: id})
		}
	}
	if p.Source != "plugin" {
		for _, id := range sources.PrioritizeChannels(p.Channels) {
			tasks = append(tasks, task{family: sources.Channel, id: id})
		}
	}
	return tasks, nil
}

func (s *SearchService) query(ctx context.Context, t task, p SearchParams) (out orchestrator.MergedByType) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorf("%s %s panicked: %v", t.family, t.id, r)
			out = nil
		}
	}()

	key := cacheKey(t, p.Keyword)
	if s.cache != nil && !p.Refresh {
		var hit orchestrator.MergedByType
		ok, err := s.cache.Get(key, &hit)
		if err != nil {
			s.logger.Warnf("reading cache for %s: %v", key, err)
		}
		if ok {
			return hit
		}
	}

	qctx, cancel := context.WithTimeout(ctx, p.PluginTimeout)
	defer cancel()
	res, err := s.source.Search(qctx, t.family, t.id, p.Keyword)
	if err != nil {
		s.logger.Warnf("%s %s: %v", t.family, t.id, err)
		return nil
	}

	if s.cache != nil && res != nil {
		if err := s.cache.Set(key, res); err != nil {
			s.logger.Warnf("caching %s: %v", key, err)
		}
	}
	return res
}

func cacheKey(t task, keyword string) string {
	return string(t.family) + ":" + t.id + ":" + keyword
}

// ParseSearchParams parses HTTP query parameters into a SearchParams struct.
// Omitted values are left zero so the service can apply its defaults.
//
// Supported parameters:
//   - kw: Search keyword
//   - src: all, plugin or tg
//   - plugins / channels: comma separated ids
//   - conc: concurrency (positive integer, invalid values are ignored)
//   - res: result shape
//   - refresh: "true" bypasses the cache
//   - ext: JSON object; __plugin_timeout_ms sets the per-source timeout
//
// Returns:
//   - SearchParams: Parsed search parameters
//   - error: ErrInvalidSource for an unknown src, or an error for malformed ext
//
// Example:
//
//	params, err := ParseSearchParams(r.URL.Query())
//	if err != nil {
//		// Respond with code -1
//	}
func ParseSearchParams(queryParams url.Values) (SearchParams, error) {
	var params SearchParams

	params.Keyword = strings.TrimSpace(queryParams.Get("kw"))

	if src := strings.ToLower(strings.TrimSpace(queryParams.Get("src"))); src != "" {
		switch src {
		case SourceAll, "plugin", "tg":
			params.Source = src
		default:
			return params, ErrInvalidSource
		}
	}

	params.Plugins = sources.SplitIDs(queryParams.Get("plugins"))
	params.Channels = sources.SplitIDs(queryParams.Get("channels"))

	// Parse concurrency
	if concStr := queryParams.Get("conc"); concStr != "" {
		if parsed, err := strconv.Atoi(concStr); err == nil && parsed > 0 {
			params.Concurrency = parsed
		}
	}

	params.ResultType = queryParams.Get("res")
	params.Refresh = queryParams.Get("refresh") == "true"

	// Parse ext
	if ext := queryParams.Get("ext"); ext != "" {
		timeout, err := parseExtTimeout(ext)
		if err != nil {
			return params, err
		}
		params.PluginTimeout = timeout
	}

	return params, nil
}

func parseExtTimeout(ext string) (time.Duration, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(ext), &fields); err != nil {
		return 0, fmt.Errorf("invalid ext: %w", err)
	}
	raw, ok := fields[orchestrator.TimeoutExtKey]
	if !ok {
		return 0, nil
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err != nil {
		return 0, fmt.Errorf("invalid %s: %w", orchestrator.TimeoutExtKey, err)
	}
	if ms <= 0 {
		return 0, nil
	}
	if ms >= float64(MaxPluginTimeout.Milliseconds()) {
		return MaxPluginTimeout, nil
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// Query encodes params back into the endpoint's query string.
func (p SearchParams) Query() url.Values {
	q := url.Values{}
	q.Set("kw", p.Keyword)
	if p.Source != "" {
		q.Set("src", p.Source)
	}
	if len(p.Plugins) > 0 {
		q.Set("plugins", strings.Join(p.Plugins, ","))
	}
	if len(p.Channels) > 0 {
		q.Set("channels", strings.Join(p.Channels, ","))
	}
	if p.Concurrency > 0 {
		q.Set("conc", strconv.Itoa(p.Concurrency))
	}
	if p.ResultType != "" {
		q.Set("res", p.ResultType)
	}
	if p.Refresh {
		q.Set("refresh", "true")
	}
	if p.PluginTimeout > 0 {
		q.Set("ext", fmt.Sprintf(`{"%s":%d}`, orchestrator.TimeoutExtKey, p.PluginTimeout.Milliseconds()))
	}
	return q
}
