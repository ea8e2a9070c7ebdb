// Package search implements the server side of the aggregated search
// endpoint: it answers one per-batch call of the orchestrator by querying
// every requested plugin or channel and merging their link buckets.
//
// # Overview
//
// A request names a keyword, a source family and a comma separated list of
// source ids. The service queries one Source per id, at most `conc` at a
// time, each bounded by the per-source timeout carried in
// `ext.__plugin_timeout_ms`. Failing or slow sources are logged and skipped;
// the response only ever contains what succeeded.
//
// # Request Parameters
//
//   - kw: keyword (required)
//   - src: "plugin", "tg" or "all" (default "all")
//   - plugins / channels: comma separated ids; defaults come from the
//     service configuration when absent
//   - conc: concurrency, clamped to [1,16]
//   - res: result shape, only "merged_by_type" is produced
//   - refresh: "true" bypasses the per-source cache
//   - ext: JSON object, `__plugin_timeout_ms` selects the per-source timeout
//
// # Merging
//
// Buckets are merged in request order with orchestrator.Merge, so the
// server and the client agree on identity (trimmed URL per type bucket)
// and on ordering.
//
// # Caching
//
// When a cache is configured each successful (family, id, keyword) answer
// is stored compressed and reused until it expires.
//
// # Usage
//
//	svc := search.NewSearchService(search.NewUpstreamSource(upstream, nil, search.DefaultBackoff),
//		search.WithCache(c))
//	req, err := search.ParseSearchParams(r.URL.Query())
//	if err != nil {
//		// invalid ext or conc
//	}
//	batch, err := svc.Search(r.Context(), req)
package search
