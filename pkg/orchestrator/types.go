package orchestrator

import "strings"

// ResultItem is one share link inside a type bucket. Only URL takes part in
// deduplication; everything else is carried through untouched.
type ResultItem struct {
	URL      string   `json:"url"`
	Password string   `json:"password"`
	Note     string   `json:"note"`
	Datetime string   `json:"datetime"`
	Source   string   `json:"source,omitempty"`
	Images   []string `json:"images,omitempty"`
}

// Key returns the identity key used for deduplication: the URL without
// surrounding whitespace, so " x" and "x" are the same item and the first
// one merged is kept as received.
func (r ResultItem) Key() string {
	return strings.TrimSpace(r.URL)
}

// MergedByType maps a result type (usually a cloud drive platform) to its
// items in first-seen order. Values published by this package are never
// mutated after publication; callers must treat them as read-only.
type MergedByType map[string][]ResultItem

// Total returns the number of items across every bucket.
func (m MergedByType) Total() int {
	n := 0
	for _, items := range m {
		n += len(items)
	}
	return n
}

// ResultBatch is the payload of one successful per-batch call.
type ResultBatch struct {
	Total        int          `json:"total"`
	MergedByType MergedByType `json:"merged_by_type"`
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    *ResultBatch `json:"data,omitempty"`
}
