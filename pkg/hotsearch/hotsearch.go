// Package hotsearch keeps a small popularity table of searched keywords.
//
// Each completed search bumps its term's score. Only the best MaxEntries
// terms (by score, then recency) are kept. Terms are normalized before
// storage and terms containing forbidden words are refused.
package hotsearch

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

const (
	DefaultMaxEntries = 30
	DefaultLimit      = 30
	StatsTopN         = 10
	MaxTermRunes      = 64
)

var (
	ErrEmptyTerm     = errors.New("empty search term")
	ErrTermTooLong   = errors.New("search term too long")
	ErrForbiddenTerm = errors.New("search term contains forbidden words")
	ErrNotFound      = errors.New("search term not found")
)

var forbidden = []*regexp.Regexp{
	regexp.MustCompile(`(?i)政治|暴力|色情|赌博|毒品`),
	regexp.MustCompile(`(?i)fuck|shit|bitch`),
}

// Entry is one ranked term. Timestamps are Unix milliseconds.
type Entry struct {
	Term         string `json:"term"`
	Score        int64  `json:"score"`
	LastSearched int64  `json:"lastSearched"`
	CreatedAt    int64  `json:"createdAt"`
}

// Stats summarizes the table.
type Stats struct {
	Total    int     `json:"total"`
	TopTerms []Entry `json:"topTerms"`
}

// Store is implemented by the SQLite and in-memory backends.
type Store interface {
	Record(ctx context.Context, term string) error
	Top(ctx context.Context, limit int) ([]Entry, error)
	Stats(ctx context.Context) (Stats, error)
	Delete(ctx context.Context, term string) error
	Clear(ctx context.Context) error
	Close() error
}

// NormalizeTerm trims term, folds full-width forms to their narrow
// equivalents, applies NFKC and collapses inner whitespace.
func NormalizeTerm(term string) (string, error) {
	term = norm.NFKC.String(width.Fold.String(term))
	term = strings.Join(strings.Fields(term), " ")
	if term == "" {
		return "", ErrEmptyTerm
	}
	if utf8.RuneCountInString(term) > MaxTermRunes {
		return "", ErrTermTooLong
	}
	if IsForbidden(term) {
		return "", ErrForbiddenTerm
	}
	return term, nil
}

// IsForbidden reports whether term matches any forbidden pattern.
func IsForbidden(term string) bool {
	for _, re := range forbidden {
		if re.MatchString(term) {
			return true
		}
	}
	return false
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
