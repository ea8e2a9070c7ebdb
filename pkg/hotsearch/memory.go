package hotsearch

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore is the process-local fallback with the same ranking rules as
// SQLiteStore.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*memEntry
	seq        int64
	maxEntries int
	now        func() time.Time
}

type memEntry struct {
	Entry
	id int64
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryStore{entries: make(map[string]*memEntry), maxEntries: maxEntries, now: time.Now}
}

func (m *MemoryStore) Record(_ context.Context, term string) error {
	term, err := NormalizeTerm(term)
	if err != nil {
		return err
	}
	now := m.now().UnixMilli()

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[term]; ok {
		e.Score++
		e.LastSearched = now
	} else {
		m.seq++
		m.entries[term] = &memEntry{Entry: Entry{Term: term, Score: 1, LastSearched: now, CreatedAt: now}, id: m.seq}
	}
	ranked := m.rankedLocked()
	for _, e := range ranked[min(len(ranked), m.maxEntries):] {
		delete(m.entries, e.Term)
	}
	return nil
}

func (m *MemoryStore) rankedLocked() []*memEntry {
	out := make([]*memEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *memEntry) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.LastSearched, a.LastSearched); c != 0 {
			return c
		}
		return cmp.Compare(b.id, a.id)
	})
	return out
}

func (m *MemoryStore) top(limit int) []Entry {
	ranked := m.rankedLocked()
	out := make([]Entry, 0, min(limit, len(ranked)))
	for _, e := range ranked[:min(limit, len(ranked))] {
		out = append(out, e.Entry)
	}
	return out
}

func (m *MemoryStore) Top(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.top(clampLimit(limit, m.maxEntries)), nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Total: len(m.entries), TopTerms: m.top(StatsTopN)}, nil
}

func (m *MemoryStore) Delete(_ context.Context, term string) error {
	if t, err := NormalizeTerm(term); err == nil {
		term = t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[term]; !ok {
		return ErrNotFound
	}
	delete(m.entries, term)
	return nil
}

func (m *MemoryStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
