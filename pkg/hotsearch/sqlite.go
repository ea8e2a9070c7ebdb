package hotsearch

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rubiojr/panhub/pkg/db"
	"github.com/rubiojr/panhub/pkg/log"
)

type SQLiteStore struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
	mu         sync.Mutex // serializes record+prune
}

// OpenSQLite opens (creating if needed) the hot search database at path.
func OpenSQLite(path string, maxEntries int) (*SQLiteStore, error) {
	conn, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening hot search database: %w", err)
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &SQLiteStore{db: conn, maxEntries: maxEntries, now: time.Now}, nil
}

// Open returns a SQLite store at path, falling back to an in-memory store
// when the database cannot be opened.
func Open(path string, maxEntries int) Store {
	s, err := OpenSQLite(path, maxEntries)
	if err != nil {
		log.ForService("hotsearch").Warnf("using in-memory store: %v", err)
		return NewMemoryStore(maxEntries)
	}
	return s
}

func (s *SQLiteStore) Record(ctx context.Context, term string) error {
	term, err := NormalizeTerm(term)
	if err != nil {
		return err
	}
	now := s.now().UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO hot_searches (term, score, last_searched, created_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(term) DO UPDATE SET
			score = score + 1,
			last_searched = excluded.last_searched
	`, term, now, now); err != nil {
		return fmt.Errorf("recording term: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM hot_searches
		WHERE id NOT IN (
			SELECT id FROM hot_searches
			ORDER BY score DESC, last_searched DESC, id DESC
			LIMIT ?
		)
	`, s.maxEntries); err != nil {
		return fmt.Errorf("pruning terms: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing term: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Top(ctx context.Context, limit int) ([]Entry, error) {
	return s.top(ctx, clampLimit(limit, s.maxEntries))
}

func (s *SQLiteStore) top(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT term, score, last_searched, created_at
		FROM hot_searches
		ORDER BY score DESC, last_searched DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying hot searches: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Term, &e.Score, &e.LastSearched, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning hot search: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM hot_searches").Scan(&st.Total); err != nil {
		return Stats{}, fmt.Errorf("counting hot searches: %w", err)
	}
	top, err := s.top(ctx, StatsTopN)
	if err != nil {
		return Stats{}, err
	}
	st.TopTerms = top
	return st, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, term string) error {
	if t, err := NormalizeTerm(term); err == nil {
		term = t
	}
	res, err := s.db.ExecContext(ctx, "DELETE FROM hot_searches WHERE term = ?", term)
	if err != nil {
		return fmt.Errorf("deleting term: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM hot_searches"); err != nil {
		return fmt.Errorf("clearing hot searches: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
