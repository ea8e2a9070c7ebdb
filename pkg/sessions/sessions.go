// Package sessions keeps server-side search sessions. Each session owns one
// orchestrator whose snapshots are published to a realtime hub; idle
// sessions are swept after a TTL.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rubiojr/panhub/pkg/log"
	"github.com/rubiojr/panhub/pkg/orchestrator"
	"github.com/rubiojr/panhub/pkg/realtime"
)

const (
	DefaultTTL           = 10 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxSessions   = 1000
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many sessions")
)

// InvalidSearchError carries the user-facing validation message of a
// rejected search.
type InvalidSearchError struct {
	Message string
}

func (e *InvalidSearchError) Error() string { return e.Message }

type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	return c
}

// Session is one keyword search driven on the server.
type Session struct {
	ID        string                `json:"id"`
	Keyword   string                `json:"keyword"`
	Settings  orchestrator.Settings `json:"-"`
	CreatedAt time.Time             `json:"created_at"`

	orch     *orchestrator.Orchestrator
	ctx      context.Context
	cancel   context.CancelFunc
	lastSeen atomic.Int64
	wg       sync.WaitGroup
}

// Snapshot returns the session's current search state.
func (s *Session) Snapshot() orchestrator.Snapshot {
	return s.orch.Snapshot()
}

// LastSeen returns the last time the session was used or published.
func (s *Session) LastSeen() time.Time {
	return time.Unix(0, s.lastSeen.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastSeen.Store(now.UnixNano())
}

// run executes fn in the background under the session context.
func (s *Session) run(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.ctx)
	}()
}

func (s *Session) close() {
	s.cancel()
	s.orch.Reset()
}

// Manager creates, looks up and expires sessions.
type Manager struct {
	config   Config
	exec     orchestrator.Executor
	hub      *realtime.SnapshotHub
	recorder orchestrator.KeywordRecorder
	catalog  []string
	now      func() time.Time
	logger   *log.Logger

	mu       sync.RWMutex
	sessions map[string]*Session

	ctx       context.Context
	ctxCancel context.CancelFunc
	wg        sync.WaitGroup
	running   bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeywordRecorder is called with the keyword of every completed search.
func WithKeywordRecorder(r orchestrator.KeywordRecorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithPluginCatalog restricts accepted plugins; nil accepts any id.
func WithPluginCatalog(names []string) Option {
	return func(m *Manager) { m.catalog = names }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager whose sessions issue calls through exec and
// publish snapshots to hub. hub may be nil.
func NewManager(config Config, exec orchestrator.Executor, hub *realtime.SnapshotHub, opts ...Option) *Manager {
	m := &Manager{
		config:   config.withDefaults(),
		exec:     exec,
		hub:      hub,
		now:      time.Now,
		logger:   log.ForService("sessions"),
		sessions: make(map[string]*Session),
		ctx:      context.Background(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create validates the search, registers a new session and starts it in the
// background.
func (m *Manager) Create(keyword string, settings orchestrator.Settings) (*Session, error) {
	id := uuid.NewString()
	s := &Session{
		ID:        id,
		Keyword:   keyword,
		Settings:  settings,
		CreatedAt: m.now(),
	}
	opts := []orchestrator.Option{
		orchestrator.WithPluginCatalog(m.catalog),
		orchestrator.WithLogger(log.ForService("orchestrator").Child(id[:8])),
		orchestrator.WithPublisher(orchestrator.PublisherFunc(func(snap orchestrator.Snapshot) {
			s.touch(m.now())
			if m.hub != nil {
				m.hub.Publish(id, snap)
			}
		})),
	}
	if m.recorder != nil {
		opts = append(opts, orchestrator.WithKeywordRecorder(m.recorder))
	}
	s.orch = orchestrator.New(m.exec, opts...)
	if msg := s.orch.Validate(keyword, settings); msg != "" {
		return nil, &InvalidSearchError{Message: msg}
	}

	m.mu.Lock()
	if len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		return nil, ErrTooManySessions
	}
	s.ctx, s.cancel = context.WithCancel(m.ctx)
	s.touch(m.now())
	m.sessions[id] = s
	m.mu.Unlock()

	m.logger.Debugf("session %s created for %q", id, keyword)
	s.run(func(ctx context.Context) {
		s.orch.Search(ctx, keyword, settings)
	})
	return s, nil
}

// Get returns the session and marks it as used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	s.touch(m.now())
	return s, nil
}

// Pause pauses the session's search. It reports whether anything changed.
func (m *Manager) Pause(id string) (orchestrator.Snapshot, bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return orchestrator.Snapshot{}, false, err
	}
	ok := s.orch.Pause()
	return s.Snapshot(), ok, nil
}

// Resume continues a paused search in the background. It reports whether the
// session was paused.
func (m *Manager) Resume(id string) (orchestrator.Snapshot, bool, error) {
	s, err := m.Get(id)
	if err != nil {
		return orchestrator.Snapshot{}, false, err
	}
	snap := s.Snapshot()
	if snap.Phase != orchestrator.Paused {
		return snap, false, nil
	}
	s.run(func(ctx context.Context) {
		s.orch.Resume(ctx)
	})
	return snap, true, nil
}

// Reset returns the session's orchestrator to idle.
func (m *Manager) Reset(id string) (orchestrator.Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return orchestrator.Snapshot{}, err
	}
	s.orch.Reset()
	return s.Snapshot(), nil
}

// Delete stops and removes the session.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	m.closeSession(s)
	return nil
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep removes sessions idle for longer than the TTL and returns how many
// were removed.
func (m *Manager) Sweep() int {
	cutoff := m.now().Add(-m.config.TTL)
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, s)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.logger.Debugf("session %s expired", s.ID)
		m.closeSession(s)
	}
	return len(expired)
}

func (m *Manager) closeSession(s *Session) {
	s.close()
	if m.hub != nil {
		m.hub.CloseSession(s.ID)
	}
}

// Start launches the sweeper. Sessions created afterwards are cancelled when
// ctx ends.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("session manager is already running")
	}
	m.ctx, m.ctxCancel = context.WithCancel(ctx)
	m.running = true

	ticker := time.NewTicker(m.config.SweepInterval)
	m.wg.Add(1)
	go m.runSweeper(m.ctx, ticker)

	m.logger.Infof("session manager started, ttl %v, sweep every %v", m.config.TTL, m.config.SweepInterval)
	return nil
}

func (m *Manager) runSweeper(ctx context.Context, ticker *time.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.Infof("expired %d idle sessions", n)
			}
		}
	}
}

// Stop halts the sweeper and closes every session.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.ctxCancel != nil {
		m.ctxCancel()
	}
	m.running = false
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	m.wg.Wait()
	for _, s := range all {
		m.closeSession(s)
		s.wg.Wait()
	}
	m.logger.Infof("session manager stopped")
}
