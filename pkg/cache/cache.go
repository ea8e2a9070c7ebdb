// Package cache is an in-memory TTL cache with LRU eviction bounded both by
// entry count and by memory. Values are stored as zstd-compressed JSON and
// the memory bound is accounted in compressed bytes.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/rubiojr/panhub/pkg/log"
)

const (
	DefaultTTL             = 30 * time.Minute
	DefaultMaxEntries      = 1000
	DefaultMaxMemoryBytes  = 100 << 20
	DefaultCleanupInterval = 5 * time.Minute
	// memoryThreshold is the usage ratio above which Set evicts proactively.
	memoryThreshold = 0.8
)

// ErrTooLarge is returned by Set for values that cannot fit even in an empty cache.
var ErrTooLarge = errors.New("value exceeds cache memory limit")

type Config struct {
	TTL             time.Duration
	MaxEntries      int
	MaxMemoryBytes  int64
	CleanupInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = DefaultMaxMemoryBytes
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Total              int     `json:"total"`
	Active             int     `json:"active"`
	Expired            int     `json:"expired"`
	MaxSize            int     `json:"max_size"`
	MemoryBytes        int64   `json:"memory_bytes"`
	MaxMemoryBytes     int64   `json:"max_memory_bytes"`
	MemoryUsagePercent float64 `json:"memory_usage_percent"`
	Hits               uint64  `json:"hits"`
	Misses             uint64  `json:"misses"`
	Evictions          uint64  `json:"evictions"`
}

type entry struct {
	key     string
	data    []byte
	expires time.Time
}

type Cache struct {
	cfg    Config
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	now    func() time.Time
	logger *log.Logger

	mu        sync.Mutex
	items     map[string]*list.Element
	lru       *list.List // front = most recently used
	bytes     int64
	hits      uint64
	misses    uint64
	evictions uint64

	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a cache; zero Config fields take their defaults.
func New(cfg Config) (*Cache, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Cache{
		cfg:    cfg.withDefaults(),
		enc:    enc,
		dec:    dec,
		now:    time.Now,
		logger: log.ForService("cache"),
		items:  make(map[string]*list.Element),
		lru:    list.New(),
	}, nil
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// Set stores v under key with the default TTL.
func (c *Cache) Set(key string, v any) error {
	return c.SetWithTTL(key, v, c.cfg.TTL)
}

// SetWithTTL stores v under key for ttl.
func (c *Cache) SetWithTTL(key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value: %w", err)
	}
	data := c.enc.EncodeAll(raw, nil)
	size := int64(len(data))
	if size > c.cfg.MaxMemoryBytes {
		return ErrTooLarge
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	if float64(c.bytes+size) > float64(c.cfg.MaxMemoryBytes)*memoryThreshold {
		c.cleanupLocked()
	}
	for c.lru.Len() > 0 && (c.lru.Len() >= c.cfg.MaxEntries || c.bytes+size > c.cfg.MaxMemoryBytes) {
		c.removeLocked(c.lru.Back())
		c.evictions++
	}

	c.items[key] = c.lru.PushFront(&entry{key: key, data: data, expires: c.now().Add(ttl)})
	c.bytes += size
	return nil
}

// Get decodes the value stored under key into dst. Expired entries count as
// misses and are dropped.
func (c *Cache) Get(key string, dst any) (bool, error) {
	c.mu.Lock()
	el, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return false, nil
	}
	e := el.Value.(*entry)
	if !c.now().Before(e.expires) {
		c.removeLocked(el)
		c.misses++
		c.mu.Unlock()
		return false, nil
	}
	c.lru.MoveToFront(el)
	c.hits++
	data := e.data
	c.mu.Unlock()

	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return false, fmt.Errorf("decompressing cache value: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decoding cache value: %w", err)
	}
	return true, nil
}

// Delete removes key, reporting whether it was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if ok {
		c.removeLocked(el)
	}
	return ok
}

// Clear drops every entry. Counters are kept.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.lru.Init()
	c.bytes = 0
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// ForceCleanup removes expired entries now and returns how many were removed.
func (c *Cache) ForceCleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleanupLocked()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	s := Stats{
		Total:          c.lru.Len(),
		MaxSize:        c.cfg.MaxEntries,
		MemoryBytes:    c.bytes,
		MaxMemoryBytes: c.cfg.MaxMemoryBytes,
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
	}
	for el := c.lru.Front(); el != nil; el = el.Next() {
		if now.Before(el.Value.(*entry).expires) {
			s.Active++
		} else {
			s.Expired++
		}
	}
	s.MemoryUsagePercent = float64(c.bytes) / float64(c.cfg.MaxMemoryBytes) * 100
	return s
}

// Start runs periodic cleanup until ctx is done or Stop is called.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("cache cleanup is already running")
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	ticker := time.NewTicker(c.cfg.CleanupInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.ForceCleanup(); n > 0 {
					c.logger.Debugf("removed %d expired entries", n)
				}
			}
		}
	}()
	return nil
}

// Stop ends the cleanup goroutine started by Start.
func (c *Cache) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.running = false
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Cache) cleanupLocked() int {
	now := c.now()
	removed := 0
	for el := c.lru.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*entry).expires) {
			c.removeLocked(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *Cache) removeLocked(el *list.Element) {
	e := c.lru.Remove(el).(*entry)
	delete(c.items, e.key)
	c.bytes -= int64(len(e.data))
}
