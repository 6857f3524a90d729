// Package cache provides the TTL response cache used to de-duplicate provider calls.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raphaelgruber/annotator/internal/store"
)

// Defaults for Config.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
	persistPrefix        = "cache/"
)

// Config configures a Cache.
type Config struct {
	// DefaultTTL applies to Set calls with ttl <= 0 and to namespaces without an override.
	DefaultTTL time.Duration
	// NamespaceTTL overrides the TTL per namespace (operation kind).
	NamespaceTTL map[string]time.Duration
	// SweepInterval is how often expired entries are evicted. Negative disables the sweeper.
	SweepInterval time.Duration
	// Store enables write-through persistence when non-nil.
	Store  store.Store
	Logger *slog.Logger
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Entry is one cached value with its lifetime.
type Entry[V any] struct {
	Key       string
	Value     V
	CreatedAt time.Time
	ExpiresAt time.Time
}

// expired reports whether the entry is logically absent at now.
func (e *Entry[V]) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// envelope is the persisted form of an entry. Value stays raw so Has can skip decoding it.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Size          int   `json:"size"`
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Evictions     int64 `json:"evictions"`
	PersistErrors int64 `json:"persist_errors"`
}

// Cache is a TTL cache with lazy and periodic eviction.
// All methods are thread-safe.
type Cache[V any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[V]

	defaultTTL   time.Duration
	namespaceTTL map[string]time.Duration
	store        store.Store
	logger       *slog.Logger
	now          func() time.Time

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	persistErrors atomic.Int64

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache and starts its background sweeper.
func New[V any](cfg Config) *Cache[V] {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	nsTTL := make(map[string]time.Duration, len(cfg.NamespaceTTL))
	for ns, ttl := range cfg.NamespaceTTL {
		if ttl > 0 {
			nsTTL[ns] = ttl
		}
	}

	c := &Cache[V]{
		entries:      make(map[string]*Entry[V]),
		defaultTTL:   cfg.DefaultTTL,
		namespaceTTL: nsTTL,
		store:        cfg.Store,
		logger:       cfg.Logger,
		now:          cfg.Now,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}

	if cfg.SweepInterval > 0 {
		go c.sweepLoop(cfg.SweepInterval)
	} else {
		close(c.done)
	}
	return c
}

// Close stops the sweeper. The cache stays usable.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

// TTLFor returns the TTL configured for namespace.
func (c *Cache[V]) TTLFor(namespace string) time.Duration {
	if ttl, ok := c.namespaceTTL[namespace]; ok {
		return ttl
	}
	return c.defaultTTL
}

// Set stores value under key for ttl (default TTL when ttl <= 0), replacing any prior entry.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	entry := &Entry[V]{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()

	c.persist(ctx, entry)
}

// SetNamespaced stores value with the namespace's TTL.
func (c *Cache[V]) SetNamespaced(ctx context.Context, namespace, key string, value V) {
	c.Set(ctx, key, value, c.TTLFor(namespace))
}

// Get returns the value for key if present and unexpired.
// A miss in memory falls through to the persistent store when one is configured.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	now := c.now()

	if entry, ok := c.lookup(key, now); ok {
		c.hits.Add(1)
		return entry.Value, true
	}

	env, ok := c.loadEnvelope(ctx, key, now)
	if !ok {
		c.misses.Add(1)
		return zero, false
	}
	var value V
	if err := json.Unmarshal(env.Value, &value); err != nil {
		c.logger.Warn("cache entry decode failed", "key", key, "error", err)
		c.persistErrors.Add(1)
		c.misses.Add(1)
		return zero, false
	}

	c.mu.Lock()
	// A concurrent Set wins over the re-hydrated value.
	if _, exists := c.entries[key]; !exists {
		c.entries[key] = &Entry[V]{Key: key, Value: value, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	}
	c.mu.Unlock()

	c.hits.Add(1)
	return value, true
}

// Has reports whether key holds an unexpired value, without decoding persisted values.
func (c *Cache[V]) Has(ctx context.Context, key string) bool {
	now := c.now()
	if _, ok := c.lookup(key, now); ok {
		return true
	}
	_, ok := c.loadEnvelope(ctx, key, now)
	return ok
}

// Delete removes key from memory and the persistent store.
func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Delete(ctx, persistPrefix+key); err != nil {
			c.persistErrors.Add(1)
			c.logger.Warn("cache persist delete failed", "key", key, "error", err)
		}
	}
}

// Len returns the number of in-memory entries, including not-yet-swept expired ones.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache counters.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Size:          c.Len(),
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		PersistErrors: c.persistErrors.Load(),
	}
}

// Sweep evicts every expired in-memory entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if entry.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.evictions.Add(int64(removed))
	return removed
}

// lookup returns the in-memory entry, deleting it if it has expired.
func (c *Cache[V]) lookup(key string, now time.Time) (*Entry[V], bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !entry.expired(now) {
		return entry, true
	}

	c.mu.Lock()
	// Only drop the entry we saw; a concurrent Set may have replaced it.
	if cur, ok := c.entries[key]; ok && cur == entry {
		delete(c.entries, key)
		c.evictions.Add(1)
	}
	c.mu.Unlock()
	return nil, false
}

func (c *Cache[V]) loadEnvelope(ctx context.Context, key string, now time.Time) (envelope, bool) {
	if c.store == nil {
		return envelope{}, false
	}
	data, err := c.store.Get(ctx, persistPrefix+key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.persistErrors.Add(1)
			c.logger.Warn("cache persist read failed", "key", key, "error", err)
		}
		return envelope{}, false
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("cache persist envelope corrupt", "key", key, "error", err)
		return envelope{}, false
	}
	if !now.Before(env.ExpiresAt) {
		return envelope{}, false
	}
	return env, true
}

func (c *Cache[V]) persist(ctx context.Context, entry *Entry[V]) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(entry.Value)
	if err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("cache value encode failed", "key", entry.Key, "error", err)
		return
	}
	data, err := json.Marshal(envelope{Value: raw, CreatedAt: entry.CreatedAt, ExpiresAt: entry.ExpiresAt})
	if err != nil {
		c.persistErrors.Add(1)
		return
	}
	if err := c.store.Set(ctx, persistPrefix+entry.Key, data); err != nil {
		c.persistErrors.Add(1)
		c.logger.Warn("cache persist write failed", "key", entry.Key, "error", err)
	}
}

func (c *Cache[V]) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("cache sweep", "evicted", n, "remaining", c.Len())
			}
		}
	}
}
