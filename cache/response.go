package cache

import (
	"encoding/json"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Config configures the response cache.
type Config struct {
	// MaxEntries bounds the store; insertion beyond capacity evicts the
	// least-recently-used entry.
	// Default: 1000
	MaxEntries int

	// TTL is how long an entry is considered fresh.
	// Default: 30 seconds
	TTL time.Duration

	// MaxStale is how far past TTL expiry GetStale may still serve an
	// entry. Negative disables stale reads.
	// Default: 5 minutes
	MaxStale time.Duration
}

// ResponseCache is a bounded LRU + TTL cache for RPC responses.
type ResponseCache struct {
	config Config

	mu    sync.Mutex
	store *lru.Cache[string, entry]

	hits      uint64
	misses    uint64
	staleHits uint64
}

type entry struct {
	value    json.RawMessage
	storedAt time.Time
}

// Stats contains cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	StaleHits uint64 `json:"stale_hits"`
	Entries   int    `json:"entries"`
}

// New creates a new response cache.
func New(config Config) (*ResponseCache, error) {
	// Apply defaults
	if config.MaxEntries <= 0 {
		config.MaxEntries = 1000
	}
	if config.TTL <= 0 {
		config.TTL = 30 * time.Second
	}
	if config.MaxStale == 0 {
		config.MaxStale = 5 * time.Minute
	} else if config.MaxStale < 0 {
		config.MaxStale = 0
	}

	store, err := lru.New[string, entry](config.MaxEntries)
	if err != nil {
		return nil, err
	}

	return &ResponseCache{
		config: config,
		store:  store,
	}, nil
}

// Get retrieves a fresh value. Returns (nil, false) on miss or expiry; a
// miss is not an error, callers fall through to the live-fetch path.
func (c *ResponseCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store.Get(key)
	if !ok || time.Since(e.storedAt) > c.config.TTL {
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// GetStale retrieves an entry that may be past its TTL, as long as it is
// within the stale window. It returns the entry's age so callers can log
// how degraded the response is. Fresh entries are returned as well.
func (c *ResponseCache) GetStale(key string) (json.RawMessage, time.Duration, bool) {
	if c.config.MaxStale <= 0 {
		return nil, 0, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.store.Peek(key)
	if !ok {
		return nil, 0, false
	}
	age := time.Since(e.storedAt)
	if age > c.config.TTL+c.config.MaxStale {
		return nil, 0, false
	}
	c.staleHits++
	return e.value, age, true
}

// Set stores a value. Values that failed to be produced are never cached;
// callers only Set on success.
func (c *ResponseCache) Set(key string, value json.RawMessage) {
	if key == "" {
		return
	}
	c.mu.Lock()
	c.store.Add(key, entry{value: value, storedAt: time.Now()})
	c.mu.Unlock()
}

// Delete removes an entry. Idempotent.
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	c.store.Remove(key)
	c.mu.Unlock()
}

// PurgeExpired removes entries that are no longer servable, even as stale.
func (c *ResponseCache) PurgeExpired(now time.Time) {
	limit := c.config.TTL + c.config.MaxStale

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.store.Keys() {
		e, ok := c.store.Peek(key)
		if !ok {
			continue
		}
		if now.Sub(e.storedAt) > limit {
			c.store.Remove(key)
		}
	}
}

// Stats returns current cache counters.
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Entries:   c.store.Len(),
	}
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups yet.
func (c *ResponseCache) HitRatio() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
