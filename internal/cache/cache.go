// Package cache memoizes tool results (and optionally provider responses)
// with TTL expiry and a bounded entry count.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Config controls the cache.
type Config struct {
	Enabled      bool `yaml:"enabled"`
	TTLSeconds   int  `yaml:"ttl"`
	MaxEntries   int  `yaml:"max_entries"`
	ToolResults  bool `yaml:"tool_results"`
	LLMResponses bool `yaml:"llm_responses"`
}

// DefaultConfig caches tool results for an hour, up to a thousand entries.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		TTLSeconds:  3600,
		MaxEntries:  1000,
		ToolResults: true,
	}
}

// Stats tracks cache performance.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
}

// HitRate is the percentage of lookups served from cache.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

type entry struct {
	value     any
	createdAt time.Time
	ttl       time.Duration
	hits      int
}

// expired reports whether the entry is past its TTL at time now.
// A zero TTL never expires.
func (e *entry) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.After(e.createdAt.Add(e.ttl))
}

// Cache is a TTL memoization cache. Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	stats   Stats
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a cache. A disabled cache accepts all calls and caches nothing.
func New(cfg Config, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	return &Cache{
		entries: make(map[string]*entry),
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Key derives a cache key from a tool name and its arguments: the sha256 hex
// digest of their JSON encoding. Map keys serialize sorted, so equal argument
// maps always produce equal keys.
func Key(name string, args map[string]any) string {
	payload := struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	}{Name: name, Args: args}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(name)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value for key, or ok=false on a miss or expired
// entry. Expired entries are removed on access.
func (c *Cache) Get(key string) (any, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}
	e.hits++
	c.stats.Hits++
	return e.value, true
}

// Set stores value under key with the default TTL. When the cache is full,
// the oldest entry is evicted first.
func (c *Cache) Set(key string, value any) {
	c.SetTTL(key, value, time.Duration(c.cfg.TTLSeconds)*time.Second)
}

// SetTTL stores value with an explicit TTL. ttl <= 0 means never expire.
func (c *Cache) SetTTL(key string, value any, ttl time.Duration) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.cfg.MaxEntries {
		c.evictOldest()
	}
	c.entries[key] = &entry{value: value, createdAt: c.now(), ttl: ttl}
}

// evictOldest removes the entry with the earliest creation time.
// Caller holds the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	for key, e := range c.entries {
		if oldestKey == "" || e.createdAt.Before(oldestAt) {
			oldestKey = key
			oldestAt = e.createdAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.stats.Evictions++
	}
}

// Invalidate removes one entry, reporting whether it existed.
func (c *Cache) Invalidate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.stats.Evictions++
	return true
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.Evictions += int64(len(c.entries))
	c.entries = make(map[string]*entry)
}

// CleanupExpired removes all expired entries and returns how many went.
func (c *Cache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for key, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, key)
			removed++
		}
	}
	c.stats.Evictions += int64(removed)
	if removed > 0 {
		c.logger.Debug("expired cache entries removed", "count", removed)
	}
	return removed
}

// GetToolResult looks up a memoized tool result.
func (c *Cache) GetToolResult(tool string, args map[string]any) (any, bool) {
	if !c.cfg.ToolResults {
		return nil, false
	}
	return c.Get(Key(tool, args))
}

// SetToolResult memoizes a tool result.
func (c *Cache) SetToolResult(tool string, args map[string]any, result any) {
	if !c.cfg.ToolResults {
		return
	}
	c.Set(Key(tool, args), result)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.entries)
	return s
}
