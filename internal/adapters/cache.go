package adapters

import (
	"sync"
	"time"

	"stockscout/internal/observ"
)

// QuoteCache is a thread-safe TTL cache for quotes. Entries past their TTL
// are misses for Get but remain reachable through GetStale until Cleanup
// evicts them.
type QuoteCache struct {
	mu      sync.Mutex
	entries map[string]cachedQuote
	maxSize int
}

type cachedQuote struct {
	quote    Quote
	cachedAt time.Time
	ttl      time.Duration
}

// NewQuoteCache creates a cache bounded to maxSize entries.
func NewQuoteCache(maxSize int) *QuoteCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &QuoteCache{
		entries: make(map[string]cachedQuote),
		maxSize: maxSize,
	}
}

// Get returns the cached quote if it is within its TTL.
func (c *QuoteCache) Get(ticker string) (*Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticker]
	if !ok || time.Since(entry.cachedAt) > entry.ttl {
		observ.IncCounter("quote_cache_miss_total", nil)
		return nil, false
	}

	observ.IncCounter("quote_cache_hit_total", nil)
	q := entry.quote
	return &q, true
}

// GetStale returns a cached quote past its TTL but inside ceiling, with its
// age. Used to serve last-known prices when a refresh fails.
func (c *QuoteCache) GetStale(ticker string, ceiling time.Duration) (*Quote, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[ticker]
	if !ok {
		return nil, 0, false
	}
	age := time.Since(entry.cachedAt)
	if age > ceiling {
		return nil, 0, false
	}

	observ.IncCounter("quote_cache_stale_read_total", nil)
	q := entry.quote
	return &q, age, true
}

// Put stores a quote, evicting the oldest entry when the cache is full.
func (c *QuoteCache) Put(ticker string, quote *Quote, ttl time.Duration) {
	if quote == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[ticker]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[ticker] = cachedQuote{quote: *quote, cachedAt: time.Now(), ttl: ttl}
	observ.SetGauge("quote_cache_size", float64(len(c.entries)), nil)
}

// Len returns the number of cached entries, expired or not.
func (c *QuoteCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Cleanup drops entries older than ceiling.
func (c *QuoteCache) Cleanup(ceiling time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	now := time.Now()
	for ticker, entry := range c.entries {
		if now.Sub(entry.cachedAt) > ceiling {
			delete(c.entries, ticker)
			evicted++
		}
	}
	if evicted > 0 {
		observ.IncCounterBy("quote_cache_evictions_total", nil, int64(evicted))
		observ.SetGauge("quote_cache_size", float64(len(c.entries)), nil)
	}
}

func (c *QuoteCache) evictOldestLocked() {
	var oldestTicker string
	var oldestAt time.Time
	for ticker, entry := range c.entries {
		if oldestTicker == "" || entry.cachedAt.Before(oldestAt) {
			oldestTicker = ticker
			oldestAt = entry.cachedAt
		}
	}
	if oldestTicker != "" {
		delete(c.entries, oldestTicker)
		observ.IncCounter("quote_cache_evictions_total", nil)
	}
}
