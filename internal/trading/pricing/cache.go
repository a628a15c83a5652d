package pricing

import (
	"sync"
	"time"

	"github.com/Aidin1998/fxarena/internal/trading/model"
)

type cacheEntry struct {
	quote    model.Quote
	storedAt time.Time
}

// Cache holds the last good quote per symbol. Entries younger than the TTL are
// fresh; older entries are kept as a stale fallback until invalidated.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
	entries map[model.Symbol]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{ttl: ttl, now: time.Now, entries: make(map[model.Symbol]cacheEntry)}
}

// Get returns the cached quote and whether it is still within the TTL.
func (c *Cache) Get(sym model.Symbol) (q model.Quote, fresh bool, ok bool) {
	c.mu.RLock()
	e, ok := c.entries[sym]
	c.mu.RUnlock()
	if !ok {
		return model.Quote{}, false, false
	}
	return e.quote, c.now().Sub(e.storedAt) < c.ttl, true
}

func (c *Cache) Put(quotes map[model.Symbol]model.Quote) {
	now := c.now()
	c.mu.Lock()
	for sym, q := range quotes {
		c.entries[sym] = cacheEntry{quote: q, storedAt: now}
	}
	c.mu.Unlock()
}

// Invalidate drops the given symbols, fresh or stale.
func (c *Cache) Invalidate(symbols ...model.Symbol) {
	c.mu.Lock()
	for _, s := range symbols {
		delete(c.entries, s)
	}
	c.mu.Unlock()
}

func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[model.Symbol]cacheEntry)
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
