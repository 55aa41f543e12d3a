package analytics

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/spintel/analytics-server/internal/store"
)

const cacheCapacity = 10

// fingerprint identifies an analysis input window: the tenant's all-time
// total pins the sequence position, the window size pins the tail length.
type fingerprint struct {
	total      int
	windowSize int
}

// recordCache is a bounded first-in-first-out cache of serialized records.
// Storing the marshaled bytes guarantees a hit is byte-identical to the
// record computed when the entry was inserted.
type recordCache struct {
	order   []fingerprint
	entries map[fingerprint][]byte
}

func newRecordCache() *recordCache {
	return &recordCache{entries: make(map[fingerprint][]byte, cacheCapacity)}
}

func (c *recordCache) get(key fingerprint) ([]byte, bool) {
	raw, ok := c.entries[key]
	return raw, ok
}

func (c *recordCache) put(key fingerprint, raw []byte) {
	if _, exists := c.entries[key]; exists {
		c.entries[key] = raw
		return
	}
	if len(c.order) >= cacheCapacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
	c.order = append(c.order, key)
	c.entries[key] = raw
}

// Engine wraps the pure computation with per-tenant memoization.
type Engine struct {
	batchSize int

	mu     sync.Mutex
	caches map[string]*recordCache
}

// NewEngine creates an engine with the configured default window size.
func NewEngine(batchSize int) *Engine {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Engine{
		batchSize: batchSize,
		caches:    make(map[string]*recordCache),
	}
}

// BatchSize returns the default window size.
func (e *Engine) BatchSize() int {
	return e.batchSize
}

// Analyze returns the serialized AnalysisRecord for the owner's window,
// computing and caching it on miss. The returned bytes are byte-identical
// across calls with the same fingerprint.
func (e *Engine) Analyze(owner string, window []store.ResultEntry, total int, lastUpdated int64) (json.RawMessage, error) {
	key := fingerprint{total: total, windowSize: len(window)}

	e.mu.Lock()
	cache, ok := e.caches[owner]
	if !ok {
		cache = newRecordCache()
		e.caches[owner] = cache
	}
	if raw, hit := cache.get(key); hit {
		e.mu.Unlock()
		return raw, nil
	}
	e.mu.Unlock()

	record := Compute(window, total, lastUpdated)
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal analysis record: %w", err)
	}

	e.mu.Lock()
	cache.put(key, raw)
	e.mu.Unlock()

	return raw, nil
}

// Invalidate drops every cached record for the owner. The store calls it
// under the tenant's exclusive lock, so invalidation happens-before the
// mutating operation returns.
func (e *Engine) Invalidate(owner string) {
	e.mu.Lock()
	delete(e.caches, owner)
	e.mu.Unlock()
}
