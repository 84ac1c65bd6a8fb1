// Package cache provides a small TTL cache for the recent-event summaries
// fed to the LLM as classification context. Summaries are re-read from
// storage at most once per TTL; merges and writes invalidate eagerly.
package cache

import (
	"sync"
	"time"

	"hotaggr/internal/types"
)

// SummaryCache caches the recent-event summary snapshot between batches.
type SummaryCache interface {
	// Get returns the cached snapshot, or nil when absent or expired.
	Get() []*types.EventSummary
	// Put stores a fresh snapshot.
	Put(summaries []*types.EventSummary)
	// Invalidate drops the snapshot if it mentions the event. Writes to
	// events not in the snapshot leave it intact until the TTL expires.
	Invalidate(eventID int64)
	// Clear drops the snapshot unconditionally.
	Clear()
}

type ttlCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	summaries []*types.EventSummary
	expires   time.Time
}

// New returns a TTL-bounded SummaryCache. A non-positive ttl disables
// caching entirely; Get always misses.
func New(ttl time.Duration) SummaryCache {
	return &ttlCache{ttl: ttl}
}

func (c *ttlCache) Get() []*types.EventSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.summaries == nil || time.Now().After(c.expires) {
		return nil
	}
	return c.summaries
}

func (c *ttlCache) Put(summaries []*types.EventSummary) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = summaries
	c.expires = time.Now().Add(c.ttl)
}

func (c *ttlCache) Invalidate(eventID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, sum := range c.summaries {
		if sum.ID == eventID {
			c.summaries = nil
			return
		}
	}
}

func (c *ttlCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries = nil
}
