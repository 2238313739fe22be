package salesforce

import (
	"sync"
	"time"
)

// DescribeCache holds object describes per subject so repeated wizard and
// validation passes do not hammer the metadata endpoint. Entries expire after
// a TTL and are dropped wholesale when a subject logs out.
type DescribeCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[describeKey]describeEntry
}

type describeKey struct {
	subjectID string
	object    string
}

type describeEntry struct {
	describe  *ObjectDescribe
	fetchedAt time.Time
}

// NewDescribeCache returns an empty cache whose entries live for ttl.
// A non-positive ttl disables expiry.
func NewDescribeCache(ttl time.Duration) *DescribeCache {
	return &DescribeCache{
		ttl:     ttl,
		entries: make(map[describeKey]describeEntry),
	}
}

// Get returns the cached describe for subject+object if present and fresh.
func (c *DescribeCache) Get(subjectID, object string) (*ObjectDescribe, bool) {
	c.mu.RLock()
	entry, ok := c.entries[describeKey{subjectID, object}]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && time.Since(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.describe, true
}

// Put stores a describe for subject+object, replacing any prior entry.
func (c *DescribeCache) Put(subjectID, object string, d *ObjectDescribe) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[describeKey{subjectID, object}] = describeEntry{
		describe:  d,
		fetchedAt: time.Now(),
	}
}

// Invalidate drops every entry belonging to a subject.
func (c *DescribeCache) Invalidate(subjectID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.subjectID == subjectID {
			delete(c.entries, key)
		}
	}
}

// Sweep drops every expired entry and reports how many were removed.
// The janitor calls this periodically so long-idle subjects do not pin
// describe documents in memory.
func (c *DescribeCache) Sweep() int {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, entry := range c.entries {
		if time.Since(entry.fetchedAt) > c.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the number of live entries, expired or not.
func (c *DescribeCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
