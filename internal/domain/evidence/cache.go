package evidence

import "sync"

// GroupCache memoizes Group results for one explanation. Entries are keyed by
// sentence index and belong to a single response; asking with a different
// response drops everything cached for the previous one.
type GroupCache struct {
	mu       sync.Mutex
	resp     *ExplainResponse
	entries  map[int]*GroupedEvidence
	observer func(hit bool)
}

// NewGroupCache returns an empty cache. observer, when non-nil, is called on
// every lookup with whether it was served from the cache.
func NewGroupCache(observer func(hit bool)) *GroupCache {
	return &GroupCache{observer: observer}
}

// Get returns Group(resp, summaryIdx), computing it at most once per
// (response, index) pair. Nil results are cached as well.
func (c *GroupCache) Get(resp *ExplainResponse, summaryIdx int) *GroupedEvidence {
	c.mu.Lock()
	if c.resp != resp || c.entries == nil {
		c.resp = resp
		c.entries = make(map[int]*GroupedEvidence)
	}
	g, hit := c.entries[summaryIdx]
	if !hit {
		g = Group(resp, summaryIdx)
		c.entries[summaryIdx] = g
	}
	c.mu.Unlock()

	if c.observer != nil {
		c.observer(hit)
	}
	return g
}

// Len returns the number of cached entries for the current response.
func (c *GroupCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
