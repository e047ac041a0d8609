package hub

import (
	"encoding/json"
	"sync"
)

// resultCache keeps the results of recently completed VM-issued requests,
// keyed by request ID. After a reconnect the resume exchange answers the
// VM's in-flight IDs from this cache; an ID that was never handled, or
// whose result has been evicted, reports not_found and the VM re-issues
// the request. Eviction is oldest-first at a fixed capacity.
type resultCache struct {
	mu    sync.Mutex
	cap   int
	items map[string]json.RawMessage
	order []string
}

func newResultCache(capacity int) *resultCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &resultCache{cap: capacity, items: make(map[string]json.RawMessage)}
}

func (c *resultCache) put(id string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; !ok {
		if len(c.order) == c.cap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.items, oldest)
		}
		c.order = append(c.order, id)
	}
	c.items[id] = result
}

func (c *resultCache) get(id string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.items[id]
	return r, ok
}
