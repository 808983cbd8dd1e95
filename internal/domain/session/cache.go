package session

import "container/list"

// lruCache is a capacity-bounded map with least-recently-accessed
// eviction. Not safe for concurrent use; the store's lock guards it.
type lruCache struct {
	capacity int
	order    *list.List               // front = most recently accessed
	entries  map[string]*list.Element // session ID -> element
}

type lruEntry struct {
	id      string
	session *Session
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// get returns the cached session and marks it recently accessed.
func (c *lruCache) get(id string) (*Session, bool) {
	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(*lruEntry).session, true
}

// peek returns the cached session without touching recency.
func (c *lruCache) peek(id string) (*Session, bool) {
	elem, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return elem.Value.(*lruEntry).session, true
}

// put inserts or refreshes a session. Returns the evicted session, if
// the insert pushed the cache over capacity.
func (c *lruCache) put(id string, session *Session) *Session {
	if elem, ok := c.entries[id]; ok {
		elem.Value.(*lruEntry).session = session
		c.order.MoveToFront(elem)
		return nil
	}

	c.entries[id] = c.order.PushFront(&lruEntry{id: id, session: session})

	if c.capacity > 0 && c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			entry := oldest.Value.(*lruEntry)
			c.order.Remove(oldest)
			delete(c.entries, entry.id)
			return entry.session
		}
	}
	return nil
}

// remove deletes a session from the cache.
func (c *lruCache) remove(id string) {
	if elem, ok := c.entries[id]; ok {
		c.order.Remove(elem)
		delete(c.entries, id)
	}
}

// each calls fn for every cached session, in no particular order.
func (c *lruCache) each(fn func(id string, session *Session)) {
	for id, elem := range c.entries {
		fn(id, elem.Value.(*lruEntry).session)
	}
}

func (c *lruCache) len() int {
	return c.order.Len()
}
