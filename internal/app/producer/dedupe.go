package producer

import (
	"container/list"
	"time"
)

type dedupeEntry struct {
	id     string
	seenAt time.Time
}

// dedupeCache is a sliding-window LRU keyed by signal id. Entries expire
// after the window; when the cache is full the oldest entry is evicted first.
// Each producer goroutine owns its own cache, so no locking.
type dedupeCache struct {
	window   time.Duration
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupeCache(window time.Duration, capacity int) *dedupeCache {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if capacity <= 0 {
		capacity = 10000
	}
	return &dedupeCache{
		window:   window,
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Seen records the id and reports whether it was already present inside the
// window.
func (c *dedupeCache) Seen(id string, now time.Time) bool {
	c.expire(now)

	if elem, ok := c.index[id]; ok {
		elem.Value.(*dedupeEntry).seenAt = now
		c.order.MoveToBack(elem)
		return true
	}

	if c.order.Len() >= c.capacity {
		c.evictOldest()
	}
	c.index[id] = c.order.PushBack(&dedupeEntry{id: id, seenAt: now})
	return false
}

func (c *dedupeCache) expire(now time.Time) {
	cutoff := now.Add(-c.window)
	for {
		front := c.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(*dedupeEntry)
		if entry.seenAt.After(cutoff) {
			return
		}
		c.order.Remove(front)
		delete(c.index, entry.id)
	}
}

func (c *dedupeCache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	entry := front.Value.(*dedupeEntry)
	c.order.Remove(front)
	delete(c.index, entry.id)
}

func (c *dedupeCache) Len() int {
	return c.order.Len()
}
