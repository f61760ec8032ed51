package gate

import (
	"container/list"
	"sync"
	"time"

	"github.com/masc-io/masc/pkg/clock"
)

// IdempotencyCache is a bounded LRU of client keys to prior responses.
// Re-posting a creating command with the same key inside the window
// returns the cached response instead of re-executing.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front = most recent
	cap     int
	window  time.Duration
	clock   clock.Clock
}

type idemEntry struct {
	key      string
	response any
	err      error
	storedAt time.Time
}

// NewIdempotencyCache builds a cache holding at most cap entries for at
// most window each.
func NewIdempotencyCache(c clock.Clock, cap int, window time.Duration) *IdempotencyCache {
	return &IdempotencyCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		cap:     cap,
		window:  window,
		clock:   c,
	}
}

// Get returns the cached response for the key, if still inside the window.
func (c *IdempotencyCache) Get(key string) (any, error, bool) {
	if key == "" {
		return nil, nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, nil, false
	}
	entry := el.Value.(*idemEntry)
	if c.clock.Now().Sub(entry.storedAt) > c.window {
		c.order.Remove(el)
		delete(c.entries, key)
		return nil, nil, false
	}
	c.order.MoveToFront(el)
	return entry.response, entry.err, true
}

// Put stores a response under the key, evicting the least recently used
// entry when full.
func (c *IdempotencyCache) Put(key string, response any, err error) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*idemEntry)
		entry.response, entry.err, entry.storedAt = response, err, c.clock.Now()
		c.order.MoveToFront(el)
		return
	}
	for c.order.Len() >= c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*idemEntry).key)
	}
	el := c.order.PushFront(&idemEntry{key: key, response: response, err: err, storedAt: c.clock.Now()})
	c.entries[key] = el
}
