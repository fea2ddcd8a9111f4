// ABOUTME: Size-bounded TTL set of recently seen keys, swept lazily on every write
// ABOUTME: The Matrix bridge uses it to drop redelivered event ids

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Cache remembers keys for a fixed TTL. Entries are kept in mark order, which
// is also expiry order, so expired keys are always at the front of the list.
type Cache struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // of *entry, oldest first
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize keys for ttl each.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Contains reports whether key was marked within the TTL.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		return false
	}
	return c.now().Sub(el.Value.(*entry).seenAt) < c.ttl
}

// Seen marks key and reports whether it was already present. Checking and
// marking happen under one lock, so concurrent callers with the same key
// see exactly one false.
func (c *Cache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.sweepLocked(now)

	if _, ok := c.index[key]; ok {
		return true
	}

	for len(c.index) >= c.maxSize {
		c.removeLocked(c.order.Front())
	}
	c.index[key] = c.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Forget removes key so a later Seen reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		c.removeLocked(el)
	}
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked(c.now())
	return len(c.index)
}

func (c *Cache) sweepLocked(now time.Time) {
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		if now.Sub(el.Value.(*entry).seenAt) < c.ttl {
			return
		}
		c.removeLocked(el)
	}
}

func (c *Cache) removeLocked(el *list.Element) {
	if el == nil {
		return
	}
	c.order.Remove(el)
	delete(c.index, el.Value.(*entry).key)
}
