// ABOUTME: Thread-safe TTL set guarding one-shot side effects such as session hand-off.
// ABOUTME: Claim marks a key exactly once; Release undoes a claim whose side effect failed.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type claim struct {
	at      time.Time
	element *list.Element
}

// Cache remembers claimed keys for a TTL, bounded by maxSize. When full, the
// oldest claim is evicted first.
type Cache struct {
	mu      sync.Mutex
	claims  map[string]*claim
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now as the cache's time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache and starts its background sweeper.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	c := &Cache{
		claims:  make(map[string]*claim),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop()
	return c
}

// Claimed reports whether key holds an unexpired claim.
func (c *Cache) Claimed(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.liveLocked(key)
}

// Claim atomically claims key. It returns true if this call won the claim and
// false if an unexpired claim already existed.
func (c *Cache) Claim(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked(key) {
		return false
	}
	c.insertLocked(key)
	return true
}

// Release drops a claim so the key can be claimed again.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cl, ok := c.claims[key]; ok {
		c.order.Remove(cl.element)
		delete(c.claims, key)
	}
}

func (c *Cache) liveLocked(key string) bool {
	cl, ok := c.claims[key]
	return ok && c.now().Sub(cl.at) < c.ttl
}

func (c *Cache) insertLocked(key string) {
	now := c.now()

	if cl, ok := c.claims[key]; ok {
		cl.at = now
		c.order.MoveToBack(cl.element)
		return
	}

	if c.maxSize > 0 && len(c.claims) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.claims[key] = &claim{at: now, element: c.order.PushBack(key)}
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.claims, key)
}

func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes expired claims and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, cl := range c.claims {
		if now.Sub(cl.at) >= c.ttl {
			c.order.Remove(cl.element)
			delete(c.claims, key)
			removed++
		}
	}
	return removed
}

// Close stops the sweeper. It is safe to call more than once.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
