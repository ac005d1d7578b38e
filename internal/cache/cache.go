// Package cache provides the in-memory key/value store shared by the client
// services. Entries may carry a time-to-live; expired entries are evicted
// when they are next read, never by a background sweep.
package cache

import (
	"sync"
	"time"
)

// DefaultTTL is applied by SetDefault.
const DefaultTTL = 10 * time.Second

// NoExpiration stores a value that never expires.
const NoExpiration time.Duration = -1

type entry struct {
	data   any
	expiry *time.Time
}

// Listener observes writes to a single key. ok is false when the key was
// deleted or cleared.
type Listener func(value any, ok bool)

type subscription struct {
	id int
	fn Listener
}

// Cache is a TTL-bounded map. One Cache is built per running application and
// handed to every service that needs it.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]entry
	listeners map[string][]subscription
	nextID    int
	now       func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates an empty Cache.
func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   make(map[string]entry),
		listeners: make(map[string][]subscription),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value stored under key. An expired entry is deleted and
// reported as missing.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	if e.expiry != nil && !c.now().Before(*e.expiry) {
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	c.mu.Unlock()
	return e.data, true
}

// Set stores value under key. A ttl of NoExpiration (or any negative
// duration) keeps the value until it is deleted.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	c.entries[key] = c.newEntry(value, ttl)
	subs := c.snapshot(key)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(value, true)
	}
}

// SetDefault stores value with DefaultTTL.
func (c *Cache) SetDefault(key string, value any) {
	c.Set(key, value, DefaultTTL)
}

// SetIfAbsent stores value only when key holds no live entry. It reports
// whether the value was stored.
func (c *Cache) SetIfAbsent(key string, value any, ttl time.Duration) bool {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.expiry == nil || c.now().Before(*e.expiry) {
			c.mu.Unlock()
			return false
		}
	}
	c.entries[key] = c.newEntry(value, ttl)
	subs := c.snapshot(key)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(value, true)
	}
	return true
}

// Replace swaps the value of a live entry, keeping its expiry. It reports
// false, and stores nothing, when key is missing or expired.
func (c *Cache) Replace(key string, value any) bool {
	c.mu.Lock()
	e, ok := c.entries[key]
	if !ok || (e.expiry != nil && !c.now().Before(*e.expiry)) {
		c.mu.Unlock()
		return false
	}
	e.data = value
	c.entries[key] = e
	subs := c.snapshot(key)
	c.mu.Unlock()

	for _, s := range subs {
		s.fn(value, true)
	}
	return true
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	_, existed := c.entries[key]
	delete(c.entries, key)
	subs := c.snapshot(key)
	c.mu.Unlock()

	if !existed {
		return
	}
	for _, s := range subs {
		s.fn(nil, false)
	}
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	var notify []subscription
	for key := range c.entries {
		notify = append(notify, c.snapshot(key)...)
	}
	c.entries = make(map[string]entry)
	c.mu.Unlock()

	for _, s := range notify {
		s.fn(nil, false)
	}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Subscribe registers fn for writes to key and returns a function that
// removes the registration. fn runs on the writer's goroutine, outside the
// cache lock.
func (c *Cache) Subscribe(key string, fn Listener) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[key] = append(c.listeners[key], subscription{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.listeners[key]
		for i, s := range subs {
			if s.id == id {
				c.listeners[key] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(c.listeners[key]) == 0 {
			delete(c.listeners, key)
		}
	}
}

func (c *Cache) newEntry(value any, ttl time.Duration) entry {
	e := entry{data: value}
	if ttl >= 0 {
		exp := c.now().Add(ttl)
		e.expiry = &exp
	}
	return e
}

// snapshot must be called with c.mu held.
func (c *Cache) snapshot(key string) []subscription {
	subs := c.listeners[key]
	if len(subs) == 0 {
		return nil
	}
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

// Lookup is a typed Get. A value of a different type is reported as missing.
func Lookup[T any](c *Cache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}
