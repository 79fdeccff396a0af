package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"onbehalf/internal/api"

	"golang.org/x/sync/singleflight"
)

// Key is the composite cache key. Identity and Target separate entries
// across subjects and downstream audiences/SPNs; Session namespaces the
// per-session entry budget. Entries never cross any of the three.
type Key struct {
	Session  string
	Identity string
	Target   string
}

// String renders the key for use with singleflight and log output.
func (k Key) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Session, k.Identity, k.Target)
}

// Entry is an immutable cached value with its validity window. Renewal
// replaces the entry; it is never mutated in place.
type Entry[V any] struct {
	Value     V
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at the given time.
func (e *Entry[V]) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// RenewalDue reports whether the entry is close enough to expiry that
// callers should refresh it proactively instead of waiting for a miss.
func (e *Entry[V]) RenewalDue(threshold time.Duration) bool {
	return time.Until(e.ExpiresAt) <= threshold
}

// AcquireFunc produces a value and its TTL on a cache miss. The context
// it receives is detached from any single waiter: it is cancelled only
// when every waiter for the key has gone away.
type AcquireFunc[V any] func(ctx context.Context) (V, time.Duration, error)

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the total entry count; the least-recently-used
	// entry is evicted to make room. Zero means DefaultMaxEntries.
	MaxEntries int

	// MaxEntriesPerSession bounds each session namespace. A session
	// over budget evicts its own least-recently-used entry first,
	// never another session's. Zero disables the per-session bound.
	MaxEntriesPerSession int
}

// DefaultMaxEntries is the default total entry bound.
const DefaultMaxEntries = 10000

// item is the internal cache slot. It carries list elements for both the
// global LRU order and the owning session's LRU order.
type item[V any] struct {
	key        Key
	entry      *Entry[V]
	globalElem *list.Element
	sessElem   *list.Element
}

// flight tracks one in-flight acquisition and its waiters.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Cache is a bounded, TTL-aware key/value store safe for concurrent use
// from many in-flight calls. It guarantees at most one in-flight
// acquisition per key: concurrent callers for the same missing key await
// the first caller's result instead of duplicating the upstream call.
type Cache[V any] struct {
	mu       sync.Mutex
	items    map[Key]*item[V]
	global   *list.List            // front = most recently used
	sessions map[string]*list.List // per-session LRU order

	maxEntries    int
	maxPerSession int

	hits      int64
	misses    int64
	evictions int64

	group    singleflight.Group
	flightMu sync.Mutex
	inflight map[string]*flight

	// now is swappable for tests.
	now func() time.Time
}

// New creates a Cache with the given bounds.
func New[V any](opts Options) *Cache[V] {
	maxEntries := opts.MaxEntries
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Cache[V]{
		items:         make(map[Key]*item[V]),
		global:        list.New(),
		sessions:      make(map[string]*list.List),
		maxEntries:    maxEntries,
		maxPerSession: opts.MaxEntriesPerSession,
		inflight:      make(map[string]*flight),
		now:           time.Now,
	}
}

// Get returns the entry for key if present and unexpired. A lazily
// expired entry is removed on access. A hit counts as recent use for
// LRU ordering.
func (c *Cache[V]) Get(key Key) (*Entry[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	it, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if it.entry.Expired(c.now()) {
		c.removeLocked(it)
		c.misses++
		return nil, false
	}
	c.touchLocked(it)
	c.hits++
	return it.entry, true
}

// Put inserts or replaces the entry for key with the given TTL.
// Non-positive TTLs are rejected: a value the upstream considers already
// expired must not enter the cache.
func (c *Cache[V]) Put(key Key, value V, ttl time.Duration) *Entry[V] {
	if ttl <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	entry := &Entry[V]{
		Value:     value,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	if existing, ok := c.items[key]; ok {
		existing.entry = entry
		c.touchLocked(existing)
		return entry
	}

	// Session budget: the session over budget evicts its own LRU entry.
	if c.maxPerSession > 0 {
		if sessList, ok := c.sessions[key.Session]; ok && sessList.Len() >= c.maxPerSession {
			oldest := sessList.Back()
			if oldest != nil {
				c.removeLocked(oldest.Value.(*item[V]))
				c.evictions++
			}
		}
	}

	// Global budget: evict the globally least-recently-used entry.
	if len(c.items) >= c.maxEntries {
		oldest := c.global.Back()
		if oldest != nil {
			c.removeLocked(oldest.Value.(*item[V]))
			c.evictions++
		}
	}

	it := &item[V]{key: key, entry: entry}
	it.globalElem = c.global.PushFront(it)
	sessList, ok := c.sessions[key.Session]
	if !ok {
		sessList = list.New()
		c.sessions[key.Session] = sessList
	}
	it.sessElem = sessList.PushFront(it)
	c.items[key] = it
	return entry
}

// Delete removes the entry for key, if present.
func (c *Cache[V]) Delete(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(it)
	}
}

// Purge removes all entries. Counters are kept.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[Key]*item[V])
	c.global.Init()
	c.sessions = make(map[string]*list.List)
}

// PurgeSession removes every entry belonging to one session namespace.
// Called when the owning session ends so its credentials do not outlive
// it in memory.
func (c *Cache[V]) PurgeSession(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	sessList, ok := c.sessions[session]
	if !ok {
		return 0
	}
	removed := 0
	for sessList.Len() > 0 {
		c.removeLocked(sessList.Front().Value.(*item[V]))
		removed++
	}
	return removed
}

// Cleanup removes all expired entries and returns how many were removed.
// Expiry is otherwise handled lazily on access; this exists for
// long-running deployments that want bounded memory between accesses.
func (c *Cache[V]) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, it := range c.items {
		if it.entry.Expired(now) {
			c.removeLocked(it)
			removed++
		}
	}
	return removed
}

// Len returns the current entry count.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// SessionLen returns the entry count for one session namespace.
func (c *Cache[V]) SessionLen(session string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sessList, ok := c.sessions[session]; ok {
		return sessList.Len()
	}
	return 0
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() api.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return api.CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		CurrentSize: len(c.items),
	}
}

// GetOrAcquire returns the cached entry for key, or runs acquire to
// produce one. At most one acquisition per key is in flight; concurrent
// callers for the same key receive the same result. A failed acquire
// caches nothing.
//
// Cancellation semantics: a caller's context aborts only that caller's
// wait. The underlying acquisition is cancelled only when the last
// waiter has gone; if other callers still wait, the call continues and
// populates the cache for them.
//
// The second return value reports whether the result came from the
// cache without an upstream call on behalf of this caller.
func (c *Cache[V]) GetOrAcquire(ctx context.Context, key Key, acquire AcquireFunc[V]) (*Entry[V], bool, error) {
	if entry, ok := c.Get(key); ok {
		return entry, true, nil
	}

	flightKey := key.String()
	fl := c.joinFlight(ctx, flightKey)

	ch := c.group.DoChan(flightKey, func() (interface{}, error) {
		// Another caller may have populated the cache between our miss
		// and the flight start.
		if entry, ok := c.Get(key); ok {
			return entry, nil
		}
		value, ttl, err := acquire(fl.ctx)
		if err != nil {
			return nil, err
		}
		entry := c.Put(key, value, ttl)
		if entry == nil {
			return nil, fmt.Errorf("acquired value for %s has non-positive ttl %v", flightKey, ttl)
		}
		return entry, nil
	})

	select {
	case res := <-ch:
		c.leaveFlight(flightKey)
		if res.Err != nil {
			return nil, false, res.Err
		}
		return res.Val.(*Entry[V]), res.Shared, nil
	case <-ctx.Done():
		c.leaveFlight(flightKey)
		return nil, false, ctx.Err()
	}
}

// joinFlight registers a waiter for the key's in-flight acquisition,
// creating the flight if none exists. The flight context is detached
// from the joining caller's context.
func (c *Cache[V]) joinFlight(ctx context.Context, flightKey string) *flight {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()

	fl, ok := c.inflight[flightKey]
	if !ok {
		flightCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		fl = &flight{ctx: flightCtx, cancel: cancel}
		c.inflight[flightKey] = fl
	}
	fl.waiters++
	return fl
}

// leaveFlight deregisters a waiter. The last waiter out cancels the
// acquisition context and forgets the singleflight key so a later miss
// starts fresh.
func (c *Cache[V]) leaveFlight(flightKey string) {
	c.flightMu.Lock()
	defer c.flightMu.Unlock()

	fl, ok := c.inflight[flightKey]
	if !ok {
		return
	}
	fl.waiters--
	if fl.waiters <= 0 {
		fl.cancel()
		c.group.Forget(flightKey)
		delete(c.inflight, flightKey)
	}
}

// removeLocked unlinks an item from the map and both LRU lists.
// Callers must hold c.mu.
func (c *Cache[V]) removeLocked(it *item[V]) {
	delete(c.items, it.key)
	c.global.Remove(it.globalElem)
	if sessList, ok := c.sessions[it.key.Session]; ok {
		sessList.Remove(it.sessElem)
		if sessList.Len() == 0 {
			delete(c.sessions, it.key.Session)
		}
	}
}

// touchLocked marks an item as most recently used in both orders.
// Callers must hold c.mu.
func (c *Cache[V]) touchLocked(it *item[V]) {
	c.global.MoveToFront(it.globalElem)
	if sessList, ok := c.sessions[it.key.Session]; ok {
		sessList.MoveToFront(it.sessElem)
	}
}
