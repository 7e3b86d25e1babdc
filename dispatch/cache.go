// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package dispatch

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// RemoteCache is an optional second cache tier shared across gateway
// instances. Errors fail open: the in-memory tier keeps serving.
type RemoteCache interface {
	Get(ctx context.Context, fingerprint string) (json.RawMessage, bool, error)
	Set(ctx context.Context, fingerprint string, result json.RawMessage, ttl time.Duration) error
}

type cacheEntry struct {
	result     json.RawMessage
	insertedAt time.Time
	ttl        time.Duration
	refcount   int
	elem       *list.Element
}

func (e *cacheEntry) expired(now time.Time) bool {
	return e.ttl > 0 && now.After(e.insertedAt.Add(e.ttl))
}

// InFlightMarker is the single-flight rendezvous for one fingerprint. The
// origin job performs the backend call; waiters block on the marker and
// receive the same outcome. If the origin is cancelled, one waiter is
// promoted to become the new origin and re-dispatches.
type InFlightMarker struct {
	fingerprint string

	mu       sync.Mutex
	originID string
	waiters  int

	// done closes when the origin publishes or fails.
	done chan struct{}
	// promote carries the origin role to one waiter when the previous
	// origin abandons the call.
	promote chan struct{}

	result  json.RawMessage
	failure *Error
}

// OriginID returns the job currently responsible for the backend call.
func (m *InFlightMarker) OriginID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.originID
}

// LookupOutcome discriminates the three cache lookup results.
type LookupOutcome int

const (
	// LookupHit returns a cached result.
	LookupHit LookupOutcome = iota
	// LookupJoined attached the caller to an in-flight marker.
	LookupJoined
	// LookupMiss installed a marker; the caller is now the origin.
	LookupMiss
)

// Cache is the fingerprint-keyed response cache with TTL, bounded size with
// LRU eviction and single-flight de-duplication. At any instant a
// fingerprint has either a cache entry, an in-flight marker, or neither —
// never both.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	lru        *list.List // front: most recently used; values: fingerprints
	inflight   map[string]*InFlightMarker
	maxEntries int
	defaultTTL time.Duration
	remote     RemoteCache

	hits      atomic.Int64
	misses    atomic.Int64
	joins     atomic.Int64
	evictions atomic.Int64
}

// NewCache creates a cache with the given default TTL (0 disables caching
// of results; single-flight still works) and entry bound.
func NewCache(defaultTTL time.Duration, maxEntries int, remote RemoteCache) *Cache {
	if maxEntries <= 0 {
		maxEntries = defaultCacheMaxEntries
	}
	return &Cache{
		entries:    make(map[string]*cacheEntry),
		lru:        list.New(),
		inflight:   make(map[string]*InFlightMarker),
		maxEntries: maxEntries,
		defaultTTL: defaultTTL,
		remote:     remote,
	}
}

// Lookup resolves a fingerprint. On a hit the cached result is returned.
// If another job is already in flight for the fingerprint the caller joins
// its marker. Otherwise a marker is installed atomically and the caller
// becomes the origin, responsible for eventually calling Publish or Fail
// (or OriginAbandoned on cancellation).
func (c *Cache) Lookup(ctx context.Context, fingerprint, originJobID string) (LookupOutcome, json.RawMessage, *InFlightMarker) {
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		if e.expired(time.Now()) {
			c.removeEntryLocked(fingerprint, e)
		} else {
			c.lru.MoveToFront(e.elem)
			result := e.result
			c.mu.Unlock()
			c.hits.Add(1)
			return LookupHit, result, nil
		}
	}
	if m, ok := c.inflight[fingerprint]; ok {
		m.mu.Lock()
		m.waiters++
		m.mu.Unlock()
		c.mu.Unlock()
		c.joins.Add(1)
		return LookupJoined, nil, m
	}
	// Install the marker before consulting the remote tier so concurrent
	// lookups join instead of racing the remote read.
	m := &InFlightMarker{
		fingerprint: fingerprint,
		originID:    originJobID,
		done:        make(chan struct{}),
		promote:     make(chan struct{}, 1),
	}
	c.inflight[fingerprint] = m
	c.mu.Unlock()

	if c.remote != nil {
		if result, ok, err := c.remote.Get(ctx, fingerprint); err == nil && ok {
			c.Publish(fingerprint, originJobID, result, 0)
			c.hits.Add(1)
			return LookupHit, result, nil
		}
	}

	c.misses.Add(1)
	return LookupMiss, nil, m
}

// Await blocks until the marker settles, the waiter is promoted to origin,
// or ctx is done. promoted is true when the caller must re-dispatch as the
// new origin.
func (c *Cache) Await(ctx context.Context, m *InFlightMarker, jobID string) (result json.RawMessage, failure *Error, promoted bool, err error) {
	select {
	case <-m.done:
		m.mu.Lock()
		result, failure = m.result, m.failure
		m.mu.Unlock()
		return result, failure, false, nil
	case <-m.promote:
		m.mu.Lock()
		m.originID = jobID
		m.waiters--
		m.mu.Unlock()
		return nil, nil, true, nil
	case <-ctx.Done():
		c.leave(m)
		return nil, nil, false, ctx.Err()
	}
}

// leave detaches a waiter that gave up (cancel or deadline).
func (c *Cache) leave(m *InFlightMarker) {
	m.mu.Lock()
	if m.waiters > 0 {
		m.waiters--
	}
	m.mu.Unlock()
}

// Publish replaces the in-flight marker with a cache entry and wakes all
// waiters with the result. Only the marker's current origin may publish: a
// stale origin that lost its role through promotion is ignored. ttl 0 uses
// the default; when the effective TTL is zero (cache disabled) waiters
// still receive the result but nothing is stored.
func (c *Cache) Publish(fingerprint, originID string, result json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	m := c.inflight[fingerprint]
	if m != nil && m.OriginID() != originID {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, fingerprint)
	if ttl > 0 {
		c.storeEntryLocked(fingerprint, result, ttl)
	}
	c.mu.Unlock()

	if m != nil {
		m.mu.Lock()
		m.result = result
		m.mu.Unlock()
		close(m.done)
	}

	if c.remote != nil && ttl > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.remote.Set(ctx, fingerprint, result, ttl)
	}
}

// Fail removes the in-flight marker and wakes waiters with the error.
// Nothing is cached. Like Publish, only the current origin may fail the
// marker.
func (c *Cache) Fail(fingerprint, originID string, failure *Error) {
	c.mu.Lock()
	m := c.inflight[fingerprint]
	if m != nil && m.OriginID() != originID {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, fingerprint)
	c.mu.Unlock()

	if m != nil {
		m.mu.Lock()
		m.failure = failure
		m.mu.Unlock()
		close(m.done)
	}
}

// OriginAbandoned handles a cancelled origin: if waiters remain, one is
// promoted to re-dispatch and the marker stays installed; otherwise the
// marker is removed. Waiters of a cancelled origin are never cancelled
// themselves. The call is a no-op unless originID still owns the marker.
func (c *Cache) OriginAbandoned(fingerprint, originID string) {
	c.mu.Lock()
	m, ok := c.inflight[fingerprint]
	if !ok || m.OriginID() != originID {
		c.mu.Unlock()
		return
	}
	m.mu.Lock()
	hasWaiters := m.waiters > 0
	m.mu.Unlock()
	if !hasWaiters {
		delete(c.inflight, fingerprint)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case m.promote <- struct{}{}:
	default:
	}
}

// Pin increments an entry's refcount so eviction skips it. Returns false
// when the fingerprint has no live entry.
func (c *Cache) Pin(fingerprint string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok || e.expired(time.Now()) {
		return false
	}
	e.refcount++
	return true
}

// Unpin releases a Pin.
func (c *Cache) Unpin(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[fingerprint]; ok && e.refcount > 0 {
		e.refcount--
	}
}

// Stats snapshots cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	entries := len(c.entries)
	inflight := len(c.inflight)
	c.mu.Unlock()
	return CacheStats{
		Entries:   entries,
		InFlight:  inflight,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Joins:     c.joins.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache) storeEntryLocked(fingerprint string, result json.RawMessage, ttl time.Duration) {
	if e, ok := c.entries[fingerprint]; ok {
		e.result = result
		e.insertedAt = time.Now()
		e.ttl = ttl
		c.lru.MoveToFront(e.elem)
		return
	}
	e := &cacheEntry{
		result:     result,
		insertedAt: time.Now(),
		ttl:        ttl,
	}
	e.elem = c.lru.PushFront(fingerprint)
	c.entries[fingerprint] = e
	c.evictOverflowLocked()
}

// evictOverflowLocked drops least-recently-used entries beyond the size
// bound. Pinned entries are skipped until their references drop.
func (c *Cache) evictOverflowLocked() {
	for len(c.entries) > c.maxEntries {
		evicted := false
		for elem := c.lru.Back(); elem != nil; elem = elem.Prev() {
			fp := elem.Value.(string)
			e := c.entries[fp]
			if e.refcount > 0 {
				continue
			}
			c.removeEntryLocked(fp, e)
			c.evictions.Add(1)
			evicted = true
			break
		}
		if !evicted {
			// Everything remaining is pinned.
			return
		}
	}
}

func (c *Cache) removeEntryLocked(fingerprint string, e *cacheEntry) {
	delete(c.entries, fingerprint)
	if e.elem != nil {
		c.lru.Remove(e.elem)
	}
}
