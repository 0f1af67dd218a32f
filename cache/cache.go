// Package cache implements the content-addressed result cache with
// single-flight semantics: at most one producer runs per fingerprint,
// concurrent callers for the same fingerprint wait for its result, and
// resolved entries age out of a bounded LRU.
package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

type state int

const (
	statePending state = iota
	stateReady
	stateFailed
)

// Config bounds the cache. Zero values select the defaults.
type Config struct {
	MaxEntries  int           // resolved-entry capacity (default 10000)
	MaxAge      time.Duration // Ready entry lifetime (default 300s)
	NegativeTTL time.Duration // Failed entry lifetime (default 30s)
}

func (c Config) withDefaults() Config {
	if c.MaxEntries <= 0 {
		c.MaxEntries = 10000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 300 * time.Second
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 30 * time.Second
	}
	return c
}

type entry[V any] struct {
	fingerprint string
	state       state
	value       V
	err         error
	done        chan struct{} // closed exactly once on resolution
	resolvedAt  time.Time
	elem        *list.Element // LRU position; nil while Pending
}

// Cache is safe for concurrent use. The map and LRU list are guarded by
// one short-lived mutex; entry values are immutable once resolved, so
// woken waiters read them without locking.
type Cache[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	lru     *list.List // front = most recently used; Pending entries are not listed
	cfg     Config
	now     func() time.Time

	hits   int64
	misses int64
}

// Stats is a point-in-time cache snapshot.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// New builds a cache with the given bounds.
func New[V any](cfg Config) *Cache[V] {
	return &Cache[V]{
		entries: make(map[string]*entry[V]),
		lru:     list.New(),
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
}

// LookupOrInsert returns the cached value for fingerprint, or runs
// produce on the caller's behalf and caches its outcome.
//
// cached reports whether the caller was served without running produce
// itself (a Ready hit, a cached failure, or a coalesced wait on another
// caller's in-flight producer).
//
// A producer that fails with a context error makes no Ready or Failed
// transition: waiters are woken with that error and the fingerprint is
// vacated so a retry recomputes from scratch. Any other producer error
// is cached for the negative TTL.
func (c *Cache[V]) LookupOrInsert(ctx context.Context, fingerprint string, produce func() (V, error)) (value V, cached bool, err error) {
	var zero V
	c.mu.Lock()
	if e, ok := c.entries[fingerprint]; ok {
		switch e.state {
		case stateReady:
			if c.now().Sub(e.resolvedAt) <= c.cfg.MaxAge {
				c.lru.MoveToFront(e.elem)
				c.hits++
				c.mu.Unlock()
				return e.value, true, nil
			}
			c.removeLocked(e) // expired; this caller becomes the producer
		case stateFailed:
			if c.now().Sub(e.resolvedAt) <= c.cfg.NegativeTTL {
				c.hits++
				c.mu.Unlock()
				return zero, true, e.err
			}
			c.removeLocked(e)
		case statePending:
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return zero, false, ctx.Err()
			case <-e.done:
			}
			// Resolution closed the channel after publishing state, so
			// the entry is immutable here.
			if e.state == stateReady {
				return e.value, true, nil
			}
			return zero, true, e.err
		}
	}

	// Miss: this caller is the producer.
	e := &entry[V]{
		fingerprint: fingerprint,
		state:       statePending,
		done:        make(chan struct{}),
	}
	c.entries[fingerprint] = e
	c.misses++
	c.mu.Unlock()

	value, err = produce()

	c.mu.Lock()
	e.resolvedAt = c.now()
	switch {
	case err == nil:
		e.state = stateReady
		e.value = value
		e.elem = c.lru.PushFront(e)
		c.evictLocked()
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// Cancelled producer: no transition, vacate the fingerprint.
		e.state = stateFailed
		e.err = err
		delete(c.entries, fingerprint)
	default:
		e.state = stateFailed
		e.err = err
		e.elem = c.lru.PushFront(e)
		c.evictLocked()
	}
	c.mu.Unlock()

	// Wake waiters outside the critical section.
	close(e.done)
	return value, false, err
}

// removeLocked drops a resolved entry from the map and LRU list.
func (c *Cache[V]) removeLocked(e *entry[V]) {
	delete(c.entries, e.fingerprint)
	if e.elem != nil {
		c.lru.Remove(e.elem)
		e.elem = nil
	}
}

// evictLocked enforces the entry-count bound and expires aged entries
// from the cold end. Pending entries are never in the list and so are
// never evicted.
func (c *Cache[V]) evictLocked() {
	for c.lru.Len() > c.cfg.MaxEntries {
		oldest := c.lru.Back()
		if oldest == nil {
			return
		}
		c.removeLocked(oldest.Value.(*entry[V]))
	}
	now := c.now()
	for {
		back := c.lru.Back()
		if back == nil {
			return
		}
		e := back.Value.(*entry[V])
		ttl := c.cfg.MaxAge
		if e.state == stateFailed {
			ttl = c.cfg.NegativeTTL
		}
		if now.Sub(e.resolvedAt) <= ttl {
			return
		}
		c.removeLocked(e)
	}
}

// Stats returns current occupancy and hit counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

// Len returns the number of entries, Pending included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
