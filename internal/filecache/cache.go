package filecache

import (
	"errors"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrWouldBlock is returned by GetAndRef when no cached entry exists yet
// and another caller is already constructing one for the same key. The
// caller must not wait on it -- that would stall the event loop thread --
// and should instead fall back to a floating entry via GetForTask.
var ErrWouldBlock = errors.New("filecache: would block")

// Metrics receives cache events. Shaped after cached_runner.go's
// refcounted-cache Metrics interface (crossplane/internal/xfn/cached):
// hit/miss/evict counters a caller wires to Prometheus.
type Metrics interface {
	Hit(key string)
	Miss(key string)
	Evict(key string)
}

type noopMetrics struct{}

func (noopMetrics) Hit(string)   {}
func (noopMetrics) Miss(string)  {}
func (noopMetrics) Evict(string) {}

// Factory builds a fresh Entry for key. Invoked at most once concurrently
// per key; the facade's singleflight group guarantees that.
type Factory func(key string) (*Entry, error)

// Cache is the content cache facade: get_and_ref / coro_get_and_ref /
// unref from spec section 4.5, backing the three entry variants in
// entry.go. Reads never block on a concurrent miss -- they either hit the
// index or report ErrWouldBlock immediately.
type Cache struct {
	mu      sync.RWMutex
	index   map[string]*Entry
	flight  singleflight.Group
	factory Factory
	metrics Metrics
}

// New builds a Cache that constructs missing entries with factory.
// metrics may be nil, in which case events are dropped.
func New(factory Factory, metrics Metrics) *Cache {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Cache{
		index:   make(map[string]*Entry),
		factory: factory,
		metrics: metrics,
	}
}

// GetAndRef returns a referenced Entry for key. It never blocks: a cache
// hit returns immediately; a cache miss either resolves immediately (rare,
// when the singleflight call happens to finish before this goroutine gets
// scheduled back) or returns ErrWouldBlock while construction proceeds on
// another goroutine for whichever caller eventually observes it ready.
func (c *Cache) GetAndRef(key string) (*Entry, error) {
	c.mu.RLock()
	if e, ok := c.index[key]; ok {
		e.ref()
		c.mu.RUnlock()
		c.metrics.Hit(key)
		return e, nil
	}
	c.mu.RUnlock()

	c.metrics.Miss(key)
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		return c.factory(key)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		entry := res.Val.(*Entry)
		return c.install(key, entry), nil
	default:
		return nil, ErrWouldBlock
	}
}

// install inserts a freshly built entry into the index, or -- if another
// goroutine raced it in between the singleflight call resolving and this
// one observing it -- hands back the already-indexed entry and lets the
// redundant one go unused (its only reference is dropped here).
func (c *Cache) install(key string, entry *Entry) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.index[key]; ok {
		existing.ref()
		entry.Unref()
		return existing
	}
	c.index[key] = entry
	return entry
}

// GetForTask is the coro_get_and_ref path: on a cache hit it behaves like
// GetAndRef; on ErrWouldBlock it builds a floating entry via fallback
// instead of propagating the error, and arranges for that entry to be
// released when the task tears down. Floating entries are never indexed,
// so concurrent requests for the same key each get their own.
func (c *Cache) GetForTask(key string, fallback Factory, onRelease func(fn func())) (*Entry, error) {
	entry, err := c.GetAndRef(key)
	switch {
	case err == nil:
		onRelease(entry.Unref)
		return entry, nil
	case errors.Is(err, ErrWouldBlock):
		floating, ferr := fallback(key)
		if ferr != nil {
			return nil, ferr
		}
		floating.Floating = true
		onRelease(floating.Unref)
		return floating, nil
	default:
		return nil, err
	}
}

// Invalidate drops an indexed entry so the next GetAndRef rebuilds it.
// The file-serving handler calls neither Invalidate nor Stale, so an
// indexed entry stays in place until some caller invalidates it.
// Outstanding references already handed out are unaffected until their
// holders call Unref.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		delete(c.index, key)
	}
	c.mu.Unlock()
	if ok {
		c.metrics.Evict(key)
		e.Unref()
	}
}

// Stale reports whether an indexed entry no longer matches currentMTime,
// meaning the caller should Invalidate and rebuild.
func (e *Entry) Stale(currentMTime int64) bool {
	return e.LastModified != currentMTime
}
